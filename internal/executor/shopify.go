package executor

import (
	"context"
	"fmt"
	"strings"

	"farebox/internal/registry"
)

// ShopifyOrder checks out a product through the automation service.
type ShopifyOrder struct {
	Client *AutomationClient
}

type shopifyOrderResponse struct {
	Success      bool           `json:"success"`
	Status       string         `json:"status,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	OrderDetails map[string]any `json:"order_details,omitempty"`
}

func (s ShopifyOrder) Execute(ctx context.Context, input map[string]any, report registry.ProgressFunc) (map[string]any, error) {
	productURL, _ := input["product_url"].(string)
	size, _ := input["size"].(string)

	report("Starting checkout process")

	var resp shopifyOrderResponse
	err := s.Client.post(ctx, "/shopify/order", map[string]any{
		"product_url": productURL,
		"size":        size,
	}, &resp)
	if err != nil {
		report(fmt.Sprintf("Error: %s", err))
		return nil, fmt.Errorf("shopify checkout: %w", err)
	}

	if !resp.Success {
		errMsg := resp.Error
		if errMsg == "" {
			errMsg = "Unknown error occurred"
		}
		// The automation service signals a card decline by name; no amount
		// of retrying fixes a declined card.
		if strings.EqualFold(errMsg, "Payment Declined") {
			msg := resp.Message
			if msg == "" {
				msg = "Your card was declined"
			}
			report("Payment Declined")
			return nil, registry.Fatal(fmt.Errorf("payment declined: %s", msg))
		}
		report(fmt.Sprintf("Checkout failed: %s", errMsg))
		return nil, fmt.Errorf("checkout failed: %s", errMsg)
	}

	result := map[string]any{
		"success":       true,
		"message":       "Order placed successfully",
		"order_details": resp.OrderDetails,
	}
	if resp.Status == "Checked Out" {
		report("Order confirmed - Checked Out")
		result["status"] = resp.Status
		result["message"] = "Order confirmed successfully"
	} else {
		report("Order processing complete")
	}
	return result, nil
}

// ShopifySearch looks up products matching a query.
type ShopifySearch struct {
	Client *AutomationClient
}

type shopifySearchResponse struct {
	Success bool     `json:"success"`
	Results []string `json:"results"`
	Count   int      `json:"count"`
}

func (s ShopifySearch) Execute(ctx context.Context, input map[string]any, report registry.ProgressFunc) (map[string]any, error) {
	query, _ := input["query"].(string)
	numResults := 5
	if n, ok := input["num_results"].(float64); ok && n > 0 {
		numResults = int(n)
	}

	report(fmt.Sprintf("Searching for: %s", query))

	var resp shopifySearchResponse
	err := s.Client.post(ctx, "/shopify/search", map[string]any{
		"query":       query,
		"num_results": numResults,
	}, &resp)
	if err != nil {
		report(fmt.Sprintf("Error: %s", err))
		return nil, fmt.Errorf("shopify search: %w", err)
	}

	report(fmt.Sprintf("Found %d results", resp.Count))
	return map[string]any{
		"success": resp.Success,
		"results": resp.Results,
		"count":   resp.Count,
	}, nil
}
