package executor

import (
	"context"
	"fmt"

	"farebox/internal/registry"
)

// UberRide books a ride between two addresses through the automation
// service. A declined payment fails the task without retry.
type UberRide struct {
	Client *AutomationClient
}

type uberRideResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	UberURL string `json:"uber_url,omitempty"`
}

func (u UberRide) Execute(ctx context.Context, input map[string]any, report registry.ProgressFunc) (map[string]any, error) {
	from, _ := input["from_address"].(string)
	to, _ := input["to_address"].(string)

	report("Starting Uber ride booking")
	report(fmt.Sprintf("Booking ride from %s to %s", from, to))

	var resp uberRideResponse
	err := u.Client.post(ctx, "/uber/book-ride", map[string]any{
		"from_address": from,
		"to_address":   to,
	}, &resp)
	if err != nil {
		report(fmt.Sprintf("Error: %s", err))
		return nil, fmt.Errorf("book ride: %w", err)
	}

	if !resp.Success {
		report("Payment declined")
		return nil, registry.Fatal(fmt.Errorf("payment was declined or booking failed"))
	}

	report("Ride booking process completed")
	return map[string]any{
		"success":  true,
		"message":  resp.Message,
		"uber_url": resp.UberURL,
	}, nil
}
