package executor

import (
	"time"

	"farebox/internal/config"
	"farebox/internal/registry"
)

// RegisterAll wires every task type the engine can run, with the input
// fields each type requires at admission.
func RegisterAll(reg *registry.Registry, cfg *config.Config) {
	automation := NewAutomationClient(cfg.Automation.BaseURL, time.Duration(cfg.Automation.TimeoutSeconds)*time.Second)

	reg.Register("uber_ride", UberRide{Client: automation},
		"from_address", "to_address")
	reg.Register("shopify_order", ShopifyOrder{Client: automation},
		"product_url", "size")
	reg.Register("shopify_search", ShopifySearch{Client: automation},
		"query")
	reg.Register("coinbase_onramp", NewCoinbaseOnramp(
		cfg.Onramp.APIKeyID, cfg.Onramp.APIKeySecret,
		cfg.Onramp.Host, cfg.Onramp.Path,
		time.Duration(cfg.Automation.TimeoutSeconds)*time.Second),
		"destination_address", "destination_network", "purchase_currency",
		"payment_amount", "payment_currency", "payment_method",
		"country", "partner_user_ref")
}
