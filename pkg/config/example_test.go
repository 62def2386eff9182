package config_test

import (
	"fmt"

	"github.com/hipo/sharemarket/pkg/config"
)

// Example demonstrates how to use the config package
func Example() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		return
	}

	fmt.Printf("Server running on port: %s\n", cfg.Port)
	fmt.Printf("Store driver: %s\n", cfg.StoreDriver)
	fmt.Printf("Order TTL: %s\n", cfg.Market.OrderTTL)
	fmt.Printf("Referral rate: %s\n", cfg.Market.ReferralRate)
}
