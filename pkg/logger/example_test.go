package logger_test

import (
	"errors"

	"github.com/hipo/sharemarket/pkg/config"
	"github.com/hipo/sharemarket/pkg/logger"
)

// Example_withFields demonstrates structured logging with fields
func Example_withFields() {
	cfg := &config.Config{
		Env:       "production",
		LogLevel:  "info",
		LogFormat: "json",
	}

	log := logger.New(cfg)

	log.WithField("user_id", "12345").Info("Order placed")

	log.WithFields(map[string]interface{}{
		"target_id": "creator-7",
		"price":     "90",
		"quantity":  10,
		"side":      "BUY",
	}).Info("Trade settled")
}

// Example_withError demonstrates error logging
func Example_withError() {
	cfg := &config.Config{
		Env:       "production",
		LogLevel:  "error",
		LogFormat: "json",
	}

	log := logger.New(cfg)

	err := errors.New("referral lookup timeout")
	log.WithError(err).
		WithFields(map[string]interface{}{
			"handler": "referral",
			"attempt": 3,
		}).
		Error("Cascade handler failed")
}
