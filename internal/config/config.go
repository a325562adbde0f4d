// Package config содержит логику чтения конфигурации сервиса заказов.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса заказов.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	OrderPrefix    string `env:"ORDER_PREFIX"`
	GatewayAddress string `env:"GATEWAY_ADDRESS"`
	GatewayMode    string `env:"GATEWAY_MODE"`
	StaffSecret    string `env:"STAFF_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envOrderPrefix := cfg.OrderPrefix
	envGatewayAddress := cfg.GatewayAddress
	envGatewayMode := cfg.GatewayMode
	envStaffSecret := cfg.StaffSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.OrderPrefix, "p", "VENXREV", "order number prefix")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.GatewayMode, "m", "demo", "payment gateway mode (demo or production)")
	flag.StringVar(&cfg.StaffSecret, "s", "orderd-secret", "secret for staff auth cookies")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envOrderPrefix != "" {
		cfg.OrderPrefix = envOrderPrefix
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}
	if envGatewayMode != "" {
		cfg.GatewayMode = envGatewayMode
	}
	if envStaffSecret != "" {
		cfg.StaffSecret = envStaffSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.GatewayMode != "demo" && cfg.GatewayMode != "production" {
		return nil, fmt.Errorf("invalid gateway mode %q", cfg.GatewayMode)
	}

	return cfg, nil
}
