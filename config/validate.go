package config

import (
	"fmt"
	"strings"

	"escrowengine/native/escrow"
)

// Validate rejects configurations the daemon cannot run with.
func (cfg *Config) Validate() error {
	if cfg.GenesisTime < 0 {
		return fmt.Errorf("config: GenesisTime must not be negative")
	}
	if cfg.MaxRequestSkew < 0 {
		return fmt.Errorf("config: MaxRequestSkew must not be negative")
	}
	if cfg.MaxRequestSkew > maxSkewSeconds {
		return fmt.Errorf("config: MaxRequestSkew must not exceed %d seconds", maxSkewSeconds)
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("config: rate_limit values must not be negative")
	}
	if cfg.RateLimit.Burst == 0 && cfg.RateLimit.RequestsPerSecond > 0 {
		return fmt.Errorf("config: rate_limit.Burst must be positive when rate limiting")
	}
	seen := make(map[string]struct{}, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		normalized, err := escrow.NormalizeAsset(asset)
		if err != nil {
			return fmt.Errorf("config: Assets: %w", err)
		}
		if _, dup := seen[normalized]; dup {
			return fmt.Errorf("config: Assets lists %s twice", normalized)
		}
		seen[normalized] = struct{}{}
	}
	if (cfg.Telemetry.Traces || cfg.Telemetry.Metrics) && strings.Contains(cfg.Telemetry.Endpoint, "://") {
		return fmt.Errorf("config: telemetry.Endpoint must be host:port without a scheme")
	}
	return nil
}
