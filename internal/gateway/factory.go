package gateway

import (
	"trading-guard/pkg/config"
	"trading-guard/pkg/exchanges/backup"
	"trading-guard/pkg/exchanges/common"
	"trading-guard/pkg/exchanges/cryptocom"
)

// Build wires the venue client, the optional backup service and the breaker
// from configuration.
func Build(cfg *config.Config, norm cryptocom.Normalizer, memo *cryptocom.VariantMemo, alerts Alerter) (*Router, *cryptocom.Client) {
	proxyURL := ""
	if cfg.ProxyConfigured() {
		proxyURL = cfg.ProxyURL
	}
	client := cryptocom.New(cryptocom.Config{
		BaseURL:        cfg.ExchangeBaseURL,
		APIKey:         cfg.ExchangeAPIKey,
		APISecret:      cfg.ExchangeAPISecret,
		ProxyURL:       proxyURL,
		ProxyToken:     cfg.ProxyToken,
		ProxyDefault:   cfg.ProxyDefault,
		Timeout:        cfg.ExchangeHTTPTimeout,
		RPS:            cfg.ExchangeRPS,
		Burst:          cfg.ExchangeBurst,
		ClientIDPrefix: cfg.InstanceID,
	}, norm, memo)

	var fallback common.Gateway
	if cfg.BackupURL != "" {
		fallback = backup.New(cfg.BackupURL, cfg.BackupToken, cfg.ExchangeHTTPTimeout)
	}

	router := NewRouter(client, fallback, NewConditionalBreaker(cfg.ConditionalCooldown, alerts), Options{
		ProxyDefault:          cfg.ProxyDefault,
		FailoverWritesEnabled: cfg.FailoverWritesEnabled,
	})
	return router, client
}
