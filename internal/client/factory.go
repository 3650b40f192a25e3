package client

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vistabridge/vistabridge/internal/config"
)

// NewCacheStore builds the response cache backend named by the configuration:
// "memory" (default) or "bolt". Bolt requires RESPONSE_CACHE_PATH.
func NewCacheStore(cfg *config.Config) (CacheStore, error) {
	switch cfg.ResponseCacheBackend {
	case "", "memory":
		return NewMemoryCache(time.Minute), nil
	case "bolt":
		if cfg.ResponseCachePath == "" {
			return nil, fmt.Errorf("RESPONSE_CACHE_PATH is required for the bolt cache backend")
		}
		return NewBoltCache(cfg.ResponseCachePath)
	default:
		return nil, fmt.Errorf("unknown response cache backend %q", cfg.ResponseCacheBackend)
	}
}

// NewFromConfig builds a GatewayClient wired to the configured cache backend
// and token cache settings.
func NewFromConfig(cfg *config.Config, baseURL, apiKey string, logger zerolog.Logger) (*GatewayClient, error) {
	cache, err := NewCacheStore(cfg)
	if err != nil {
		return nil, err
	}
	return New(Options{
		BaseURL:           baseURL,
		APIKey:            apiKey,
		ResponseCache:     cache,
		RefreshBuffer:     time.Duration(cfg.TokenRefreshBufferSeconds) * time.Second,
		DefaultCacheTTL:   time.Duration(cfg.ResponseCacheTTLSeconds) * time.Second,
		DisableTokenCache: !cfg.TokenCacheEnabled,
		Logger:            logger,
	}), nil
}
