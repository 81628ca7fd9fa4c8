package pipeline

import (
	"context"
	"fmt"
	"time"

	"smartcal/internal/cache"
	"smartcal/internal/classify"
	"smartcal/internal/config"
	appLog "smartcal/internal/log"
)

// OpenStore opens the configured cache backend.
func OpenStore(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return cache.OpenSQLite(cfg.SQLitePath)
	case "file", "":
		return cache.NewFileStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// OpenCache returns nil, nil when caching is disabled. The caller owns the
// returned store and must close it.
func OpenCache(cfg *config.Config, now func() time.Time) (*cache.Cache, cache.Store, error) {
	if !cfg.Cache.Enabled {
		return nil, nil, nil
	}
	store, err := OpenStore(cfg.Cache)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache: %w", err)
	}
	opts := []cache.Option{cache.WithPolicies(cfg.CachePolicies())}
	if now != nil {
		opts = append(opts, cache.WithClock(now))
	}
	appLog.Debug("cache opened", "backend", cfg.Cache.Backend)
	return cache.New(store, opts...), store, nil
}

// NewClassifier builds the configured external classifier, or nil when it
// is disabled.
func NewClassifier(ctx context.Context, cfg config.ClassifierConfig) (classify.Classifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Provider {
	case "gemini":
		g, err := classify.NewGeminiClassifier(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "ollama", "":
		return classify.NewOllamaClassifier(cfg.Endpoint, cfg.Model, cfg.Timeout()), nil
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
	}
}
