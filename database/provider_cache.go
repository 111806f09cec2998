package database

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/gaborage/go-bricks-txn/config"
	"github.com/gaborage/go-bricks-txn/database/types"
	"github.com/gaborage/go-bricks-txn/logger"
)

// ProviderSource hands out the provider of a database identity.
type ProviderSource interface {
	Provider(ctx context.Context, identity types.Identity) (types.Provider, error)
}

// Connector creates a provider from configuration.
type Connector func(*config.DatabaseConfig, logger.Logger) (types.Provider, error)

// ProviderCache keeps one provider, and so one connection pool, per database
// identity for the life of the process. Unit-of-work contexts share it; it is
// safe for concurrent use.
type ProviderCache struct {
	logger    logger.Logger
	connector Connector

	mu        sync.RWMutex
	providers map[string]types.Provider

	// Singleflight for concurrent initialization
	sfg singleflight.Group
}

// NewProviderCache creates an empty cache. A nil connector uses NewProvider.
func NewProviderCache(log logger.Logger, connector Connector) *ProviderCache {
	if connector == nil {
		connector = NewProvider
	}
	return &ProviderCache{
		logger:    log,
		connector: connector,
		providers: make(map[string]types.Provider),
	}
}

// Provider returns the provider for identity, creating it on first use.
func (c *ProviderCache) Provider(_ context.Context, identity types.Identity) (types.Provider, error) {
	key := identity.Key()
	if p := c.getExisting(key); p != nil {
		return p, nil
	}

	// Use singleflight to prevent thundering herd on pool creation
	result, err, _ := c.sfg.Do(key, func() (any, error) {
		if p := c.getExisting(key); p != nil {
			return p, nil
		}
		return c.createProvider(identity)
	})
	if err != nil {
		return nil, err
	}
	return result.(types.Provider), nil
}

func (c *ProviderCache) getExisting(key string) types.Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providers[key]
}

func (c *ProviderCache) createProvider(identity types.Identity) (types.Provider, error) {
	if identity.Config == nil {
		return nil, fmt.Errorf("no configuration for %s database", identity)
	}
	p, err := c.connector(identity.Config, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider for %s database: %w", identity, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[identity.Key()] = p

	c.logger.Info().
		Str("database", identity.String()).
		Str("db_type", string(identity.Engine)).
		Msg("Created database provider")
	return p, nil
}

// Size returns the number of cached providers.
func (c *ProviderCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.providers)
}

// Close closes every provider and empties the cache.
func (c *ProviderCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for key, p := range c.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing provider for key %q: %w", key, err))
		}
	}
	c.providers = make(map[string]types.Provider)
	return errors.Join(errs...)
}
