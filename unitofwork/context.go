package unitofwork

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gaborage/go-bricks-txn/cache"
	"github.com/gaborage/go-bricks-txn/config"
	"github.com/gaborage/go-bricks-txn/database"
	"github.com/gaborage/go-bricks-txn/logger"
)

// Factory creates unit-of-work contexts. It owns the process level pieces:
// the database catalog, the provider cache and the timeout policy. A
// Factory is safe for concurrent use; the contexts it creates are not.
type Factory struct {
	catalog   *database.Catalog
	providers database.ProviderSource
	timeouts  *database.TimeoutPolicy
	log       logger.Logger
	owned     *database.ProviderCache
}

// NewFactory builds a factory from configuration. Providers are created
// lazily, one per database, and shared by every context.
func NewFactory(cfg *config.Config, log logger.Logger) (*Factory, error) {
	if log == nil {
		log = logger.Nop()
	}
	catalog, err := database.NewCatalog(cfg)
	if err != nil {
		return nil, err
	}
	timeouts, err := database.NewTimeoutPolicy(&cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid command timeouts: %w", err)
	}
	providers := database.NewProviderCache(log, database.NewProvider)

	f := NewFactoryWith(catalog, providers, timeouts, log)
	f.owned = providers
	return f, nil
}

// NewFactoryWith builds a factory from explicit parts. The caller keeps
// ownership of providers.
func NewFactoryWith(catalog *database.Catalog, providers database.ProviderSource, timeouts *database.TimeoutPolicy, log logger.Logger) *Factory {
	if log == nil {
		log = logger.Nop()
	}
	if timeouts == nil {
		timeouts = database.DefaultTimeoutPolicy()
	}
	return &Factory{catalog: catalog, providers: providers, timeouts: timeouts, log: log}
}

// Catalog returns the databases contexts can reach.
func (f *Factory) Catalog() *database.Catalog {
	return f.catalog
}

// NewContext creates a context with a fresh registry, coordinator and read
// cache.
func (f *Factory) NewContext() *Context {
	id := uuid.NewString()
	log := f.log.WithFields(map[string]any{"uow_context": id})
	registry := database.NewRegistry(f.catalog, f.providers, log, f.timeouts)
	rc := cache.New(id)
	return &Context{
		id:          id,
		registry:    registry,
		cache:       rc,
		coordinator: NewCoordinator(registry, rc, log),
	}
}

// Run executes work in a new context carried by ctx. Work that succeeds is
// committed and its deferred effects run; work that fails is rolled back.
// Run may be nested: the inner work gets its own context, committed or
// rolled back independently, and the outer context is visible again once
// it returns.
func (f *Factory) Run(ctx context.Context, work func(ctx context.Context) error) error {
	return f.NewContext().Run(ctx, work)
}

// Close closes the providers the factory created.
func (f *Factory) Close() error {
	if f.owned == nil {
		return nil
	}
	return f.owned.Close()
}

// Context is the state of one unit of work: one request or one console
// invocation. It must not be shared between goroutines.
type Context struct {
	id          string
	registry    *database.Registry
	cache       *cache.ReadCache
	coordinator *Coordinator
}

// ID identifies the context in logs.
func (c *Context) ID() string {
	return c.id
}

// Coordinator returns the context's transaction coordinator.
func (c *Context) Coordinator() *Coordinator {
	return c.coordinator
}

// Registry returns the context's connections.
func (c *Context) Registry() *database.Registry {
	return c.registry
}

// Cache returns the context's read cache.
func (c *Context) Cache() *cache.ReadCache {
	return c.cache
}

// Run executes work with c attached to ctx, then commits the context on
// success or rolls it back on failure.
func (c *Context) Run(ctx context.Context, work func(ctx context.Context) error) (err error) {
	ctx = WithContext(ctx, c)

	defer func() {
		if r := recover(); r != nil {
			_ = c.coordinator.RollbackTransactions(ctx, true)
			panic(r)
		}
	}()

	if workErr := work(ctx); workErr != nil {
		return errors.Join(workErr, c.coordinator.RollbackTransactions(ctx, true))
	}
	return c.coordinator.CommitTransactions(ctx, true)
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying uow.
func WithContext(ctx context.Context, uow *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, uow)
}

// FromContext returns the unit-of-work context carried by ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	uow, ok := ctx.Value(contextKey{}).(*Context)
	return uow, ok
}
