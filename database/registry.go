package database

import (
	"context"

	"github.com/gaborage/go-bricks-txn/database/types"
	"github.com/gaborage/go-bricks-txn/logger"
)

// Registry creates exactly one Connection per database identity for the
// lifetime of a unit-of-work context. Connections are never evicted.
type Registry struct {
	catalog   *Catalog
	providers ProviderSource
	log       logger.Logger
	timeouts  *TimeoutPolicy

	primary     *Connection
	secondaries map[string]*Connection
	order       []string
}

// NewRegistry creates an empty registry.
func NewRegistry(catalog *Catalog, providers ProviderSource, log logger.Logger, timeouts *TimeoutPolicy) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		catalog:     catalog,
		providers:   providers,
		log:         log,
		timeouts:    timeouts,
		secondaries: make(map[string]*Connection),
	}
}

// Catalog returns the catalog the registry resolves names with.
func (r *Registry) Catalog() *Catalog {
	return r.catalog
}

// GetOrCreate returns the connection for identity, creating a closed one on
// the first call.
func (r *Registry) GetOrCreate(ctx context.Context, identity types.Identity) (*Connection, error) {
	if conn, ok := r.Lookup(identity); ok {
		return conn, nil
	}

	provider, err := r.providers.Provider(ctx, identity)
	if err != nil {
		return nil, err
	}
	conn := NewConnection(identity, provider, r.log, r.timeouts)

	if identity.IsPrimary() {
		r.primary = conn
	} else {
		r.secondaries[identity.Key()] = conn
		r.order = append(r.order, identity.Key())
	}
	return conn, nil
}

// Lookup returns the connection for identity if it was already created.
func (r *Registry) Lookup(identity types.Identity) (*Connection, bool) {
	if identity.IsPrimary() {
		return r.primary, r.primary != nil
	}
	conn, ok := r.secondaries[identity.Key()]
	return conn, ok
}

// Primary returns the primary connection.
func (r *Registry) Primary(ctx context.Context) (*Connection, error) {
	return r.GetOrCreate(ctx, r.catalog.Primary())
}

// Secondary returns the connection of the named secondary database.
func (r *Registry) Secondary(ctx context.Context, name string) (*Connection, error) {
	id, err := r.catalog.Identity(name)
	if err != nil {
		return nil, err
	}
	return r.GetOrCreate(ctx, id)
}

// Connections returns the created connections, primary first, then the
// secondaries in creation order.
func (r *Registry) Connections() []*Connection {
	conns := make([]*Connection, 0, len(r.order)+1)
	if r.primary != nil {
		conns = append(conns, r.primary)
	}
	for _, name := range r.order {
		conns = append(conns, r.secondaries[name])
	}
	return conns
}
