package database

import (
	"sort"

	"github.com/gaborage/go-bricks-txn/config"
	"github.com/gaborage/go-bricks-txn/database/types"
)

// Catalog resolves database names to identities: the primary plus every
// configured secondary.
type Catalog struct {
	primary     types.Identity
	secondaries map[string]types.Identity
}

// NewCatalog builds the catalog from cfg.Database and cfg.Secondary.
func NewCatalog(cfg *config.Config) (*Catalog, error) {
	primary, err := types.PrimaryIdentity(&cfg.Database)
	if err != nil {
		return nil, err
	}

	c := &Catalog{primary: primary, secondaries: make(map[string]types.Identity, len(cfg.Secondary))}
	for name := range cfg.Secondary {
		dbCfg := cfg.Secondary[name]
		id, err := types.SecondaryIdentity(name, &dbCfg)
		if err != nil {
			return nil, err
		}
		c.secondaries[name] = id
	}
	return c, nil
}

// NewCatalogFromIdentities builds a catalog from explicit identities.
func NewCatalogFromIdentities(primary types.Identity, secondaries ...types.Identity) *Catalog {
	c := &Catalog{primary: primary, secondaries: make(map[string]types.Identity, len(secondaries))}
	for _, id := range secondaries {
		c.secondaries[id.Name] = id
	}
	return c
}

// Primary returns the primary identity.
func (c *Catalog) Primary() types.Identity {
	return c.primary
}

// Identity resolves name; the empty name is the primary.
func (c *Catalog) Identity(name string) (types.Identity, error) {
	if name == "" {
		return c.primary, nil
	}
	id, ok := c.secondaries[name]
	if !ok {
		return types.Identity{}, config.NewUnknownDatabaseError(name)
	}
	return id, nil
}

// SecondaryNames returns the configured secondary names, sorted.
func (c *Catalog) SecondaryNames() []string {
	names := make([]string, 0, len(c.secondaries))
	for name := range c.secondaries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
