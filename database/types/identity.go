package types

import "github.com/gaborage/go-bricks-txn/config"

// Identity is an immutable descriptor of a reachable database. An empty Name
// denotes the primary database; any other Name a secondary.
type Identity struct {
	Name   string
	Engine EngineKind
	Config *config.DatabaseConfig
}

// PrimaryIdentity returns the identity of the primary database.
func PrimaryIdentity(cfg *config.DatabaseConfig) (Identity, error) {
	return newIdentity("", cfg)
}

// SecondaryIdentity returns the identity of the named secondary database.
func SecondaryIdentity(name string, cfg *config.DatabaseConfig) (Identity, error) {
	if name == "" {
		return Identity{}, config.NewValidationError("secondary", "secondary database name cannot be empty")
	}
	return newIdentity(name, cfg)
}

func newIdentity(name string, cfg *config.DatabaseConfig) (Identity, error) {
	kind, err := ParseEngineKind(cfg.Type)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Name: name, Engine: kind, Config: cfg}, nil
}

// IsPrimary reports whether the identity denotes the primary database.
func (i Identity) IsPrimary() bool {
	return i.Name == ""
}

// Key returns the registry key: "" for the primary, the name for secondaries.
func (i Identity) Key() string {
	return i.Name
}

// String returns a human readable label used in logs and errors.
func (i Identity) String() string {
	if i.IsPrimary() {
		return "primary"
	}
	return i.Name
}

// AutomaticTransactions reports whether the coordinator may begin a
// transaction on this database the first time it is touched.
func (i Identity) AutomaticTransactions() bool {
	return i.Config == nil || !i.Config.AutomaticTransactions.Disabled
}
