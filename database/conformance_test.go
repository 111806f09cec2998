package database_test

import (
	"github.com/gaborage/go-bricks-txn/database"
	"github.com/gaborage/go-bricks-txn/database/oracle"
	"github.com/gaborage/go-bricks-txn/database/postgresql"
	"github.com/gaborage/go-bricks-txn/database/sqlite"
	dbtest "github.com/gaborage/go-bricks-txn/database/testing"
	"github.com/gaborage/go-bricks-txn/database/types"
)

// Compile-time conformance checks for every provider and for the provider
// cache used as the registry's provider source.
var (
	_ types.Provider          = (*postgresql.Provider)(nil)
	_ types.Provider          = (*sqlite.Provider)(nil)
	_ types.Provider          = (*oracle.Provider)(nil)
	_ types.Provider          = (*dbtest.FakeProvider)(nil)
	_ types.NativeSavepointer = (*dbtest.NativeFakeTx)(nil)
	_ database.ProviderSource = (*database.ProviderCache)(nil)
)
