//go:build integration

package containers

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gaborage/go-bricks-txn/config"
)

// PostgreSQLOptions tunes StartPostgreSQL. The zero value is usable.
type PostgreSQLOptions struct {
	ImageTag       string // default "17-alpine"
	Database       string // default "testdb"
	Username       string // default "testuser"
	Password       string // default "testpass"
	StartupTimeout time.Duration
}

func (o *PostgreSQLOptions) withDefaults() PostgreSQLOptions {
	out := PostgreSQLOptions{ImageTag: "17-alpine", Database: "testdb", Username: "testuser", Password: "testpass", StartupTimeout: 60 * time.Second}
	if o == nil {
		return out
	}
	if o.ImageTag != "" {
		out.ImageTag = o.ImageTag
	}
	if o.Database != "" {
		out.Database = o.Database
	}
	if o.Username != "" {
		out.Username = o.Username
	}
	if o.Password != "" {
		out.Password = o.Password
	}
	if o.StartupTimeout > 0 {
		out.StartupTimeout = o.StartupTimeout
	}
	return out
}

// StartPostgreSQL runs a PostgreSQL container and returns the database
// configuration pointing at it.
func StartPostgreSQL(ctx context.Context, t *testing.T, opts *PostgreSQLOptions) *config.DatabaseConfig {
	t.Helper()
	o := opts.withDefaults()

	ep := start(ctx, t, testcontainers.ContainerRequest{
		Image:        image("postgres", o.ImageTag),
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       o.Database,
			"POSTGRES_USER":     o.Username,
			"POSTGRES_PASSWORD": o.Password,
		},
		// Postgres restarts once after initdb.
		WaitingFor: waitFor(wait.ForLog("database system is ready to accept connections").WithOccurrence(2), o.StartupTimeout),
	}, "5432/tcp")

	return &config.DatabaseConfig{
		Type:     "postgresql",
		Host:     ep.host,
		Port:     ep.port,
		Database: o.Database,
		Username: o.Username,
		Password: o.Password,
		SSLMode:  "disable",
	}
}

// OracleOptions tunes StartOracle. The zero value is usable.
type OracleOptions struct {
	ImageTag       string // default "23-slim"
	Service        string // default "FREEPDB1"
	AppUser        string // default "testuser"
	Password       string // default "testpass"
	StartupTimeout time.Duration
}

func (o *OracleOptions) withDefaults() OracleOptions {
	out := OracleOptions{ImageTag: "23-slim", Service: "FREEPDB1", AppUser: "testuser", Password: "testpass", StartupTimeout: 180 * time.Second}
	if o == nil {
		return out
	}
	if o.ImageTag != "" {
		out.ImageTag = o.ImageTag
	}
	if o.Service != "" {
		out.Service = o.Service
	}
	if o.AppUser != "" {
		out.AppUser = o.AppUser
	}
	if o.Password != "" {
		out.Password = o.Password
	}
	if o.StartupTimeout > 0 {
		out.StartupTimeout = o.StartupTimeout
	}
	return out
}

// StartOracle runs a gvenzl/oracle-free container with an application user
// and returns the database configuration pointing at its pluggable database.
func StartOracle(ctx context.Context, t *testing.T, opts *OracleOptions) *config.DatabaseConfig {
	t.Helper()
	o := opts.withDefaults()

	// The log line alone races the listener, so wait for both.
	ep := start(ctx, t, testcontainers.ContainerRequest{
		Image:        image("gvenzl/oracle-free", o.ImageTag),
		ExposedPorts: []string{"1521/tcp"},
		Env: map[string]string{
			"ORACLE_PASSWORD":   o.Password,
			"APP_USER":          o.AppUser,
			"APP_USER_PASSWORD": o.Password,
		},
		WaitingFor: waitFor(wait.ForAll(
			wait.ForLog("DATABASE IS READY TO USE!"),
			wait.ForListeningPort("1521/tcp"),
		), o.StartupTimeout),
	}, "1521/tcp")

	return &config.DatabaseConfig{
		Type:     "oracle",
		Host:     ep.host,
		Port:     ep.port,
		Username: o.AppUser,
		Password: o.Password,
		Oracle:   config.OracleConfig{Service: config.ServiceConfig{Name: o.Service}},
	}
}
