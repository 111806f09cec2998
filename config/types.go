package config

import (
	"time"

	"github.com/knadh/koanf/v2"
)

// Config represents the overall configuration of a unit-of-work host process.
// The primary database lives under "database"; every entry of "secondary" is
// a named secondary database reachable from the same unit-of-work context.
type Config struct {
	App       AppConfig                 `koanf:"app" json:"app" yaml:"app" mapstructure:"app"`
	Log       LogConfig                 `koanf:"log" json:"log" yaml:"log" mapstructure:"log"`
	Database  DatabaseConfig            `koanf:"database" json:"database" yaml:"database" mapstructure:"database"`
	Secondary map[string]DatabaseConfig `koanf:"secondary" json:"secondary" yaml:"secondary" mapstructure:"secondary"`
	Command   CommandConfig             `koanf:"command" json:"command" yaml:"command" mapstructure:"command"`

	// k holds the underlying Koanf instance for flexible access to custom configurations
	k *koanf.Koanf `json:"-" yaml:"-" mapstructure:"-"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name    string `koanf:"name" json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	Version string `koanf:"version" json:"version" yaml:"version" mapstructure:"version" validate:"required"`
	Env     string `koanf:"env" json:"env" yaml:"env" mapstructure:"env" validate:"oneof=development staging production"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level" json:"level" yaml:"level" mapstructure:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Pretty bool   `koanf:"pretty" json:"pretty" yaml:"pretty" mapstructure:"pretty"`
}

// DatabaseConfig holds the connection settings of one database.
type DatabaseConfig struct {
	Type     string `koanf:"type" json:"type" yaml:"type" mapstructure:"type" validate:"required,oneof=postgresql oracle sqlite"`
	Host     string `koanf:"host" json:"host" yaml:"host" mapstructure:"host"`
	Port     int    `koanf:"port" json:"port" yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	Database string `koanf:"database" json:"database" yaml:"database" mapstructure:"database"`
	Username string `koanf:"username" json:"username" yaml:"username" mapstructure:"username"`
	Password string `koanf:"password" json:"password" yaml:"password" mapstructure:"password"`
	SSLMode  string `koanf:"sslmode" json:"sslmode" yaml:"sslmode" mapstructure:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`

	ConnectionString string `koanf:"connectionstring" json:"connectionstring" yaml:"connectionstring" mapstructure:"connectionstring"`

	Pool   PoolConfig   `koanf:"pool" json:"pool" yaml:"pool" mapstructure:"pool"`
	Oracle OracleConfig `koanf:"oracle" json:"oracle" yaml:"oracle" mapstructure:"oracle"`
	SQLite SQLiteConfig `koanf:"sqlite" json:"sqlite" yaml:"sqlite" mapstructure:"sqlite"`

	AutomaticTransactions AutomaticTransactionsConfig `koanf:"automatictransactions" json:"automatictransactions" yaml:"automatictransactions" mapstructure:"automatictransactions"`
	UnitOfWork            UnitOfWorkConfig            `koanf:"unitofwork" json:"unitofwork" yaml:"unitofwork" mapstructure:"unitofwork"`
}

// PoolConfig holds connection pool settings shared by every unit-of-work
// context that touches the database.
type PoolConfig struct {
	Max      PoolMaxConfig  `koanf:"max" json:"max" yaml:"max" mapstructure:"max"`
	Idle     PoolIdleConfig `koanf:"idle" json:"idle" yaml:"idle" mapstructure:"idle"`
	Lifetime LifetimeConfig `koanf:"lifetime" json:"lifetime" yaml:"lifetime" mapstructure:"lifetime"`
}

// PoolMaxConfig holds maximum connections settings.
type PoolMaxConfig struct {
	Connections int32 `koanf:"connections" json:"connections" yaml:"connections" mapstructure:"connections" validate:"gte=0"`
}

// PoolIdleConfig holds idle connections settings.
type PoolIdleConfig struct {
	Connections int32         `koanf:"connections" json:"connections" yaml:"connections" mapstructure:"connections" validate:"gte=0"`
	Time        time.Duration `koanf:"time" json:"time" yaml:"time" mapstructure:"time"`
}

// LifetimeConfig holds maximum lifetime settings for connections.
type LifetimeConfig struct {
	Max time.Duration `koanf:"max" json:"max" yaml:"max" mapstructure:"max"`
}

// OracleConfig holds Oracle-specific database settings.
type OracleConfig struct {
	Service ServiceConfig `koanf:"service" json:"service" yaml:"service" mapstructure:"service"`
}

// ServiceConfig holds Oracle service connection settings.
type ServiceConfig struct {
	Name string `koanf:"name" json:"name" yaml:"name" mapstructure:"name"`
	SID  string `koanf:"sid" json:"sid" yaml:"sid" mapstructure:"sid"`
}

// SQLiteConfig holds SQLite-specific settings. The database file path is
// taken from DatabaseConfig.Database.
type SQLiteConfig struct {
	BusyTimeout time.Duration `koanf:"busytimeout" json:"busytimeout" yaml:"busytimeout" mapstructure:"busytimeout"`
}

// AutomaticTransactionsConfig controls whether the coordinator begins a
// transaction on this database the first time it is touched.
type AutomaticTransactionsConfig struct {
	Disabled bool `koanf:"disabled" json:"disabled" yaml:"disabled" mapstructure:"disabled"`
}

// UnitOfWorkConfig names the objects used to persist unit-of-work ids.
type UnitOfWorkConfig struct {
	Table    string `koanf:"table" json:"table" yaml:"table" mapstructure:"table"`
	Sequence string `koanf:"sequence" json:"sequence" yaml:"sequence" mapstructure:"sequence"`
}

// CommandConfig holds command execution timeouts.
//   - Timeout: default per-command timeout (default 15s)
//   - LongRunning: timeout for explicitly long-running commands (0 = unbounded)
//   - Maintenance: widened default inside a daily low-traffic window
type CommandConfig struct {
	Timeout     time.Duration     `koanf:"timeout" json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	LongRunning time.Duration     `koanf:"longrunning" json:"longrunning" yaml:"longrunning" mapstructure:"longrunning"`
	Maintenance MaintenanceConfig `koanf:"maintenance" json:"maintenance" yaml:"maintenance" mapstructure:"maintenance"`
}

// MaintenanceConfig describes a daily window, given as "HH:MM" wall clock
// times in Timezone, during which commands get the widened Timeout. The window
// may wrap midnight (start "23:00", end "02:00").
type MaintenanceConfig struct {
	Enabled  bool          `koanf:"enabled" json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Start    string        `koanf:"start" json:"start" yaml:"start" mapstructure:"start"`
	End      string        `koanf:"end" json:"end" yaml:"end" mapstructure:"end"`
	Timezone string        `koanf:"timezone" json:"timezone" yaml:"timezone" mapstructure:"timezone"`
	Timeout  time.Duration `koanf:"timeout" json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}
