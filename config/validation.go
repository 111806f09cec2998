package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Database type constants
const (
	PostgreSQL = "postgresql"
	Oracle     = "oracle"
	SQLite     = "sqlite"
)

// Environment constants
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

const (
	defaultMaxConns        = 25
	defaultIdleConns       = 2
	defaultIdleTime        = 5 * time.Minute
	defaultConnMaxLifetime = 30 * time.Minute
	defaultBusyTimeout     = 5 * time.Second
	defaultUnitOfWorkTable = "unit_of_works"
	defaultUnitOfWorkSeq   = "unit_of_work_seq"
	clockLayout            = "15:04"
)

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

func validate() *validator.Validate {
	structValidatorOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return structValidator
}

// Validate checks cfg and applies pool and naming defaults to every
// configured database. The primary database is mandatory.
func Validate(cfg *Config) error {
	if err := validateStruct("app", &cfg.App); err != nil {
		return fmt.Errorf("app config: %w", err)
	}

	if err := validateStruct("log", &cfg.Log); err != nil {
		return fmt.Errorf("log config: %w", err)
	}

	if err := validateDatabase("database", &cfg.Database); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	names := make([]string, 0, len(cfg.Secondary))
	for name := range cfg.Secondary {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return NewValidationError("secondary", "secondary database name cannot be empty")
		}
		db := cfg.Secondary[name]
		if err := validateDatabase("secondary."+name, &db); err != nil {
			return fmt.Errorf("secondary database %q config: %w", name, err)
		}
		cfg.Secondary[name] = db
	}

	if err := validateCommand(&cfg.Command); err != nil {
		return fmt.Errorf("command config: %w", err)
	}

	return nil
}

func validateStruct(prefix string, s any) error {
	err := validate().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	fe := fieldErrs[0]
	field := prefix + "." + strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		envVar := strings.ToUpper(strings.ReplaceAll(field, ".", "_"))
		return NewMissingFieldError(field, envVar, field)
	case "oneof":
		return NewInvalidFieldError(field, fmt.Sprintf("invalid value %q", fmt.Sprint(fe.Value())), strings.Fields(fe.Param()))
	default:
		return NewValidationError(field, fmt.Sprintf("failed %s=%s validation", fe.Tag(), fe.Param()))
	}
}

// validateDatabase validates one database section and fills in defaults.
func validateDatabase(prefix string, cfg *DatabaseConfig) error {
	if err := validateStruct(prefix, cfg); err != nil {
		return err
	}

	if err := validateDatabaseCoreFields(prefix, cfg); err != nil {
		return err
	}

	applyDatabaseDefaults(cfg)
	return nil
}

func validateDatabaseCoreFields(prefix string, cfg *DatabaseConfig) error {
	if cfg.Type == SQLite {
		if cfg.Database == "" && cfg.ConnectionString == "" {
			return NewMissingFieldError(prefix+".database", envName(prefix+".database"), prefix+".database")
		}
		return nil
	}

	if cfg.ConnectionString != "" {
		return nil
	}

	if cfg.Host == "" {
		return NewMissingFieldError(prefix+".host", envName(prefix+".host"), prefix+".host")
	}
	if cfg.Port == 0 {
		return NewMissingFieldError(prefix+".port", envName(prefix+".port"), prefix+".port")
	}

	if cfg.Type == Oracle {
		hasService := cfg.Oracle.Service.Name != ""
		hasSID := cfg.Oracle.Service.SID != ""
		if hasService && hasSID {
			return NewInvalidFieldError(prefix+".oracle.service", "only one of name or sid may be set", nil)
		}
		if !hasService && !hasSID && cfg.Database == "" {
			return NewMissingFieldError(prefix+".oracle.service.name", envName(prefix+".oracle.service.name"), prefix+".oracle.service.name")
		}
		return nil
	}

	if cfg.Database == "" {
		return NewMissingFieldError(prefix+".database", envName(prefix+".database"), prefix+".database")
	}
	return nil
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.Pool.Max.Connections == 0 {
		cfg.Pool.Max.Connections = defaultMaxConns
	}
	if cfg.Pool.Idle.Connections == 0 {
		cfg.Pool.Idle.Connections = defaultIdleConns
	}
	if cfg.Pool.Idle.Time == 0 {
		cfg.Pool.Idle.Time = defaultIdleTime
	}
	if cfg.Pool.Lifetime.Max == 0 {
		cfg.Pool.Lifetime.Max = defaultConnMaxLifetime
	}
	if cfg.Type == SQLite && cfg.SQLite.BusyTimeout == 0 {
		cfg.SQLite.BusyTimeout = defaultBusyTimeout
	}
	if cfg.UnitOfWork.Table == "" {
		cfg.UnitOfWork.Table = defaultUnitOfWorkTable
	}
	if cfg.UnitOfWork.Sequence == "" {
		cfg.UnitOfWork.Sequence = defaultUnitOfWorkSeq
	}
}

func validateCommand(cfg *CommandConfig) error {
	if cfg.Timeout <= 0 {
		return NewValidationError("command.timeout", "must be positive")
	}
	if cfg.LongRunning < 0 {
		return NewValidationError("command.longrunning", "cannot be negative (0 means unbounded)")
	}

	if !cfg.Maintenance.Enabled {
		return nil
	}

	for _, field := range []struct{ name, value string }{
		{"command.maintenance.start", cfg.Maintenance.Start},
		{"command.maintenance.end", cfg.Maintenance.End},
	} {
		if _, err := time.Parse(clockLayout, field.value); err != nil {
			return NewInvalidFieldError(field.name, fmt.Sprintf("invalid time of day %q", field.value), []string{"HH:MM"})
		}
	}
	if cfg.Maintenance.Start == cfg.Maintenance.End {
		return NewValidationError("command.maintenance", "start and end must differ")
	}
	if _, err := time.LoadLocation(cfg.Maintenance.Timezone); err != nil {
		return NewValidationError("command.maintenance.timezone", fmt.Sprintf("unknown timezone %q", cfg.Maintenance.Timezone))
	}
	if cfg.Maintenance.Timeout < cfg.Timeout {
		return NewValidationError("command.maintenance.timeout", "must not be shorter than command.timeout")
	}
	return nil
}

func envName(path string) string {
	return strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

// SupportedDatabaseTypes lists the database types accepted in "type".
func SupportedDatabaseTypes() []string {
	return []string{PostgreSQL, Oracle, SQLite}
}

// IsSupportedDatabaseType reports whether dbType is one of SupportedDatabaseTypes.
func IsSupportedDatabaseType(dbType string) bool {
	return slices.Contains(SupportedDatabaseTypes(), dbType)
}
