package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed taxonomy of provider failures surfaced by the
// connection layer. Engine specific codes never leave the provider packages.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindConnectionFailure
	KindConcurrencyConflict
	KindCommandTimeout
	KindReadOnlyTarget
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectionFailure:
		return "connection failure"
	case KindConcurrencyConflict:
		return "concurrency conflict"
	case KindCommandTimeout:
		return "command timeout"
	case KindReadOnlyTarget:
		return "read-only target"
	default:
		return "command failed"
	}
}

// Sentinels for errors.Is checks against the taxonomy.
var (
	ErrConnectionFailure   = errors.New("database connection failure")
	ErrConcurrencyConflict = errors.New("database concurrency conflict")
	ErrCommandTimeout      = errors.New("database command timeout")
	ErrReadOnlyTarget      = errors.New("database is a read-only target")
	ErrCommandFailed       = errors.New("database command failed")
	ErrValidationFailure   = errors.New("commit-time validation failed")
	ErrUnusable            = errors.New("database connection is unusable")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindConnectionFailure:
		return ErrConnectionFailure
	case KindConcurrencyConflict:
		return ErrConcurrencyConflict
	case KindCommandTimeout:
		return ErrCommandTimeout
	case KindReadOnlyTarget:
		return ErrReadOnlyTarget
	default:
		return ErrCommandFailed
	}
}

// DatabaseError is a provider failure translated into the taxonomy.
type DatabaseError struct {
	Kind     ErrorKind
	Database string
	Op       string
	Err      error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("%s on %s database during %s: %v", e.Kind, e.Database, e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *DatabaseError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// ValidationError aggregates the messages of failed commit-time validators.
type ValidationError struct {
	Database string
	Messages []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("commit-time validation failed on %s database: %s", e.Database, strings.Join(e.Messages, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailure
}

// UsabilityReason says why a connection's current transaction can no longer be used.
type UsabilityReason int

const (
	// ReasonNoSavepoint: an inner level without a savepoint was rolled back,
	// so nothing narrower than the whole transaction can be undone.
	ReasonNoSavepoint UsabilityReason = iota + 1
	// ReasonForcedRollback: the engine rolled back the whole transaction on its own.
	ReasonForcedRollback
)

func (r UsabilityReason) String() string {
	switch r {
	case ReasonNoSavepoint:
		return "no inner savepoint was available after an inner rollback"
	case ReasonForcedRollback:
		return "the database forced a rollback of the transaction"
	default:
		return "unknown"
	}
}

// UsabilityError reports an operation on a connection whose transaction is dead.
type UsabilityError struct {
	Database string
	Reason   UsabilityReason
	// Level is the nesting level at which the transaction died.
	Level int
}

func (e *UsabilityError) Error() string {
	return fmt.Sprintf("%s database connection is unusable until the transaction is fully rolled back: %s (at nesting level %d)",
		e.Database, e.Reason, e.Level)
}

func (e *UsabilityError) Is(target error) bool {
	return target == ErrUnusable
}
