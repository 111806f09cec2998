package unitofwork

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoActiveModification is returned by operations that need an active
	// modification attempt, or a draining effect queue, when there is none.
	ErrNoActiveModification = errors.New("no modification attempt is active")

	// ErrModificationsAlreadyEnabled is returned by EnableModifications while
	// an attempt is already active.
	ErrModificationsAlreadyEnabled = errors.New("modifications are already enabled")

	// ErrDeferredEffectsForbidden is returned by CommitTransactionsForCleanup
	// when effects were queued. The effects are discarded, never run.
	ErrDeferredEffectsForbidden = errors.New("deferred effects are queued but may not run during cleanup")

	// ErrPartialCommit matches every *PartialCommitError.
	ErrPartialCommit = errors.New("databases were partially committed")

	errUnbalancedTransaction = errors.New("transaction left with unmatched nested levels")
)

// PartialCommitError reports a commit failure after at least one other
// database already committed. The committed work cannot be undone; the
// remaining databases were rolled back.
type PartialCommitError struct {
	Committed  []string
	Failed     string
	RolledBack []string
	Err        error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("commit of %s database failed after %s committed (rolled back: %s): %v",
		e.Failed, strings.Join(e.Committed, ", "), joinOrNone(e.RolledBack), e.Err)
}

func (e *PartialCommitError) Unwrap() error {
	return e.Err
}

// Is matches ErrPartialCommit.
func (e *PartialCommitError) Is(target error) bool {
	return target == ErrPartialCommit
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
