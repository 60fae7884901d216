package tasks

import (
	"errors"
	"fmt"
	"strings"

	"github.com/basket/clawtasks/internal/persistence"
)

var (
	// ErrAlreadyRunningOrPaused is returned when a claim misses, or when an
	// operation is refused because the task is currently running.
	ErrAlreadyRunningOrPaused = errors.New("task is already running or paused")
	// ErrProtectedResource is returned when a delete targets a system task.
	ErrProtectedResource = errors.New("task is a protected system task")
	ErrNotFound          = errors.New("task not found")
)

// ValidationError reports a malformed creation request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid task: " + e.Message
	}
	return fmt.Sprintf("invalid task: %s: %s", e.Field, e.Message)
}

func invalidField(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// SecurityRejection reports executable content refused by the validator or
// by the verification run. Nothing is persisted when it is returned.
type SecurityRejection struct {
	Stage   string // "validation" or "verification"
	Reasons []string
}

func (e *SecurityRejection) Error() string {
	return fmt.Sprintf("task rejected at %s: %s", e.Stage, strings.Join(e.Reasons, "; "))
}

// storeErr translates store sentinels into the service taxonomy.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, persistence.ErrClaimConflict):
		return ErrAlreadyRunningOrPaused
	case errors.Is(err, persistence.ErrProtected):
		return ErrProtectedResource
	}
	return err
}
