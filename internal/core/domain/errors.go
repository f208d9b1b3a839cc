package domain

import (
	"fmt"
	"time"
)

// ValidationError reports a malformed plan, group, or request. Surfaced
// before any state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Field, e.Reason)
}

// ConflictError reports that admission found a server claimed by more than
// one protection group, or a dependency cycle. Execution never starts.
type ConflictError struct {
	Reason    string
	ServerIDs []string
	GroupID   string
	OtherID   string // conflicting group or execution holding the claim
}

func (e *ConflictError) Error() string {
	if len(e.ServerIDs) > 0 {
		return fmt.Sprintf("conflict: %s: servers %v claimed by %s and %s",
			e.Reason, e.ServerIDs, e.GroupID, e.OtherID)
	}
	return fmt.Sprintf("conflict: %s", e.Reason)
}

// RetryExhaustedError is raised after maxRetries+1 attempts of a retryable
// operation all failed.
type RetryExhaustedError struct {
	Operation string
	Region    string
	Attempts  int
	LastErr   error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s exhausted %d attempts in %s: %v",
		e.Operation, e.Attempts, e.Region, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

// CapacityTimeoutError reports that the job throttler waited out its
// timeout without the external service freeing capacity.
type CapacityTimeoutError struct {
	Region      string
	CurrentJobs int
	MaxJobs     int
	Waited      time.Duration
}

func (e *CapacityTimeoutError) Error() string {
	return fmt.Sprintf("job capacity in %s still at %d/%d after %s",
		e.Region, e.CurrentJobs, e.MaxJobs, e.Waited.Round(time.Millisecond))
}

// AuthorizationError reports a failed cross-account credential exchange.
// Never retried.
type AuthorizationError struct {
	AccountID string
	RoleARN   string
	Err       error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failed for account %s (role %s): %v",
		e.AccountID, e.RoleARN, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }
