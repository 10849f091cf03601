package runstore

import "errors"

// Sentinel errors surfaced by repository operations. Callers map these to
// the error taxonomy in spec.md §7 (ErrNotFound -> NotFoundError, etc.);
// the store itself performs no retries (spec.md §4.1).
var (
	// ErrRunNotFound is returned when a run_id has no matching row.
	ErrRunNotFound = errors.New("runstore: run not found")
	// ErrTerminationNotFound is returned when a run has no termination row.
	ErrTerminationNotFound = errors.New("runstore: termination not found")
	// ErrInvalidTransition is returned by UpdateRun when the requested
	// status move violates the monotonic status invariant.
	ErrInvalidTransition = errors.New("runstore: invalid status transition")
	// ErrImmutableField is returned when a caller attempts to patch a
	// field update_run never permits (e.g. webhook_token_hash).
	ErrImmutableField = errors.New("runstore: field is not patchable")
)
