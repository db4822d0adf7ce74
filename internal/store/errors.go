package store

import "errors"

// Sentinel errors used for control flow across the orchestration components.
// Callers branch on these with errors.Is; anything else is treated as
// transient and retried at the loop boundary.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the operation lost to a concurrent writer,
	// e.g. a run that is already terminal. Callers treat it as a no-op.
	ErrConflict = errors.New("conflict")

	// ErrDraining indicates a runtime refuses new work because it is
	// draining or quarantined.
	ErrDraining = errors.New("runtime is draining")

	// ErrNoCapacity indicates no runtime slot is available and scale-out
	// is gated.
	ErrNoCapacity = errors.New("no capacity available")

	// ErrLeaseHeld indicates another owner holds the lease.
	ErrLeaseHeld = errors.New("lease held by another owner")

	// ErrArtifactTooLarge indicates an artifact assembly exceeded the
	// per-artifact or per-run byte cap.
	ErrArtifactTooLarge = errors.New("artifact exceeds size cap")
)
