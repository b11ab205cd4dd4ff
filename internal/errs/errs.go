// Package errs defines the error-kind taxonomy shared by every component of
// the substrate. Components translate low-level failures into one of these
// kinds at their boundary; callers compare with errors.Is against the kind
// sentinel, not against a specific wrapped message.
package errs

import "errors"

// Kind classifies an error for the purposes of retry/surfacing policy.
// Components wrap one of these sentinels with fmt.Errorf("%w: ...") to add
// causal context (operation name, relevant identifiers) without losing the
// kind.
var (
	// ErrInvalidInput covers malformed DAGs, unknown dependency ids, invalid
	// DIDs, and out-of-range parameters. Recovered at the boundary; never
	// propagates past the component that detected it.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound covers a missing DAG, run, task, or memory key.
	ErrNotFound = errors.New("not found")

	// ErrStorage covers DB open/transaction failure and WAL recovery
	// failure. Fatal for the affected run; the process continues.
	ErrStorage = errors.New("storage failure")

	// ErrNetwork covers transport failure and timeout. Retryable; degrades
	// to the offline queue.
	ErrNetwork = errors.New("network failure")

	// ErrVerificationFailed covers a bad DID signature, an expired
	// challenge, or an ACL rejection. Terminal for the peer interaction.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrAtCapacity covers a full worker pool or a full offline queue.
	// Retryable; surfaced to the caller.
	ErrAtCapacity = errors.New("at capacity")

	// ErrConflictBlocked covers a public-memory conflict on a task's
	// declared inputs. Surfaced to the operator; the Scheduler records the
	// affected task as Debt (dag.DebtConflictBlocked) and does not dispatch it.
	ErrConflictBlocked = errors.New("conflict blocked")

	// ErrCancelled covers cooperative cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrInternal covers an invariant violation. Logged; typically fatal
	// for the run.
	ErrInternal = errors.New("internal error")
)

// Is reports whether err ultimately wraps kind. Thin wrapper kept for
// call-site symmetry with errors.Is; exists so callers can write
// errs.Is(err, errs.ErrNetwork).
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
