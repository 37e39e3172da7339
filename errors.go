package custody

import "errors"

// Error classes. Specific errors across the module wrap exactly one class so
// callers can select remediation with errors.Is without matching messages.
var (
	// ErrIntegrity marks digest mismatches and invalid signatures. Never
	// retried automatically; the artifact is quarantined.
	ErrIntegrity = errors.New("custody: integrity violation")

	// ErrPolicy marks threshold violations. Recoverable via a signed waiver,
	// not via retry.
	ErrPolicy = errors.New("custody: policy violation")

	// ErrTransient marks network and storage unavailability. Retried with
	// bounded backoff; the artifact keeps its current state.
	ErrTransient = errors.New("custody: transient failure")

	// ErrConfig marks malformed manifests and unresolvable references.
	// Fatal at load time, before any artifact processing begins.
	ErrConfig = errors.New("custody: invalid configuration")
)

// IsRetryable reports whether err may be retried without human intervention.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
