// Package transport defines the error taxonomy transport adapters report
// through. Adapters (filestore, webservice) implement the component
// interfaces; the orchestrator uses these classes to decide between
// retrying and failing hard.
package transport

import "errors"

var (
	// ErrTimeout means the remote did not answer in time.
	ErrTimeout = errors.New("transport timeout")

	// ErrAuth means the remote rejected our credentials. Retried, since
	// expired tokens and rotated secrets heal without a code change.
	ErrAuth = errors.New("transport authentication failed")

	// ErrUnavailable means the remote could not be reached or answered
	// with a server-side failure.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrRejected means the remote refused the document itself. Not
	// retried: resending the same payload cannot succeed.
	ErrRejected = errors.New("transport rejected document")

	// ErrNoAck means the acknowledgment for a sent file is not available
	// yet. The check phase treats this as "ask again later".
	ErrNoAck = errors.New("acknowledgment not available")
)

// IsRetryable reports whether err is a transient transport failure worth
// another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrNoAck)
}
