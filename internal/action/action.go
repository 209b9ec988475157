// Package action defines the outcome contract between the worker loop
// and the external provisioning capability. Failures carry an explicit
// kind instead of being inferred from error hierarchies; anything the
// executor cannot classify stays a plain error and is retried by policy.
package action

import "fmt"

// Kind classifies an execution failure.
type Kind int

const (
	// KindTransient failures are expected to resolve on retry, e.g.
	// provider throttling. The request reverts to PENDING and the
	// message is requeued.
	KindTransient Kind = iota
	// KindPermanent failures will not resolve on retry, e.g. an
	// authorization denial. The request terminates as FAILED.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is a successful execution outcome. ExternalRef is the
// provider-side identifier recorded as the request's reference.
type Result struct {
	ExternalRef string
}

// Error is a classified execution failure.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s action failure: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s action failure: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(reason string, err error) *Error {
	return &Error{Kind: KindTransient, Reason: reason, Err: err}
}

// Permanent wraps err as a terminal failure.
func Permanent(reason string, err error) *Error {
	return &Error{Kind: KindPermanent, Reason: reason, Err: err}
}
