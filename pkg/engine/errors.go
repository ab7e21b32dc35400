// Package engine implements the deployment reconciliation core: the machine
// record model, the instance readiness poller, and the reconciler that drives
// desired replica counts against tracked cloud resources.
package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failure for propagation and retry decisions.
type ErrorKind string

const (
	// KindAuthentication indicates invalid provider credentials. Never
	// retried and fatal to the whole batch.
	KindAuthentication ErrorKind = "authentication"

	// KindQuotaExceeded indicates the account cannot allocate more capacity.
	// Fatal to one instance, not to its siblings.
	KindQuotaExceeded ErrorKind = "quota_exceeded"

	// KindProvisioning indicates the backend rejected or failed a create.
	KindProvisioning ErrorKind = "provisioning"

	// KindTimeout indicates an instance never reached ready state within
	// the poll bound. The partially created record is retained.
	KindTimeout ErrorKind = "timeout"

	// KindLockTimeout indicates state store contention exceeded its bound
	// before any mutation occurred.
	KindLockTimeout ErrorKind = "lock_timeout"

	// KindDeployment indicates the per-target deploy step failed.
	KindDeployment ErrorKind = "deployment"

	// KindValidation indicates invalid input or configuration.
	KindValidation ErrorKind = "validation"

	// KindTransport indicates a transport-level failure talking to a
	// remote host.
	KindTransport ErrorKind = "transport"
)

// Error is a classified error with machine and operation context.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// Machine is the tracked resource name the error relates to, if any.
	Machine string `json:"machine,omitempty"`

	// Op is the operation being performed when the error occurred.
	Op string `json:"op,omitempty"`

	// Elapsed is how long the operation ran before failing. Set for
	// timeout errors.
	Elapsed time.Duration `json:"elapsed,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Kind == KindTimeout && e.Elapsed > 0 {
		msg = fmt.Sprintf("%s after %s", msg, e.Elapsed.Round(time.Second))
	}
	switch {
	case e.Machine != "" && e.Op != "":
		msg = fmt.Sprintf("[%s] %s (machine=%s, op=%s)", e.Kind, msg, e.Machine, e.Op)
	case e.Machine != "":
		msg = fmt.Sprintf("[%s] %s (machine=%s)", e.Kind, msg, e.Machine)
	default:
		msg = fmt.Sprintf("[%s] %s", e.Kind, msg)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind so callers can compare against the
// exported sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrQuotaExceeded  = &Error{Kind: KindQuotaExceeded}
	ErrProvisioning   = &Error{Kind: KindProvisioning}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrLockTimeout    = &Error{Kind: KindLockTimeout}
	ErrDeployment     = &Error{Kind: KindDeployment}
)

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string, err error) *Error {
	return &Error{Kind: KindAuthentication, Message: message, Err: err}
}

// NewQuotaError creates a quota-exceeded error.
func NewQuotaError(message string, err error) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: message, Err: err}
}

// NewProvisioningError creates a provisioning error.
func NewProvisioningError(message string, err error) *Error {
	return &Error{Kind: KindProvisioning, Message: message, Err: err}
}

// NewTimeoutError creates a timeout error carrying the elapsed duration.
func NewTimeoutError(message string, elapsed time.Duration) *Error {
	return &Error{Kind: KindTimeout, Message: message, Elapsed: elapsed}
}

// NewLockTimeoutError creates a lock-timeout error.
func NewLockTimeoutError(message string, err error) *Error {
	return &Error{Kind: KindLockTimeout, Message: message, Err: err}
}

// NewDeploymentError creates a deployment error.
func NewDeploymentError(message string, err error) *Error {
	return &Error{Kind: KindDeployment, Message: message, Err: err}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Kind: KindValidation, Message: message, Err: err}
}

// NewTransportError creates a transport error.
func NewTransportError(message string, err error) *Error {
	return &Error{Kind: KindTransport, Message: message, Err: err}
}

// WithMachine adds machine context to an error.
func (e *Error) WithMachine(name string) *Error {
	e.Machine = name
	return e
}

// WithOp adds operation context to an error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// KindOf returns the kind of a classified error, or an empty kind for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool { return KindOf(err) == KindAuthentication }

// IsQuotaExceeded reports whether err is a quota failure.
func IsQuotaExceeded(err error) bool { return KindOf(err) == KindQuotaExceeded }

// IsProvisioning reports whether err is a provisioning failure.
func IsProvisioning(err error) bool { return KindOf(err) == KindProvisioning }

// IsTimeout reports whether err is a readiness timeout.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsLockTimeout reports whether err is a state store lock timeout.
func IsLockTimeout(err error) bool { return KindOf(err) == KindLockTimeout }

// IsDeployment reports whether err is a per-target deploy failure.
func IsDeployment(err error) bool { return KindOf(err) == KindDeployment }

// IsFatalToBatch reports whether an error must abort the whole batch
// rather than a single machine. Authentication failures and lock timeouts
// happen before any per-machine work and poison everything after them.
func IsFatalToBatch(err error) bool {
	return IsAuthentication(err) || IsLockTimeout(err)
}
