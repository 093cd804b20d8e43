package xfer

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrReleased           = errors.New("xfer: request released")
	ErrForeignRequest     = errors.New("xfer: request belongs to other services")
	ErrNotModifiable      = errors.New("xfer: first segment is not size-modifiable")
	ErrNoOffsets          = errors.New("xfer: no offsets given")
	ErrZeroLength         = errors.New("xfer: zero length segment")
	ErrOutOfRange         = errors.New("xfer: segment outside window")
	ErrClosed             = errors.New("xfer: services closed")
	ErrUnknownProtocol    = errors.New("xfer: no transport for protocol")
	ErrDuplicateProtocol  = errors.New("xfer: protocol already registered")
	ErrProtocolMismatch   = errors.New("xfer: endpoint protocol does not match factory")
	ErrMailboxesExhausted = errors.New("xfer: mailbox space exhausted")
	ErrNotLocal           = errors.New("xfer: endpoint is not served by this process")
	ErrEmptyGroup         = errors.New("xfer: empty group")
)

// ResourceError reports a transport primitive that could not obtain the
// resource it needed. It is never retried by the caller.
type ResourceError struct {
	// Op names the failing primitive.
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return "xfer: " + e.Op + ": out of resources: " + e.Err.Error()
}

func (e *ResourceError) Unwrap() error { return e.Err }

func (e *ResourceError) Cause() error { return e.Err }

// NewResourceError wraps err as a ResourceError for primitive op.
func NewResourceError(op string, err error) error {
	return &ResourceError{Op: op, Err: err}
}

// IsResourceError reports whether err carries a ResourceError.
func IsResourceError(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}

// Violation is the panic value raised when an invariant of the buffer or
// transfer protocol is broken. It is not recoverable.
type Violation struct {
	Msg string
}

func (v *Violation) Error() string { return "xfer: protocol violation: " + v.Msg }

// Violate panics with a *Violation.
func Violate(format string, args ...any) {
	panic(&Violation{Msg: fmt.Sprintf(format, args...)})
}
