package core

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a Session carries one of these as its
// Kind and matches it with errors.Is.
var (
	ErrTransport             = errors.New("transport error")
	ErrCardRefused           = errors.New("smartcard command refused")
	ErrUnsupportedCard       = errors.New("unsupported smartcard model")
	ErrInvalidLength         = errors.New("invalid data length")
	ErrInvalidKey            = errors.New("invalid key")
	ErrInvalidTrailerBlock   = errors.New("block is not a sector trailer")
	ErrInvalidTrailer        = errors.New("trailer requires key A, key B and access bits")
	ErrMissingKeyA           = errors.New("trailer key A is mandatory")
	ErrMonitorAlreadyRunning = errors.New("monitor already running")
	ErrReaderNotFound        = errors.New("reader not found")
	ErrUnknownProtocol       = errors.New("unknown card protocol")
	ErrSessionClosed         = errors.New("session closed")

	// Transport outcomes reported by SmartCardContext implementations.
	ErrNoCard    = errors.New("no smartcard present")
	ErrTimeout   = errors.New("timeout")
	ErrCancelled = errors.New("cancelled")
)

// Error describes a failed session operation.
type Error struct {
	Op     string     // operation or command action, e.g. "read", "authent"
	Kind   error      // one of the Err* sentinels
	Status StatusWord // card status word for ErrCardRefused
	Err    error      // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Kind == ErrCardRefused && e.Status != 0 {
		msg = fmt.Sprintf("%s (%s)", msg, e.Status.Verbose())
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func newError(op string, kind error, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

func errorf(op string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}
