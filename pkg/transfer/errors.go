package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
)

// ErrorKind classifies terminal transfer failures. Transient network
// interruptions never surface as an Error: the controller suspends and waits
// for a resume instead.
type ErrorKind int

const (
	// KindServerStatus means the origin answered with a non-success HTTP
	// status that retrying cannot fix.
	KindServerStatus ErrorKind = iota

	// KindSizeMismatch means the transfer ended cleanly but the persisted
	// byte count disagrees with the size the origin declared, or falls
	// below the configured minimum.
	KindSizeMismatch

	// KindFilesystem means the backing store rejected a write.
	KindFilesystem

	// KindCancelled means the transfer was cancelled explicitly.
	KindCancelled

	// KindTimeout means the overall resource deadline expired before the
	// transfer could finish.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindServerStatus:
		return "server_status"
	case KindSizeMismatch:
		return "size_mismatch"
	case KindFilesystem:
		return "filesystem"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ErrCancelled is the cause carried by a KindCancelled error.
var ErrCancelled = errors.New("transfer cancelled")

// Error is a terminal transfer failure. The partial file has already been
// deleted by the time a sink observes one.
type Error struct {
	Kind ErrorKind
	Err  error

	// Status is the HTTP status code for KindServerStatus errors, zero
	// otherwise.
	Status int
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transfer: %s: http status %d", e.Kind, e.Status)
	}
	return fmt.Sprintf("transfer: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, returning ok=false when err is not
// a transfer error.
func KindOf(err error) (ErrorKind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// isTransient reports whether a request or body-read error looks like a
// connectivity problem worth suspending over, as opposed to a terminal
// failure. Context cancellation is excluded: the caller disambiguates those
// via its own suspend/cancel/stop flags.
func isTransient(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		syscall.ECONNABORTED,
		syscall.EPIPE,
		syscall.ENETUNREACH,
		syscall.EHOSTUNREACH,
		syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
