package util

import (
	"errors"
	"io"
	"net"
	"strings"
)

// DefaultBufSize is the read buffer size used by the stream adapters
// (4 KiB; a client line or frame is far smaller).
const DefaultBufSize = 4 * 1024

// IsClosed reports whether err is one of the errors expected when a
// peer hangs up or a conn is closed locally.  Callers log these at
// verbose level instead of treating them as failures.
func IsClosed(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, net.ErrClosed) {
			return true
		}
	}
	// Resets surface as syscall errors on some platforms; the text is
	// the only portable signal.
	msg := err.Error()
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
