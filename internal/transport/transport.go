// Package transport provides the dialers the Server and the launcher
// use to reach the Portal's control port.  The control port only binds
// loopback, so a peer on another host reaches it through an SSH jump
// host instead of a direct TCP dial.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound connections to the control port.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH client).  Stateless dialers return nil.
	Close() error
}
