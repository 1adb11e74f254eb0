// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package relay

import (
	"io"
	"net"
	"time"
)

// Role represents the listener a connection arrived on. It is one of
// INPUT or OUTPUT.
type Role int

// String returns a string representation of the Role.
func (r Role) String() string {
	switch r {
	case INPUT:
		return "INPUT"
	case OUTPUT:
		return "OUTPUT"
	default:
		return ""
	}
}

const (
	INPUT  Role = Role(1 << iota) // The connection writes a stream into the relay
	OUTPUT                        // The connection reads a stream from the relay
)

// Socket is an accepted transport session. Besides the byte stream it
// carries the stream id that has been presented during the handshake.
type Socket interface {
	io.ReadWriteCloser

	// StreamId returns the stream id of the session. An error means the
	// attribute is not available, which is different from an empty id.
	StreamId() (string, error)

	// SetReadDeadline and SetWriteDeadline follow the semantics of net.Conn.
	// Transports without deadline support may ignore them.
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error

	RemoteAddr() net.Addr
}

// socketIdentifier is implemented by sockets that have a numeric socket id,
// which is used for logging.
type socketIdentifier interface {
	SocketId() uint32
}

// Acceptor waits for new sessions on one address.
type Acceptor interface {
	// Accept blocks until a new session is established. After Close it
	// returns ErrListenerClosed. Any other error is considered transient.
	Accept() (Socket, error)

	// Close stops accepting. Blocked calls to Accept return.
	Close() error

	// Addr returns the address the acceptor is bound to.
	Addr() net.Addr
}

// ListenFunc creates an Acceptor for the role on the address.
type ListenFunc func(role Role, address string, config Config) (Acceptor, error)
