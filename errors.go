// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyIdentifier is returned by the validator if a connection
	// presented an empty stream id.
	ErrEmptyIdentifier = errors.New("relay: empty stream id")

	// ErrAttributeRead is returned by the validator if the stream id
	// could not be read from the socket.
	ErrAttributeRead = errors.New("relay: reading stream id failed")

	// ErrIdentifierRejected is returned by the validator if the configured
	// authority refused the stream id.
	ErrIdentifierRejected = errors.New("relay: stream id rejected")

	// ErrDuplicateInput is returned by the registry if an input is already
	// registered for the stream id.
	ErrDuplicateInput = errors.New("relay: stream id already has an input")

	// ErrNotFound is returned by the registry if there is no group for
	// the stream id.
	ErrNotFound = errors.New("relay: stream id not found")

	// ErrOutputUnreachable is returned if writing to an output failed.
	ErrOutputUnreachable = errors.New("relay: output unreachable")

	// ErrSendTimeout is returned if writing to an output didn't finish
	// within the send timeout.
	ErrSendTimeout = errors.New("relay: send timeout")

	// ErrConnectionLimit is returned if accepting another connection would
	// exceed MaxConnections.
	ErrConnectionLimit = errors.New("relay: too many connections")

	// ErrShuttingDown is returned if a connection arrives while the relay
	// is shutting down.
	ErrShuttingDown = errors.New("relay: shutting down")

	// ErrListenerClosed is returned by an Acceptor after it has been closed.
	ErrListenerClosed = errors.New("relay: listener closed")

	// ErrServerClosed is returned by Serve after Shutdown has been called.
	ErrServerClosed = errors.New("relay: server closed")
)

// TransportError is a failure of a listening socket. Errors from Listen are
// fatal for the process, as is a listener that closes outside of a shutdown.
type TransportError struct {
	Op   string
	Role Role
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay: %s %s on %s: %s", e.Role, e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
