// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Connection is a validated socket with its stream id and role. It is owned
// by the registry while it is registered.
type Connection struct {
	id         uuid.UUID
	identifier string
	role       Role
	createdAt  time.Time
	socketId   uint32

	socket Socket

	// consecutive send timeouts, only touched by the pump of the identifier
	misses atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newConnection(socket Socket, identifier string, role Role) *Connection {
	c := &Connection{
		id:         uuid.New(),
		identifier: identifier,
		role:       role,
		createdAt:  time.Now(),
		socket:     socket,
		closed:     make(chan struct{}),
	}

	if s, ok := socket.(socketIdentifier); ok {
		c.socketId = s.SocketId()
	}

	return c
}

func (c *Connection) ID() uuid.UUID        { return c.id }
func (c *Connection) Identifier() string   { return c.identifier }
func (c *Connection) Role() Role           { return c.role }
func (c *Connection) CreatedAt() time.Time { return c.createdAt }
func (c *Connection) SocketId() uint32     { return c.socketId }

func (c *Connection) RemoteAddr() net.Addr {
	return c.socket.RemoteAddr()
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s %s %q (%s)", c.role, c.id, c.identifier, c.RemoteAddr())
}

// recv reads into p with a read deadline of timeout from now.
func (c *Connection) recv(p []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		c.socket.SetReadDeadline(time.Now().Add(timeout))
	}

	return c.socket.Read(p)
}

// send writes p within timeout. Returns ErrSendTimeout if the deadline
// passed or the write took longer than timeout, and ErrOutputUnreachable
// for any other failure.
func (c *Connection) send(p []byte, timeout time.Duration) error {
	start := time.Now()

	c.socket.SetWriteDeadline(start.Add(timeout))

	n, err := c.socket.Write(p)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrSendTimeout, err)
		}

		return fmt.Errorf("%w: %w", ErrOutputUnreachable, err)
	}

	if n != len(p) {
		return fmt.Errorf("%w: %w", ErrOutputUnreachable, io.ErrShortWrite)
	}

	if time.Since(start) > timeout {
		return ErrSendTimeout
	}

	return nil
}

// Close closes the socket. It is safe to call it multiple times.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.socket.Close()
		close(c.closed)
	})

	return c.closeErr
}

// Done returns a channel that's closed after the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}
