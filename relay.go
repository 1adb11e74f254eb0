// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"errors"
	"fmt"
)

// Relay wires the validator, the registry, the engine and the coordinator.
// Sockets from the listeners are passed to Handle.
type Relay struct {
	config Config

	Validator *Validator
	Registry  *Registry
	Engine    *Engine
	Tasks     *Coordinator

	metrics *Metrics
	logger  topicLogger
}

// NewRelay creates a relay for the config. metrics may be nil.
func NewRelay(config Config, metrics *Metrics) *Relay {
	logger := newTopicLogger(config.Logger)

	var authority Authority
	if len(config.AllowedStreams) != 0 {
		authority = AllowList(config.AllowedStreams)
	}

	registry := NewRegistry()
	registry.SetLimit(config.MaxConnections)

	r := &Relay{
		config:    config,
		Validator: NewValidator(authority, config.ValidationCacheTTL, config.NegativeCacheTTL),
		Registry:  registry,
		Tasks:     NewCoordinator(context.Background(), config.ShutdownDrainTimeout, logger),
		metrics:   metrics,
		logger:    logger,
	}

	r.Engine = NewEngine(config, r.Registry, r.Tasks, metrics)

	r.Tasks.OnAbort(func() {
		for _, conn := range r.Registry.Drain() {
			r.metrics.connectionClosed(conn.role)
			conn.Close()
		}
	})

	return r
}

// Handle validates and registers a freshly accepted socket. An input gets
// its pump, an output a watcher that notices when the peer goes away. If
// the socket is rejected it is closed and the reason is returned.
func (r *Relay) Handle(role Role, socket Socket) error {
	if r.Tasks.State() != RUNNING {
		return r.reject(role, socket, "", ErrShuttingDown)
	}

	identifier, err := r.Validator.Validate(socket)
	if err != nil {
		return r.reject(role, socket, identifier, err)
	}

	conn := newConnection(socket, identifier, role)

	switch role {
	case INPUT:
		if err := r.Registry.RegisterInput(identifier, conn); err != nil {
			return r.reject(role, socket, identifier, err)
		}

		r.metrics.connectionAccepted(INPUT)

		if !r.Engine.Start(conn) {
			r.remove(conn)
			return ErrShuttingDown
		}
	case OUTPUT:
		if err := r.Registry.RegisterOutput(identifier, conn); err != nil {
			return r.reject(role, socket, identifier, err)
		}

		r.metrics.connectionAccepted(OUTPUT)

		if !r.Tasks.Go("watch "+identifier, func(ctx context.Context) { r.watch(ctx, conn) }) {
			r.remove(conn)
			return ErrShuttingDown
		}
	default:
		return r.reject(role, socket, identifier, fmt.Errorf("unknown role %d", role))
	}

	r.metrics.setGroups(r.Registry.Stats().Groups)

	r.logger.log("relay:connect", conn.socketId, func() string {
		return fmt.Sprintf("%s: connected", conn)
	})

	return nil
}

// Shutdown stops the relay and returns the names of the aborted tasks.
func (r *Relay) Shutdown() []string {
	return r.Tasks.Shutdown()
}

func (r *Relay) reject(role Role, socket Socket, identifier string, err error) error {
	socket.Close()

	r.metrics.connectionRejected(role, err)

	topic := "relay:connect:reject"
	if errors.Is(err, ErrDuplicateInput) {
		topic = "relay:connect:conflict"
	}

	var socketId uint32
	if s, ok := socket.(socketIdentifier); ok {
		socketId = s.SocketId()
	}

	r.logger.log(topic, socketId, func() string {
		return fmt.Sprintf("%s %q (%s): %s", role, identifier, socket.RemoteAddr(), err)
	})

	return err
}

// remove deregisters and closes a connection that has been registered.
func (r *Relay) remove(conn *Connection) {
	var removed bool

	if conn.role == INPUT {
		removed = r.Registry.removeInput(conn.identifier, conn) != nil
	} else {
		removed = r.Registry.RemoveOutput(conn.identifier, conn)
	}

	if removed {
		r.metrics.connectionClosed(conn.role)
	}

	conn.Close()
}

// watch reads from an output until the peer disconnects or the connection
// is closed by someone else, then deregisters it. Anything the peer sends
// is discarded.
func (r *Relay) watch(ctx context.Context, conn *Connection) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	buffer := make([]byte, MaxTransferUnit)

	for {
		if _, err := conn.socket.Read(buffer); err != nil {
			break
		}
	}

	if r.Registry.RemoveOutput(conn.identifier, conn) {
		r.metrics.connectionClosed(OUTPUT)

		r.logger.log("relay:output", conn.socketId, func() string {
			return fmt.Sprintf("%s: disconnected", conn)
		})
	}

	conn.Close()
}
