// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/datarhei/gosrt/circular"
)

// maxSequenceNumber is the largest frame sequence number before it wraps.
const maxSequenceNumber uint32 = 0b01111111_11111111_11111111_11111111

// Frame is one read from an input on its way to the outputs. The payload
// is only valid until the fan-out is done.
type Frame struct {
	Identifier string
	Payload    []byte
	Sequence   circular.Number
	ReceivedAt time.Time
}

// Engine moves data from each input to the outputs registered under the
// same stream id. Every input gets its own pump; outputs are written to by
// the pump of their stream id.
type Engine struct {
	registry *Registry
	tasks    *Coordinator
	metrics  *Metrics
	logger   topicLogger

	transferUnit      int
	recvTimeout       time.Duration
	sendTimeout       time.Duration
	evictionThreshold int32
	idleGroupTimeout  time.Duration
}

func NewEngine(config Config, registry *Registry, tasks *Coordinator, metrics *Metrics) *Engine {
	return &Engine{
		registry:          registry,
		tasks:             tasks,
		metrics:           metrics,
		logger:            newTopicLogger(config.Logger),
		transferUnit:      config.TransferUnit,
		recvTimeout:       config.RecvTimeout,
		sendTimeout:       config.SendTimeout,
		evictionThreshold: int32(config.EvictionThreshold),
		idleGroupTimeout:  config.IdleGroupTimeout,
	}
}

// Start starts the pump for a registered input. It returns false if the
// shutdown has already started, the input is then left untouched.
func (e *Engine) Start(input *Connection) bool {
	return e.tasks.Go("pump "+input.identifier, func(ctx context.Context) {
		e.pump(ctx, input)
	})
}

func (e *Engine) pump(ctx context.Context, input *Connection) {
	// Unblock a pending read as soon as the shutdown starts
	stop := context.AfterFunc(ctx, func() {
		input.Close()
	})

	defer func() {
		stop()

		if e.registry.removeInput(input.identifier, input) != nil {
			e.metrics.connectionClosed(INPUT)
		}

		input.Close()

		e.logger.log("relay:input", input.socketId, func() string {
			return fmt.Sprintf("%s: pump stopped", input)
		})
	}()

	e.logger.log("relay:input", input.socketId, func() string {
		return fmt.Sprintf("%s: pump started", input)
	})

	buffer := make([]byte, e.transferUnit)
	sequence := circular.New(0, maxSequenceNumber)

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := input.recv(buffer, e.recvTimeout)
		if n > 0 {
			e.metrics.frameReceived(n)

			e.fanout(Frame{
				Identifier: input.identifier,
				Payload:    buffer[:n],
				Sequence:   sequence,
				ReceivedAt: time.Now(),
			})

			sequence = sequence.Inc()
		}

		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}

			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				e.logger.log("relay:input", input.socketId, func() string {
					return fmt.Sprintf("%s: read failed: %s", input, err)
				})
			}

			return
		}
	}
}

type eviction struct {
	conn *Connection
	err  error
}

// fanout writes the frame to every output of its stream id. Failed outputs
// are removed after all outputs have been served.
func (e *Engine) fanout(frame Frame) {
	snapshot, err := e.registry.Lookup(frame.Identifier)
	if err != nil {
		return
	}

	var evictions []eviction

	for _, output := range snapshot.Outputs {
		err := output.send(frame.Payload, e.sendTimeout)
		if err == nil {
			output.misses.Store(0)
			e.metrics.frameSent(len(frame.Payload))
			continue
		}

		if errors.Is(err, ErrSendTimeout) {
			if output.misses.Add(1) < e.evictionThreshold {
				continue
			}
		}

		evictions = append(evictions, eviction{conn: output, err: err})
	}

	for _, ev := range evictions {
		e.evict(ev.conn, ev.err, frame.Sequence)
	}
}

func (e *Engine) evict(output *Connection, reason error, sequence circular.Number) {
	if e.registry.RemoveOutput(output.identifier, output) {
		e.metrics.connectionClosed(OUTPUT)
		e.metrics.outputEvicted(reason)

		e.logger.log("relay:output:evict", output.socketId, func() string {
			return fmt.Sprintf("%s: evicted at frame %d: %s", output, sequence.Val(), reason)
		})
	}

	output.Close()
}

// CollectIdle closes the outputs of all groups that have been without an
// input for longer than the idle group timeout. It returns the number of
// closed outputs.
func (e *Engine) CollectIdle() int {
	if e.idleGroupTimeout <= 0 {
		return 0
	}

	expired := e.registry.ExpireIdle(e.idleGroupTimeout)

	for _, output := range expired {
		e.metrics.connectionClosed(OUTPUT)
		e.metrics.outputEvicted(nil)

		e.logger.log("relay:group", output.socketId, func() string {
			return fmt.Sprintf("%s: no input for %s, closing", output, e.idleGroupTimeout)
		})

		output.Close()
	}

	e.metrics.setGroups(e.registry.Stats().Groups)

	return len(expired)
}

// janitor calls CollectIdle periodically until ctx is cancelled.
func (e *Engine) janitor(ctx context.Context) {
	interval := e.idleGroupTimeout / 2
	if interval > time.Second {
		interval = time.Second
	} else if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CollectIdle()
		}
	}
}
