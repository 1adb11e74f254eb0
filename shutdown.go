// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of a Coordinator.
type State int

func (s State) String() string {
	switch s {
	case RUNNING:
		return "RUNNING"
	case SHUTTINGDOWN:
		return "SHUTTINGDOWN"
	case STOPPED:
		return "STOPPED"
	default:
		return ""
	}
}

const (
	RUNNING State = iota
	SHUTTINGDOWN
	STOPPED
)

// Coordinator tracks the goroutines of the relay and stops them. Shutdown
// cancels the shared context, waits for the tracked goroutines for at most
// the drain timeout and then runs the abort hooks for the ones that are
// still running.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	drain  time.Duration
	logger topicLogger

	lock   sync.Mutex
	state  State
	tasks  map[uint64]string
	nextId uint64
	wg     sync.WaitGroup
	aborts []func()

	shutdownOnce sync.Once
	aborted      []string
	stopped      chan struct{}
}

func NewCoordinator(parent context.Context, drain time.Duration, logger topicLogger) *Coordinator {
	ctx, cancel := context.WithCancel(parent)

	return &Coordinator{
		ctx:     ctx,
		cancel:  cancel,
		drain:   drain,
		logger:  logger,
		state:   RUNNING,
		tasks:   make(map[uint64]string),
		stopped: make(chan struct{}),
	}
}

// Context returns the context that is cancelled when the shutdown starts.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.state
}

// Go runs fn in a tracked goroutine. It returns false without running fn
// if the shutdown has already started.
func (c *Coordinator) Go(name string, fn func(ctx context.Context)) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.state != RUNNING {
		return false
	}

	id := c.nextId
	c.nextId++
	c.tasks[id] = name
	c.wg.Add(1)

	go func() {
		defer func() {
			c.lock.Lock()
			delete(c.tasks, id)
			c.lock.Unlock()

			c.wg.Done()
		}()

		fn(c.ctx)
	}()

	return true
}

// OnAbort registers a function that is called if tasks are still running
// after the drain timeout. It should close the sockets the tasks block on.
func (c *Coordinator) OnAbort(fn func()) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.aborts = append(c.aborts, fn)
}

// Shutdown stops all tracked goroutines and returns the names of the ones
// that had to be aborted. It returns after at most the drain timeout plus
// the time the abort hooks take. Further calls wait for the first one and
// return the same result.
func (c *Coordinator) Shutdown() []string {
	c.shutdownOnce.Do(func() {
		c.setState(SHUTTINGDOWN)
		c.cancel()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(c.drain)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			c.lock.Lock()
			for _, name := range c.tasks {
				c.aborted = append(c.aborted, name)
			}
			aborts := c.aborts
			c.lock.Unlock()

			sort.Strings(c.aborted)

			c.logger.log("relay:shutdown", 0, func() string {
				return fmt.Sprintf("drain timeout (%s) exceeded, aborting %d tasks: %v", c.drain, len(c.aborted), c.aborted)
			})

			for _, abort := range aborts {
				abort()
			}
		}

		c.setState(STOPPED)
		close(c.stopped)
	})

	<-c.stopped

	return c.aborted
}

// Stopped returns a channel that's closed when the state is STOPPED.
func (c *Coordinator) Stopped() <-chan struct{} {
	return c.stopped
}

func (c *Coordinator) setState(s State) {
	c.lock.Lock()
	from := c.state
	c.state = s
	c.lock.Unlock()

	c.logger.log("relay:shutdown", 0, func() string {
		return fmt.Sprintf("%s -> %s", from, s)
	})
}
