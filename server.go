// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Server is a relay with a listener for inputs and one for outputs.
type Server struct {
	// Config for the relay. DefaultConfig() is used if nil.
	Config *Config

	// Metrics to update. Optional.
	Metrics *Metrics

	// ListenFunc creates the acceptors. ListenSRT is used if nil.
	ListenFunc ListenFunc

	lock      sync.Mutex
	relay     *Relay
	listeners map[Role]*Listener
	acceptors map[Role]Acceptor
}

// Listen binds the input and the output address. Nothing is accepted until
// Serve is called. A failure to bind is returned as a *TransportError and
// nothing stays bound.
func (s *Server) Listen() error {
	if s.ListenFunc == nil {
		s.ListenFunc = ListenSRT
	}

	if s.Config == nil {
		config := DefaultConfig()
		s.Config = &config
	}

	if err := s.Config.Validate(); err != nil {
		return err
	}

	config := *s.Config
	r := NewRelay(config, s.Metrics)

	acceptors := map[Role]Acceptor{}
	addresses := map[Role]string{
		INPUT:  config.InputAddr,
		OUTPUT: config.OutputAddr,
	}

	for _, role := range []Role{INPUT, OUTPUT} {
		acceptor, err := s.ListenFunc(role, addresses[role], config)
		if err != nil {
			for _, a := range acceptors {
				a.Close()
			}

			return &TransportError{
				Op:   "listen",
				Role: role,
				Addr: addresses[role],
				Err:  err,
			}
		}

		acceptors[role] = acceptor

		r.Tasks.OnAbort(func() {
			acceptor.Close()
		})
	}

	listeners := map[Role]*Listener{}
	for role, acceptor := range acceptors {
		listeners[role] = NewListener(role, acceptor, r)
	}

	s.lock.Lock()
	s.relay = r
	s.acceptors = acceptors
	s.listeners = listeners
	s.lock.Unlock()

	return nil
}

// Serve runs both accept loops and the collection of idle groups. It
// blocks until Shutdown is called, in which case ErrServerClosed is
// returned, or until a listener fails. In that case the relay is shut
// down and the *TransportError of the listener is returned.
func (s *Server) Serve() error {
	s.lock.Lock()
	r, listeners := s.relay, s.listeners
	s.lock.Unlock()

	if r == nil {
		return fmt.Errorf("relay: Serve called before Listen")
	}

	g, gctx := errgroup.WithContext(context.Background())

	for role, listener := range listeners {
		done := make(chan error, 1)

		ok := r.Tasks.Go("listen "+role.String(), func(ctx context.Context) {
			done <- listener.Serve(ctx)
		})
		if !ok {
			return ErrServerClosed
		}

		g.Go(func() error {
			select {
			case err := <-done:
				return err
			case <-r.Tasks.Stopped():
				return nil
			}
		})
	}

	if r.config.IdleGroupTimeout > 0 {
		r.Tasks.Go("janitor", r.Engine.janitor)
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			// A listener failed
			r.Shutdown()
		case <-r.Tasks.Stopped():
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	return ErrServerClosed
}

// ListenAndServe calls Listen and Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}

	return s.Serve()
}

// Shutdown stops the server. It returns the names of the tasks that didn't
// stop within the drain timeout.
func (s *Server) Shutdown() []string {
	s.lock.Lock()
	r := s.relay
	s.lock.Unlock()

	if r == nil {
		return nil
	}

	return r.Shutdown()
}

// Relay returns the relay of the server, nil before Listen.
func (s *Server) Relay() *Relay {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.relay
}

// Addr returns the bound address of the role, nil before Listen.
func (s *Server) Addr(role Role) net.Addr {
	s.lock.Lock()
	defer s.lock.Unlock()

	if a, ok := s.acceptors[role]; ok {
		return a.Addr()
	}

	return nil
}
