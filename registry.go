// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package relay

import (
	"sync"
	"time"
)

// Snapshot is a copy of a stream group at the time of the lookup. Changes
// to the registry afterwards are not reflected.
type Snapshot struct {
	Identifier string
	Input      *Connection // nil if the group has no input
	Outputs    []*Connection
}

// RegistryStats are the counts of a registry.
type RegistryStats struct {
	Groups  int
	Inputs  int
	Outputs int
}

// group holds the connections of one stream id
type group struct {
	input   *Connection
	outputs map[*Connection]struct{}

	// when the group lost or never had an input, zero while an input exists
	idleSince time.Time
}

func (g *group) empty() bool {
	return g.input == nil && len(g.outputs) == 0
}

// Registry maps stream ids to their input and outputs. All methods are safe
// for concurrent use. No method does any I/O on the connections.
type Registry struct {
	lock    sync.Mutex
	groups  map[string]*group
	inputs  int
	outputs int
	limit   int

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string]*group),
		now:    time.Now,
	}
}

// SetLimit caps the number of registered connections, inputs and outputs
// together. A limit of 0 or less means no limit.
func (r *Registry) SetLimit(limit int) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.limit = limit
}

// full reports whether another connection would exceed the limit. The lock
// must be held.
func (r *Registry) full() bool {
	return r.limit > 0 && r.inputs+r.outputs >= r.limit
}

// groupFor returns the group for the identifier, creating it if necessary.
// The lock must be held.
func (r *Registry) groupFor(identifier string) *group {
	g, ok := r.groups[identifier]
	if !ok {
		g = &group{
			outputs:   make(map[*Connection]struct{}),
			idleSince: r.now(),
		}
		r.groups[identifier] = g
	}

	return g
}

// RegisterInput registers conn as the input for identifier. It returns
// ErrDuplicateInput if there's already an input and ErrConnectionLimit if
// the limit is reached. In both cases the caller is responsible for
// closing conn.
func (r *Registry) RegisterInput(identifier string, conn *Connection) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if g, ok := r.groups[identifier]; ok && g.input != nil {
		return ErrDuplicateInput
	}

	if r.full() {
		return ErrConnectionLimit
	}

	g := r.groupFor(identifier)
	g.input = conn
	g.idleSince = time.Time{}
	r.inputs++

	return nil
}

// RegisterOutput adds conn to the outputs of identifier. It returns
// ErrConnectionLimit if the limit is reached.
func (r *Registry) RegisterOutput(identifier string, conn *Connection) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if g, ok := r.groups[identifier]; ok {
		if _, ok := g.outputs[conn]; ok {
			return nil
		}
	}

	if r.full() {
		return ErrConnectionLimit
	}

	g := r.groupFor(identifier)
	g.outputs[conn] = struct{}{}
	r.outputs++

	return nil
}

// RemoveInput removes the input of identifier. It returns the removed
// connection or nil if there was none.
func (r *Registry) RemoveInput(identifier string) *Connection {
	return r.removeInput(identifier, nil)
}

// removeInput removes the input of identifier if it is conn, or any input
// if conn is nil.
func (r *Registry) removeInput(identifier string, conn *Connection) *Connection {
	r.lock.Lock()
	defer r.lock.Unlock()

	g, ok := r.groups[identifier]
	if !ok || g.input == nil {
		return nil
	}

	if conn != nil && g.input != conn {
		return nil
	}

	conn = g.input
	g.input = nil
	g.idleSince = r.now()
	r.inputs--

	if g.empty() {
		delete(r.groups, identifier)
	}

	return conn
}

// RemoveOutput removes conn from the outputs of identifier. It returns
// whether conn was registered.
func (r *Registry) RemoveOutput(identifier string, conn *Connection) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	g, ok := r.groups[identifier]
	if !ok {
		return false
	}

	if _, ok := g.outputs[conn]; !ok {
		return false
	}

	delete(g.outputs, conn)
	r.outputs--

	if g.empty() {
		delete(r.groups, identifier)
	}

	return true
}

// Lookup returns a snapshot of the group of identifier or ErrNotFound.
func (r *Registry) Lookup(identifier string) (Snapshot, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	g, ok := r.groups[identifier]
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	s := Snapshot{
		Identifier: identifier,
		Input:      g.input,
		Outputs:    make([]*Connection, 0, len(g.outputs)),
	}

	for conn := range g.outputs {
		s.Outputs = append(s.Outputs, conn)
	}

	return s, nil
}

// ExpireIdle removes all groups that have been without an input for at
// least timeout and returns their outputs. The caller has to close them.
func (r *Registry) ExpireIdle(timeout time.Duration) []*Connection {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := r.now()
	expired := []*Connection{}

	for identifier, g := range r.groups {
		if g.input != nil || now.Sub(g.idleSince) < timeout {
			continue
		}

		for conn := range g.outputs {
			expired = append(expired, conn)
		}

		r.outputs -= len(g.outputs)
		delete(r.groups, identifier)
	}

	return expired
}

// Drain removes every group and returns all connections.
func (r *Registry) Drain() []*Connection {
	r.lock.Lock()
	defer r.lock.Unlock()

	conns := make([]*Connection, 0, r.inputs+r.outputs)

	for _, g := range r.groups {
		if g.input != nil {
			conns = append(conns, g.input)
		}

		for conn := range g.outputs {
			conns = append(conns, conn)
		}
	}

	r.groups = make(map[string]*group)
	r.inputs = 0
	r.outputs = 0

	return conns
}

// Stats returns the current number of groups and connections.
func (r *Registry) Stats() RegistryStats {
	r.lock.Lock()
	defer r.lock.Unlock()

	return RegistryStats{
		Groups:  len(r.groups),
		Inputs:  r.inputs,
		Outputs: r.outputs,
	}
}
