// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package relay

import (
	"fmt"
	"sync"
	"time"
)

// Authority decides whether a stream id may use the relay.
type Authority interface {
	Authorize(identifier string) (bool, error)
}

// AuthorityFunc adapts a function to the Authority interface.
type AuthorityFunc func(identifier string) (bool, error)

func (f AuthorityFunc) Authorize(identifier string) (bool, error) {
	return f(identifier)
}

// AllowList returns an Authority that accepts exactly the given stream ids.
func AllowList(identifiers []string) Authority {
	allowed := make(map[string]struct{}, len(identifiers))
	for _, id := range identifiers {
		allowed[id] = struct{}{}
	}

	return AuthorityFunc(func(identifier string) (bool, error) {
		_, ok := allowed[identifier]
		return ok, nil
	})
}

// minCacheSweep is the cache size below which expired entries are only
// removed on lookup.
const minCacheSweep = 64

type cacheEntry struct {
	valid       bool
	validatedAt time.Time
}

// Validator extracts the stream id from a socket and checks it.
//
// Without an Authority every non-empty stream id is accepted. With an
// Authority its verdicts are cached: accepted ids for the positive TTL,
// rejected ids for the negative TTL. Entries are expired on lookup, and
// all expired entries are swept whenever the cache has doubled in size
// since the last sweep.
type Validator struct {
	authority   Authority
	ttl         time.Duration
	negativeTTL time.Duration

	lock    sync.Mutex
	cache   map[string]cacheEntry
	sweepAt int

	now func() time.Time
}

// NewValidator returns a validator. authority may be nil.
func NewValidator(authority Authority, ttl, negativeTTL time.Duration) *Validator {
	return &Validator{
		authority:   authority,
		ttl:         ttl,
		negativeTTL: negativeTTL,
		cache:       make(map[string]cacheEntry),
		sweepAt:     minCacheSweep,
		now:         time.Now,
	}
}

// Validate returns the stream id of the socket or an error if the socket
// has to be rejected.
func (v *Validator) Validate(socket Socket) (string, error) {
	identifier, err := socket.StreamId()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAttributeRead, err)
	}

	if len(identifier) == 0 {
		return "", ErrEmptyIdentifier
	}

	if valid, ok := v.lookup(identifier); ok {
		if !valid {
			return "", fmt.Errorf("%w: %q (cached)", ErrIdentifierRejected, identifier)
		}

		return identifier, nil
	}

	valid := true

	if v.authority != nil {
		valid, err = v.authority.Authorize(identifier)
		if err != nil {
			// An unreachable authority is no verdict, don't cache it
			return "", fmt.Errorf("%w: %q: %w", ErrIdentifierRejected, identifier, err)
		}
	}

	v.store(identifier, valid)

	if !valid {
		return "", fmt.Errorf("%w: %q", ErrIdentifierRejected, identifier)
	}

	return identifier, nil
}

func (v *Validator) lookup(identifier string) (bool, bool) {
	v.lock.Lock()
	defer v.lock.Unlock()

	entry, ok := v.cache[identifier]
	if !ok {
		return false, false
	}

	if v.expired(entry, v.now()) {
		delete(v.cache, identifier)
		return false, false
	}

	return entry.valid, true
}

func (v *Validator) expired(entry cacheEntry, now time.Time) bool {
	ttl := v.ttl
	if !entry.valid {
		ttl = v.negativeTTL
	}

	return now.Sub(entry.validatedAt) >= ttl
}

func (v *Validator) store(identifier string, valid bool) {
	ttl := v.ttl
	if !valid {
		ttl = v.negativeTTL
	}

	if ttl <= 0 {
		return
	}

	v.lock.Lock()
	defer v.lock.Unlock()

	now := v.now()

	if len(v.cache) >= v.sweepAt {
		for id, entry := range v.cache {
			if v.expired(entry, now) {
				delete(v.cache, id)
			}
		}

		v.sweepAt = max(2*len(v.cache), minCacheSweep)
	}

	v.cache[identifier] = cacheEntry{
		valid:       valid,
		validatedAt: now,
	}
}
