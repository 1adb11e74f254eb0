package relay

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingAuthority struct {
	calls   int
	allowed map[string]bool
	err     error
}

func (a *countingAuthority) Authorize(identifier string) (bool, error) {
	a.calls++

	if a.err != nil {
		return false, a.err
	}

	return a.allowed[identifier], nil
}

func TestValidatorWithoutAuthority(t *testing.T) {
	v := NewValidator(nil, time.Minute, time.Second)

	identifier, err := v.Validate(newFakeSocket("cam1"))
	require.NoError(t, err)
	require.Equal(t, "cam1", identifier)
}

func TestValidatorEmptyIdentifier(t *testing.T) {
	v := NewValidator(nil, time.Minute, time.Second)

	_, err := v.Validate(newFakeSocket(""))
	require.ErrorIs(t, err, ErrEmptyIdentifier)
}

func TestValidatorAttributeRead(t *testing.T) {
	v := NewValidator(nil, time.Minute, time.Second)

	socket := newFakeSocket("cam1")
	socket.streamIdErr = errors.New("no handshake")

	_, err := v.Validate(socket)
	require.ErrorIs(t, err, ErrAttributeRead)
}

func TestValidatorCache(t *testing.T) {
	authority := &countingAuthority{allowed: map[string]bool{"cam1": true}}
	v := NewValidator(authority, time.Minute, time.Second)

	now := time.Now()
	v.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		identifier, err := v.Validate(newFakeSocket("cam1"))
		require.NoError(t, err)
		require.Equal(t, "cam1", identifier)
	}

	require.Equal(t, 1, authority.calls)

	now = now.Add(time.Minute)

	_, err := v.Validate(newFakeSocket("cam1"))
	require.NoError(t, err)
	require.Equal(t, 2, authority.calls)
}

func TestValidatorNegativeCache(t *testing.T) {
	authority := &countingAuthority{allowed: map[string]bool{}}
	v := NewValidator(authority, time.Minute, 5*time.Second)

	now := time.Now()
	v.now = func() time.Time { return now }

	_, err := v.Validate(newFakeSocket("cam2"))
	require.ErrorIs(t, err, ErrIdentifierRejected)

	_, err = v.Validate(newFakeSocket("cam2"))
	require.ErrorIs(t, err, ErrIdentifierRejected)
	require.Equal(t, 1, authority.calls)

	// The authority changed its mind, but the rejection is still cached
	authority.allowed["cam2"] = true

	now = now.Add(4 * time.Second)

	_, err = v.Validate(newFakeSocket("cam2"))
	require.ErrorIs(t, err, ErrIdentifierRejected)
	require.Equal(t, 1, authority.calls)

	now = now.Add(time.Second)

	identifier, err := v.Validate(newFakeSocket("cam2"))
	require.NoError(t, err)
	require.Equal(t, "cam2", identifier)
	require.Equal(t, 2, authority.calls)
}

func TestValidatorCacheSweep(t *testing.T) {
	authority := &countingAuthority{allowed: map[string]bool{}}
	v := NewValidator(authority, time.Minute, time.Second)

	now := time.Now()
	v.now = func() time.Time { return now }

	for i := 0; i < minCacheSweep; i++ {
		_, err := v.Validate(newFakeSocket(fmt.Sprintf("cam%d", i)))
		require.ErrorIs(t, err, ErrIdentifierRejected)
	}

	require.Len(t, v.cache, minCacheSweep)

	now = now.Add(2 * time.Second)

	_, err := v.Validate(newFakeSocket("late"))
	require.ErrorIs(t, err, ErrIdentifierRejected)

	require.Len(t, v.cache, 1)
	require.Contains(t, v.cache, "late")

	// Ids that are never looked up again don't accumulate
	for i := 0; i < 10*minCacheSweep; i++ {
		now = now.Add(100 * time.Millisecond)

		_, err := v.Validate(newFakeSocket(fmt.Sprintf("scan%d", i)))
		require.ErrorIs(t, err, ErrIdentifierRejected)
		require.LessOrEqual(t, len(v.cache), 2*minCacheSweep)
	}
}

func TestValidatorNoNegativeCache(t *testing.T) {
	authority := &countingAuthority{allowed: map[string]bool{}}
	v := NewValidator(authority, time.Minute, 0)

	for i := 0; i < 3; i++ {
		_, err := v.Validate(newFakeSocket("cam2"))
		require.ErrorIs(t, err, ErrIdentifierRejected)
	}

	require.Equal(t, 3, authority.calls)
}

func TestValidatorAuthorityError(t *testing.T) {
	authority := &countingAuthority{err: errors.New("unreachable")}
	v := NewValidator(authority, time.Minute, time.Minute)

	_, err := v.Validate(newFakeSocket("cam1"))
	require.ErrorIs(t, err, ErrIdentifierRejected)

	authority.err = nil
	authority.allowed = map[string]bool{"cam1": true}

	identifier, err := v.Validate(newFakeSocket("cam1"))
	require.NoError(t, err)
	require.Equal(t, "cam1", identifier)
	require.Equal(t, 2, authority.calls)
}

func TestAllowList(t *testing.T) {
	v := NewValidator(AllowList([]string{"cam1", "cam2"}), time.Minute, time.Second)

	_, err := v.Validate(newFakeSocket("cam1"))
	require.NoError(t, err)

	_, err = v.Validate(newFakeSocket("cam2"))
	require.NoError(t, err)

	_, err = v.Validate(newFakeSocket("cam3"))
	require.ErrorIs(t, err, ErrIdentifierRejected)
}
