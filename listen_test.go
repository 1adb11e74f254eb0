package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListenerServe(t *testing.T) {
	r := newTestRelay(t, testConfig())
	acceptor := newFakeAcceptor("127.0.0.1:5500")

	l := NewListener(INPUT, acceptor, r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- l.Serve(ctx)
	}()

	input := newFakeSocket("cam1")
	acceptor.sockets <- input

	require.Eventually(t, func() bool {
		return r.Registry.Stats().Inputs == 1
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		require.Fail(t, "Serve didn't return")
	}

	require.True(t, acceptor.isClosed())
}

func TestListenerRejects(t *testing.T) {
	r := newTestRelay(t, testConfig())
	acceptor := newFakeAcceptor("127.0.0.1:5500")

	l := NewListener(INPUT, acceptor, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Serve(ctx)

	empty := newFakeSocket("")
	acceptor.sockets <- empty

	first := newFakeSocket("cam1")
	acceptor.sockets <- first

	duplicate := newFakeSocket("cam1")
	acceptor.sockets <- duplicate

	// The loop keeps going after rejections
	other := newFakeSocket("cam2")
	acceptor.sockets <- other

	require.Eventually(t, func() bool {
		return r.Registry.Stats().Inputs == 2
	}, time.Second, 5*time.Millisecond)

	empty.waitClosed(t)
	duplicate.waitClosed(t)
	require.False(t, first.isClosed())
	require.False(t, other.isClosed())
}

func TestListenerBackoff(t *testing.T) {
	config := testConfig()
	config.AcceptBackoff = 100 * time.Millisecond

	r := newTestRelay(t, config)
	acceptor := newFakeAcceptor("127.0.0.1:5500")

	l := NewListener(OUTPUT, acceptor, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Serve(ctx)

	start := time.Now()
	acceptor.errs <- errors.New("temporary failure")

	// Blocks until the loop accepts again
	acceptor.sockets <- newFakeSocket("cam1")
	require.GreaterOrEqual(t, time.Since(start), config.AcceptBackoff)

	require.Eventually(t, func() bool {
		return r.Registry.Stats().Outputs == 1
	}, time.Second, 5*time.Millisecond)
}

func TestListenerClosed(t *testing.T) {
	r := newTestRelay(t, testConfig())
	acceptor := newFakeAcceptor("127.0.0.1:5500")

	l := NewListener(INPUT, acceptor, r)

	done := make(chan error, 1)

	go func() {
		done <- l.Serve(context.Background())
	}()

	acceptor.Close()

	select {
	case err := <-done:
		var terr *TransportError
		require.ErrorAs(t, err, &terr)
		require.Equal(t, "accept", terr.Op)
		require.Equal(t, INPUT, terr.Role)
		require.Equal(t, "127.0.0.1:5500", terr.Addr)
		require.ErrorIs(t, err, ErrListenerClosed)
	case <-time.After(time.Second):
		require.Fail(t, "Serve didn't return")
	}
}
