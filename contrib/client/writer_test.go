package main

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// gateWriter blocks every write until open is closed.
type gateWriter struct {
	open chan struct{}
	buf  bytes.Buffer
}

func (w *gateWriter) Write(p []byte) (int, error) {
	<-w.open
	return w.buf.Write(p)
}

type closeRecorder struct {
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestFrameQueue(t *testing.T) {
	dst := &gateWriter{open: make(chan struct{})}
	closer := &closeRecorder{}

	q := newFrameQueue(dst, closer, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)

		for _, frame := range []string{"a", "b", "c", "d", "e"} {
			n, err := q.Write([]byte(frame))
			require.NoError(t, err)
			require.Equal(t, 1, n)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "write blocked on a slow destination")
	}

	close(dst.open)

	require.NoError(t, q.Close())
	require.True(t, closer.closed)

	// The drain goroutine holds one frame besides the two queued ones, so
	// which frames are dropped depends on when it picked up the first one.
	written := dst.buf.String()
	require.True(t, strings.HasPrefix(written, "ab"))
	require.LessOrEqual(t, len(written), 3)
	require.Equal(t, uint64(5-len(written)), q.Dropped())

	_, err := q.Write([]byte("f"))
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestFrameQueueFailed(t *testing.T) {
	q := newFrameQueue(failWriter{}, nil, 4)

	_, err := q.Write([]byte("a"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := q.Write([]byte("b"))
		return errors.Is(err, io.ErrClosedPipe)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Close())
}
