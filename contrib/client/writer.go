package main

import (
	"io"
	"sync"
	"sync/atomic"
)

// frameQueue keeps a slow destination, e.g. a pipe on stdout, from stalling
// the SRT read loop. Each Write queues a copy of the frame and a goroutine
// hands the frames to the destination in order. Frames that arrive while the
// queue is full are dropped and counted.
type frameQueue struct {
	dst    io.Writer
	closer io.Closer

	lock   sync.RWMutex
	closed bool
	frames chan []byte

	failed  atomic.Bool
	dropped atomic.Uint64
	flushed chan struct{}
}

// newFrameQueue starts a queue of depth frames in front of dst. closer may
// be nil, otherwise it is closed after the last frame has been written.
func newFrameQueue(dst io.Writer, closer io.Closer, depth int) *frameQueue {
	if depth <= 0 {
		depth = 1024
	}

	q := &frameQueue{
		dst:     dst,
		closer:  closer,
		frames:  make(chan []byte, depth),
		flushed: make(chan struct{}),
	}

	go q.drain()

	return q
}

func (q *frameQueue) Write(p []byte) (int, error) {
	if q.failed.Load() {
		return 0, io.ErrClosedPipe
	}

	q.lock.RLock()
	defer q.lock.RUnlock()

	if q.closed {
		return 0, io.ErrClosedPipe
	}

	select {
	case q.frames <- append([]byte(nil), p...):
	default:
		q.dropped.Add(1)
	}

	return len(p), nil
}

// Close writes out the queued frames and returns when they are written.
func (q *frameQueue) Close() error {
	q.lock.Lock()
	if !q.closed {
		q.closed = true
		close(q.frames)
	}
	q.lock.Unlock()

	<-q.flushed

	return nil
}

// Dropped returns the number of frames that didn't fit into the queue.
func (q *frameQueue) Dropped() uint64 {
	return q.dropped.Load()
}

func (q *frameQueue) drain() {
	defer close(q.flushed)

	for frame := range q.frames {
		if q.failed.Load() {
			continue
		}

		if _, err := q.dst.Write(frame); err != nil {
			q.failed.Store(true)
		}
	}

	if q.closer != nil {
		q.closer.Close()
	}
}
