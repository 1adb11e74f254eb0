package main

import (
	"context"
	"encoding/binary"
	"io"
	"time"
)

// probeHeader is the size of the frame counter at the start of each frame.
const probeHeader = 8

type Reader interface {
	io.ReadCloser
}

// probeReader generates frames at a fixed bitrate. Each frame starts with
// a big endian counter, the rest is filled with a repeating pattern.
type probeReader struct {
	frameSize   int
	bytesPerSec uint64
	cancel      context.CancelFunc
	frames      chan []byte
}

type ProbeReaderOptions struct {
	Bitrate   uint64
	FrameSize int
}

func NewProbeReader(options ProbeReaderOptions) (Reader, error) {
	r := &probeReader{
		frameSize:   options.FrameSize,
		bytesPerSec: options.Bitrate / 8,
	}

	if r.bytesPerSec == 0 {
		r.bytesPerSec = 262_144 // 2Mbit/s
	}

	if r.frameSize < probeHeader {
		r.frameSize = 1316 // 7 TS packets
	}

	r.frames = make(chan []byte, 64)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go r.generator(ctx)

	return r, nil
}

// Read returns exactly one frame. p must be at least as large as the frame size.
func (r *probeReader) Read(p []byte) (int, error) {
	frame, ok := <-r.frames
	if !ok {
		return 0, io.EOF
	}

	if len(p) < len(frame) {
		return 0, io.ErrShortBuffer
	}

	return copy(p, frame), nil
}

func (r *probeReader) Close() error {
	r.cancel()

	return nil
}

func (r *probeReader) generator(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()

	defer close(r.frames)

	s := "abcdefghijklmnopqrstuvwxyz*"
	counter := uint64(0)

	framesPerTick := r.bytesPerSec / 10 / uint64(r.frameSize)
	if framesPerTick == 0 {
		framesPerTick = 1
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for i := uint64(0); i < framesPerTick; i++ {
				frame := make([]byte, r.frameSize)
				binary.BigEndian.PutUint64(frame, counter)

				for j := probeHeader; j < len(frame); j++ {
					frame[j] = s[(int(counter)+j)%len(s)]
				}

				select {
				case r.frames <- frame:
				case <-ctx.Done():
					return
				}

				counter++
			}
		}
	}
}

// probeVerifier checks the counters of received frames and counts frames
// that arrived out of order or went missing.
type probeVerifier struct {
	next      uint64
	started   bool
	missing   uint64
	reordered uint64
}

func (v *probeVerifier) check(frame []byte) {
	if len(frame) < probeHeader {
		v.reordered++
		return
	}

	counter := binary.BigEndian.Uint64(frame)

	if !v.started {
		// Subscribers usually join a running stream
		v.started = true
		v.next = counter + 1
		return
	}

	switch {
	case counter == v.next:
	case counter > v.next:
		v.missing += counter - v.next
	default:
		v.reordered++
		return
	}

	v.next = counter + 1
}
