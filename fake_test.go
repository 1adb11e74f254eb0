package relay

import (
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var fakeSocketIds atomic.Uint32

// fakeSocket is an in-memory Socket. Data pushed with push is returned by
// Read, data passed to Write is recorded.
type fakeSocket struct {
	streamId    string
	streamIdErr error
	socketId    uint32
	remote      net.Addr

	incoming chan []byte
	hangOnce sync.Once

	lock           sync.Mutex
	readDeadline   time.Time
	writeDeadline  time.Time
	ignoreDeadline bool
	stall          bool
	drops          int
	writeErr       error
	written        [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSocket(streamId string) *fakeSocket {
	id := fakeSocketIds.Add(1)

	return &fakeSocket{
		streamId: streamId,
		socketId: id,
		remote:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + int(id%20000)},
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (s *fakeSocket) StreamId() (string, error) {
	return s.streamId, s.streamIdErr
}

func (s *fakeSocket) SocketId() uint32 {
	return s.socketId
}

func (s *fakeSocket) RemoteAddr() net.Addr {
	return s.remote
}

func (s *fakeSocket) SetReadDeadline(t time.Time) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.readDeadline = t

	return nil
}

func (s *fakeSocket) SetWriteDeadline(t time.Time) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.writeDeadline = t

	return nil
}

func (s *fakeSocket) deadline(t time.Time) (<-chan time.Time, func()) {
	s.lock.Lock()
	ignore := s.ignoreDeadline
	s.lock.Unlock()

	if t.IsZero() || ignore {
		return nil, func() {}
	}

	timer := time.NewTimer(time.Until(t))

	return timer.C, func() { timer.Stop() }
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	s.lock.Lock()
	deadline := s.readDeadline
	s.lock.Unlock()

	timeout, stop := s.deadline(deadline)
	defer stop()

	select {
	case data, ok := <-s.incoming:
		if !ok {
			return 0, io.EOF
		}

		return copy(p, data), nil
	case <-s.closed:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, net.ErrClosed
	default:
	}

	s.lock.Lock()
	deadline, stall, writeErr := s.writeDeadline, s.stall, s.writeErr
	dropped := s.drops > 0
	if dropped {
		s.drops--
	}
	s.lock.Unlock()

	if writeErr != nil {
		return 0, writeErr
	}

	// A full send queue drops the write without waiting for the deadline.
	if dropped {
		return 0, io.EOF
	}

	if stall {
		timeout, stop := s.deadline(deadline)
		defer stop()

		select {
		case <-s.closed:
			return 0, net.ErrClosed
		case <-timeout:
			return 0, os.ErrDeadlineExceeded
		}
	}

	s.lock.Lock()
	s.written = append(s.written, append([]byte(nil), p...))
	s.lock.Unlock()

	return len(p), nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})

	return nil
}

// push makes data available to Read.
func (s *fakeSocket) push(data ...[]byte) {
	for _, d := range data {
		s.incoming <- d
	}
}

// hangup makes Read return io.EOF once all pushed data has been read.
func (s *fakeSocket) hangup() {
	s.hangOnce.Do(func() {
		close(s.incoming)
	})
}

func (s *fakeSocket) setStall(stall bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.stall = stall
}

// setDrops makes the next n writes fail immediately with io.EOF, the way
// a SRT connection reports a full send queue.
func (s *fakeSocket) setDrops(n int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.drops = n
}

func (s *fakeSocket) setWriteErr(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.writeErr = err
}

func (s *fakeSocket) received() [][]byte {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([][]byte(nil), s.written...)
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// waitReceived waits until the socket has been written to n times.
func (s *fakeSocket) waitReceived(t *testing.T, n int) [][]byte {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(s.received()) >= n
	}, 2*time.Second, 5*time.Millisecond)

	return s.received()
}

func (s *fakeSocket) waitClosed(t *testing.T) {
	t.Helper()

	require.Eventually(t, s.isClosed, 2*time.Second, 5*time.Millisecond)
}

// queuedSocket writes through writeQueued like srtSocket does.
type queuedSocket struct {
	*fakeSocket
}

func (s queuedSocket) Write(p []byte) (int, error) {
	return writeQueued(s.fakeSocket, p)
}

// fakeAcceptor hands out the sockets sent to it.
type fakeAcceptor struct {
	addr    net.Addr
	sockets chan Socket
	errs    chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeAcceptor(address string) *fakeAcceptor {
	addr, _ := net.ResolveUDPAddr("udp", address)

	return &fakeAcceptor{
		addr:    addr,
		sockets: make(chan Socket),
		errs:    make(chan error),
		closed:  make(chan struct{}),
	}
}

func (a *fakeAcceptor) Accept() (Socket, error) {
	select {
	case <-a.closed:
		return nil, ErrListenerClosed
	default:
	}

	select {
	case socket := <-a.sockets:
		return socket, nil
	case err := <-a.errs:
		return nil, err
	case <-a.closed:
		return nil, ErrListenerClosed
	}
}

func (a *fakeAcceptor) Close() error {
	a.closeOnce.Do(func() {
		close(a.closed)
	})

	return nil
}

func (a *fakeAcceptor) Addr() net.Addr {
	return a.addr
}

func (a *fakeAcceptor) isClosed() bool {
	select {
	case <-a.closed:
		return true
	default:
		return false
	}
}

// testConfig returns a config with short timeouts.
func testConfig() Config {
	config := DefaultConfig()
	config.InputAddr = "127.0.0.1:5500"
	config.OutputAddr = "127.0.0.1:6000"
	config.RecvTimeout = 50 * time.Millisecond
	config.SendTimeout = 50 * time.Millisecond
	config.EvictionThreshold = 2
	config.IdleGroupTimeout = 0
	config.ShutdownDrainTimeout = time.Second
	config.AcceptBackoff = 10 * time.Millisecond

	return config
}
