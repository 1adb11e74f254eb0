package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	srt "github.com/datarhei/gosrt"
)

type stats struct {
	bprev  uint64
	btotal uint64
	prev   uint64
	total  uint64

	lock sync.Mutex

	period time.Duration
	last   time.Time
	done   chan struct{}
}

func (s *stats) init(period time.Duration) {
	s.bprev = 0
	s.btotal = 0
	s.prev = 0
	s.total = 0

	s.period = period
	s.last = time.Now()
	s.done = make(chan struct{})

	go s.tick()
}

func (s *stats) tick() {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case c := <-ticker.C:
			s.lock.Lock()
			diff := c.Sub(s.last)

			bavg := float64(s.btotal-s.bprev) * 8 / (1000 * 1000 * diff.Seconds())
			avg := float64(s.total-s.prev) / diff.Seconds()

			s.bprev = s.btotal
			s.prev = s.total
			s.last = c

			total, btotal := s.total, s.btotal
			s.lock.Unlock()

			fmt.Fprintf(os.Stderr, "\r%-54s: %8.3f kframes (%8.3f frames/s), %8.3f mbytes (%8.3f Mbps)", c, float64(total)/1024, avg, float64(btotal)/1024/1024, bavg)
		}
	}
}

func (s *stats) update(n uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.btotal += n
	s.total++
}

func (s *stats) stop() {
	close(s.done)
}

func main() {
	var addr string
	var streamId string
	var mode string
	var passphrase string
	var to string
	var bitrate uint64
	var logtopics string

	flag.StringVar(&addr, "addr", "", "address of the relay, the input address for -mode publish, the output address for -mode subscribe")
	flag.StringVar(&streamId, "streamid", "", "stream id to publish or subscribe to")
	flag.StringVar(&mode, "mode", "subscribe", "publish probe frames or subscribe to a stream")
	flag.StringVar(&passphrase, "passphrase", "", "passphrase for de- and encrypting the data")
	flag.StringVar(&to, "to", "", "where to write a subscribed stream, targets: file://, - (stdout). Discarded if empty")
	flag.Uint64Var(&bitrate, "bitrate", 2_097_152, "bitrate of the probe frames in bit/s")
	flag.StringVar(&logtopics, "logtopics", "", "topics for the log output")

	flag.Parse()

	if len(addr) == 0 || len(streamId) == 0 {
		fmt.Fprintf(os.Stderr, "Error: -addr and -streamid are required\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if mode != "publish" && mode != "subscribe" {
		fmt.Fprintf(os.Stderr, "Error: unsupported mode %q\n", mode)
		flag.PrintDefaults()
		os.Exit(1)
	}

	var logger srt.Logger

	if len(logtopics) != 0 {
		logger = srt.NewLogger(strings.Split(logtopics, ","))
	}

	go func() {
		if logger == nil {
			return
		}

		for m := range logger.Listen() {
			fmt.Fprintf(os.Stderr, "%#08x %s (in %s:%d)\n%s \n", m.SocketId, m.Topic, m.File, m.Line, m.Message)
		}
	}()

	config := srt.DefaultConfig()
	config.StreamId = streamId
	config.Passphrase = passphrase
	config.Logger = logger

	conn, err := srt.Dial("srt", addr, config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: dial: %v\n", err)
		os.Exit(1)
	}

	var r io.ReadCloser
	var w io.WriteCloser
	verifier := &probeVerifier{}

	if mode == "publish" {
		r, err = NewProbeReader(ProbeReaderOptions{
			Bitrate: bitrate,
		})
		w = conn
	} else {
		r = conn
		w, err = openWriter(to)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		conn.Close()
		os.Exit(1)
	}

	doneChan := make(chan error, 2)

	s := stats{}
	s.init(200 * time.Millisecond)

	go func() {
		buffer := make([]byte, 2048)

		for {
			n, err := r.Read(buffer)
			if err != nil {
				doneChan <- fmt.Errorf("read: %w", err)
				return
			}

			s.update(uint64(n))

			if mode == "subscribe" {
				verifier.check(buffer[:n])
			}

			if _, err := w.Write(buffer[:n]); err != nil {
				doneChan <- fmt.Errorf("write: %w", err)
				return
			}
		}
	}()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt)
		<-quit

		doneChan <- nil
	}()

	if err := <-doneChan; err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	} else {
		fmt.Fprint(os.Stderr, "\n")
	}

	s.stop()

	w.Close()
	r.Close()

	statistics := &srt.Statistics{}
	conn.Stats(statistics)

	data, err := json.MarshalIndent(statistics, "", "   ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %+v\n", mode, statistics)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %s\n", mode, string(data))
	}

	if mode == "subscribe" {
		fmt.Fprintf(os.Stderr, "missing frames: %d, reordered frames: %d\n", verifier.missing, verifier.reordered)

		if q, ok := w.(*frameQueue); ok {
			fmt.Fprintf(os.Stderr, "dropped at output: %d\n", q.Dropped())
		}
	}

	if logger != nil {
		logger.Close()
	}
}

// discard is a WriteCloser that drops everything
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }

func openWriter(addr string) (io.WriteCloser, error) {
	if len(addr) == 0 {
		return discard{}, nil
	}

	if addr == "-" {
		return newFrameQueue(os.Stdout, nil, 1024), nil
	}

	if strings.HasPrefix(addr, "file://") {
		path := strings.TrimPrefix(addr, "file://")
		file, err := os.Create(path)
		if err != nil {
			return nil, err
		}

		return newFrameQueue(file, file, 1024), nil
	}

	return nil, fmt.Errorf("unsupported writer")
}
