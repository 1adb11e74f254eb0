// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	srt "github.com/datarhei/gosrt"
)

// ListenSRT is the ListenFunc for SRT. Each role gets its own SRT listener.
// If the config has a passphrase, unencrypted peers and peers with a wrong
// passphrase are rejected during the handshake.
func ListenSRT(role Role, address string, config Config) (Acceptor, error) {
	srtConfig := srt.DefaultConfig()
	srtConfig.Logger = config.Logger

	if config.Latency > 0 {
		srtConfig.Latency = config.Latency
		srtConfig.PeerLatency = config.Latency
		srtConfig.ReceiverLatency = config.Latency
	}

	if len(config.Passphrase) != 0 {
		srtConfig.EnforcedEncryption = true
	}

	ln, err := srt.Listen("srt", address, srtConfig)
	if err != nil {
		return nil, err
	}

	a := &srtAcceptor{
		ln:         ln,
		role:       role,
		passphrase: config.Passphrase,
	}

	return a, nil
}

// srtAcceptor implements the Acceptor interface
type srtAcceptor struct {
	ln         srt.Listener
	role       Role
	passphrase string
}

func (a *srtAcceptor) Accept() (Socket, error) {
	for {
		req, err := a.ln.Accept2()
		if err != nil {
			if errors.Is(err, srt.ErrListenerClosed) {
				return nil, ErrListenerClosed
			}

			return nil, err
		}

		if req.IsEncrypted() {
			if err := req.SetPassphrase(a.passphrase); err != nil {
				req.Reject(srt.REJ_BADSECRET)
				continue
			}
		} else if len(a.passphrase) != 0 {
			req.Reject(srt.REJ_UNSECURE)
			continue
		}

		conn, err := req.Accept()
		if err != nil {
			return nil, fmt.Errorf("accept: %w", err)
		}

		return &srtSocket{Conn: conn}, nil
	}
}

func (a *srtAcceptor) Close() error {
	a.ln.Close()

	return nil
}

func (a *srtAcceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// srtSocket adapts a srt.Conn to the Socket interface
type srtSocket struct {
	srt.Conn
}

func (s *srtSocket) StreamId() (string, error) {
	if s.Conn == nil {
		return "", fmt.Errorf("no connection")
	}

	return s.Conn.StreamId(), nil
}

// Write hands p to the send queue of the connection.
func (s *srtSocket) Write(p []byte) (int, error) {
	return writeQueued(s.Conn, p)
}

// errSendQueueFull is reported when the transport dropped a write.
var errSendQueueFull = errors.New("send queue full")

// writeQueued writes p to w, a writer that doesn't block on a full send
// queue but drops the write and returns io.EOF. Such a drop is reported as
// an exceeded deadline, i.e. the output missed the frame. A closed
// connection also returns io.EOF; the output watcher removes those.
func writeQueued(w io.Writer, p []byte) (int, error) {
	n, err := w.Write(p)
	if errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: %w", errSendQueueFull, os.ErrDeadlineExceeded)
	}

	return n, err
}
