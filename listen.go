// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Listener runs the accept loop for one role.
type Listener struct {
	role     Role
	acceptor Acceptor
	relay    *Relay
	backoff  time.Duration
	logger   topicLogger
}

func NewListener(role Role, acceptor Acceptor, relay *Relay) *Listener {
	return &Listener{
		role:     role,
		acceptor: acceptor,
		relay:    relay,
		backoff:  relay.config.AcceptBackoff,
		logger:   relay.logger,
	}
}

// Serve accepts sockets and hands them to the relay until ctx is cancelled.
// Rejected sockets and transient accept errors don't end the loop. Serve
// returns nil after ctx has been cancelled and a *TransportError if the
// acceptor has been closed by someone else.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		l.acceptor.Close()
	})
	defer stop()

	l.logger.log("relay:listen", 0, func() string {
		return fmt.Sprintf("%s: accepting on %s", l.role, l.acceptor.Addr())
	})

	defer l.logger.log("relay:listen", 0, func() string {
		return fmt.Sprintf("%s: left accept loop", l.role)
	})

	for {
		socket, err := l.acceptor.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, ErrListenerClosed) {
				return &TransportError{
					Op:   "accept",
					Role: l.role,
					Addr: l.addr(),
					Err:  err,
				}
			}

			l.logger.log("relay:listen", 0, func() string {
				return fmt.Sprintf("%s: accept failed, retrying in %s: %s", l.role, l.backoff, err)
			})

			timer := time.NewTimer(l.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}

			continue
		}

		// Rejections are logged and counted by the relay
		l.relay.Handle(l.role, socket)
	}
}

func (l *Listener) addr() string {
	if addr := l.acceptor.Addr(); addr != nil {
		return addr.String()
	}

	return ""
}
