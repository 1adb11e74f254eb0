// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

/*
Package relay implements a relay for SRT streams (https://github.com/Haivision/srt).

The relay listens on two addresses. Connections on the input address write
a stream into the relay, connections on the output address read a stream
from it. Inputs and outputs are matched by the stream id they present in
the handshake. Every frame that is read from an input is written to all
outputs with the same stream id, in the order it has been received. An
output that can't keep up is evicted without affecting the other outputs.

The Server type wraps the listeners and the relay:

	config := relay.DefaultConfig()
	config.InputAddr = ":5500"
	config.OutputAddr = ":6000"

	s := &relay.Server{
		Config: &config,
	}

	go func() {
		if err := s.ListenAndServe(); err != nil && err != relay.ErrServerClosed {
			// handle error
		}
	}()

	// ...

	s.Shutdown()

A publisher connects with e.g. ffmpeg:

	ffmpeg -re -i video.ts -c copy -f mpegts "srt://127.0.0.1:5500?streamid=cam1"

and a player reads the same stream from the output address:

	ffplay "srt://127.0.0.1:6000?streamid=cam1"

Only one input per stream id is accepted at a time. Outputs may connect
before the input and are kept until the group had no input for the
IdleGroupTimeout.
*/
package relay
