// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package relay

import (
	srt "github.com/datarhei/gosrt"
)

// topicLogger writes to a srt.Logger. The message is only built if the
// topic is enabled. A nil logger discards everything.
type topicLogger struct {
	logger srt.Logger
}

func newTopicLogger(logger srt.Logger) topicLogger {
	return topicLogger{logger: logger}
}

func (l topicLogger) log(topic string, socketId uint32, message func() string) {
	if l.logger == nil {
		return
	}

	l.logger.Print(topic, socketId, 2, message)
}
