// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rspy/rstest/errors"
)

// fileTimeFormat is the timestamp layout of SinkLogger lines.
const fileTimeFormat = "2006-01-02T15:04:05.000000Z"

// SinkLogger is a Logger that sends one plain line per message line to a
// Sink, e.g. a log file kept next to the console output. Lines carry the
// level tag and, optionally, a UTC timestamp. They are never colored.
type SinkLogger struct {
	level     Level
	timestamp bool
	sink      Sink
}

// NewSinkLogger creates a new SinkLogger passing logs at level or above to
// sink.
func NewSinkLogger(level Level, timestamp bool, sink Sink) *SinkLogger {
	return &SinkLogger{level: level, timestamp: timestamp, sink: sink}
}

// Log sends a log to the associated sink.
func (l *SinkLogger) Log(level Level, ts time.Time, msg string) {
	if level < l.level {
		return
	}
	head := level.String() + " "
	if l.timestamp {
		head = ts.UTC().Format(fileTimeFormat) + " " + head
	}
	for _, line := range strings.Split(strings.TrimSuffix(msg, "\n"), "\n") {
		l.sink.Log(head + line)
	}
}

// Sink represents a destination of log lines.
type Sink interface {
	// Log gets called for a single line without a trailing newline.
	Log(line string)
}

// FuncSink is a Sink that calls a function.
//
// All calls to the underlying function are synchronized.
type FuncSink struct {
	f  func(line string)
	mu sync.Mutex
}

// NewFuncSink creates a new FuncSink from a function.
func NewFuncSink(f func(line string)) *FuncSink {
	return &FuncSink{f: f}
}

// Log passes line to the function.
func (s *FuncSink) Log(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f(line)
}

// WriterSink is a Sink writing newline-terminated lines to an io.Writer.
//
// All writes are synchronized.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// NewWriterSink creates a new WriterSink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// OpenFileSink opens the file at path for appending and returns a WriterSink
// writing to it. The caller must close it.
func OpenFileSink(path string) (*WriterSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open log file")
	}
	return &WriterSink{w: f, c: f}, nil
}

// Log writes line to the underlying io.Writer.
func (s *WriterSink) Log(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.w, line+"\n")
}

// Close closes the underlying file, if the sink owns one.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	err := s.c.Close()
	s.c = nil
	return err
}
