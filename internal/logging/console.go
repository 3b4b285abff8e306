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

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// levelColors maps levels to ANSI colors used when color output is on.
var levelColors = map[Level]termenv.Color{
	LevelDebug:   termenv.ANSI.Color("8"),
	LevelWarning: termenv.ANSI.Color("11"),
	LevelError:   termenv.ANSI.Color("9"),
}

// ConsoleOptions configures a ConsoleLogger.
type ConsoleOptions struct {
	// Debug enables debug-level logs.
	Debug bool
	// Color enables ANSI colors for level tags.
	Color bool
	// Nested is the tag of a nested script. When non-empty, every output
	// line is prefixed with "[Nested] " so a parent process can tell it apart
	// from unstructured output.
	Nested string
	// Timestamp prepends a local time to every log line.
	Timestamp bool
}

// ConsoleLogger is a Logger writing human-oriented lines to a console.
//
// All writes to the underlying io.Writer are synchronized.
type ConsoleLogger struct {
	opts ConsoleOptions

	mu sync.Mutex
	w  io.Writer
}

// NewConsoleLogger creates a new ConsoleLogger writing to w.
func NewConsoleLogger(w io.Writer, opts ConsoleOptions) *ConsoleLogger {
	return &ConsoleLogger{opts: opts, w: w}
}

// Log writes a leveled log. Multi-line messages get the level tag on every
// line.
func (l *ConsoleLogger) Log(level Level, ts time.Time, msg string) {
	if level == LevelDebug && !l.opts.Debug {
		return
	}
	tag := level.String()
	if c, ok := levelColors[level]; ok && l.opts.Color {
		tag = termenv.String(tag).Foreground(c).String()
	}
	head := tag + " "
	if l.opts.Timestamp {
		head = ts.Format("15:04:05.000 ") + head
	}
	l.write(head, msg)
}

// Out writes msg without any level tag. It is still prefixed with the nested
// tag, if any.
func (l *ConsoleLogger) Out(msg string) {
	l.write("", msg)
}

// Prefix returns the line prefix applied to every output line.
func (l *ConsoleLogger) Prefix() string {
	if l.opts.Nested == "" {
		return ""
	}
	return "[" + l.opts.Nested + "] "
}

func (l *ConsoleLogger) write(head, msg string) {
	var sb strings.Builder
	prefix := l.Prefix()
	for _, line := range strings.Split(strings.TrimSuffix(msg, "\n"), "\n") {
		sb.WriteString(prefix)
		sb.WriteString(head)
		sb.WriteString(line)
		sb.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.w, sb.String())
}

// ShouldUseColor reports whether ANSI colors should be used on stdout by
// default. It respects NO_COLOR, CLICOLOR and CLICOLOR_FORCE, and otherwise
// uses color only if stdout is a terminal.
func ShouldUseColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if _, ok := os.LookupEnv("CLICOLOR_FORCE"); ok {
		return true
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}
