// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package remote

import (
	"strings"
)

// Sentinel is the line a nested script prints when it finished a unit of work
// and is ready for the next command.
const Sentinel = "___"

// lineKind is the classification of a line read from a remote.
type lineKind int

const (
	lineSentinel lineKind = iota
	// linePrefixed is output of the nested script itself, already tagged.
	linePrefixed
	// lineTraceback starts an exception report.
	lineTraceback
	linePlain
)

func classify(line, prefix string) lineKind {
	switch {
	case line == Sentinel:
		return lineSentinel
	case strings.HasPrefix(line, prefix):
		return linePrefixed
	case strings.HasPrefix(line, "Traceback"), strings.HasPrefix(line, `  File "`):
		return lineTraceback
	default:
		return linePlain
	}
}

// readerState is the state of the output reader.
type readerState int

const (
	stateNormal readerState = iota
	stateCapturing
)

// action tells the reader what to do with a line.
type action struct {
	// print is true if out should be written to the output.
	print bool
	out   string
	// resolve is true if the head of the ready queue should be resolved.
	resolve bool
	// captured holds the exception lines to resolve with. It is nil when no
	// exception was captured.
	captured []string
}

// lineMachine classifies lines of a remote's merged output and tracks
// exception capture between sentinels.
type lineMachine struct {
	prefix  string
	state   readerState
	capture []string
}

func newLineMachine(tag string) *lineMachine {
	return &lineMachine{prefix: "[" + tag + "] "}
}

// next processes a line without its newline and returns what to do with it.
func (m *lineMachine) next(line string) action {
	return m.process(line, classify(line, m.prefix))
}

// fragment processes trailing output not terminated by a newline. It is
// never a sentinel.
func (m *lineMachine) fragment(line string) action {
	kind := classify(line, m.prefix)
	if kind == lineSentinel {
		kind = linePlain
	}
	return m.process(line, kind)
}

func (m *lineMachine) process(line string, kind lineKind) action {
	switch kind {
	case lineSentinel:
		a := action{resolve: true}
		if m.state == stateCapturing {
			a.captured = m.capture
		}
		m.reset()
		return a

	case linePrefixed:
		// A tagged line never belongs to an exception, even if it looks
		// like one. It ends a capture in progress.
		m.reset()
		return action{print: true, out: line}

	case lineTraceback:
		if m.state == stateNormal {
			m.state = stateCapturing
			m.capture = nil
		}
		m.capture = append(m.capture, line)
		return action{print: true, out: m.prefix + line}

	default:
		if m.state == stateCapturing {
			m.capture = append(m.capture, line)
		}
		return action{print: true, out: m.prefix + line}
	}
}

func (m *lineMachine) reset() {
	m.state = stateNormal
	m.capture = nil
}
