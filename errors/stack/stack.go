// Copyright 2018 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package stack provides a utility to capture and format a stack trace.
// This is not intended to be used directly by test scripts; use the errors
// package instead.
package stack

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	maxDepth = 8 // maximum number of stack frames to record

	ellipsis = "\t..." // trailing marker line added if stack trace is too long
)

// Stack holds a snapshot of program counters.
type Stack []uintptr

// Frame is a single resolved stack frame.
type Frame struct {
	Func string // fully-qualified function name
	File string // absolute source file path
	Line int
}

// New captures a stack trace. skip specifies the number of frames to skip from
// a stack trace. skip=0 records stack.New call as the innermost frame.
func New(skip int) Stack {
	pc := make([]uintptr, maxDepth+1)
	pc = pc[:runtime.Callers(skip+2, pc)]
	return Stack(pc)
}

// Frames resolves the stack into at most maxDepth frames, innermost first.
func (s Stack) Frames() []Frame {
	frames, _ := s.resolve()
	return frames
}

func (s Stack) resolve() (frames []Frame, truncated bool) {
	if len(s) == 0 {
		return nil, false
	}
	// Use runtime.CallersFrames to parse results of runtime.Callers correctly.
	// https://github.com/golang/go/issues/19426
	cf := runtime.CallersFrames(s)
	for {
		f, more := cf.Next()
		frames = append(frames, Frame{Func: f.Function, File: f.File, Line: f.Line})
		if !more {
			return frames, false
		}
		if len(frames) >= maxDepth {
			return frames, true
		}
	}
}

// String formats a stack trace to a human-friendly text.
func (s Stack) String() string {
	frames, truncated := s.resolve()
	var lines []string
	for _, f := range frames {
		lines = append(lines, fmt.Sprintf("\tat %s (%s:%d)", f.Func, filepath.Base(f.File), f.Line))
	}
	if truncated {
		lines = append(lines, ellipsis)
	}
	return strings.Join(lines, "\n")
}

// Traceback formats a stack trace the way an interpreter prints one:
// outermost frame first.
func (s Stack) Traceback() []string {
	frames := s.Frames()
	lines := make([]string, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		lines = append(lines, fmt.Sprintf("  File %q, line %d, in %s", f.File, f.Line, shortFunc(f.Func)))
	}
	return lines
}

// shortFunc strips the package path from a function name.
func shortFunc(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	return fn
}
