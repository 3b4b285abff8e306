// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package script

import (
	"fmt"
	"strings"

	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/errors/stack"
)

// Error is an error of a named kind, e.g. "ValueError". The kind is shown on
// the last line of a traceback.
type Error struct {
	Kind string
	err  error
}

// Raise returns a new Error of kind with a formatted message.
func Raise(kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, err: errors.Errorf(format, args...)}
}

func (e *Error) Error() string { return e.err.Error() }

func (e *Error) Unwrap() error { return e.err }

// panicError is a panic recovered from a command.
type panicError struct {
	value interface{}
	stack stack.Stack
}

func (e *panicError) Error() string { return fmt.Sprint(e.value) }

// Traceback formats err as the lines of a traceback: a header, the frames
// where err originated, and "<Kind>: <message>".
func Traceback(err error) []string {
	var st stack.Stack
	kind := "Error"
	var pe *panicError
	var ke *Error
	switch {
	case errors.As(err, &pe):
		st = pe.stack
		kind = "Panic"
	case errors.As(err, &ke):
		st = errors.Origin(err)
		kind = ke.Kind
	default:
		st = errors.Origin(err)
	}

	lines := []string{"Traceback (most recent call last):"}
	lines = append(lines, st.Traceback()...)
	msg := strings.Join(strings.Fields(strings.ReplaceAll(err.Error(), "\n", " ")), " ")
	return append(lines, kind+": "+msg)
}
