// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package remote

import (
	"fmt"
	"time"

	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/shutil"
)

var (
	// ErrNotInteractive is returned when commands are sent to a remote
	// started without interactive mode.
	ErrNotInteractive = errors.New("remote is not interactive")
	// ErrNotStarted is returned by operations needing a started remote.
	ErrNotStarted = errors.New("remote is not started")
	// ErrStopped is returned by operations after the remote has stopped.
	ErrStopped = errors.New("remote is stopped")
)

// LaunchError is returned when a remote process cannot be spawned.
type LaunchError struct {
	Name string
	Args []string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("%s: failed to launch %s: %v", e.Name, shutil.EscapeSlice(e.Args), e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TimeoutError is returned when an awaited acknowledgement does not arrive in
// time. The acknowledgement is still expected afterwards.
type TimeoutError struct {
	Name    string
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s timed out after %v", e.Name, e.Op, e.Timeout)
}

// RemoteError is an exception reported by a remote process.
type RemoteError struct {
	Name string
	// Message is the last line of the traceback, e.g. "ValueError: boom".
	Message string
	// Traceback holds all captured lines.
	Traceback []string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// UnexpectedExitError is delivered to commands that were still pending when
// the remote process exited.
type UnexpectedExitError struct {
	Name   string
	Status int
}

func (e *UnexpectedExitError) Error() string {
	return fmt.Sprintf("%s exited unexpectedly with status %d", e.Name, e.Status)
}
