// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package command contains process-level helpers shared by executables.
package command

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

var selfName = filepath.Base(os.Args[0])

// exit is replaced in unit tests.
var exit = os.Exit

// InstallSignalHandler installs a handler for SIGINT and SIGTERM that calls
// callback, terminates child processes and exits. Remotes still running when
// the signal arrives would otherwise outlive this process. out is the output
// stream to write messages to (typically stderr).
func InstallSignalHandler(out io.Writer, callback func(sig os.Signal)) {
	ch := make(chan os.Signal, 1)
	go func() {
		handleSignal(out, <-ch, callback)
	}()
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM)
}

func handleSignal(out io.Writer, sig os.Signal, callback func(sig os.Signal)) {
	fmt.Fprintf(out, "\n%s: Caught %v signal; exiting\n", selfName, sig)
	if callback != nil {
		callback(sig)
	}
	if sig == unix.SIGTERM {
		// SIGTERM is often sent by the parent process on timeout, so dump
		// stack traces to help debugging.
		fmt.Fprintf(out, "\n%s: Dumping all goroutines...\n\n", selfName)
		if p := pprof.Lookup("goroutine"); p != nil {
			p.WriteTo(out, 2)
		}
		fmt.Fprintf(out, "\n%s: Finished dumping goroutines\n", selfName)
	}
	if err := TerminateChildren(); err != nil {
		fmt.Fprintf(out, "Failed to terminate subprocesses: %v\n", err)
	}
	exit(1)
}

// TerminateChildren sends SIGTERM to all direct child processes of the
// current process.
func TerminateChildren() error {
	procs, err := process.Processes()
	if err != nil {
		return err
	}

	selfPid := int32(os.Getpid())
	for _, proc := range procs {
		ppid, err := proc.Ppid()
		if err != nil {
			continue
		}
		if ppid == selfPid {
			proc.Terminate()
		}
	}
	return nil
}
