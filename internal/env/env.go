// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package env parses the process-wide run-mode flags shared by test scripts
// and the processes they drive.
package env

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/internal/logging"
)

// RerunArg is appended to the arguments of a process started by
// ReexecWithEnv so the child knows its environment is already in place.
const RerunArg = "rerun"

// GitHubActionsTag is the context tag added when running under GitHub Actions.
const GitHubActionsTag = "gha"

// Env holds the run-mode flags of a process. It is read-only once parsed.
type Env struct {
	// Context lists tags describing the environment of the run, e.g. "gha".
	Context []string
	// Nested is the tag of this process when it is driven by a parent.
	// It is empty for top-level runs.
	Nested string
	// Debug enables debug logs.
	Debug bool
	// Color enables colored logs.
	Color bool
	// Interactive requests a command loop on stdin after the script body.
	Interactive bool
	// Verbose is mirrored to child interpreters.
	Verbose bool
	// Rerun is true when this process was started by ReexecWithEnv.
	Rerun bool
	// Args holds the arguments that are not run-mode flags.
	Args []string
}

// Parse extracts run-mode flags from args, which must not contain the program
// name. getenv is used to detect CI environments.
func Parse(args []string, getenv func(string) string) (*Env, error) {
	e := &Env{}
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; arg {
		case "--context":
			if i+1 >= len(args) {
				return nil, errors.New("received --context flag but no context")
			}
			i++
			e.Context = strings.Fields(args[i])
		case "--nested":
			if i+1 >= len(args) {
				return nil, errors.New("received --nested flag but no nested name")
			}
			i++
			e.Nested = args[i]
		case "--debug":
			e.Debug = true
		case "--color":
			e.Color = true
		case "-i":
			e.Interactive = true
		case "-v":
			e.Verbose = true
		default:
			e.Args = append(e.Args, arg)
		}
	}
	if n := len(e.Args); n > 0 && e.Args[n-1] == RerunArg {
		e.Rerun = true
		e.Args = e.Args[:n-1]
	}
	if !e.Has(GitHubActionsTag) && getenv("GITHUB_ACTIONS") != "" {
		e.Context = append(e.Context, GitHubActionsTag)
	}
	return e, nil
}

// Has reports whether tag is one of the context tags.
func (e *Env) Has(tag string) bool {
	return slices.Contains(e.Context, tag)
}

// Flags returns command line flags reproducing e, excluding Args.
func (e *Env) Flags() []string {
	var flags []string
	if e.Verbose {
		flags = append(flags, "-v")
	}
	if e.Interactive {
		flags = append(flags, "-i")
	}
	if e.Debug {
		flags = append(flags, "--debug")
	}
	if e.Color {
		flags = append(flags, "--color")
	}
	if len(e.Context) > 0 {
		flags = append(flags, "--context", strings.Join(e.Context, " "))
	}
	if e.Nested != "" {
		flags = append(flags, "--nested", e.Nested)
	}
	return flags
}

var (
	currentOnce sync.Once
	current     *Env
	currentErr  error
)

// Current returns the flags of the current process, parsed once from os.Args.
func Current() (*Env, error) {
	currentOnce.Do(func() {
		current, currentErr = Parse(os.Args[1:], os.Getenv)
	})
	return current, currentErr
}

// ReexecWithEnv makes sure vars are set in the environment of the running
// program. If e is not a rerun, it runs the current executable again with the
// same arguments plus RerunArg and vars added to its environment, and returns
// done=true with the exit code of that run, which the caller should exit
// with. Otherwise it returns done=false and the caller continues.
func ReexecWithEnv(ctx context.Context, e *Env, vars map[string]string) (code int, done bool, err error) {
	if e.Rerun {
		logging.Debugf(ctx, "[pid %d] rerun detected", os.Getpid())
		return 0, false, nil
	}
	logging.Debug(ctx, "environment variables needed: ", vars)

	exe, err := os.Executable()
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to locate the running executable")
	}
	args := append(append(e.Flags(), e.Args...), RerunArg)
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Env = os.Environ()
	for k, v := range vars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stdout

	logging.Debugf(ctx, "[pid %d] running: %s %s", os.Getpid(), exe, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		var xerr *exec.ExitError
		if errors.As(err, &xerr) {
			return xerr.ExitCode(), true, nil
		}
		return 0, false, errors.Wrapf(err, "failed to rerun %s", exe)
	}
	return 0, true, nil
}
