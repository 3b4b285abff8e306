// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/subcommands"

	"github.com/rspy/rstest/cmd/rstest/internal/config"
	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/internal/env"
	"github.com/rspy/rstest/internal/logging"
	"github.com/rspy/rstest/onfail"
	"github.com/rspy/rstest/remote"
)

// remoteCmd implements subcommands.Command to drive a nested script.
type remoteCmd struct {
	cfg    *config.Config
	parent *env.Env
	stdin  io.Reader
	stdout io.Writer

	name           string
	tag            string
	dir            string
	nonInteractive bool
	readyTimeout   time.Duration
	timeout        time.Duration
	waitTimeout    time.Duration
	policy         onfail.Policy

	mu      sync.Mutex
	current *remote.Remote
}

var _ = subcommands.Command(&remoteCmd{})

func newRemoteCmd(cfg *config.Config, parent *env.Env, stdin io.Reader, stdout io.Writer) *remoteCmd {
	return &remoteCmd{cfg: cfg, parent: parent, stdin: stdin, stdout: stdout}
}

func (*remoteCmd) Name() string     { return "remote" }
func (*remoteCmd) Synopsis() string { return "run a nested script and send it commands" }
func (*remoteCmd) Usage() string {
	return `Usage: remote [flag]... <script> [command]...

Start a nested script, wait until it is ready, run each command in turn and
wait for the script to exit. Without commands, they are read from stdin, one
per line. The exit status is the script's.

`
}

func (r *remoteCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.name, "name", "remote", "name of the remote in logs")
	f.StringVar(&r.tag, "tag", r.cfg.Tag, "nested tag of the script")
	f.StringVar(&r.dir, "dir", "", "working directory of the script")
	f.BoolVar(&r.nonInteractive, "noninteractive", false, "run the script body only, without commands")
	f.DurationVar(&r.readyTimeout, "ready-timeout", time.Duration(r.cfg.ReadyTimeout), "time to wait for the script to start")
	f.DurationVar(&r.timeout, "timeout", time.Duration(r.cfg.CommandTimeout), "time to wait for each command")
	f.DurationVar(&r.waitTimeout, "wait-timeout", time.Duration(r.cfg.WaitTimeout), "time to wait for the script to exit")
	r.policy = onfail.Raise
	f.Var(&r.policy, "onfail", "what to do when a command raises: raise, abort or log")
}

func (r *remoteCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if len(f.Args()) < 1 {
		fmt.Fprint(r.stdout, r.Usage())
		return subcommands.ExitUsageError
	}
	script, commands := f.Args()[0], f.Args()[1:]
	interactive := !r.nonInteractive
	if !interactive && len(commands) > 0 {
		logging.Error(ctx, "Commands given to a non-interactive script")
		return subcommands.ExitUsageError
	}

	rem, err := remote.New(script,
		remote.WithName(r.name),
		remote.WithTag(r.tag),
		remote.WithDir(r.dir),
		remote.WithInteractive(interactive),
		remote.WithInterpreters(r.cfg.Interpreters),
		remote.WithParentEnv(r.parent),
		remote.WithOutput(r.stdout))
	if err != nil {
		logging.Error(ctx, err)
		return subcommands.ExitUsageError
	}
	r.setCurrent(rem)
	defer r.setCurrent(nil)

	status, err := r.drive(ctx, rem, commands)
	if err != nil {
		logging.Error(ctx, err)
		rem.Stop(ctx)
		return subcommands.ExitFailure
	}
	return exitStatus(status)
}

// drive starts rem, runs commands on it and waits for it to exit.
func (r *remoteCmd) drive(ctx context.Context, rem *remote.Remote, commands []string) (int, error) {
	if err := rem.Start(ctx); err != nil {
		return -1, err
	}
	if err := rem.WaitUntilReady(ctx, r.readyTimeout); err != nil {
		return -1, err
	}

	if !r.nonInteractive {
		next := commandSource(commands, r.stdin)
		for {
			cmd, ok, err := next()
			if err != nil {
				return -1, err
			}
			if !ok {
				break
			}
			if err := rem.Run(ctx, cmd, r.timeout, r.policy); err != nil {
				return -1, err
			}
			if !rem.Running() {
				break
			}
		}
	}
	return rem.Wait(ctx, r.waitTimeout)
}

// commandSource returns a function yielding commands, or lines of in if
// commands is empty. Blank lines are skipped.
func commandSource(commands []string, in io.Reader) func() (string, bool, error) {
	if len(commands) > 0 {
		return func() (string, bool, error) {
			if len(commands) == 0 {
				return "", false, nil
			}
			cmd := commands[0]
			commands = commands[1:]
			return cmd, true, nil
		}
	}
	sc := bufio.NewScanner(in)
	return func() (string, bool, error) {
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				return line, true, nil
			}
		}
		if err := sc.Err(); err != nil {
			return "", false, errors.Wrap(err, "failed to read commands")
		}
		return "", false, nil
	}
}

// exitStatus maps the exit status of a script to that of this command.
// Signaled scripts report a negative status.
func exitStatus(status int) subcommands.ExitStatus {
	if status < 0 || status > 255 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitStatus(status)
}

func (r *remoteCmd) setCurrent(rem *remote.Remote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = rem
}

// stop stops the running remote, if any.
func (r *remoteCmd) stop(ctx context.Context) {
	r.mu.Lock()
	rem := r.current
	r.mu.Unlock()
	if rem != nil {
		rem.Stop(ctx)
	}
}
