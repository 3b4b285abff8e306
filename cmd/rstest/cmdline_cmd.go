// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"

	"github.com/rspy/rstest/cmd/rstest/internal/config"
	"github.com/rspy/rstest/internal/env"
	"github.com/rspy/rstest/internal/logging"
	"github.com/rspy/rstest/remote"
	"github.com/rspy/rstest/shutil"
)

// cmdlineCmd implements subcommands.Command to print the command line of a
// nested script.
type cmdlineCmd struct {
	cfg    *config.Config
	parent *env.Env
	stdout io.Writer

	tag         string
	dir         string
	interactive bool
}

var _ = subcommands.Command(&cmdlineCmd{})

func newCmdlineCmd(cfg *config.Config, parent *env.Env, stdout io.Writer) *cmdlineCmd {
	return &cmdlineCmd{cfg: cfg, parent: parent, stdout: stdout}
}

func (*cmdlineCmd) Name() string     { return "cmdline" }
func (*cmdlineCmd) Synopsis() string { return "print the command line of a nested script" }
func (*cmdlineCmd) Usage() string {
	return `Usage: cmdline [flag]... <script>

Print the shell-escaped command line the remote command would run.

`
}

func (c *cmdlineCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.tag, "tag", c.cfg.Tag, "nested tag of the script")
	f.StringVar(&c.dir, "dir", "", "working directory of the script")
	f.BoolVar(&c.interactive, "interactive", false, "ask the script to serve commands")
}

func (c *cmdlineCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if len(f.Args()) != 1 {
		fmt.Fprint(c.stdout, c.Usage())
		return subcommands.ExitUsageError
	}
	args, err := remote.NestedCommand(remote.CommandConfig{
		Script:       f.Args()[0],
		Tag:          c.tag,
		Interactive:  c.interactive,
		Dir:          c.dir,
		Interpreters: c.cfg.Interpreters,
		Parent:       c.parent,
	})
	if err != nil {
		logging.Error(ctx, err)
		return subcommands.ExitFailure
	}
	fmt.Fprintln(c.stdout, shutil.EscapeSlice(args))
	return subcommands.ExitSuccess
}
