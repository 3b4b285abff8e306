// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/google/subcommands"

	"github.com/rspy/rstest/cmd/rstest/internal/config"
	"github.com/rspy/rstest/firmware"
	"github.com/rspy/rstest/internal/logging"
)

// fwImageCmd implements subcommands.Command to locate firmware images.
type fwImageCmd struct {
	cfg    *config.Config
	stdout io.Writer

	root    string
	version string
}

var _ = subcommands.Command(&fwImageCmd{})

func newFWImageCmd(cfg *config.Config, stdout io.Writer) *fwImageCmd {
	return &fwImageCmd{cfg: cfg, stdout: stdout}
}

func (*fwImageCmd) Name() string     { return "fwimage" }
func (*fwImageCmd) Synopsis() string { return "print the firmware image of a product" }
func (*fwImageCmd) Usage() string {
	return `Usage: fwimage [flag]... <product name>...

Print the path of the firmware image for a product, e.g.
"Intel RealSense D435". Words of the product name may be given as separate
arguments.

`
}

func (c *fwImageCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.root, "root", "", "directory to search; the configured firmware roots if empty")
	f.StringVar(&c.version, "version", c.cfg.FirmwareVersion, "regular expression the image version must match")
}

func (c *fwImageCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if len(f.Args()) == 0 {
		fmt.Fprint(c.stdout, c.Usage())
		return subcommands.ExitUsageError
	}
	product := strings.Join(f.Args(), " ")

	roots := c.cfg.FirmwareRoots
	if c.root != "" {
		roots = []string{c.root}
	}
	var lastErr error
	for _, root := range roots {
		path, err := firmware.FindImage(ctx, root, product, c.version)
		if err != nil {
			logging.Debugf(ctx, "Not found under %s: %v", root, err)
			lastErr = err
			continue
		}
		fmt.Fprintln(c.stdout, path)
		return subcommands.ExitSuccess
	}
	logging.Error(ctx, lastErr)
	return subcommands.ExitFailure
}
