// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package main implements the rstest executable, used to drive nested test
// scripts and to locate firmware images.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/rspy/rstest/cmd/rstest/internal/config"
	"github.com/rspy/rstest/internal/command"
	"github.com/rspy/rstest/internal/env"
	"github.com/rspy/rstest/internal/logging"
)

// Version is the version info of this command. It is filled in at build time.
var Version = "<unknown>"

// parentEnv returns the flags mirrored to nested scripts started by this
// command.
func parentEnv(verbose, color bool, contextTags string) (*env.Env, error) {
	var args []string
	if contextTags != "" {
		args = append(args, "--context", contextTags)
	}
	if verbose {
		args = append(args, "-v", "--debug")
	}
	if color {
		args = append(args, "--color")
	}
	return env.Parse(args, os.Getenv)
}

// doMain implements the main body of the program. It's a separate function so
// that its deferred functions will run before os.Exit makes the program exit
// immediately.
func doMain() int {
	version := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "use verbose logging")
	logTime := flag.Bool("logtime", false, "include date/time headers in logs")
	color := flag.Bool("color", logging.ShouldUseColor(), "use colors in logs")
	contextTags := flag.String("context", "", "space-separated context tags passed to nested scripts")
	configPath := flag.String("config", "", "path to a YAML config file")
	logFile := flag.String("logfile", "", "path to a file to append debug logs to")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	flag.Parse()

	if *version {
		fmt.Printf("rstest version %s\n", Version)
		return 0
	}

	logger := logging.NewMultiLogger(logging.NewConsoleLogger(os.Stdout, logging.ConsoleOptions{
		Debug:     *verbose,
		Color:     *color,
		Timestamp: *logTime,
	}))
	if *logFile != "" {
		sink, err := logging.OpenFileSink(*logFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return int(subcommands.ExitUsageError)
		}
		defer sink.Close()
		logger.AddLogger(logging.NewSinkLogger(logging.LevelDebug, true, sink))
	}
	ctx := logging.AttachLogger(context.Background(), logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error(ctx, err)
		return int(subcommands.ExitUsageError)
	}
	parent, err := parentEnv(*verbose, *color, *contextTags)
	if err != nil {
		logging.Error(ctx, err)
		return int(subcommands.ExitUsageError)
	}

	rc := newRemoteCmd(cfg, parent, os.Stdin, os.Stdout)
	subcommands.Register(rc, "")
	subcommands.Register(newCmdlineCmd(cfg, parent, os.Stdout), "")
	subcommands.Register(newFWImageCmd(cfg, os.Stdout), "")

	command.InstallSignalHandler(os.Stderr, func(os.Signal) {
		rc.stop(ctx)
	})

	return int(subcommands.Execute(ctx))
}

func main() {
	os.Exit(doMain())
}
