// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package script is the runtime of test scripts that can be driven by a
// parent process through package remote.
//
// A script runs its body, then, if started with -i, serves commands read from
// stdin. When nested (--nested <tag>), every log line is prefixed with
// "[<tag>] " and the sentinel line is printed after start-up and after each
// command, so the parent can tell when the script is ready for more input.
// Failures are printed as tracebacks the parent relays as remote errors.
package script

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rspy/rstest/errors/stack"
	"github.com/rspy/rstest/internal/env"
	"github.com/rspy/rstest/internal/logging"
	"github.com/rspy/rstest/remote"
	"github.com/rspy/rstest/shutil"
)

// Func is a command callable from the command loop.
type Func func(ctx context.Context, args []string) error

// Script holds the runtime state of a script process.
type Script struct {
	env      *env.Env
	in       io.Reader
	out      io.Writer
	console  *logging.ConsoleLogger
	commands map[string]Func
	exit     func(code int)
}

// New creates a Script reading commands from in and writing to out.
func New(e *env.Env, in io.Reader, out io.Writer) *Script {
	return &Script{
		env: e,
		in:  in,
		out: out,
		console: logging.NewConsoleLogger(out, logging.ConsoleOptions{
			Debug:  e.Debug,
			Color:  e.Color,
			Nested: e.Nested,
		}),
		commands: make(map[string]Func),
		exit:     os.Exit,
	}
}

// Main runs body as a script of the current process and exits.
func Main(body func(ctx context.Context, s *Script) error) {
	e, err := env.Current()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(New(e, os.Stdin, os.Stdout).Run(context.Background(), body))
}

// Env returns the run-mode flags of the script.
func (s *Script) Env() *env.Env {
	return s.env
}

// Register makes f callable as name from the command loop.
func (s *Script) Register(name string, f Func) {
	s.commands[name] = f
}

// Printf prints a line of command output. It is tagged when nested.
func (s *Script) Printf(format string, args ...interface{}) {
	s.console.Out(fmt.Sprintf(format, args...))
}

// Out prints msg as is, tagged when nested. It makes Script usable as a
// check.Printer.
func (s *Script) Out(msg string) {
	s.console.Out(msg)
}

// RequireEnv makes sure vars are set in the environment of the script. The
// first time, the script is run again in a child process with vars set, and
// the current process exits with its status.
func (s *Script) RequireEnv(ctx context.Context, vars map[string]string) error {
	code, done, err := env.ReexecWithEnv(ctx, s.env, vars)
	if err != nil {
		return err
	}
	if done {
		s.exit(code)
	}
	return nil
}

// Run runs body, then serves commands if interactive. It returns the exit
// code of the script.
func (s *Script) Run(ctx context.Context, body func(ctx context.Context, s *Script) error) int {
	ctx = logging.AttachLogger(ctx, s.console)

	code := 0
	if err := call(func() error { return body(ctx, s) }); err != nil {
		s.printTraceback(err)
		code = 1
	}
	if !s.env.Interactive {
		if s.env.Nested != "" {
			s.raw(remote.Sentinel)
		}
		return code
	}
	return s.serve(ctx)
}

// serve runs the command loop until exit() or the end of input.
func (s *Script) serve(ctx context.Context) int {
	br := bufio.NewReader(s.in)
	for {
		s.prompt()
		line, err := br.ReadString('\n')
		if line == "" && err != nil {
			if err != io.EOF {
				logging.Debug(ctx, "reading commands failed: ", err)
			}
			return 0
		}
		line = strings.TrimRight(line, "\r\n")

		name, args, perr := shutil.SplitCommand(line)
		if perr != nil {
			s.printCommandError("SyntaxError", perr.Error())
			continue
		}
		switch name {
		case "":
			continue
		case "exit", "quit":
			code, ok := exitCode(args)
			if !ok {
				s.printCommandError("TypeError", fmt.Sprintf("invalid exit code %q", strings.Join(args, ", ")))
				continue
			}
			return code
		}

		f, ok := s.commands[name]
		if !ok {
			s.printCommandError("NameError", fmt.Sprintf("name '%s' is not defined", name))
			continue
		}
		logging.Debugf(ctx, "running %s%s", name, formatArgs(args))
		if err := call(func() error { return f(ctx, args) }); err != nil {
			s.printTraceback(err)
		}
	}
}

// Commands returns the names of registered commands.
func (s *Script) Commands() []string {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Script) prompt() {
	if s.env.Nested != "" {
		s.raw(remote.Sentinel)
		return
	}
	io.WriteString(s.out, ">>> ")
}

// raw writes lines without the nested tag.
func (s *Script) raw(lines ...string) {
	io.WriteString(s.out, strings.Join(lines, "\n")+"\n")
}

func (s *Script) printTraceback(err error) {
	s.raw(Traceback(err)...)
}

func (s *Script) printCommandError(kind, msg string) {
	s.raw(`  File "<stdin>", line 1`, kind+": "+msg)
}

func exitCode(args []string) (int, bool) {
	switch len(args) {
	case 0:
		return 0, true
	case 1:
		code, err := strconv.Atoi(args[0])
		return code, err == nil
	default:
		return 0, false
	}
}

func formatArgs(args []string) string {
	return "(" + strings.Join(args, ", ") + ")"
}

// call runs f, converting a panic to an error.
func call(f func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			// Skip this function and runtime.gopanic.
			err = &panicError{value: v, stack: stack.New(2)}
		}
	}()
	return f()
}
