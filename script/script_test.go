// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package script

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rspy/rstest/check"
	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/internal/env"
	"github.com/rspy/rstest/onfail"
	"github.com/rspy/rstest/remote"
)

func testBody(ctx context.Context, s *Script) error {
	s.Printf("hello")
	s.Register("do_thing", func(ctx context.Context, args []string) error {
		s.Printf("42")
		return nil
	})
	s.Register("echo", func(ctx context.Context, args []string) error {
		s.Printf("%s", strings.Join(args, "|"))
		return nil
	})
	s.Register("fail", func(ctx context.Context, args []string) error {
		return Raise("ValueError", "boom")
	})
	s.Register("crash", func(ctx context.Context, args []string) error {
		var m map[string]int
		m["a"] = 1
		return nil
	})
	return nil
}

// runScript runs testBody with the given flags and input, and returns the
// exit code and output lines.
func runScript(t *testing.T, e *env.Env, input string) (int, []string) {
	t.Helper()
	var out bytes.Buffer
	s := New(e, strings.NewReader(input), &out)
	code := s.Run(context.Background(), testBody)
	return code, strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
}

// withoutFrames drops stack frame lines, which depend on the build.
func withoutFrames(lines []string) []string {
	var res []string
	for _, line := range lines {
		if strings.HasPrefix(line, `  File "`) && line != `  File "<stdin>", line 1` {
			continue
		}
		res = append(res, line)
	}
	return res
}

func TestRunNested(t *testing.T) {
	code, lines := runScript(t, &env.Env{Nested: "svr", Interactive: true},
		"do_thing()\necho a 'b c'\necho(x, \"y, z\")\n\nfail()\nnope()\necho('x)\nexit(3)\ndo_thing()\n")
	if code != 3 {
		t.Errorf("Run returned %d; want 3", code)
	}
	want := []string{
		"[svr] hello",
		"___",
		"[svr] 42",
		"___",
		"[svr] a|b c",
		"___",
		"[svr] x|y, z",
		"___",
		"___",
		"Traceback (most recent call last):",
		"ValueError: boom",
		"___",
		`  File "<stdin>", line 1`,
		"NameError: name 'nope' is not defined",
		"___",
		`  File "<stdin>", line 1`,
		`SyntaxError: unterminated quote in "'x"`,
		"___",
	}
	if diff := cmp.Diff(withoutFrames(lines), want); diff != "" {
		t.Errorf("Output mismatch (-got +want):\n%s", diff)
	}
}

func TestRunTracebackFrames(t *testing.T) {
	_, lines := runScript(t, &env.Env{Nested: "svr", Interactive: true}, "fail()\n")
	found := false
	for _, line := range lines {
		if strings.HasPrefix(line, `  File "`) && strings.Contains(line, "script_test.go") {
			found = true
		}
	}
	if !found {
		t.Errorf("Traceback has no frame in script_test.go:\n%s", strings.Join(lines, "\n"))
	}
}

func TestRunPanic(t *testing.T) {
	code, lines := runScript(t, &env.Env{Nested: "svr", Interactive: true}, "crash()\ndo_thing()\n")
	if code != 0 {
		t.Errorf("Run returned %d; want 0", code)
	}
	want := []string{
		"[svr] hello",
		"___",
		"Traceback (most recent call last):",
		"Panic: assignment to entry in nil map",
		"___",
		"[svr] 42",
		"___",
	}
	if diff := cmp.Diff(withoutFrames(lines), want); diff != "" {
		t.Errorf("Output mismatch (-got +want):\n%s", diff)
	}
}

func TestRunTopLevel(t *testing.T) {
	code, lines := runScript(t, &env.Env{Interactive: true}, "do_thing()\nexit()\n")
	if code != 0 {
		t.Errorf("Run returned %d; want 0", code)
	}
	want := []string{"hello", ">>> 42", ">>> "}
	if diff := cmp.Diff(lines, want); diff != "" {
		t.Errorf("Output mismatch (-got +want):\n%s", diff)
	}
}

func TestRunNotInteractive(t *testing.T) {
	code, lines := runScript(t, &env.Env{Nested: "svr"}, "do_thing()\n")
	if code != 0 {
		t.Errorf("Run returned %d; want 0", code)
	}
	if diff := cmp.Diff(lines, []string{"[svr] hello", "___"}); diff != "" {
		t.Errorf("Output mismatch (-got +want):\n%s", diff)
	}
}

func TestRunBodyFailure(t *testing.T) {
	var out bytes.Buffer
	s := New(&env.Env{Nested: "svr"}, strings.NewReader(""), &out)
	code := s.Run(context.Background(), func(ctx context.Context, s *Script) error {
		return errors.New("no device found")
	})
	if code != 1 {
		t.Errorf("Run returned %d; want 1", code)
	}
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	want := []string{"Traceback (most recent call last):", "Error: no device found", "___"}
	if diff := cmp.Diff(withoutFrames(lines), want); diff != "" {
		t.Errorf("Output mismatch (-got +want):\n%s", diff)
	}
}

func TestCommands(t *testing.T) {
	s := New(&env.Env{}, strings.NewReader(""), &bytes.Buffer{})
	testBody(context.Background(), s)
	want := []string{"crash", "do_thing", "echo", "fail"}
	if diff := cmp.Diff(s.Commands(), want); diff != "" {
		t.Errorf("Commands mismatch (-got +want):\n%s", diff)
	}
}

func TestRequireEnvRerun(t *testing.T) {
	s := New(&env.Env{Rerun: true}, strings.NewReader(""), &bytes.Buffer{})
	s.exit = func(code int) { t.Errorf("exit(%d) called for a rerun", code) }
	if err := s.RequireEnv(context.Background(), map[string]string{"FOO": "1"}); err != nil {
		t.Error("RequireEnv failed: ", err)
	}
}

func TestTraceback(t *testing.T) {
	err := errors.Wrap(Raise("KeyError", "'a'\nmissing"), "lookup failed")
	lines := Traceback(err)
	if lines[0] != "Traceback (most recent call last):" {
		t.Errorf("First line = %q", lines[0])
	}
	if got, want := lines[len(lines)-1], "KeyError: lookup failed: 'a' missing"; got != want {
		t.Errorf("Last line = %q; want %q", got, want)
	}
	if len(lines) < 3 {
		t.Errorf("Traceback has no frames: %q", lines)
	}
}

func TestCheckSuiteNested(t *testing.T) {
	var out bytes.Buffer
	s := New(&env.Env{Nested: "svr"}, strings.NewReader(""), &out)
	code := s.Run(context.Background(), func(ctx context.Context, s *Script) error {
		suite := check.NewSuite(s)
		suite.Run(ctx, "sums", onfail.Log, func(ctx context.Context, c *check.Case) {
			c.CheckEqual(1+1, 2)
		})
		if suite.Results(ctx) != 0 {
			return errors.New("tests failed")
		}
		return nil
	})
	if code != 0 {
		t.Errorf("Run returned %d; want 0", code)
	}

	// The case separator must never reach a parent as a bare sentinel.
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	for _, line := range lines[:len(lines)-1] {
		if line == remote.Sentinel {
			t.Errorf("Bare sentinel before the end of output:\n%s", out.String())
		}
	}
	for _, want := range []string{"[svr] ___\n", "[svr] All tests passed (1 assertions in 1 test cases)\n"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Output does not contain %q:\n%s", want, out.String())
		}
	}
}
