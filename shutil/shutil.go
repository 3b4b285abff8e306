// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package shutil provides shell-related utility functions.
package shutil

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/shlex"

	"github.com/rspy/rstest/errors"
)

const (
	// The character class \w is equivalent to [0-9A-Za-z_]. Leading equals sign is unsafe in zsh,
	// see http://zsh.sourceforge.net/Doc/Release/Expansion.html#g_t_0060_003d_0027-expansion.
	leadingSafeChars  = `-\w@%+:,./`
	trailingSafeChars = leadingSafeChars + "="
)

// safeRE matches an argument that can be literally included in a shell
// command line without requiring escaping.
var safeRE = regexp.MustCompile(fmt.Sprintf("^[%s][%s]*$", leadingSafeChars, trailingSafeChars))

// Escape escapes a string so it can be safely included as an argument in a shell command line.
// The string is not modified if it can already be safely included.
func Escape(s string) string {
	if safeRE.MatchString(s) {
		return s
	}
	return "'" + strings.Replace(s, "'", `'"'"'`, -1) + "'"
}

// EscapeSlice escapes a slice of strings so each will be treated as a separate
// argument in the returned shell command line. See Escape for more information.
func EscapeSlice(args []string) string {
	escaped := make([]string, len(args))
	for i, arg := range args {
		escaped[i] = Escape(arg)
	}
	return strings.Join(escaped, " ")
}

// callRE matches a command line written as a call, e.g. "foo(1, 'a b')".
var callRE = regexp.MustCompile(`^\s*([A-Za-z_][\w.]*)\s*\((.*)\)\s*;?\s*$`)

// SplitCommand splits a command line read by an interactive loop into a
// command name and its arguments. Both the call form "name(a, b)" and the
// shell form "name a b" are accepted. Arguments may be quoted. An empty line
// yields an empty name.
func SplitCommand(line string) (name string, args []string, err error) {
	if m := callRE.FindStringSubmatch(line); m != nil {
		args, err := splitCallArgs(m[2])
		if err != nil {
			return "", nil, err
		}
		return m[1], args, nil
	}
	words, err := shlex.Split(line)
	if err != nil {
		return "", nil, errors.Wrapf(err, "failed to parse %q", line)
	}
	if len(words) == 0 {
		return "", nil, nil
	}
	return words[0], words[1:], nil
}

// splitCallArgs splits comma-separated call arguments, honoring quotes.
func splitCallArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var pieces []string
	var quote rune
	start := 0
	for i, c := range s {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ',':
			pieces = append(pieces, s[start:i])
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, errors.Errorf("unterminated quote in %q", s)
	}
	pieces = append(pieces, s[start:])

	args := make([]string, 0, len(pieces))
	for _, p := range pieces {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, errors.Errorf("empty argument in %q", s)
		}
		words, err := shlex.Split(p)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse argument %q", p)
		}
		if len(words) != 1 {
			return nil, errors.Errorf("malformed argument %q", p)
		}
		args = append(args, words[0])
	}
	return args, nil
}
