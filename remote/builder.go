// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package remote

import (
	"path/filepath"
	"strings"

	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/internal/env"
)

// DefaultTag is the nested tag used when none is given.
const DefaultTag = "svr"

// DefaultInterpreters maps script file extensions to the interpreter command
// used to run them. Scripts with other extensions are executed directly.
var DefaultInterpreters = map[string][]string{
	".py": {"python3", "-u"},
}

// CommandConfig describes how to invoke a nested script.
type CommandConfig struct {
	// Script is a path to the script to run. A relative path is resolved
	// against Dir, or the current directory if Dir is empty.
	Script string
	// Tag is the nested tag the script prefixes its output lines with.
	// DefaultTag is used if empty.
	Tag string
	// Interactive requests the script to serve commands on stdin.
	Interactive bool
	// Dir is the working directory of the script.
	Dir string
	// Interpreters overrides DefaultInterpreters if non-nil.
	Interpreters map[string][]string
	// Parent holds the flags of the current process to be mirrored to the
	// script. It may be nil.
	Parent *env.Env
}

// NestedCommand returns the argument vector running cfg.Script as a nested
// script.
func NestedCommand(cfg CommandConfig) ([]string, error) {
	if cfg.Script == "" {
		return nil, errors.New("no script given")
	}
	script := cfg.Script
	if !filepath.IsAbs(script) {
		script = filepath.Join(cfg.Dir, script)
	}
	script, err := filepath.Abs(script)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %s", cfg.Script)
	}

	parent := cfg.Parent
	if parent == nil {
		parent = &env.Env{}
	}
	var modeFlags []string
	if parent.Verbose {
		modeFlags = append(modeFlags, "-v")
	}
	if cfg.Interactive {
		modeFlags = append(modeFlags, "-i")
	}

	interpreters := cfg.Interpreters
	if interpreters == nil {
		interpreters = DefaultInterpreters
	}

	var args []string
	if interp, ok := interpreters[strings.ToLower(filepath.Ext(script))]; ok && len(interp) > 0 {
		// Interpreter flags come before the script.
		args = append(append(append(args, interp...), modeFlags...), script)
	} else {
		args = append(append(args, script), modeFlags...)
	}

	if parent.Debug {
		args = append(args, "--debug")
	}
	if parent.Color {
		args = append(args, "--color")
	}
	if len(parent.Context) > 0 {
		args = append(args, "--context", strings.Join(parent.Context, " "))
	}
	tag := cfg.Tag
	if tag == "" {
		tag = DefaultTag
	}
	return append(args, "--nested", tag), nil
}
