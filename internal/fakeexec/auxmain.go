// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fakeexec

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Environment variables selecting an auxiliary main function in a re-executed
// test binary and carrying its JSON-encoded parameter.
const (
	auxMainNameEnv  = "RSTEST_AUX_MAIN_NAME"
	auxMainValueEnv = "RSTEST_AUX_MAIN_VALUE"
)

var (
	auxNamesMu sync.Mutex
	auxNames   = make(map[string]bool)
)

// AuxMain is an auxiliary main function taking a parameter of type T.
type AuxMain[T any] struct {
	name string
}

// NewAuxMain registers f as the auxiliary main function called name. name
// must be unique within the executable.
//
// NewAuxMain must be called in a top-level variable initialization:
//
//	var serverMain = fakeexec.NewAuxMain("server", func(p serverParams) {
//		// Body of the subprocess.
//	})
//
// When the current process was started to run name, NewAuxMain calls f with
// the decoded parameter and exits with status 0 once it returns. Otherwise it
// returns an AuxMain to start such subprocesses with.
func NewAuxMain[T any](name string, f func(T)) *AuxMain[T] {
	auxNamesMu.Lock()
	dup := auxNames[name]
	auxNames[name] = true
	auxNamesMu.Unlock()
	if dup {
		panic(fmt.Sprintf("fakeexec.NewAuxMain: multiple registrations for %q", name))
	}

	if os.Getenv(auxMainNameEnv) != name {
		return &AuxMain[T]{name: name}
	}
	var v T
	if err := json.Unmarshal([]byte(os.Getenv(auxMainValueEnv)), &v); err != nil {
		panic(fmt.Sprintf("fakeexec.AuxMain %s: bad parameter: %v", name, err))
	}
	f(v)
	os.Exit(0)
	return nil
}

// Params returns what is needed to start a subprocess running the function
// with v as its parameter.
func (a *AuxMain[T]) Params(v T) (*AuxMainParams, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &AuxMainParams{executable: exe, name: a.name, value: string(b)}, nil
}

// AuxMainParams describes a subprocess running an auxiliary main function.
type AuxMainParams struct {
	executable string
	name       string
	value      string
}

// Executable returns the path of the test binary.
func (p *AuxMainParams) Executable() string {
	return p.executable
}

// Command returns a command line running the function with args. The
// function is selected by environment variables, so args reach it untouched
// through os.Args.
func (p *AuxMainParams) Command(args ...string) []string {
	return append([]string{p.executable}, args...)
}

// Envs returns the "key=value" environment variables selecting the function,
// to be added to exec.Cmd.Env.
func (p *AuxMainParams) Envs() []string {
	return []string{
		auxMainNameEnv + "=" + p.name,
		auxMainValueEnv + "=" + p.value,
	}
}

// SetEnvs sets the variables of Envs in the current process, so that any
// subprocess running the test binary runs the function. It returns a function
// unsetting them. It panics if another function is selected already.
func (p *AuxMainParams) SetEnvs() (restore func()) {
	if cur := os.Getenv(auxMainNameEnv); cur != "" {
		panic(fmt.Sprintf("fakeexec.AuxMainParams.SetEnvs: %s is already %q", auxMainNameEnv, cur))
	}
	os.Setenv(auxMainNameEnv, p.name)
	os.Setenv(auxMainValueEnv, p.value)
	return func() {
		os.Unsetenv(auxMainNameEnv)
		os.Unsetenv(auxMainValueEnv)
	}
}
