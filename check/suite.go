// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package check provides assertion bookkeeping for test scripts: test cases,
// checks counted as passed or failed assertions, and a results summary in
// the format expected by the unit-test runner.
package check

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/internal/logging"
	"github.com/rspy/rstest/onfail"
)

// Separator is printed between test cases.
const Separator = "___"

// Printer prints unleveled output lines.
type Printer interface {
	Out(msg string)
}

// ErrSkipped is returned by Suite.Run for cases skipped after an abort.
var ErrSkipped = errors.New("test case skipped after abort")

// Suite counts test cases and assertions over a test script.
type Suite struct {
	out Printer

	mu                sync.Mutex
	nTests            int
	nFailedTests      int
	nAssertions       int
	nFailedAssertions int
	failedTests       []string
	aborted           bool
}

// NewSuite creates a Suite printing to out.
func NewSuite(out Printer) *Suite {
	return &Suite{out: out}
}

// Run runs f as the test case name.
//
// f runs on its own goroutine. Case.Abort ends it early. A panic in f is
// reported as an unexpected exception. If the case fails, policy decides
// what happens: onfail.Log continues, onfail.Raise returns an error, and
// onfail.Abort additionally skips all further test cases of the suite.
func (s *Suite) Run(ctx context.Context, name string, policy onfail.Policy, f func(ctx context.Context, c *Case)) error {
	if s.isAborted() {
		logging.Info(ctx, "Skipping test: ", name)
		return ErrSkipped
	}
	s.out.Out("\n" + Separator)

	s.mu.Lock()
	s.nTests++
	s.mu.Unlock()
	logging.Info(ctx, "Test: ", name)

	c := newCase(ctx, s, name)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			// runtime.Goexit by Abort makes recover return nil.
			if v := recover(); v != nil {
				c.panicked(v)
			}
		}()
		f(ctx, c)
	}()
	<-done

	if !c.Failed() {
		logging.Info(ctx, "Test passed")
		return nil
	}

	s.mu.Lock()
	s.nFailedTests++
	s.failedTests = append(s.failedTests, name)
	s.mu.Unlock()
	logging.Error(ctx, "Test failed")

	switch policy {
	case onfail.Abort:
		s.mu.Lock()
		s.aborted = true
		s.mu.Unlock()
		return errors.Errorf("test %q failed; aborting", name)
	case onfail.Raise:
		return errors.Errorf("test %q failed", name)
	default:
		return nil
	}
}

func (s *Suite) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *Suite) countCheck(passed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nAssertions++
	if !passed {
		s.nFailedAssertions++
	}
}

// Stats is a snapshot of the counters of a Suite.
type Stats struct {
	Tests            int
	FailedTests      int
	Assertions       int
	FailedAssertions int
	FailedNames      []string
}

// Stats returns the current counters.
func (s *Suite) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Tests:            s.nTests,
		FailedTests:      s.nFailedTests,
		Assertions:       s.nAssertions,
		FailedAssertions: s.nFailedAssertions,
		FailedNames:      slices.Clone(s.failedTests),
	}
}

// Results prints a summary of the suite and returns the exit code of the
// script: 1 if anything failed, 0 otherwise.
func (s *Suite) Results(ctx context.Context) int {
	st := s.Stats()
	s.out.Out("\n" + Separator)
	if st.FailedTests == 0 && st.FailedAssertions == 0 {
		s.out.Out(fmt.Sprintf("All tests passed (%d assertions in %d test cases)", st.Assertions, st.Tests))
		return 0
	}
	s.out.Out(fmt.Sprintf("test cases: %d | %d failed", st.Tests, st.FailedTests))
	if len(st.FailedNames) > 0 {
		logging.Debug(ctx, "    ", strings.Join(st.FailedNames, "\n    "))
	}
	s.out.Out(fmt.Sprintf("assertions: %d | %d passed | %d failed", st.Assertions, st.Assertions-st.FailedAssertions, st.FailedAssertions))
	return 1
}
