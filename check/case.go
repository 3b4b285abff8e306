// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package check

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/google/go-cmp/cmp"

	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/errors/stack"
	"github.com/rspy/rstest/internal/logging"
)

// Frame is a streamed frame as seen by CheckFrameDrops.
type Frame interface {
	FrameNumber() int
}

type info struct {
	name       string
	value      interface{}
	persistent bool
}

// Case is a running test case. It is passed to the function given to
// Suite.Run.
//
// Check methods count an assertion and report whether it passed. A failed
// check prints the caller's stack and the operands, marks the case failed,
// and lets the case continue. Use Require or Abort to stop the case.
type Case struct {
	ctx   context.Context
	suite *Suite
	name  string

	mu     sync.Mutex
	failed bool
	infos  []info
}

func newCase(ctx context.Context, s *Suite, name string) *Case {
	return &Case{ctx: ctx, suite: s, name: name}
}

// Name returns the name of the test case.
func (c *Case) Name() string {
	return c.name
}

// Context returns the context the case runs with.
func (c *Case) Context() context.Context {
	return c.ctx
}

// Failed reports whether the case has failed so far.
func (c *Case) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Fail marks the case failed without counting an assertion.
func (c *Case) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = true
}

// Abort marks the case failed and ends it. It must be called from the
// goroutine running the case.
func (c *Case) Abort() {
	c.Fail()
	logging.Error(c.ctx, "Aborting")
	runtime.Goexit()
}

// Fatal logs args as an error, then aborts the case.
func (c *Case) Fatal(args ...interface{}) {
	logging.Error(c.ctx, args...)
	c.Abort()
}

// Require aborts the case unless ok. It is meant to wrap a check:
//
//	c.Require(c.CheckEqual(n, 2))
func (c *Case) Require(ok bool) {
	if !ok {
		c.Abort()
	}
}

// Info stores a value to print along with the next failed check. Info with
// the same name is replaced. Non-persistent info is dropped after the next
// check; persistent info lives until the end of the case.
func (c *Case) Info(name string, value interface{}, persistent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.infos {
		if c.infos[i].name == name {
			c.infos[i] = info{name, value, persistent}
			return
		}
	}
	c.infos = append(c.infos, info{name, value, persistent})
}

// ResetInfo drops non-persistent info, or all info if persistent is true.
func (c *Case) ResetInfo(persistent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetInfoLocked(persistent)
}

func (c *Case) resetInfoLocked(persistent bool) {
	if persistent {
		c.infos = nil
		return
	}
	kept := c.infos[:0]
	for _, in := range c.infos {
		if in.persistent {
			kept = append(kept, in)
		}
	}
	c.infos = kept
}

func (c *Case) out(format string, args ...interface{}) {
	c.suite.out.Out(fmt.Sprintf(format, args...))
}

func (c *Case) printStack(stk stack.Stack) {
	logging.Error(c.ctx, "Traceback (most recent call last):")
	for _, line := range stk.Traceback() {
		c.suite.out.Out("    " + line)
	}
}

func (c *Case) passed() bool {
	c.suite.countCheck(true)
	c.ResetInfo(false)
	return true
}

// checkFailed prints stk and the message lines, then the stored info.
func (c *Case) checkFailed(stk stack.Stack, lines ...string) bool {
	c.printStack(stk)
	for _, line := range lines {
		c.suite.out.Out(line)
	}
	c.suite.countCheck(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = true
	for _, in := range c.infos {
		c.out("        %s : %v", in.name, in.value)
	}
	c.resetInfoLocked(false)
	return false
}

// Check asserts that ok is true. description, if not empty, is printed on
// failure.
func (c *Case) Check(ok bool, description string) bool {
	return c.check(stack.New(1), ok, description)
}

// CheckFalse asserts that ok is false.
func (c *Case) CheckFalse(ok bool, description string) bool {
	return c.check(stack.New(1), !ok, description)
}

func (c *Case) check(stk stack.Stack, ok bool, description string) bool {
	if ok {
		return c.passed()
	}
	if description == "" {
		description = "check failed"
	}
	return c.checkFailed(stk, "        "+description)
}

// CheckEqual asserts that result and expected have the same type and are
// deeply equal. It panics if expected is a slice; use CheckEqualLists for
// those.
func (c *Case) CheckEqual(result, expected interface{}) bool {
	stk := stack.New(1)
	if expected != nil && reflect.TypeOf(expected).Kind() == reflect.Slice {
		panic("CheckEqual should not be used for slices; use CheckEqualLists instead")
	}
	if rt, et := reflect.TypeOf(result), reflect.TypeOf(expected); rt != et {
		return c.checkFailed(stk,
			fmt.Sprintf("        left  type: %v", rt),
			fmt.Sprintf("        right type: %v", et))
	}
	if !reflect.DeepEqual(result, expected) {
		return c.checkFailed(stk,
			fmt.Sprintf("        left  : %v", result),
			fmt.Sprintf("        right : %v", expected))
	}
	return c.passed()
}

// CheckBetween asserts that min <= result <= max.
func (c *Case) CheckBetween(result, min, max float64) bool {
	return c.between(stack.New(1), result, min, max)
}

// CheckApproxAbs asserts that result is within absErr of expected.
func (c *Case) CheckApproxAbs(result, expected, absErr float64) bool {
	return c.between(stack.New(1), result, expected-absErr, expected+absErr)
}

func (c *Case) between(stk stack.Stack, result, min, max float64) bool {
	if result < min || result > max {
		return c.checkFailed(stk,
			fmt.Sprintf("       result : %v", result),
			fmt.Sprintf("      between : %v - %v", min, max))
	}
	return c.passed()
}

// CheckEqualLists asserts that result and expected, both slices or arrays,
// have the same length and equal elements in the same order.
func (c *Case) CheckEqualLists(result, expected interface{}) bool {
	stk := stack.New(1)
	rv, ev := listValue(result), listValue(expected)
	var lines []string
	if rv.Len() != ev.Len() {
		lines = append(lines,
			"Check equal lists failed due to lists of different sizes:",
			fmt.Sprintf("The resulted list has %d elements, but the expected list has %d elements", rv.Len(), ev.Len()))
	}
	for i := 0; i < rv.Len() && i < ev.Len(); i++ {
		if !reflect.DeepEqual(rv.Index(i).Interface(), ev.Index(i).Interface()) {
			lines = append(lines,
				"Check equal lists failed due to unequal elements:",
				fmt.Sprintf("The element of index %d in both lists was not equal", i))
		}
	}
	if len(lines) == 0 {
		return c.passed()
	}
	lines = append(lines,
		fmt.Sprintf("        result list  : %v", result),
		fmt.Sprintf("        expected list: %v", expected))
	diff := cmp.Diff(result, expected, cmp.Exporter(func(reflect.Type) bool { return true }))
	for _, line := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
		lines = append(lines, "        "+line)
	}
	return c.checkFailed(stk, lines...)
}

func listValue(v interface{}) reflect.Value {
	rv := reflect.ValueOf(v)
	if k := rv.Kind(); k != reflect.Slice && k != reflect.Array {
		panic(fmt.Sprintf("CheckEqualLists needs slices or arrays, got %T", v))
	}
	return rv
}

// CheckFloatLists asserts that result and expected have the same length and
// that elements at the same index differ by at most epsilon.
func (c *Case) CheckFloatLists(result, expected []float64, epsilon float64) bool {
	stk := stack.New(1)
	var lines []string
	if len(result) != len(expected) {
		lines = append(lines,
			"Check float lists failed due to lists of different sizes:",
			fmt.Sprintf("The resulted list has %d elements, but the expected list has %d elements", len(result), len(expected)))
	}
	for i := 0; i < len(result) && i < len(expected); i++ {
		if math.Abs(result[i]-expected[i]) > epsilon {
			lines = append(lines,
				"Check float lists failed due to unequal elements:",
				fmt.Sprintf("The difference between elements of index %d in both lists was larger than epsilon %v", i, epsilon))
		}
	}
	if len(lines) == 0 {
		return c.passed()
	}
	lines = append(lines,
		fmt.Sprintf("    result list  : %v", result),
		fmt.Sprintf("    expected list: %v", expected))
	return c.checkFailed(stk, lines...)
}

// CheckErrorAs asserts that err matches target as in errors.As. target must
// be a non-nil pointer to an error type or interface. If msg is not empty,
// err's message must equal it as well.
func (c *Case) CheckErrorAs(err error, target interface{}, msg string) bool {
	return c.errorAs(stack.New(1), err, target, msg)
}

// CheckFails calls f and asserts that it returns an error matching target
// and msg as in CheckErrorAs.
func (c *Case) CheckFails(f func() error, target interface{}, msg string) bool {
	stk := stack.New(1)
	err := f()
	if err == nil {
		return c.checkFailed(stk, fmt.Sprintf("        expected %v but no error was returned", targetType(target)))
	}
	return c.errorAs(stk, err, target, msg)
}

func (c *Case) errorAs(stk stack.Stack, err error, target interface{}, msg string) bool {
	if err == nil {
		return c.checkFailed(stk, fmt.Sprintf("        expected %v but got no error", targetType(target)))
	}
	if !errors.As(err, target) {
		return c.checkFailed(stk,
			fmt.Sprintf("        returned error was %T", err),
			fmt.Sprintf("        but expected %v", targetType(target)),
			fmt.Sprintf("      With message: %v", err))
	}
	if msg != "" && err.Error() != msg {
		return c.checkFailed(stk,
			fmt.Sprintf("        error message: %v", err),
			fmt.Sprintf("        but we expected  : %s", msg))
	}
	logging.Debug(c.ctx, "expected error: ", err)
	return c.passed()
}

func targetType(target interface{}) reflect.Type {
	t := reflect.TypeOf(target)
	if t == nil || t.Kind() != reflect.Ptr {
		panic("target must be a non-nil pointer")
	}
	return t.Elem()
}

// CheckFrameDrops checks that frame follows the frame numbered prev with at
// most allowed frames dropped in between. Frames repeated or out of order
// fail the check. With allowReset, a frame number below 5 is accepted as a
// counter reset. A non-positive prev is not checked.
//
// A failure marks the case failed without counting an assertion.
func (c *Case) CheckFrameDrops(frame Frame, prev, allowed int, allowReset bool) bool {
	n := frame.FrameNumber()
	if prev > 0 && !(allowReset && n < 5) {
		dropped := n - (prev + 1)
		switch {
		case dropped > allowed:
			c.out("%d frame(s) before %v were dropped", dropped, frame)
			c.Fail()
			return false
		case dropped < 0:
			c.out("Frames repeated or out of order. Got %v after frame %d", frame, prev)
			c.Fail()
			return false
		}
	}
	c.ResetInfo(false)
	return true
}

// Unreachable fails a check unconditionally. Place it where execution
// should never get to.
func (c *Case) Unreachable() {
	c.checkFailed(stack.New(1))
}

// UnexpectedError fails a check for an error that should not have happened.
// The stack printed is where err was created, if known.
func (c *Case) UnexpectedError(err error) {
	stk := errors.Origin(err)
	if stk == nil {
		stk = stack.New(1)
	}
	c.checkFailed(stk, "    "+err.Error(), "      Unexpected error!")
}

// panicked reports a panic that escaped the case function. It must be
// called from the deferred function that recovered v.
func (c *Case) panicked(v interface{}) {
	c.checkFailed(stack.New(2), fmt.Sprintf("    panic: %v", v), "      Unexpected exception!")
}
