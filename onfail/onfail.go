// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package onfail defines how a caller wants failures of a remote command or a
// test case to be handled.
package onfail

import (
	"github.com/rspy/rstest/errors"
)

// Policy is a response to a failure.
type Policy int

const (
	// Raise returns the failure to the caller.
	Raise Policy = iota
	// Abort logs the failure and aborts the current test case.
	Abort
	// Log logs the failure and continues.
	Log
)

func (p Policy) String() string {
	switch p {
	case Raise:
		return "raise"
	case Abort:
		return "abort"
	case Log:
		return "log"
	default:
		return "unknown"
	}
}

// Parse converts a policy name, as returned by Policy.String, to a Policy.
func Parse(s string) (Policy, error) {
	for _, p := range []Policy{Raise, Abort, Log} {
		if p.String() == s {
			return p, nil
		}
	}
	return Raise, errors.Errorf("invalid failure handler %q should be raise, abort, or log", s)
}

// Set implements flag.Value.
func (p *Policy) Set(s string) error {
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}
