// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package remote

import (
	"context"
	"strings"
	"time"

	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/errors/stack"
	"github.com/rspy/rstest/internal/logging"
	"github.com/rspy/rstest/onfail"
)

// Run sends command to the remote and waits up to timeout for it to finish.
// A non-positive timeout waits forever.
//
// If the wait times out, *TimeoutError is returned. The command keeps its
// place in the queue and will still consume the next acknowledgement.
//
// If the remote raises an exception, policy decides what happens:
// onfail.Raise returns it as *RemoteError, onfail.Log logs it and returns
// nil, and onfail.Abort logs it, waits for the remote to exit and calls the
// aborter set by WithAborter.
func (r *Remote) Run(ctx context.Context, command string, timeout time.Duration, policy onfail.Policy) error {
	e, err := r.dispatch(ctx, command, nil, true)
	if err != nil {
		return err
	}
	if err := r.await(ctx, e, timeout, "command "+command); err != nil {
		return err
	}
	return r.handleFailure(ctx, e.err, policy)
}

func (r *Remote) handleFailure(ctx context.Context, err error, policy onfail.Policy) error {
	if err == nil {
		return nil
	}
	switch policy {
	case onfail.Raise:
		return err
	case onfail.Log:
		r.logFailure(ctx, err)
		return nil
	case onfail.Abort:
		r.logFailure(ctx, err)
		if _, werr := r.Wait(ctx, DefaultWaitTimeout); werr != nil {
			logging.Debugf(ctx, "%s: %v", r.name, werr)
		}
		if r.aborter != nil {
			r.aborter(err)
		}
		return errors.Wrapf(err, "%s: aborted", r.name)
	default:
		return errors.Errorf("invalid failure handler %v", policy)
	}
}

// logFailure logs the local call stack leading to the failed command
// followed by the traceback captured from the remote.
func (r *Remote) logFailure(ctx context.Context, err error) {
	// Skip logFailure, handleFailure and Run.
	tb := stack.New(3).Traceback()
	msg := "      " + err.Error()
	var rerr *RemoteError
	if errors.As(err, &rerr) && len(rerr.Traceback) > 0 {
		msg = "      " + strings.Join(rerr.Traceback, "\n      ")
	}
	logging.Errorf(ctx, "Traceback (most recent call last):\n%s\n%s", strings.Join(tb, "\n"), msg)
}
