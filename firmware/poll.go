// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package firmware

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/rspy/rstest/errors"
)

// poll runs f repeatedly until it returns nil, ctx is done, or timeout
// passes on clk. On failure the last error returned by f is wrapped.
func poll(ctx context.Context, clk clock.Clock, timeout, interval time.Duration, f func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := clk.NewTimer(timeout)
	defer deadline.Stop()

	for {
		err := f(ctx)
		if err == nil {
			return nil
		}
		t := clk.NewTimer(interval)
		select {
		case <-t.C():
		case <-deadline.C():
			t.Stop()
			return errors.Wrapf(err, "timed out after %v; last error follows", timeout)
		case <-ctx.Done():
			t.Stop()
			return errors.Wrapf(err, "%v; last error follows", ctx.Err())
		}
	}
}
