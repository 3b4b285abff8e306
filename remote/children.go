// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package remote

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/rspy/rstest/internal/logging"
)

// terminateChildren sends SIGTERM to all descendants of pid. Descendants
// inherit the remote's output pipe, so the output would not be closed as long
// as any of them survives.
func terminateChildren(ctx context.Context, pid int) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return
	}
	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		// ErrorNoChildren is the common case.
		return
	}
	for _, child := range children {
		terminateChildren(ctx, int(child.Pid))
		logging.Debugf(ctx, "terminating child process %d of %d", child.Pid, pid)
		if err := child.TerminateWithContext(ctx); err != nil {
			logging.Debugf(ctx, "failed to terminate process %d: %v", child.Pid, err)
		}
	}
}
