// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package firmware

import (
	"context"
	"io"
	"os"
	"os/exec"
	"regexp"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/gofrs/flock"

	"github.com/rspy/rstest/check"
	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/internal/logging"
	"github.com/rspy/rstest/shutil"
)

// Result describes what Updater.Run did.
type Result int

const (
	// Skipped means the device already ran the wanted firmware.
	Skipped Result = iota
	// Updated means the update tool was run and its result verified.
	Updated
)

func (r Result) String() string {
	if r == Updated {
		return "updated"
	}
	return "skipped"
}

const (
	// MaxUpdateCounter is the update counter value at which the counter is
	// reset before updating.
	MaxUpdateCounter = 19

	defaultSettle           = 3 * time.Second
	defaultEnumerateTimeout = 30 * time.Second
	pollInterval            = 500 * time.Millisecond
	lockRetryDelay          = 100 * time.Millisecond
)

// Updater updates the firmware of the single connected device.
type Updater struct {
	// Devices enumerates connected devices. Exactly one is expected.
	Devices Enumerator
	// Tool is the path of the update tool.
	Tool string
	// ImageRoot is searched for bundled firmware images.
	ImageRoot string
	// CustomImage, if set, is flashed as unsigned firmware instead of the
	// bundled image.
	CustomImage string
	// LockPath, if set, is locked for the whole update so that concurrent
	// runs do not share the device hub.
	LockPath string
	// Nightly forces an update even if the device already runs the bundled
	// version.
	Nightly bool
	// Settle is how long to wait after the update before looking for the
	// device again. Zero means 3 seconds; negative means no wait.
	Settle time.Duration
	// EnumerateTimeout bounds the wait for the device to come back. Zero
	// means 30 seconds.
	EnumerateTimeout time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Output receives the update tool's output. Nil means os.Stdout.
	Output io.Writer
}

func (u *Updater) clock() clock.Clock {
	if u.Clock == nil {
		return clock.NewClock()
	}
	return u.Clock
}

// Run updates the device firmware if needed and verifies the result
// through c. Errors returned are failures to drive the update rather than
// failed checks.
func (u *Updater) Run(ctx context.Context, c *check.Case) (Result, error) {
	if u.LockPath != "" {
		lock := flock.New(u.LockPath)
		locked, err := lock.TryLockContext(ctx, lockRetryDelay)
		if err != nil {
			return Skipped, errors.Wrapf(err, "failed to lock %s", u.LockPath)
		}
		if !locked {
			return Skipped, errors.Errorf("failed to lock %s", u.LockPath)
		}
		defer lock.Unlock()
	}

	dev, err := u.single(ctx)
	if err != nil {
		return Skipped, err
	}
	logging.Debugf(ctx, "found: %s", dev.Name())
	ctx = logging.SetLogPrefix(ctx, dev.Name()+": ")
	logging.Debugf(ctx, "product line: %s", dev.ProductLine())

	recovered := false
	if dev.IsUpdateDevice() {
		logging.Debug(ctx, "recovering device ...")
		image, err := u.image(ctx, dev.Name(), DefaultVersionRegex)
		if err != nil {
			return Skipped, errors.Wrap(err, "failed to recover device")
		}
		if err := u.runTool(ctx, "-r", "-f", image); err != nil {
			return Skipped, errors.Wrap(err, "failed to recover device")
		}
		recovered = true
		if dev, err = u.single(ctx); err != nil {
			return Skipped, err
		}
	}

	current, err := ParseVersion(dev.FirmwareVersion())
	if err != nil {
		return Skipped, err
	}
	logging.Debug(ctx, "current FW version: ", current)
	bundled, err := ParseVersion(dev.RecommendedFirmwareVersion())
	if err != nil {
		return Skipped, err
	}
	logging.Debug(ctx, "bundled FW version: ", bundled)
	custom, hasCustom := VersionFromFilename(ctx, u.CustomImage)
	if hasCustom {
		logging.Debug(ctx, "custom FW version: ", custom)
	}

	if (current == bundled && u.CustomImage == "") || (hasCustom && current == custom) {
		if recovered || !u.Nightly {
			logging.Debug(ctx, "versions are same; skipping FW update")
			return Skipped, nil
		}
	} else {
		// After recovery the device is expected to run the wanted version.
		c.Require(c.Check(!recovered, "device still runs "+current.String()+" after recovery"))
	}

	counter, err := UpdateCounter(ctx, dev)
	if err != nil {
		return Skipped, err
	}
	logging.Debug(ctx, "update counter: ", counter)
	if counter >= MaxUpdateCounter {
		logging.Debug(ctx, "resetting update counter")
		if err := ResetUpdateCounter(ctx, dev); err != nil {
			return Skipped, err
		}
		counter = 0
	}

	image, err := u.image(ctx, dev.Name(), regexp.QuoteMeta(bundled.FullString()))
	if err != nil {
		return Skipped, err
	}
	if err := u.runTool(ctx, "-f", image); err != nil {
		return Skipped, err
	}

	if err := u.settle(ctx); err != nil {
		return Updated, err
	}
	dev, err = u.waitForDevice(ctx)
	if err != nil {
		return Updated, err
	}
	current, err = ParseVersion(dev.FirmwareVersion())
	if err != nil {
		return Updated, err
	}
	want := bundled
	if u.CustomImage != "" {
		want = custom
	}
	c.CheckEqual(current, want)

	newCounter, err := UpdateCounter(ctx, dev)
	if err != nil {
		return Updated, err
	}
	// The counter goes back to zero when firmware newer than ever before is
	// loaded.
	if newCounter > 0 && !hasCustom {
		c.CheckEqual(newCounter, counter+1)
	}
	return Updated, nil
}

// single returns the only connected device.
func (u *Updater) single(ctx context.Context) (Device, error) {
	devs, err := u.Devices.Query(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query devices")
	}
	if len(devs) != 1 {
		return nil, errors.Errorf("expected 1 device, got %d", len(devs))
	}
	return devs[0], nil
}

func (u *Updater) image(ctx context.Context, productName, versionRegex string) (string, error) {
	if u.CustomImage != "" {
		return u.CustomImage, nil
	}
	return FindImage(ctx, u.ImageRoot, productName, versionRegex)
}

func (u *Updater) runTool(ctx context.Context, args ...string) error {
	if u.CustomImage != "" {
		// Custom images are unsigned.
		args = append([]string{"-u"}, args...)
	}
	argv := append([]string{u.Tool}, args...)
	logging.Debug(ctx, "running: ", shutil.EscapeSlice(argv))

	out := u.Output
	if out == nil {
		out = os.Stdout
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "%s failed", shutil.EscapeSlice(argv))
	}
	return nil
}

// settle gives devices that do not re-enumerate time to restart.
func (u *Updater) settle(ctx context.Context) error {
	d := u.Settle
	if d == 0 {
		d = defaultSettle
	}
	if d < 0 {
		return nil
	}
	t := u.clock().NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Updater) waitForDevice(ctx context.Context) (Device, error) {
	timeout := u.EnumerateTimeout
	if timeout == 0 {
		timeout = defaultEnumerateTimeout
	}
	var dev Device
	err := poll(ctx, u.clock(), timeout, pollInterval, func(ctx context.Context) error {
		d, err := u.single(ctx)
		if err != nil {
			return err
		}
		if d.IsUpdateDevice() {
			return errors.New("device is still in recovery mode")
		}
		dev = d
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "device did not come back after update")
	}
	return dev, nil
}
