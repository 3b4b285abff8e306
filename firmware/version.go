// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package firmware locates firmware images and the update tool, talks to
// devices through hardware-monitor commands, and runs the firmware-update
// flow.
package firmware

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/internal/logging"
)

// Version is a firmware version of the form major.minor.patch[.build].
type Version struct {
	Major, Minor, Patch, Build int
}

// ParseVersion parses a version of three or four dot-separated numbers.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 && len(parts) != 4 {
		return Version{}, errors.Errorf("malformed version %q", s)
	}
	var nums [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, errors.Errorf("malformed version %q", s)
		}
		nums[i] = n
	}
	return Version{nums[0], nums[1], nums[2], nums[3]}, nil
}

// String returns the version with the build number dropped if it is zero.
func (v Version) String() string {
	if v.Build == 0 {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Patch, v.Build)
}

// FullString returns the version with all four numbers.
func (v Version) FullString() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Patch, v.Build)
}

// IsZero reports whether v is the zero version.
func (v Version) IsZero() bool {
	return v == Version{}
}

// Compare returns -1, 0 or 1 as v is older than, the same as, or newer than o.
func (v Version) Compare(o Version) int {
	a := [4]int{v.Major, v.Minor, v.Patch, v.Build}
	b := [4]int{o.Major, o.Minor, o.Patch, o.Build}
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

var filenameVersionRE = regexp.MustCompile(`(\d+)_(\d+)_(\d+)_(\d+)\.bin$`)

// VersionFromFilename extracts the version from an image file name, e.g.
// FlashGeneratedImage_Image5_16_7_0.bin is 5.16.7. It returns false if the
// file does not exist or its name carries no version.
func VersionFromFilename(ctx context.Context, path string) (Version, bool) {
	if path == "" {
		return Version{}, false
	}
	if _, err := os.Stat(path); err != nil {
		logging.Info(ctx, "File not found: ", path)
		return Version{}, false
	}
	name := filepath.Base(path)
	m := filenameVersionRE.FindStringSubmatch(name)
	if m == nil {
		logging.Info(ctx, "Version not found in filename: ", name)
		return Version{}, false
	}
	v, err := ParseVersion(strings.Join(m[1:], "."))
	if err != nil {
		logging.Info(ctx, "Version not found in filename: ", name)
		return Version{}, false
	}
	return v, true
}
