// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package firmware

import (
	"context"
	"io/fs"
	"path/filepath"
	"regexp"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/rspy/rstest/errors"
)

// DefaultVersionRegex matches any four-part firmware version.
const DefaultVersionRegex = `(\d+\.){3}(\d+)`

var productRE = regexp.MustCompile(`^Intel RealSense (((\S+?)(\d+))(\S*))`)

// find returns the paths under root, relative and slash-separated, whose
// relative path matches re. Paths are returned in lexical order.
func find(ctx context.Context, root string, re *regexp.Regexp) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel = filepath.ToSlash(rel); re.MatchString(rel) {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to search %s", root)
	}
	return matches, nil
}

// imageCandidates returns the image name stems to look for, in order, for
// a product name. For "Intel RealSense PR567abc" these are PR567abc,
// PR567abX, PR567aXX, then PR567, PR56X, PR5XX.
func imageCandidates(productName string) ([]string, error) {
	m := productRE.FindStringSubmatchIndex(productName)
	if m == nil {
		return nil, errors.Errorf("failed to parse product name %q", productName)
	}
	var names []string
	suffix := 5
	for group := 1; group <= 2; group++ {
		start, end := m[2*group], m[2*group+1]
		n := m[2*suffix+1] - m[2*suffix]
		for i := 0; i < n; i++ {
			stem := productName[start : end-i]
			for j := 0; j < i; j++ {
				stem += "X"
			}
			names = append(names, stem)
		}
		suffix--
	}
	return names, nil
}

// FindImage returns the path of the firmware image under root for the
// product named productName and a version matching versionRegex.
func FindImage(ctx context.Context, root, productName, versionRegex string) (string, error) {
	if versionRegex == "" {
		versionRegex = DefaultVersionRegex
	}
	stems, err := imageCandidates(productName)
	if err != nil {
		return "", err
	}
	for _, stem := range stems {
		re, err := regexp.Compile(`(^|/)` + regexp.QuoteMeta(stem) + `_FW_Image-` + versionRegex + `\.bin$`)
		if err != nil {
			return "", errors.Wrapf(err, "bad version regex %q", versionRegex)
		}
		images, err := find(ctx, root, re)
		if err != nil {
			return "", err
		}
		if len(images) > 0 {
			return filepath.Join(root, filepath.FromSlash(images[0])), nil
		}
	}
	return "", errors.Errorf("could not find image file for %s", productName)
}

// UpdaterName returns the file name of the update tool on this platform.
func UpdaterName() string {
	if runtime.GOOS == "windows" {
		return "rs-fw-update.exe"
	}
	return "rs-fw-update"
}

// FindUpdater returns the path of the update tool under buildDir. If more
// than one is found, the last in lexical order wins.
func FindUpdater(ctx context.Context, buildDir string) (string, error) {
	re := regexp.MustCompile(`(^|/)` + regexp.QuoteMeta(UpdaterName()) + `$`)
	tools, err := find(ctx, buildDir, re)
	if err != nil {
		return "", err
	}
	if len(tools) == 0 {
		return "", errors.Errorf("could not find the update tool file (%s)", UpdaterName())
	}
	return filepath.Join(buildDir, filepath.FromSlash(tools[len(tools)-1])), nil
}

// Paths holds the files needed to update a device.
type Paths struct {
	Updater string
	Image   string
}

// Prepare locates the update tool under buildDir and the image for the
// product under repoRoot concurrently.
func Prepare(ctx context.Context, repoRoot, buildDir, productName, versionRegex string) (*Paths, error) {
	var p Paths
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		p.Updater, err = FindUpdater(ctx, buildDir)
		return err
	})
	g.Go(func() error {
		var err error
		p.Image, err = FindImage(ctx, repoRoot, productName, versionRegex)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &p, nil
}
