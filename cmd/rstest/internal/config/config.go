// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config reads the YAML configuration of the rstest command.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/rspy/rstest/errors"
	"github.com/rspy/rstest/firmware"
	"github.com/rspy/rstest/remote"
)

// Duration is a time.Duration written as "1m30s" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if v < 0 {
		return errors.Errorf("negative duration %s", s)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds the settings of the rstest command.
type Config struct {
	// Tag is the default nested tag of remotes.
	Tag string `yaml:"tag"`
	// Interpreters maps script extensions, like ".py", to the command line
	// running them. Entries in a config file are added to the defaults.
	Interpreters map[string][]string `yaml:"interpreters"`

	ReadyTimeout   Duration `yaml:"ready_timeout"`
	CommandTimeout Duration `yaml:"command_timeout"`
	WaitTimeout    Duration `yaml:"wait_timeout"`

	// FirmwareRoots are searched in order for firmware images.
	FirmwareRoots []string `yaml:"firmware_roots"`
	// FirmwareVersion is the version regex images must match.
	FirmwareVersion string `yaml:"firmware_version"`
}

// Default returns the configuration used without a config file.
func Default() *Config {
	interps := make(map[string][]string, len(remote.DefaultInterpreters))
	for ext, args := range remote.DefaultInterpreters {
		interps[ext] = append([]string(nil), args...)
	}
	return &Config{
		Tag:             remote.DefaultTag,
		Interpreters:    interps,
		ReadyTimeout:    Duration(remote.DefaultReadyTimeout),
		CommandTimeout:  Duration(remote.DefaultCommandTimeout),
		WaitTimeout:     Duration(remote.DefaultWaitTimeout),
		FirmwareRoots:   []string{"."},
		FirmwareVersion: firmware.DefaultVersionRegex,
	}
}

// Load reads the config file at path over the defaults. An empty path
// returns the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	if err := Parse(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML in b over cfg and validates the result.
func Parse(b []byte, cfg *Config) error {
	if err := yaml.UnmarshalStrict(b, cfg); err != nil {
		return err
	}
	return cfg.validate()
}

func (c *Config) validate() error {
	if c.Tag == "" || strings.ContainsAny(c.Tag, "[] \t") {
		return errors.Errorf("bad tag %q", c.Tag)
	}
	for ext, args := range c.Interpreters {
		if !strings.HasPrefix(ext, ".") {
			return errors.Errorf("interpreter extension %q does not start with a dot", ext)
		}
		if len(args) == 0 {
			return errors.Errorf("empty interpreter for %s", ext)
		}
	}
	if len(c.FirmwareRoots) == 0 {
		return errors.New("no firmware roots")
	}
	return nil
}

// String returns cfg in YAML.
func (c *Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(b)
}
