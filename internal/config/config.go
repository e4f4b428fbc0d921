// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package config reads the optional provtrace settings file.
package config

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/provtrace/pkg/dataflow"
	"github.com/google/provtrace/pkg/provlog"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Color modes.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Config holds defaults for loading and analysing traces.
type Config struct {
	// Parallelism bounds concurrent process decoding. Zero means one per CPU.
	Parallelism        int    `yaml:"parallelism" toml:"parallelism"`
	SkipCorruptThreads bool   `yaml:"skip_corrupt_threads" toml:"skip_corrupt_threads"`
	MaxSymlinkDepth    int    `yaml:"max_symlink_depth" toml:"max_symlink_depth"`
	Color              string `yaml:"color" toml:"color"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		MaxSymlinkDepth: dataflow.DefaultMaxSymlinkDepth,
		Color:           ColorAuto,
	}
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.Parallelism < 0 {
		return errors.Errorf("parallelism must not be negative, got %d", c.Parallelism)
	}
	if c.MaxSymlinkDepth < 0 {
		return errors.Errorf("max_symlink_depth must not be negative, got %d", c.MaxSymlinkDepth)
	}
	switch c.Color {
	case ColorAuto, ColorAlways, ColorNever:
	default:
		return errors.Errorf("color must be one of auto, always or never, got %q", c.Color)
	}
	return nil
}

// Load reads the settings file at path. See LoadFS.
func Load(path string) (Config, error) {
	return LoadFS(osfs.New(filepath.Dir(path)), filepath.Base(path))
}

// LoadFS reads a YAML (.yaml, .yml) or TOML (.toml) settings file from fs.
// Keys missing from the file keep their default values and unknown keys are
// rejected.
func LoadFS(fs billy.Filesystem, name string) (Config, error) {
	b, err := util.ReadFile(fs, name)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config")
	}
	c := Default()
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil && err != io.EOF {
			return Config{}, errors.Wrapf(err, "parsing %s", name)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			return Config{}, errors.Wrapf(err, "parsing %s", name)
		}
	default:
		return Config{}, errors.Errorf("unsupported config format %q", ext)
	}
	if err := c.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "validating %s", name)
	}
	return c, nil
}

// LoadOptions returns the trace loading options c implies.
func (c Config) LoadOptions() []provlog.Option {
	return []provlog.Option{
		provlog.Parallelism(c.Parallelism),
		provlog.SkipCorruptThreads(c.SkipCorruptThreads),
	}
}

// DataflowOptions returns the dataflow options c implies.
func (c Config) DataflowOptions() []dataflow.Option {
	return []dataflow.Option{dataflow.MaxSymlinkDepth(c.MaxSymlinkDepth)}
}

// ApplyColor configures terminal colouring. In auto mode the terminal
// detection done by the color package is left alone.
func (c Config) ApplyColor() {
	switch c.Color {
	case ColorAlways:
		color.NoColor = false
	case ColorNever:
		color.NoColor = true
	}
}
