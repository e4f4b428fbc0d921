// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"

	"github.com/cheggaaa/pb"
	"github.com/fatih/color"
	"github.com/google/provtrace/internal/config"
	"github.com/google/provtrace/pkg/provlog"
	"github.com/pkg/errors"
)

var (
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

// Trace holds the flags shared by commands that read a trace.
type Trace struct {
	In         string
	ConfigPath string
	Progress   bool
}

// Register adds the trace flags to set.
func (t *Trace) Register(set *flag.FlagSet) {
	set.StringVar(&t.In, "in", "", "the capture directory or packaged archive (.tar, .tar.gz, .tgz, .tar.zst, gs://) to read")
	set.StringVar(&t.ConfigPath, "config", "", "an optional YAML or TOML settings file")
	set.BoolVar(&t.Progress, "progress", false, "whether to show a progress bar while decoding")
}

// Validate ensures a trace was named.
func (t Trace) Validate() error {
	if t.In == "" {
		return errors.New("in is required")
	}
	return nil
}

// Settings returns the defaults from the settings file, if one was given.
func (t Trace) Settings() (config.Config, error) {
	if t.ConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(t.ConfigPath)
}

// Load reads the trace and reports anything the loader skipped to cio.Err.
func (t Trace) Load(ctx context.Context, cio IO) (*provlog.ProvLog, config.Config, error) {
	settings, err := t.Settings()
	if err != nil {
		return nil, config.Config{}, err
	}
	settings.ApplyColor()
	opts := settings.LoadOptions()
	if t.Progress {
		bar := pb.New(0)
		bar.Output = cio.Err
		bar.ShowPercent = false
		bar.Start()
		defer bar.Finish()
		opts = append(opts, provlog.ProgressFunc(func() { bar.Increment() }))
	}
	l, report, err := provlog.Load(ctx, t.In, opts...)
	if err != nil {
		return nil, config.Config{}, errors.Wrapf(err, "loading %s", t.In)
	}
	for _, te := range report.Dropped {
		fmt.Fprintln(cio.Err, red("dropped:"), te)
	}
	PrintWarnings(cio, report.Warnings)
	if report.Partial {
		log.Printf("Load of %s was interrupted; results are partial", t.In)
	}
	log.Printf("Loaded trace %s: %d processes, %d ops", l.ID, len(l.Processes), l.NumOps())
	return l, settings, nil
}

// PrintWarnings writes one line per warning to cio.Err.
func PrintWarnings(cio IO, warnings []provlog.Warning) {
	for _, w := range warnings {
		fmt.Fprintln(cio.Err, yellow("warning:"), w)
	}
}

// PrintProblem writes a finding to cio.Out.
func PrintProblem(cio IO, finding string) {
	fmt.Fprintln(cio.Out, red("problem:"), finding)
}

// WriteJSON writes v to w as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	if err := e.Encode(v); err != nil {
		return errors.Wrap(err, "encoding json")
	}
	return nil
}
