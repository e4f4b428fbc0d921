// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/provtrace/internal/cli"
	"github.com/google/provtrace/pkg/hbgraph"
	"github.com/google/provtrace/pkg/provlog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Config holds all configuration for the validate command.
type Config struct {
	cli.Trace
}

// Deps holds dependencies for the command.
type Deps struct {
	IO cli.IO
}

func (d *Deps) SetIO(cio cli.IO) { d.IO = cio }

// InitDeps initializes Deps.
func InitDeps(context.Context) (*Deps, error) {
	return &Deps{}, nil
}

// Handler checks a trace and its happens-before graph for inconsistencies.
// It fails if any are found.
func Handler(ctx context.Context, cfg Config, deps *Deps) (*cli.NoOutput, error) {
	l, _, err := cfg.Load(ctx, deps.IO)
	if err != nil {
		return nil, err
	}
	findings := provlog.Validate(l)
	g, warnings, err := hbgraph.Build(l)
	if err != nil {
		findings = append(findings, err.Error())
	} else {
		cli.PrintWarnings(deps.IO, warnings)
		findings = append(findings, hbgraph.Validate(g, l)...)
	}
	for _, f := range findings {
		cli.PrintProblem(deps.IO, f)
	}
	if len(findings) > 0 {
		return nil, errors.Errorf("%d problems found", len(findings))
	}
	fmt.Fprintln(deps.IO.Out, "No problems found")
	return &cli.NoOutput{}, nil
}

// Command creates a new validate command instance.
func Command() *cobra.Command {
	cfg := Config{}
	cmd := &cobra.Command{
		Use:   "validate --in <capture|archive>",
		Short: "Check a trace for inconsistencies",
		Args:  cobra.NoArgs,
		RunE: cli.RunE(
			&cfg,
			cli.SkipArgs[Config],
			InitDeps,
			Handler,
		),
	}
	cmd.Flags().AddGoFlagSet(flagSet(cmd.Name(), &cfg))
	return cmd
}

// flagSet returns the command-line flags for the Config struct.
func flagSet(name string, cfg *Config) *flag.FlagSet {
	set := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg.Trace.Register(set)
	return set
}
