// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package cli wires command configs, dependencies and handlers into cobra.
package cli

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Input is a validated input type, usually a command's Config.
type Input interface {
	Validate() error
}

// InitDeps initializes dependencies from context.
type InitDeps[D any] func(context.Context) (D, error)

// Action is the body of a command.
type Action[I Input, O any, D any] func(context.Context, I, D) (*O, error)

// NoOutput is the output of actions that only write to IO.
type NoOutput struct{}

// IO provides input/output streams for CLI commands.
type IO struct {
	In  io.Reader // stdin
	Out io.Writer // stdout
	Err io.Writer // stderr
}

// Deps is implemented by dependency containers that accept IO streams.
type Deps interface {
	SetIO(IO)
}

// ParseArgs populates an Input from positional arguments.
type ParseArgs[I Input] func(in *I, args []string) error

// SkipArgs is a ParseArgs that sets no arguments.
func SkipArgs[I Input](cfg *I, args []string) error {
	return nil
}

// RunE constructs a cobra.Command.RunE. It parses positional arguments into
// cfg, validates it, initializes and attaches IO to the dependencies and then
// runs action.
func RunE[I Input, O any, D Deps](
	cfg *I,
	parseArgs ParseArgs[I],
	initDeps InitDeps[D],
	action Action[I, O, D],
) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := parseArgs(cfg, args); err != nil {
			return err
		}
		if err := (*cfg).Validate(); err != nil {
			return err
		}
		deps, err := initDeps(cmd.Context())
		if err != nil {
			return errors.Wrap(err, "initializing dependencies")
		}
		deps.SetIO(IO{
			In:  cmd.InOrStdin(),
			Out: cmd.OutOrStdout(),
			Err: cmd.ErrOrStderr(),
		})
		_, err = action(cmd.Context(), *cfg, deps)
		return err
	}
}
