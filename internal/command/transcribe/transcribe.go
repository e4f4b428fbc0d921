// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package transcribe

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/provtrace/internal/cli"
	"github.com/google/provtrace/pkg/provlog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Config holds all configuration for the transcribe command.
type Config struct {
	cli.Trace
	Out string
}

// Validate ensures the configuration is valid.
func (c Config) Validate() error {
	if err := c.Trace.Validate(); err != nil {
		return err
	}
	if c.Out == "" {
		return errors.New("out is required")
	}
	if !provlog.IsArchivePath(c.Out) {
		return errors.Errorf("out must end in .tar, .tar.gz, .tgz or .tar.zst, or be a gs:// path: %s", c.Out)
	}
	return nil
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

// Handler reads a trace and writes it back out as a packaged archive.
func Handler(ctx context.Context, cfg Config, deps *Deps) (*cli.NoOutput, error) {
	l, _, err := cfg.Load(ctx, deps.IO)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(cfg.Out, "gs://") {
		err = provlog.WriteArchiveGCS(ctx, cfg.Out, l)
	} else {
		err = writeFile(cfg.Out, l)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "writing %s", cfg.Out)
	}
	log.Printf("Wrote %d ops from %d processes to %s", l.NumOps(), len(l.Processes), cfg.Out)
	fmt.Fprintln(deps.IO.Out, cfg.Out)
	return &cli.NoOutput{}, nil
}

func writeFile(path string, l *provlog.ProvLog) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := provlog.WriteArchive(f, l, provlog.CompressionFor(path)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Command creates a new transcribe command instance.
func Command() *cobra.Command {
	cfg := Config{}
	cmd := &cobra.Command{
		Use:   "transcribe --in <capture> --out <archive.tar[.gz|.zst]>",
		Short: "Convert a capture into a packaged archive",
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
	set.StringVar(&cfg.Out, "out", "", "the archive to write; compression follows the extension")
	return set
}
