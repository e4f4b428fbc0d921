// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package hb

import (
	"context"
	"flag"
	"fmt"
	"slices"

	"github.com/google/provtrace/internal/cli"
	"github.com/google/provtrace/pkg/hbgraph"
	"github.com/google/provtrace/pkg/provlog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Config holds all configuration for the hb command.
type Config struct {
	cli.Trace
	JSON bool
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

type edge struct {
	From provlog.OpQuad   `json:"from"`
	To   provlog.OpQuad   `json:"to"`
	Kind hbgraph.EdgeKind `json:"kind"`
}

type dump struct {
	Nodes    []provlog.OpQuad  `json:"nodes"`
	Edges    []edge            `json:"edges"`
	Warnings []provlog.Warning `json:"warnings"`
}

// Handler builds the happens-before graph of a trace and describes it.
func Handler(ctx context.Context, cfg Config, deps *Deps) (*cli.NoOutput, error) {
	l, _, err := cfg.Load(ctx, deps.IO)
	if err != nil {
		return nil, err
	}
	g, warnings, err := hbgraph.Build(l)
	if err != nil {
		return nil, errors.Wrap(err, "building happens-before graph")
	}
	if cfg.JSON {
		d := dump{Nodes: g.Nodes(), Warnings: warnings}
		slices.SortFunc(d.Nodes, provlog.CompareOpQuad)
		for _, e := range g.Edges() {
			d.Edges = append(d.Edges, edge{From: e.From, To: e.To, Kind: e.Label})
		}
		return &cli.NoOutput{}, cli.WriteJSON(deps.IO.Out, d)
	}
	cli.PrintWarnings(deps.IO, warnings)
	counts := make(map[hbgraph.EdgeKind]int)
	for _, e := range g.Edges() {
		counts[e.Label]++
	}
	fmt.Fprintf(deps.IO.Out, "%d ops, %d edges\n", g.NumNodes(), g.NumEdges())
	for _, k := range []hbgraph.EdgeKind{hbgraph.ProgramOrder, hbgraph.ForkJoin, hbgraph.Exec} {
		fmt.Fprintf(deps.IO.Out, "  %-12s %d\n", k, counts[k])
	}
	fmt.Fprintf(deps.IO.Out, "%d warnings\n", len(warnings))
	return &cli.NoOutput{}, nil
}

// Command creates a new hb command instance.
func Command() *cobra.Command {
	cfg := Config{}
	cmd := &cobra.Command{
		Use:   "hb --in <capture|archive> [--json]",
		Short: "Build the happens-before graph of a trace",
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
	set.BoolVar(&cfg.JSON, "json", false, "whether to dump the graph as JSON instead of a summary")
	return set
}
