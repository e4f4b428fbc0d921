// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package dataflow

import (
	"cmp"
	"context"
	"flag"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/provtrace/internal/cli"
	df "github.com/google/provtrace/pkg/dataflow"
	"github.com/google/provtrace/pkg/hbgraph"
	"github.com/google/provtrace/pkg/provlog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Config holds all configuration for the dataflow command.
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

type node struct {
	Epoch   *provlog.OpQuad   `json:"epoch,omitempty"`
	Inode   *provlog.InodeKey `json:"inode,omitempty"`
	Version int               `json:"version,omitempty"`
}

func toNode(n df.Node) node {
	switch n := n.(type) {
	case df.EpochNode:
		return node{Epoch: &n.OpQuad}
	case df.InodeVersionNode:
		return node{Inode: &n.Inode, Version: n.Version}
	default:
		panic(fmt.Sprintf("unhandled node type %T", n))
	}
}

type edge struct {
	From node        `json:"from"`
	To   node        `json:"to"`
	Kind df.EdgeKind `json:"kind"`
}

type inodePaths struct {
	Inode provlog.InodeKey `json:"inode"`
	Paths []string         `json:"paths"`
}

type dump struct {
	Nodes      []node            `json:"nodes"`
	Edges      []edge            `json:"edges"`
	Paths      []inodePaths      `json:"paths"`
	Warnings   []provlog.Warning `json:"warnings"`
	Unresolved int               `json:"unresolved"`
}

func compareInodes(a, b provlog.InodeKey) int {
	return cmp.Or(
		cmp.Compare(a.DeviceMajor, b.DeviceMajor),
		cmp.Compare(a.DeviceMinor, b.DeviceMinor),
		cmp.Compare(a.Inode, b.Inode),
	)
}

// Handler builds the dataflow graph of a trace and describes it.
func Handler(ctx context.Context, cfg Config, deps *Deps) (*cli.NoOutput, error) {
	l, settings, err := cfg.Load(ctx, deps.IO)
	if err != nil {
		return nil, err
	}
	hb, hbWarnings, err := hbgraph.Build(l)
	if err != nil {
		return nil, errors.Wrap(err, "building happens-before graph")
	}
	res, err := df.Build(l, hb, settings.DataflowOptions()...)
	if err != nil {
		return nil, errors.Wrap(err, "building dataflow graph")
	}
	warnings := append(slices.Clone(hbWarnings), res.Warnings...)
	inodes := slices.SortedFunc(maps.Keys(res.InodePaths), compareInodes)
	if cfg.JSON {
		d := dump{Warnings: warnings, Unresolved: res.Unresolved}
		for _, n := range res.Graph.Nodes() {
			d.Nodes = append(d.Nodes, toNode(n))
		}
		for _, e := range res.Graph.Edges() {
			d.Edges = append(d.Edges, edge{From: toNode(e.From), To: toNode(e.To), Kind: e.Label})
		}
		for _, ino := range inodes {
			d.Paths = append(d.Paths, inodePaths{Inode: ino, Paths: res.InodePaths[ino]})
		}
		return &cli.NoOutput{}, cli.WriteJSON(deps.IO.Out, d)
	}
	cli.PrintWarnings(deps.IO, warnings)
	var epochs, versions int
	for _, n := range res.Graph.Nodes() {
		switch n.(type) {
		case df.EpochNode:
			epochs++
		case df.InodeVersionNode:
			versions++
		}
	}
	fmt.Fprintf(deps.IO.Out, "%d epochs, %d file versions, %d edges\n", epochs, versions, res.Graph.NumEdges())
	for _, ino := range inodes {
		fmt.Fprintf(deps.IO.Out, "  %v %s\n", ino, strings.Join(res.InodePaths[ino], " "))
	}
	fmt.Fprintf(deps.IO.Out, "%d unresolved paths, %d warnings\n", res.Unresolved, len(warnings))
	return &cli.NoOutput{}, nil
}

// Command creates a new dataflow command instance.
func Command() *cobra.Command {
	cfg := Config{}
	cmd := &cobra.Command{
		Use:   "dataflow --in <capture|archive> [--json]",
		Short: "Build the file lineage graph of a trace",
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
