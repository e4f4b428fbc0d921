// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// provtrace reads provenance traces and derives their happens-before and
// dataflow graphs.
package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/google/provtrace/internal/command/dataflow"
	"github.com/google/provtrace/internal/command/hb"
	"github.com/google/provtrace/internal/command/transcribe"
	"github.com/google/provtrace/internal/command/validate"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "provtrace [subcommand]",
	Short: "A tool for reconstructing provenance from traces",
	// Errors are printed by main.
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.AddCommand(transcribe.Command())
	rootCmd.AddCommand(validate.Command())
	rootCmd.AddCommand(hb.Command())
	rootCmd.AddCommand(dataflow.Command())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
