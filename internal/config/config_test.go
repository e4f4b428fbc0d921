// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/go-cmp/cmp"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "defaults",
			cfg:  Default(),
		},
		{
			name:    "negative parallelism",
			cfg:     Config{Parallelism: -1, Color: ColorAuto},
			wantErr: true,
		},
		{
			name:    "negative symlink depth",
			cfg:     Config{MaxSymlinkDepth: -2, Color: ColorNever},
			wantErr: true,
		},
		{
			name:    "unknown color mode",
			cfg:     Config{Color: "sometimes"},
			wantErr: true,
		},
		{
			name: "zero symlink depth",
			cfg:  Config{Color: ColorAlways},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFS(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		contents string
		want     Config
		wantErr  bool
	}{
		{
			name:     "yaml",
			file:     "provtrace.yaml",
			contents: "parallelism: 4\nskip_corrupt_threads: true\ncolor: never\n",
			want:     Config{Parallelism: 4, SkipCorruptThreads: true, MaxSymlinkDepth: 40, Color: ColorNever},
		},
		{
			name:     "yml extension",
			file:     "provtrace.yml",
			contents: "max_symlink_depth: 8\n",
			want:     Config{MaxSymlinkDepth: 8, Color: ColorAuto},
		},
		{
			name:     "empty yaml",
			file:     "empty.yaml",
			contents: "",
			want:     Default(),
		},
		{
			name:     "toml",
			file:     "provtrace.toml",
			contents: "parallelism = 2\nmax_symlink_depth = 10\ncolor = \"always\"\n",
			want:     Config{Parallelism: 2, MaxSymlinkDepth: 10, Color: ColorAlways},
		},
		{
			name:     "unknown yaml key",
			file:     "bad.yaml",
			contents: "paralellism: 4\n",
			wantErr:  true,
		},
		{
			name:     "unknown toml key",
			file:     "bad.toml",
			contents: "colour = \"never\"\n",
			wantErr:  true,
		},
		{
			name:     "invalid value",
			file:     "bad.toml",
			contents: "parallelism = -3\n",
			wantErr:  true,
		},
		{
			name:     "unsupported format",
			file:     "provtrace.json",
			contents: "{}",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := memfs.New()
			if err := util.WriteFile(fs, tt.file, []byte(tt.contents), 0o644); err != nil {
				t.Fatal(err)
			}
			got, err := LoadFS(fs, tt.file)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadFS() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("LoadFS() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadFS(memfs.New(), "nope.yaml"); err == nil {
		t.Error("LoadFS() of a missing file succeeded")
	}
}

func TestOptions(t *testing.T) {
	c := Default()
	if got := len(c.LoadOptions()); got != 2 {
		t.Errorf("len(LoadOptions()) = %d, want 2", got)
	}
	if got := len(c.DataflowOptions()); got != 1 {
		t.Errorf("len(DataflowOptions()) = %d, want 1", got)
	}
}
