// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package dataflow

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/provtrace/internal/cli"
	"github.com/google/provtrace/pkg/ops"
	"github.com/google/provtrace/pkg/provlog"
	"golang.org/x/sys/unix"
)

func path(s string, ino uint64) ops.Path {
	return ops.Path{DirFD: unix.AT_FDCWD, Path: ops.CString(s), DeviceMajor: 8, Inode: ino, StatValid: true}
}

func writeTrace(t *testing.T) string {
	t.Helper()
	l := provlog.New("dataflow-test")
	l.AddThread(provlog.ThreadKey{PID: 1, TID: 1}, []ops.Op{
		{Data: ops.InitProcessOp{PID: 1, Cwd: path("/src", 2)}},
		{Data: ops.OpenOp{Path: path("main.c", 3), Flags: unix.O_RDONLY}},
		{Data: ops.OpenOp{Path: path("main.o", 4), Flags: unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC}},
	})
	p := filepath.Join(t.TempDir(), "trace.tar.zst")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := provlog.WriteArchive(f, l, provlog.Zstd); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestValidation(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Error("Config.Validate() without an input succeeded")
	}
}

func TestHandlerSummary(t *testing.T) {
	var stdout bytes.Buffer
	deps := &Deps{}
	deps.SetIO(cli.IO{Out: &stdout, Err: &bytes.Buffer{}})
	if _, err := Handler(context.Background(), Config{Trace: cli.Trace{In: writeTrace(t)}}, deps); err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	for _, want := range []string{"1 epochs, 2 file versions, 2 edges", "/src/main.c", "/src/main.o", "0 unresolved paths"} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("output = %q, want it to contain %q", stdout.String(), want)
		}
	}
}

func TestHandlerJSON(t *testing.T) {
	var stdout bytes.Buffer
	deps := &Deps{}
	deps.SetIO(cli.IO{Out: &stdout, Err: &bytes.Buffer{}})
	if _, err := Handler(context.Background(), Config{Trace: cli.Trace{In: writeTrace(t)}, JSON: true}, deps); err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	var got struct {
		Nodes []node `json:"nodes"`
		Edges []struct {
			Kind string `json:"kind"`
		} `json:"edges"`
		Paths []inodePaths `json:"paths"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if len(got.Nodes) != 3 || len(got.Edges) != 2 || len(got.Paths) != 3 {
		t.Errorf("got %d nodes, %d edges, %d inodes; want 3, 2, 3", len(got.Nodes), len(got.Edges), len(got.Paths))
	}
	if got.Nodes[0].Epoch == nil || *got.Nodes[0].Epoch != (provlog.OpQuad{PID: 1, TID: 1}) {
		t.Errorf("first node = %+v, want the epoch of pid 1", got.Nodes[0])
	}
}
