// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package hb

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
)

func writeTrace(t *testing.T) string {
	t.Helper()
	l := provlog.New("hb-test")
	l.AddThread(provlog.ThreadKey{PID: 1, TID: 1}, []ops.Op{
		{Data: ops.InitProcessOp{PID: 1}},
		{Data: ops.ExecOp{}},
	})
	l.AddThread(provlog.ThreadKey{PID: 1, Epoch: 1, TID: 1}, []ops.Op{
		{Data: ops.InitProcessOp{PID: 1, Epoch: 1}},
		{Data: ops.CloneOp{TaskType: ops.TaskPID, TaskID: 9}},
	})
	path := filepath.Join(t.TempDir(), "trace.tar")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := provlog.WriteArchive(f, l, provlog.NoCompression); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidation(t *testing.T) {
	if err := (Config{JSON: true}).Validate(); err == nil {
		t.Error("Config.Validate() without an input succeeded")
	}
}

func TestHandlerSummary(t *testing.T) {
	var stdout, stderr bytes.Buffer
	deps := &Deps{}
	deps.SetIO(cli.IO{Out: &stdout, Err: &stderr})
	if _, err := Handler(context.Background(), Config{Trace: cli.Trace{In: writeTrace(t)}}, deps); err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	for _, want := range []string{"4 ops, 3 edges", "1 warnings"} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("output = %q, want it to contain %q", stdout.String(), want)
		}
	}
	if !strings.Contains(stderr.String(), "pid 9") {
		t.Errorf("stderr = %q, want the missing clone target reported", stderr.String())
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
		Nodes []provlog.OpQuad `json:"nodes"`
		Edges []struct {
			Kind string `json:"kind"`
		} `json:"edges"`
		Warnings []struct {
			Kind string `json:"Kind"`
		} `json:"warnings"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if len(got.Nodes) != 4 || len(got.Edges) != 3 || len(got.Warnings) != 1 {
		t.Errorf("got %d nodes, %d edges, %d warnings; want 4, 3, 1", len(got.Nodes), len(got.Edges), len(got.Warnings))
	}
	var kinds []string
	for _, e := range got.Edges {
		kinds = append(kinds, e.Kind)
	}
	if want := "ProgramOrder,Exec,ProgramOrder"; strings.Join(kinds, ",") != want {
		t.Errorf("edge kinds = %v, want %s", kinds, want)
	}
	if got.Warnings[0].Kind != "IncompleteCapture" {
		t.Errorf("warning kind = %q, want IncompleteCapture", got.Warnings[0].Kind)
	}
}
