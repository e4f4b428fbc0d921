// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/go-cmp/cmp"
	"github.com/google/provtrace/pkg/arena"
	"github.com/google/provtrace/pkg/ops"
	"github.com/google/provtrace/pkg/segment"
	"golang.org/x/sys/unix"
)

const (
	opsBase  = 0x7f0000000000
	dataBase = 0x7e0000000000
)

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func threadDir(k ThreadKey) string {
	return path.Join(PidsDir, fmt.Sprint(k.PID), fmt.Sprint(k.Epoch), fmt.Sprint(k.TID))
}

// writeRawThread lays th out as the tracer would, rolling over every perArena records.
func writeRawThread(t *testing.T, fs billy.Filesystem, k ThreadKey, th []ops.Op, perArena int) {
	t.Helper()
	opsFiles, dataFile, err := arena.Encode(th, perArena, opsBase, dataBase)
	must(t, err)
	for i, b := range opsFiles {
		must(t, util.WriteFile(fs, path.Join(threadDir(k), "ops", fmt.Sprintf("%d.dat", i)), b, 0o644))
	}
	if dataFile != nil {
		must(t, util.WriteFile(fs, path.Join(threadDir(k), "data", "0.dat"), dataFile, 0o644))
	}
}

func atCwd(s string) ops.Path { return ops.Path{DirFD: unix.AT_FDCWD, Path: ops.CString(s)} }

func statPath(s string, ino uint64) ops.Path {
	x := atCwd(s)
	x.DeviceMajor, x.DeviceMinor, x.Inode, x.StatValid = 8, 1, ino, true
	return x
}

func op(d ops.Data) ops.Op { return ops.Op{Data: d} }

// sampleCapture is a shell (pid 100) that clones a child (pid 101) which
// execs a compiler; the child also starts a helper thread.
func sampleCapture() map[ThreadKey][]ops.Op {
	return map[ThreadKey][]ops.Op{
		{PID: 100, Epoch: 0, TID: 100}: {
			op(ops.InitProcessOp{PID: 100, IsRoot: true, Cwd: atCwd("/src"), Exe: statPath("/bin/sh", 2)}),
			op(ops.InitThreadOp{TID: 100}),
			op(ops.CloneOp{TaskType: ops.TaskPID, TaskID: 101}),
			op(ops.ExitOp{}),
		},
		{PID: 101, Epoch: 0, TID: 101}: {
			op(ops.InitProcessOp{PID: 101, ParentPID: 100, Cwd: atCwd("/src")}),
			op(ops.InitThreadOp{TID: 101}),
			op(ops.ExecOp{Path: statPath("/usr/bin/cc", 3), Argv: []ops.CString{"cc", "main.c"}}),
		},
		{PID: 101, Epoch: 1, TID: 101}: {
			op(ops.InitProcessOp{PID: 101, ParentPID: 100, Epoch: 1, Cwd: atCwd("/src"), Exe: statPath("/usr/bin/cc", 3)}),
			op(ops.InitThreadOp{TID: 101}),
			op(ops.CloneOp{TaskType: ops.TaskTID, TaskID: 102}),
			op(ops.OpenOp{Path: statPath("main.c", 4), Flags: unix.O_RDONLY, FD: 3}),
			op(ops.CloseOp{LowFD: 3, HighFD: 3}),
			op(ops.OpenOp{Path: statPath("a.out", 5), Flags: unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC, FD: 3}),
			op(ops.CloseOp{LowFD: 3, HighFD: 3}),
			op(ops.ExitOp{}),
		},
		{PID: 101, Epoch: 1, TID: 102}: {
			op(ops.InitThreadOp{TID: 102}),
			op(ops.StatOp{Path: statPath("/usr/include/stdio.h", 6)}),
		},
	}
}

func rawCapture(t *testing.T, threads map[ThreadKey][]ops.Op) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	must(t, util.WriteFile(fs, TraceIDFile, []byte("trace-1\n"), 0o644))
	for k, th := range threads {
		writeRawThread(t, fs, k, th, 3)
	}
	return fs
}

func TestLoadRaw(t *testing.T) {
	want := sampleCapture()
	l, report, err := LoadFS(context.Background(), rawCapture(t, want), Parallelism(2))
	if err != nil {
		t.Fatalf("LoadFS() error = %v", err)
	}
	if l.ID != "trace-1" {
		t.Errorf("ID = %q, want trace-1", l.ID)
	}
	if len(report.Warnings) != 0 || len(report.Dropped) != 0 || report.Partial {
		t.Errorf("report = %+v, want clean", report)
	}
	got := make(map[ThreadKey][]ops.Op)
	for k, th := range l.Threads() {
		got[k] = th.Ops
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("threads diff (-want +got):\n%s", diff)
	}
	if n := l.NumOps(); n != 17 {
		t.Errorf("NumOps() = %d, want 17", n)
	}
	var prev *OpQuad
	for q := range l.Ops() {
		if prev != nil && CompareOpQuad(*prev, q) >= 0 {
			t.Errorf("Ops() out of order: %v then %v", *prev, q)
		}
		prev = &q
	}
	if diff := cmp.Diff(map[int32]int32{101: 100}, l.ParentPIDs()); diff != "" {
		t.Errorf("ParentPIDs() diff (-want +got):\n%s", diff)
	}
	if root, ok := l.RootPID(); !ok || root != 100 {
		t.Errorf("RootPID() = %d, %v, want 100, true", root, ok)
	}
	if l.HasSnapshots {
		t.Error("HasSnapshots = true without copy_files")
	}
}

func TestRawAndArchiveAgree(t *testing.T) {
	raw, _, err := LoadFS(context.Background(), rawCapture(t, sampleCapture()))
	must(t, err)
	raw.Host = &Host{Name: "builder", ID: 0xabc}
	for _, c := range []Compression{NoCompression, Gzip, Zstd} {
		t.Run(fmt.Sprint(c), func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteArchive(&buf, raw, c); err != nil {
				t.Fatalf("WriteArchive() error = %v", err)
			}
			packaged, _, err := LoadArchive(context.Background(), &buf)
			if err != nil {
				t.Fatalf("LoadArchive() error = %v", err)
			}
			if diff := cmp.Diff(raw, packaged); diff != "" {
				t.Errorf("packaged log diff (-raw +packaged):\n%s", diff)
			}
		})
	}
}

func TestLoadArchiveFromPath(t *testing.T) {
	raw, _, err := LoadFS(context.Background(), rawCapture(t, sampleCapture()))
	must(t, err)
	fname := filepath.Join(t.TempDir(), "trace.tar.zst")
	f, err := os.Create(fname)
	must(t, err)
	must(t, WriteArchive(f, raw, CompressionFor(fname)))
	must(t, f.Close())
	got, _, err := Load(context.Background(), fname)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(raw, got); diff != "" {
		t.Errorf("Load() diff (-want +got):\n%s", diff)
	}
}

func TestSnapshots(t *testing.T) {
	key := InodeVersionKey{InodeKey: InodeKey{DeviceMajor: 8, DeviceMinor: 1, Inode: 0x1234}, MtimeSec: 1700000000, MtimeNsec: 5, Size: 11}
	fs := rawCapture(t, sampleCapture())
	must(t, util.WriteFile(fs, CopyFilesMarker, nil, 0o644))
	must(t, util.WriteFile(fs, path.Join(InodesDir, SnapshotName(key)), []byte("hello world"), 0o644))
	l, _, err := LoadFS(context.Background(), fs)
	if err != nil {
		t.Fatalf("LoadFS() error = %v", err)
	}
	if !l.HasSnapshots {
		t.Error("HasSnapshots = false")
	}
	if diff := cmp.Diff(map[InodeVersionKey][]byte{key: []byte("hello world")}, l.Snapshots); diff != "" {
		t.Errorf("Snapshots diff (-want +got):\n%s", diff)
	}
	var buf bytes.Buffer
	must(t, WriteArchive(&buf, l, Gzip))
	packaged, _, err := LoadArchive(context.Background(), &buf)
	must(t, err)
	if diff := cmp.Diff(l.Snapshots, packaged.Snapshots); diff != "" {
		t.Errorf("packaged Snapshots diff (-want +got):\n%s", diff)
	}
}

func TestSnapshotName(t *testing.T) {
	key := InodeVersionKey{InodeKey: InodeKey{DeviceMajor: 259, DeviceMinor: 3, Inode: 0xdeadbeef}, MtimeSec: 1712345678, MtimeNsec: 999999999, Size: 0}
	name := SnapshotName(key)
	if name != "103-3-deadbeef-6610524e-3b9ac9ff-0" {
		t.Errorf("SnapshotName() = %q", name)
	}
	got, err := ParseSnapshotName(name)
	if err != nil {
		t.Fatalf("ParseSnapshotName() error = %v", err)
	}
	if got != key {
		t.Errorf("ParseSnapshotName() = %+v, want %+v", got, key)
	}
	for _, bad := range []string{"", "1-2-3", "1-2-3-4-5-zz", "1-2-3-4-5-6-7"} {
		if _, err := ParseSnapshotName(bad); err == nil {
			t.Errorf("ParseSnapshotName(%q) succeeded", bad)
		}
	}
}

func TestTruncatedThread(t *testing.T) {
	threads := sampleCapture()
	fs := rawCapture(t, threads)
	// Cut the last ops arena of one thread in the middle of its final record.
	victim := ThreadKey{PID: 101, Epoch: 1, TID: 101}
	last := path.Join(threadDir(victim), "ops", "2.dat")
	b, err := util.ReadFile(fs, last)
	must(t, err)
	must(t, util.WriteFile(fs, last, b[:len(b)-ops.RecordSize/3], 0o644))

	l, report, err := LoadFS(context.Background(), fs)
	if err != nil {
		t.Fatalf("LoadFS() error = %v", err)
	}
	if len(report.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want exactly one", report.Warnings)
	}
	w := report.Warnings[0]
	if w.Kind != IncompleteCapture || w.Where != victim.String() {
		t.Errorf("warning = %v, want IncompleteCapture at %v", w, victim)
	}
	th, ok := l.Thread(victim)
	if !ok {
		t.Fatal("truncated thread missing")
	}
	if diff := cmp.Diff(threads[victim][:len(threads[victim])-1], th.Ops); diff != "" {
		t.Errorf("truncated thread diff (-want +got):\n%s", diff)
	}
	for k, want := range threads {
		if k == victim {
			continue
		}
		got, _ := l.Thread(k)
		if diff := cmp.Diff(want, got.Ops); diff != "" {
			t.Errorf("%v diff (-want +got):\n%s", k, diff)
		}
	}
}

func corruptCapture(t *testing.T) (billy.Filesystem, ThreadKey) {
	fs := rawCapture(t, sampleCapture())
	// Without its data arena the thread's path pointers are dangling.
	victim := ThreadKey{PID: 101, Epoch: 0, TID: 101}
	must(t, fs.Remove(path.Join(threadDir(victim), "data", "0.dat")))
	return fs, victim
}

func TestCorruptThread(t *testing.T) {
	fs, victim := corruptCapture(t)
	_, _, err := LoadFS(context.Background(), fs)
	if !errors.Is(err, ErrTraceCorruption) {
		t.Fatalf("LoadFS() error = %v, want %v", err, ErrTraceCorruption)
	}
	if !errors.Is(err, segment.ErrAddressNotMapped) {
		t.Errorf("LoadFS() error = %v, want it to wrap %v", err, segment.ErrAddressNotMapped)
	}
	var terr *ThreadError
	if !errors.As(err, &terr) || terr.Thread != victim {
		t.Errorf("LoadFS() error = %v, want ThreadError for %v", err, victim)
	}
}

func TestSkipCorruptThreads(t *testing.T) {
	fs, victim := corruptCapture(t)
	l, report, err := LoadFS(context.Background(), fs, SkipCorruptThreads(true))
	if err != nil {
		t.Fatalf("LoadFS() error = %v", err)
	}
	if len(report.Dropped) != 1 || report.Dropped[0].Thread != victim {
		t.Fatalf("Dropped = %v, want %v", report.Dropped, victim)
	}
	if !errors.Is(report.Dropped[0], ErrTraceCorruption) {
		t.Errorf("Dropped[0] = %v, want trace corruption", report.Dropped[0])
	}
	if _, ok := l.Thread(victim); ok {
		t.Error("corrupt thread was kept")
	}
	if _, ok := l.Thread(ThreadKey{PID: 101, Epoch: 1, TID: 101}); !ok {
		t.Error("healthy thread was dropped")
	}
}

func TestDuplicateInstantiation(t *testing.T) {
	fs := rawCapture(t, sampleCapture())
	k := ThreadKey{PID: 100, Epoch: 0, TID: 100}
	b, err := util.ReadFile(fs, path.Join(threadDir(k), "ops", "0.dat"))
	must(t, err)
	must(t, util.WriteFile(fs, path.Join(threadDir(k), "ops", "9.dat"), b, 0o644))
	_, _, err = LoadFS(context.Background(), fs)
	if !errors.Is(err, arena.ErrDuplicateInstantiation) || !errors.Is(err, ErrTraceCorruption) {
		t.Errorf("LoadFS() error = %v, want duplicate instantiation corruption", err)
	}
}

func TestCorruptPackagedLine(t *testing.T) {
	fs := memfs.New()
	must(t, util.WriteFile(fs, "pids/1/0/1", []byte(`{"_type":"Op","data":{"_type":"NoSuchOp"}}`+"\n"), 0o644))
	_, _, err := LoadFS(context.Background(), fs)
	if !errors.Is(err, ErrTraceCorruption) || !errors.Is(err, ops.ErrInvalidVariant) {
		t.Errorf("LoadFS() error = %v, want invalid variant corruption", err)
	}
}

func TestUnexpectedEntry(t *testing.T) {
	fs := memfs.New()
	must(t, util.WriteFile(fs, "pids/notapid/0/1", nil, 0o644))
	if _, _, err := LoadFS(context.Background(), fs); !errors.Is(err, ErrTraceCorruption) {
		t.Errorf("LoadFS() error = %v, want %v", err, ErrTraceCorruption)
	}
}

func TestLoadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l, report, err := LoadFS(ctx, rawCapture(t, sampleCapture()))
	if err != nil {
		t.Fatalf("LoadFS() error = %v", err)
	}
	if !report.Partial {
		t.Error("Partial = false after cancellation")
	}
	if len(report.Warnings) != 1 || report.Warnings[0].Kind != IncompleteCapture {
		t.Errorf("Warnings = %v, want one IncompleteCapture", report.Warnings)
	}
	if l.NumOps() != 0 {
		t.Errorf("NumOps() = %d after immediate cancellation, want 0", l.NumOps())
	}
}

func TestProgressFunc(t *testing.T) {
	var calls atomic.Int32
	_, _, err := LoadFS(context.Background(), rawCapture(t, sampleCapture()), ProgressFunc(func() { calls.Add(1) }))
	must(t, err)
	if got := calls.Load(); got != 4 {
		t.Errorf("progress called %d times, want 4", got)
	}
}

func TestRandomTraceID(t *testing.T) {
	fs := memfs.New()
	must(t, util.WriteFile(fs, "pids/1/0/1", nil, 0o644))
	a, _, err := LoadFS(context.Background(), fs)
	must(t, err)
	b, _, err := LoadFS(context.Background(), fs)
	must(t, err)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("IDs = %q, %q, want distinct random IDs", a.ID, b.ID)
	}
}

func TestIsArchivePath(t *testing.T) {
	for p, want := range map[string]bool{
		"trace.tar":        true,
		"trace.tar.gz":     true,
		"trace.tgz":        true,
		"trace.tar.zst":    true,
		"gs://bucket/obj":  true,
		"/tmp/probe_log":   false,
		"trace.tar.gz.bak": false,
	} {
		if got := IsArchivePath(p); got != want {
			t.Errorf("IsArchivePath(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestParseGCSPath(t *testing.T) {
	bucket, object, err := parseGCSPath("gs://my-bucket/traces/run.tar.zst")
	if err != nil || bucket != "my-bucket" || object != "traces/run.tar.zst" {
		t.Errorf("parseGCSPath() = %q, %q, %v", bucket, object, err)
	}
	for _, bad := range []string{"my-bucket/x", "gs://", "gs://bucket", "gs://bucket/"} {
		if _, _, err := parseGCSPath(bad); err == nil {
			t.Errorf("parseGCSPath(%q) succeeded", bad)
		}
	}
}

func TestValidate(t *testing.T) {
	if findings := Validate(mustLoad(t, sampleCapture())); len(findings) != 0 {
		t.Errorf("Validate(sample) = %v, want none", findings)
	}
	bad := sampleCapture()
	bad[ThreadKey{PID: 100, Epoch: 0, TID: 100}] = append(bad[ThreadKey{PID: 100, Epoch: 0, TID: 100}],
		op(ops.CloneOp{TaskType: ops.TaskPID, TaskID: 555}),
		op(ops.CloseOp{LowFD: 7, HighFD: 7}),
	)
	bad[ThreadKey{PID: 200, Epoch: 2, TID: 200}] = []ops.Op{op(ops.InitProcessOp{PID: 200, Epoch: 0})}
	bad[ThreadKey{PID: 101, Epoch: 1, TID: 103}] = nil
	findings := Validate(mustLoad(t, bad))
	wantSubstrings := []string{
		"task 555",
		"pid 200 is missing exec epoch 0",
		"InitProcessOp for pid 200 epoch 0",
		"tid 103 has no ops",
		"never opened: [7]",
	}
	if len(findings) != len(wantSubstrings) {
		t.Errorf("Validate() = %q, want %d findings", findings, len(wantSubstrings))
	}
	for _, want := range wantSubstrings {
		found := false
		for _, f := range findings {
			found = found || strings.Contains(f, want)
		}
		if !found {
			t.Errorf("Validate() = %q, missing finding containing %q", findings, want)
		}
	}
}

func TestValidateCloseRangeAtFDLimit(t *testing.T) {
	threads := sampleCapture()
	k := ThreadKey{PID: 100, Epoch: 0, TID: 100}
	threads[k] = append(threads[k], op(ops.CloseOp{LowFD: math.MaxInt32 - 1, HighFD: math.MaxInt32}))
	findings := Validate(mustLoad(t, threads))
	if len(findings) != 1 || !strings.Contains(findings[0], "never opened: [2147483646 2147483647]") {
		t.Errorf("Validate() = %q, want the two closed fds at the limit", findings)
	}
}

func mustLoad(t *testing.T, threads map[ThreadKey][]ops.Op) *ProvLog {
	t.Helper()
	l := New("test")
	for k, th := range threads {
		l.AddThread(k, th)
	}
	return l
}
