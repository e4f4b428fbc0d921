// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"path"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/provtrace/pkg/arena"
	"github.com/google/provtrace/pkg/ops"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Layout of a capture, shared by the raw and packaged forms.
const (
	PidsDir         = "pids"
	InodesDir       = "inodes"
	InfoDir         = "info"
	CopyFilesMarker = "info/copy_files"
	TraceIDFile     = "info/trace_id"
	HostNameFile    = "info/host_name"
	HostIDFile      = "info/host_id"
	opsArenaDir     = "ops"
	dataArenaDir    = "data"
	arenaSuffix     = ".dat"
)

// maxLineSize bounds one packaged op record.
const maxLineSize = 64 << 20

// Option is an option for loading a trace.
type Option interface{ set(*loader) } // a base type for the options
type option func(*loader)             // option implements Option.
func (o option) set(l *loader)        { o(l) }

// SkipCorruptThreads returns an option to leave corrupt threads out of the
// log instead of failing the load.
func SkipCorruptThreads(v bool) Option {
	return option(func(l *loader) { l.skipCorrupt = v })
}

// Parallelism returns an option to bound how many processes are decoded at
// once. Values below one mean one per CPU.
func Parallelism(n int) Option {
	return option(func(l *loader) { l.parallelism = n })
}

// ProgressFunc returns an option to set the function called after each thread
// is decoded.
func ProgressFunc(f func()) Option {
	return option(func(l *loader) { l.progressFunc = f })
}

type loader struct {
	fs           billy.Filesystem
	skipCorrupt  bool
	parallelism  int
	progressFunc func()

	mu     sync.Mutex
	log    *ProvLog
	report *Report
}

// Load reads a trace from src. Sources starting with gs:// and local files
// named like archives are read as packaged archives, anything else as a raw
// capture directory.
func Load(ctx context.Context, src string, opts ...Option) (*ProvLog, *Report, error) {
	if strings.HasPrefix(src, "gs://") {
		r, err := readFromGCS(ctx, src)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "opening %s", src)
		}
		defer r.Close()
		return LoadArchive(ctx, r, opts...)
	}
	if IsArchivePath(src) {
		f, err := os.Open(src)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		return LoadArchive(ctx, bufio.NewReader(f), opts...)
	}
	if _, err := os.Stat(src); err != nil {
		return nil, nil, err
	}
	return LoadFS(ctx, osfs.New(src), opts...)
}

// LoadFS reads a trace laid out at the root of fs. Threads may be stored
// either as raw arena directories or as packaged JSON lines.
func LoadFS(ctx context.Context, fs billy.Filesystem, opts ...Option) (*ProvLog, *Report, error) {
	l := &loader{fs: fs, report: &Report{}}
	for _, o := range opts {
		o.set(l)
	}
	if l.parallelism < 1 {
		l.parallelism = runtime.NumCPU()
	}
	return l.load(ctx)
}

func (l *loader) load(ctx context.Context) (*ProvLog, *Report, error) {
	id, err := l.readInfo(TraceIDFile)
	if err != nil {
		return nil, nil, err
	}
	if id == "" {
		id = uuid.New().String()
	}
	l.log = New(id)
	if err := l.readHost(); err != nil {
		return nil, nil, err
	}
	if err := l.loadSnapshots(); err != nil {
		return nil, nil, err
	}
	pids, err := l.numericDir(PidsDir)
	if err != nil {
		return nil, nil, err
	}
	eg, eCtx := errgroup.WithContext(ctx)
	eg.SetLimit(l.parallelism)
	for _, pid := range pids {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			return l.loadProcess(eCtx, int32(pid))
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	if ctx.Err() != nil {
		l.report.Partial = true
		l.report.Warnings = append(l.report.Warnings, Warning{
			Kind:    IncompleteCapture,
			Where:   "trace " + l.log.ID,
			Message: "load cancelled: " + ctx.Err().Error(),
		})
	}
	slices.SortFunc(l.report.Warnings, func(a, b Warning) int { return strings.Compare(a.Where, b.Where) })
	slices.SortFunc(l.report.Dropped, func(a, b *ThreadError) int {
		return CompareOpQuad(a.Thread.Op(0), b.Thread.Op(0))
	})
	log.Printf("loaded trace %s: %d processes, %d ops", l.log.ID, len(l.log.Processes), l.log.NumOps())
	return l.log, l.report, nil
}

func (l *loader) readInfo(name string) (string, error) {
	b, err := util.ReadFile(l.fs, name)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", name)
	}
	return strings.TrimSpace(string(b)), nil
}

func (l *loader) readHost() error {
	name, err := l.readInfo(HostNameFile)
	if err != nil {
		return err
	}
	id, err := l.readInfo(HostIDFile)
	if err != nil {
		return err
	}
	if name == "" && id == "" {
		return nil
	}
	h := &Host{Name: name}
	if id != "" {
		if h.ID, err = strconv.ParseUint(id, 16, 64); err != nil {
			return corrupt(errors.Wrapf(err, "parsing %s", HostIDFile))
		}
	}
	l.log.Host = h
	return nil
}

// numericDir returns the numeric entry names of dir in ascending order.
func (l *loader) numericDir(dir string) ([]int64, error) {
	entries, err := l.fs.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	var out []int64
	for _, e := range entries {
		n, err := strconv.ParseInt(e.Name(), 10, 32)
		if err != nil || n < 0 {
			return nil, corrupt(errors.Errorf("unexpected entry %q in %s", e.Name(), dir))
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return out, nil
}

func (l *loader) loadProcess(ctx context.Context, pid int32) error {
	pdir := path.Join(PidsDir, strconv.Itoa(int(pid)))
	epochs, err := l.numericDir(pdir)
	if err != nil {
		return err
	}
	for _, epoch := range epochs {
		edir := path.Join(pdir, strconv.FormatInt(epoch, 10))
		tids, err := l.numericDir(edir)
		if err != nil {
			return err
		}
		for _, tid := range tids {
			if ctx.Err() != nil {
				return nil
			}
			k := ThreadKey{PID: pid, Epoch: uint32(epoch), TID: int32(tid)}
			if err := l.loadThread(ctx, k, path.Join(edir, strconv.FormatInt(tid, 10))); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *loader) loadThread(ctx context.Context, k ThreadKey, p string) error {
	fi, err := l.fs.Stat(p)
	if err != nil {
		return errors.Wrapf(err, "reading %v", k)
	}
	var th []ops.Op
	var truncated string
	if fi.IsDir() {
		th, truncated, err = l.readArenas(ctx, p)
	} else {
		th, err = l.readJSONLines(ctx, p)
	}
	cancelled := ctx.Err() != nil && errors.Is(err, ctx.Err())
	if err != nil && !cancelled {
		terr := &ThreadError{Thread: k, Err: corrupt(err)}
		if !l.skipCorrupt {
			return terr
		}
		log.Printf("skipping corrupt thread: %v", terr)
		l.mu.Lock()
		defer l.mu.Unlock()
		l.report.Dropped = append(l.report.Dropped, terr)
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.AddThread(k, th)
	if truncated != "" {
		l.report.Warnings = append(l.report.Warnings, Warning{
			Kind:    IncompleteCapture,
			Where:   k.String(),
			Message: "dropped partial trailing record in " + truncated,
		})
	}
	if l.progressFunc != nil && !cancelled {
		l.progressFunc()
	}
	return nil
}

func (l *loader) readArenaDir(dir string) ([]arena.File, error) {
	entries, err := l.fs.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []arena.File
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), arenaSuffix) {
			continue
		}
		p := path.Join(dir, e.Name())
		b, err := util.ReadFile(l.fs, p)
		if err != nil {
			return nil, err
		}
		f, err := arena.Parse(p, b)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func (l *loader) readArenas(ctx context.Context, dir string) ([]ops.Op, string, error) {
	opsFiles, err := l.readArenaDir(path.Join(dir, opsArenaDir))
	if err != nil {
		return nil, "", err
	}
	dataFiles, err := l.readArenaDir(path.Join(dir, dataArenaDir))
	if err != nil {
		return nil, "", err
	}
	th, err := arena.DecodeThread(ctx, opsFiles, dataFiles)
	if th == nil {
		return nil, "", err
	}
	return th.Ops, th.Truncated, err
}

func (l *loader) readJSONLines(ctx context.Context, p string) ([]ops.Op, error) {
	b, err := util.ReadFile(l.fs, p)
	if err != nil {
		return nil, err
	}
	var out []ops.Op
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(nil, maxLineSize)
	for line := 1; sc.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var op ops.Op
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			return nil, errors.Wrapf(err, "%s:%d", p, line)
		}
		out = append(out, op)
	}
	return out, sc.Err()
}
