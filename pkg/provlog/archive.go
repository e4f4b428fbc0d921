// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provlog

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"maps"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Compression selects how a packaged archive is compressed.
type Compression int

const (
	NoCompression Compression = iota
	Gzip
	Zstd
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// IsArchivePath reports whether p names a packaged archive.
func IsArchivePath(p string) bool {
	if strings.HasPrefix(p, "gs://") {
		return true
	}
	for _, ext := range []string{".tar", ".tar.gz", ".tgz", ".tar.zst"} {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

// CompressionFor returns the compression implied by the file name p.
func CompressionFor(p string) Compression {
	switch {
	case strings.HasSuffix(p, ".gz"), strings.HasSuffix(p, ".tgz"):
		return Gzip
	case strings.HasSuffix(p, ".zst"):
		return Zstd
	default:
		return NoCompression
	}
}

// decompress sniffs the stream for a known compression header.
func decompress(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(zstdMagic))
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening gzip stream")
		}
		return gz, func() { gz.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening zstd stream")
		}
		return zr, zr.Close, nil
	default:
		return br, func() {}, nil
	}
}

// extractTar writes the regular files and directories of tr into fs.
// Entries that would escape the root are skipped.
func extractTar(tr *tar.Reader, fs billy.Filesystem) error {
	for {
		h, err := tr.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		name := path.Clean(strings.TrimPrefix(h.Name, "./"))
		skip := name == "." || path.IsAbs(name) || slices.Contains(strings.Split(name, "/"), "..")
		switch {
		case skip:
			continue
		case h.Typeflag == tar.TypeDir:
			if err := fs.MkdirAll(name, 0o755); err != nil {
				return err
			}
		case h.Typeflag == tar.TypeReg:
			f, err := fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.CopyN(f, tr, h.Size); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}

// LoadArchive reads a packaged archive, which may be gzip or zstd compressed.
func LoadArchive(ctx context.Context, r io.Reader, opts ...Option) (*ProvLog, *Report, error) {
	dr, done, err := decompress(r)
	if err != nil {
		return nil, nil, corrupt(err)
	}
	defer done()
	fs := memfs.New()
	if err := extractTar(tar.NewReader(dr), fs); err != nil {
		return nil, nil, corrupt(errors.Wrap(err, "extracting archive"))
	}
	return LoadFS(ctx, fs, opts...)
}

// tarWriter adds entries with fixed metadata so archives are reproducible.
type tarWriter struct {
	*tar.Writer
}

func (w tarWriter) file(name string, b []byte) error {
	if err := w.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(b)),
		Format:   tar.FormatPAX,
	}); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func (w tarWriter) dir(name string) error {
	return w.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name + "/",
		Mode:     0o755,
		Format:   tar.FormatPAX,
	})
}

// WriteArchive writes l to w in the packaged form.
func WriteArchive(w io.Writer, l *ProvLog, c Compression) (err error) {
	var out io.WriteCloser
	switch c {
	case Gzip:
		out = gzip.NewWriter(w)
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		out = zw
	default:
		out = nopWriteCloser{w}
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	tw := tarWriter{tar.NewWriter(out)}
	if err := writeEntries(tw, l); err != nil {
		return err
	}
	return tw.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func writeEntries(tw tarWriter, l *ProvLog) error {
	if err := tw.dir(InfoDir); err != nil {
		return err
	}
	if err := tw.file(TraceIDFile, []byte(l.ID)); err != nil {
		return err
	}
	if l.Host != nil {
		if err := tw.file(HostNameFile, []byte(l.Host.Name)); err != nil {
			return err
		}
		if err := tw.file(HostIDFile, []byte(strconv.FormatUint(l.Host.ID, 16))); err != nil {
			return err
		}
	}
	if l.HasSnapshots {
		if err := tw.file(CopyFilesMarker, nil); err != nil {
			return err
		}
		if err := tw.dir(InodesDir); err != nil {
			return err
		}
		names := make(map[string]InodeVersionKey, len(l.Snapshots))
		for k := range l.Snapshots {
			names[SnapshotName(k)] = k
		}
		for _, name := range slices.Sorted(maps.Keys(names)) {
			if err := tw.file(path.Join(InodesDir, name), l.Snapshots[names[name]]); err != nil {
				return err
			}
		}
	}
	if err := tw.dir(PidsDir); err != nil {
		return err
	}
	for k, th := range l.Threads() {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, op := range th.Ops {
			if err := enc.Encode(op); err != nil {
				return errors.Wrapf(err, "encoding %v", k)
			}
		}
		name := path.Join(PidsDir, strconv.Itoa(int(k.PID)), strconv.FormatUint(uint64(k.Epoch), 10), strconv.Itoa(int(k.TID)))
		if err := tw.file(name, buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}
