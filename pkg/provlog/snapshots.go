// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provlog

import (
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"
)

// SnapshotName returns the file name a snapshot of k is stored under: the
// key's fields in hex, joined by dashes.
func SnapshotName(k InodeVersionKey) string {
	fields := []uint64{
		uint64(k.DeviceMajor),
		uint64(k.DeviceMinor),
		k.Inode,
		uint64(k.MtimeSec),
		uint64(k.MtimeNsec),
		k.Size,
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = strconv.FormatUint(f, 16)
	}
	return strings.Join(parts, "-")
}

// ParseSnapshotName is the inverse of SnapshotName.
func ParseSnapshotName(name string) (InodeVersionKey, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 6 {
		return InodeVersionKey{}, errors.Errorf("snapshot name %q: want 6 fields, got %d", name, len(parts))
	}
	var vals [6]uint64
	bits := [6]int{32, 32, 64, 64, 32, 64}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, bits[i])
		if err != nil {
			return InodeVersionKey{}, errors.Wrapf(err, "snapshot name %q", name)
		}
		vals[i] = v
	}
	return InodeVersionKey{
		InodeKey: InodeKey{
			DeviceMajor: uint32(vals[0]),
			DeviceMinor: uint32(vals[1]),
			Inode:       vals[2],
		},
		MtimeSec:  int64(vals[3]),
		MtimeNsec: uint32(vals[4]),
		Size:      vals[5],
	}, nil
}

// loadSnapshots reads inodes/ when the capture was made in copy-files mode.
func (l *loader) loadSnapshots() error {
	if _, err := l.fs.Stat(CopyFilesMarker); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "reading %s", CopyFilesMarker)
	}
	l.log.HasSnapshots = true
	entries, err := l.fs.ReadDir(InodesDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "listing %s", InodesDir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		k, err := ParseSnapshotName(e.Name())
		if err != nil {
			return corrupt(err)
		}
		b, err := util.ReadFile(l.fs, path.Join(InodesDir, e.Name()))
		if err != nil {
			return errors.Wrapf(err, "reading snapshot %s", e.Name())
		}
		l.log.Snapshots[k] = b
	}
	return nil
}
