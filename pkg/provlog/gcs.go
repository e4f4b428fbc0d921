// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provlog

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
)

// GetGCSClient returns the shared GCS client used for gs:// traces.
var GetGCSClient = sync.OnceValues(func() (*storage.Client, error) {
	return storage.NewGRPCClient(context.Background())
})

func parseGCSPath(fpath string) (bucket, object string, err error) {
	if !strings.HasPrefix(fpath, "gs://") {
		return "", "", errors.Errorf("invalid GCS path: %s", fpath)
	}
	parts := strings.SplitN(strings.TrimPrefix(fpath, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("invalid GCS path: %s", fpath)
	}
	return parts[0], parts[1], nil
}

type bufferedReadCloser struct {
	*bufio.Reader
	io.Closer
}

func readFromGCS(ctx context.Context, fpath string) (io.ReadCloser, error) {
	bucket, object, err := parseGCSPath(strings.TrimSuffix(fpath, "/"))
	if err != nil {
		return nil, err
	}
	client, err := GetGCSClient()
	if err != nil {
		return nil, err
	}
	obj, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return &bufferedReadCloser{bufio.NewReader(obj), obj}, nil
}

// WriteArchiveGCS writes l as a packaged archive to a gs:// object.
func WriteArchiveGCS(ctx context.Context, fpath string, l *ProvLog) error {
	bucket, object, err := parseGCSPath(fpath)
	if err != nil {
		return err
	}
	client, err := GetGCSClient()
	if err != nil {
		return err
	}
	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	if err := WriteArchive(w, l, CompressionFor(object)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
