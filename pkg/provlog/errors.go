// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package provlog

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrTraceCorruption marks a trace that violates the capture format.
var ErrTraceCorruption = errors.New("trace corruption")

// corruption wraps a format violation so that it matches both
// ErrTraceCorruption and the underlying cause.
type corruption struct {
	err error
}

func (c *corruption) Error() string        { return "trace corruption: " + c.err.Error() }
func (c *corruption) Unwrap() error        { return c.err }
func (c *corruption) Is(target error) bool { return target == ErrTraceCorruption }

func corrupt(err error) error {
	if err == nil || errors.Is(err, ErrTraceCorruption) {
		return err
	}
	return &corruption{err: err}
}

// ThreadError is a corruption confined to one thread.
type ThreadError struct {
	Thread ThreadKey
	Err    error
}

func (e *ThreadError) Error() string { return fmt.Sprintf("%v: %v", e.Thread, e.Err) }
func (e *ThreadError) Unwrap() error { return e.Err }

// WarningKind classifies recoverable anomalies.
type WarningKind int

const (
	// IncompleteCapture means the trace ends early or lacks an expected part.
	IncompleteCapture WarningKind = iota
	// CycleSuppressed means an edge was left out because it would close a cycle.
	CycleSuppressed
)

func (k WarningKind) String() string {
	switch k {
	case IncompleteCapture:
		return "IncompleteCapture"
	case CycleSuppressed:
		return "CycleSuppressed"
	default:
		return fmt.Sprintf("WarningKind(%d)", int(k))
	}
}

// MarshalText renders the kind by name.
func (k WarningKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Warning is a recoverable anomaly found while loading or analysing a trace.
type Warning struct {
	Kind    WarningKind
	Where   string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%v at %s: %s", w.Kind, w.Where, w.Message)
}

// Report describes what a load skipped or could not fully read.
type Report struct {
	Warnings []Warning
	// Dropped lists threads left out because they were corrupt.
	Dropped []*ThreadError
	// Partial is set when the load was cancelled before it finished.
	Partial bool
}
