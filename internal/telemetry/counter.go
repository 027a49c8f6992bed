// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package telemetry provides the process-wide monotonic counters used for
// statistics and identifier generation across pydeobf. Counters carry no
// correctness weight; they exist purely for observability and for
// generating unique suffixes (dumped .dot files, sanitized names).
package telemetry

import "sync/atomic"

// Counter is a process-wide monotonic counter, safe for concurrent use.
// Increments use relaxed (unordered) atomic semantics: callers must not
// rely on a Counter to establish happens-before relationships with other
// state.
type Counter struct {
	n atomic.Uint64
}

// Next returns the next value in the sequence, starting at 0.
func (c *Counter) Next() uint64 {
	return c.n.Add(1) - 1
}

// Load returns the current value without advancing it.
func (c *Counter) Load() uint64 {
	return c.n.Load()
}

// FilesProcessed counts code objects that have been fully deobfuscated.
// It is bumped once, at the end of a successful Deobfuscate call.
var FilesProcessed Counter

// UnknownNames generates the "unknown_<n>" suffixes used by the name
// sanitization contract (see package rename).
var UnknownNames Counter

// DotDumps generates the cycling integer suffix for debug-artifact
// filenames (see package dot).
var DotDumps Counter
