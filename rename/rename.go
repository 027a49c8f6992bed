// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rename implements the name sanitization contract of spec.md §6:
// the collaborator-facing routine that turns an obfuscator-mangled
// identifier into something a decompiler or human reader can use,
// independent of the core bytecode rewrite.
package rename

import (
	"strconv"
	"strings"

	"github.com/go-interpreter/pydeobf/internal/telemetry"
)

// keywords is the Python 2.7 reserved-word set spec.md §6 lists verbatim.
var keywords = map[string]bool{
	"assert": true, "in": true, "continue": true, "break": true, "for": true,
	"def": true, "as": true, "elif": true, "else": true, "from": true,
	"global": true, "if": true, "import": true, "is": true, "lambda": true,
	"not": true, "or": true, "pass": true, "print": true, "return": true,
	"while": true, "with": true,
}

const forbidden = `=!@#$%^&*()"'/,. `

// Sanitize strips surrounding whitespace from name and, if the result
// contains any forbidden character or is a Python keyword, replaces it
// with "unknown_<n>" drawn from telemetry.UnknownNames. Sanitize is
// idempotent: a name that already passed through Sanitize never contains
// a forbidden character or keyword, so a second call returns it unchanged.
func Sanitize(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" && !strings.ContainsAny(trimmed, forbidden) && !keywords[trimmed] {
		return trimmed
	}
	return unknownName()
}

func unknownName() string {
	return "unknown_" + strconv.FormatUint(telemetry.UnknownNames.Next(), 10)
}

// SanitizeAll sanitizes a slice of names in order, so that the assigned
// "unknown_<n>" suffixes are stable and reproducible for a given input
// slice processed in isolation.
func SanitizeAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = Sanitize(n)
	}
	return out
}

// Apply resolves the final name for a code object given the
// "{filename}_{name}" → real_name mapping RemoveConstConditions produced
// for that same code object (spec.md §4.6): if present, the real name
// is prefixed onto the code object's own co_name; otherwise the co_name is
// sanitized on its own.
func Apply(filename, coName string, funcNames map[string]string) string {
	key := filename + "_" + coName
	if real, ok := funcNames[key]; ok {
		return real + "_" + coName
	}
	return Sanitize(coName)
}
