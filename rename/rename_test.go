// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rename

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeAllMatchesTheLiteralScenario(t *testing.T) {
	got := SanitizeAll([]string{"ok", "bad name", "for", ""})
	require.Equal(t, []string{"ok", "unknown_0", "unknown_1", "unknown_2"}, got)
}

func TestSanitizeKeepsPlainIdentifiers(t *testing.T) {
	require.Equal(t, "counter", Sanitize("counter"))
}

func TestSanitizeIsIdempotent(t *testing.T) {
	once := Sanitize("bad!name")
	twice := Sanitize(once)
	require.Equal(t, once, twice)
}

func TestSanitizeRejectsEveryKeyword(t *testing.T) {
	for _, kw := range []string{"assert", "in", "continue", "break", "for",
		"def", "as", "elif", "else", "from", "global", "if", "import", "is",
		"lambda", "not", "or", "pass", "print", "return", "while", "with"} {
		got := Sanitize(kw)
		require.Contains(t, got, "unknown_")
	}
}

func TestApplyPrefixesRealNameFromFuncNameTag(t *testing.T) {
	funcNames := map[string]string{"obf.py_<module>": "decode_payload"}
	require.Equal(t, "decode_payload_<module>", Apply("obf.py", "<module>", funcNames))
}

func TestApplyFallsBackToSanitizeWithoutATag(t *testing.T) {
	require.Equal(t, "helper", Apply("obf.py", "helper", nil))
}
