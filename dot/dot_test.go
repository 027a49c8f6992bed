// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dot

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-interpreter/pydeobf/cfg"
	"github.com/go-interpreter/pydeobf/opcode"
)

func buildSample(t *testing.T) *cfg.Graph {
	t.Helper()
	code := []byte{
		byte(opcode.LoadFast), 0, 0,
		byte(opcode.PopJumpIfFalse), 9, 0,
		byte(opcode.ReturnValue),
		0, 0,
		byte(opcode.ReturnValue),
	}
	g, err := cfg.Build(code, nil)
	require.NoError(t, err)
	return g
}

func TestRenderIncludesEveryBlockAndLabeledEdge(t *testing.T) {
	g := buildSample(t)
	out := Render(g)
	require.Contains(t, out, "digraph")
	for id := range g.Blocks {
		require.Contains(t, out, "b"+strconv.Itoa(int(id)))
	}
	require.Contains(t, out, "true")
	require.Contains(t, out, "false")
}

func TestDumpCyclesFilenameSuffixAndWritesToDisk(t *testing.T) {
	dir := t.TempDir()
	d := Dumper{Dir: dir}
	g := buildSample(t)

	first, err := d.Dump(g, "postjoin")
	require.NoError(t, err)
	second, err := d.Dump(g, "postjoin")
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.Equal(t, dir, filepath.Dir(first))

	contents, err := os.ReadFile(first)
	require.NoError(t, err)
	require.Contains(t, string(contents), "digraph")
}
