// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emit

import (
	"strings"
	"testing"

	"github.com/andreyvit/diff"
	"github.com/stretchr/testify/require"

	"github.com/go-interpreter/pydeobf/cfg"
	"github.com/go-interpreter/pydeobf/opcode"
)

func enc(op opcode.Op, arg ...uint16) []byte {
	if !op.HasArg() {
		return []byte{byte(op)}
	}
	a := uint16(0)
	if len(arg) > 0 {
		a = arg[0]
	}
	return []byte{byte(op), byte(a), byte(a >> 8)}
}

func concat(chunks ...[]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// decodeAll is a minimal standalone re-decoder used only to check
// invariant 1 of spec.md §8: it must not depend on walker or cfg, since
// those are the components under test.
func decodeAll(t *testing.T, code []byte) int {
	t.Helper()
	total := 0
	off := 0
	for off < len(code) {
		op := opcode.Op(code[off])
		require.True(t, opcode.Defined(op), "undecodable opcode 0x%x at offset %d", code[off], off)
		size := 1
		if op.HasArg() {
			size = 3
		}
		require.LessOrEqual(t, off+size, len(code), "truncated instruction at offset %d", off)
		total += size
		off += size
	}
	return total
}

// disassembleText re-decodes code into the same one-line-per-instruction
// form ParsedInstr.String() produces, independent of walker/cfg, for a
// readable golden comparison rather than a raw byte diff.
func disassembleText(t *testing.T, code []byte) string {
	t.Helper()
	var lines []string
	off := 0
	for off < len(code) {
		op := opcode.Op(code[off])
		require.True(t, opcode.Defined(op))
		instr := opcode.Instruction{Op: op}
		size := 1
		if op.HasArg() {
			instr.Arg = uint16(code[off+1]) | uint16(code[off+2])<<8
			size = 3
		}
		p := opcode.ParsedInstr{Offset: off, Instr: instr}
		lines = append(lines, p.String())
		off += size
	}
	return strings.Join(lines, "\n")
}

func TestBytecodeMatchesGoldenDisassemblyAfterJoin(t *testing.T) {
	chain := concat(
		enc(opcode.JumpAbsolute, 3),
		enc(opcode.JumpAbsolute, 6),
		enc(opcode.JumpAbsolute, 9),
		enc(opcode.ReturnValue),
	)
	g, err := cfg.Build(chain, nil)
	require.NoError(t, err)
	cfg.JoinBlocks(g)
	cfg.RecomputeOffsets(g)

	got := disassembleText(t, Bytecode(g))
	want := "0000 RETURN_VALUE"
	if got != want {
		t.Fatalf("disassembly mismatch:\n%s", diff.LineDiff(want, got))
	}
}

func TestBytecodeRoundTripsLinearBlock(t *testing.T) {
	code := concat(
		enc(opcode.LoadConst, 0),
		enc(opcode.ReturnValue),
	)
	g, err := cfg.Build(code, nil)
	require.NoError(t, err)

	out := Bytecode(g)
	require.Equal(t, code, out)
	require.Equal(t, len(out), decodeAll(t, out))
}

func TestBytecodePreservesRewrittenJumpTarget(t *testing.T) {
	// 0: LOAD_FAST 0
	// 3: POP_JUMP_IF_FALSE 9
	// 6: RETURN_VALUE (fallthrough)
	// 9: RETURN_VALUE (jump target)
	code := concat(
		enc(opcode.LoadFast, 0),
		enc(opcode.PopJumpIfFalse, 9),
		enc(opcode.ReturnValue),
		[]byte{0, 0},
		enc(opcode.ReturnValue),
	)
	g, err := cfg.Build(code, nil)
	require.NoError(t, err)

	cfg.RecomputeOffsets(g)

	out := Bytecode(g)
	decoded := decodeAll(t, out)
	require.Equal(t, len(out), decoded)
	// The two dead padding bytes are gone, so the jump target block now
	// starts at 7 and POP_JUMP_IF_FALSE's argument is rewritten to match.
	require.Equal(t, concat(
		enc(opcode.LoadFast, 0),
		enc(opcode.PopJumpIfFalse, 7),
		enc(opcode.ReturnValue),
		enc(opcode.ReturnValue),
	), out)
}

func TestBytecodeIsDeterministicAcrossRepeatedRuns(t *testing.T) {
	code := concat(
		enc(opcode.JumpAbsolute, 3),
		enc(opcode.JumpAbsolute, 6),
		enc(opcode.JumpAbsolute, 9),
		enc(opcode.ReturnValue),
	)
	g1, err := cfg.Build(code, nil)
	require.NoError(t, err)
	cfg.JoinBlocks(g1)
	cfg.RecomputeOffsets(g1)
	first := Bytecode(g1)

	g2, err := cfg.Build(code, nil)
	require.NoError(t, err)
	cfg.JoinBlocks(g2)
	cfg.RecomputeOffsets(g2)
	second := Bytecode(g2)

	require.Equal(t, first, second)
}

func TestBytecodeToleratesBadByteTruncatedBlock(t *testing.T) {
	// FixBadBlocks strips the trailing Bad entry during cfg.Build, so the
	// emitter only ever sees the valid prefix; confirm that prefix still
	// round-trips cleanly.
	code := concat(
		enc(opcode.LoadConst, 0),
		[]byte{0xfe},
	)
	g, err := cfg.Build(code, nil)
	require.NoError(t, err)

	out := Bytecode(g)
	require.Equal(t, enc(opcode.LoadConst, 0), out)
	require.Equal(t, len(out), decodeAll(t, out))
}
