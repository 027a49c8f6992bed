// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-interpreter/pydeobf/marshal"
	"github.com/go-interpreter/pydeobf/opcode"
)

func intCell(v int64, offsets ...int) Cell {
	return KnownCell(marshal.NewIntFromInt64(v), NewProvenance(offsets...))
}

func TestBinaryIntOps(t *testing.T) {
	for _, tc := range []struct {
		op   opcode.Op
		a, b int64
		want int64
	}{
		{opcode.BinaryAdd, 3, 4, 7},
		{opcode.BinarySubtract, 10, 3, 7},
		{opcode.BinaryMultiply, 6, 7, 42},
		{opcode.BinaryLshift, 1, 4, 16},
		{opcode.InplaceAdd, 1, 1, 2},
	} {
		t.Run(fmt.Sprintf("%s(%d,%d)", tc.op.Name(), tc.a, tc.b), func(t *testing.T) {
			m := New(nil, nil, nil, nil)
			m.push(intCell(tc.a, 0))
			m.push(intCell(tc.b, 1))
			require.NoError(t, m.Step(opcode.Instruction{Op: tc.op}, 2))
			top, ok := m.pop()
			require.True(t, ok)
			require.True(t, top.Value.Known)
			require.Equal(t, tc.want, top.Value.Const.Int.Int64())
			require.True(t, top.Provenance.Has(0))
			require.True(t, top.Provenance.Has(1))
			require.True(t, top.Provenance.Has(2))
		})
	}
}

func TestBinaryAddStrings(t *testing.T) {
	m := New(nil, nil, nil, nil)
	m.push(KnownCell(marshal.NewStr([]byte("foo")), NewProvenance(0)))
	m.push(KnownCell(marshal.NewStr([]byte("bar")), NewProvenance(1)))
	require.NoError(t, m.Step(opcode.Instruction{Op: opcode.BinaryAdd}, 2))
	top, ok := m.pop()
	require.True(t, ok)
	require.Equal(t, "foobar", string(top.Value.Const.Str))
}

func TestCompareOpLessThan(t *testing.T) {
	m := New(nil, nil, nil, nil)
	m.push(intCell(1))
	m.push(intCell(2))
	require.NoError(t, m.Step(opcode.Instruction{Op: opcode.CompareOp, Arg: cmpLess}, 3))
	top, ok := m.pop()
	require.True(t, ok)
	require.True(t, top.Value.Known)
	require.True(t, top.Value.Const.Bool)
}

func TestUnknownOperandPropagates(t *testing.T) {
	m := New(nil, nil, nil, nil)
	m.push(UnknownCell(NewProvenance(0)))
	m.push(intCell(2, 1))
	require.NoError(t, m.Step(opcode.Instruction{Op: opcode.BinaryAdd}, 2))
	top, ok := m.pop()
	require.True(t, ok)
	require.False(t, top.Value.Known)
	require.True(t, top.Provenance.Has(0))
	require.True(t, top.Provenance.Has(1))
	require.True(t, top.Provenance.Has(2))
}

func TestLoadConstPushesKnownCellWithProvenance(t *testing.T) {
	m := New([]marshal.Const{marshal.NewIntFromInt64(99)}, nil, nil, nil)
	require.NoError(t, m.Step(opcode.Instruction{Op: opcode.LoadConst, Arg: 0}, 5))
	top, ok := m.pop()
	require.True(t, ok)
	require.Equal(t, "99", top.Value.Const.Int.String())
	require.True(t, top.Provenance.Has(5))
}

func TestLoadFastUnboundProducesPlaceholderNotConstProvenance(t *testing.T) {
	m := New(nil, nil, []string{"x"}, nil)
	require.NoError(t, m.Step(opcode.Instruction{Op: opcode.LoadFast, Arg: 0}, 0))
	top, ok := m.pop()
	require.True(t, ok)
	require.True(t, top.Value.Known)
	require.Equal(t, "x", string(top.Value.Const.Str))
}

func TestLoadGlobalIsAlwaysUnknown(t *testing.T) {
	m := New(nil, nil, nil, nil)
	require.NoError(t, m.Step(opcode.Instruction{Op: opcode.LoadGlobal}, 0))
	top, ok := m.pop()
	require.True(t, ok)
	require.False(t, top.Value.Known)
}

func TestPopJumpIfFalseSetsLastPredicate(t *testing.T) {
	m := New(nil, nil, nil, nil)
	m.push(KnownCell(marshal.NewBool(true), NewProvenance(0)))
	require.NoError(t, m.Step(opcode.Instruction{Op: opcode.PopJumpIfFalse, Arg: 10}, 1))
	require.True(t, m.LastPredicate.Value.Known)
	require.True(t, m.LastPredicate.Value.Const.Bool)
	require.True(t, m.LastPredicate.Provenance.Has(0))
	require.True(t, m.LastPredicate.Provenance.Has(1))
}

func TestForIterConsumesOneByteAndReportsNotExhausted(t *testing.T) {
	m := New(nil, nil, nil, nil)
	m.push(KnownCell(marshal.NewStr([]byte("ab")), NewProvenance(0)))
	require.NoError(t, m.Step(opcode.Instruction{Op: opcode.ForIter, Arg: 20}, 1))
	require.True(t, m.LastPredicate.Value.Known)
	require.True(t, m.LastPredicate.Value.Const.Bool)
	top, ok := m.pop()
	require.True(t, ok)
	require.Equal(t, int64('a'), top.Value.Const.Int.Int64())
	rest, ok := m.pop()
	require.True(t, ok)
	require.Equal(t, "b", string(rest.Value.Const.Str))
}

func TestForIterExhaustedReportsFalse(t *testing.T) {
	m := New(nil, nil, nil, nil)
	m.push(KnownCell(marshal.NewStr(nil), NewProvenance(0)))
	require.NoError(t, m.Step(opcode.Instruction{Op: opcode.ForIter, Arg: 20}, 1))
	require.True(t, m.LastPredicate.Value.Known)
	require.False(t, m.LastPredicate.Value.Const.Bool)
	require.Empty(t, m.Stack())
}

func TestBuildTupleAllKnown(t *testing.T) {
	m := New(nil, nil, nil, nil)
	m.push(intCell(1, 0))
	m.push(intCell(2, 1))
	require.NoError(t, m.Step(opcode.Instruction{Op: opcode.BuildTuple, Arg: 2}, 2))
	top, ok := m.pop()
	require.True(t, ok)
	require.Equal(t, marshal.KindTuple, top.Value.Const.Kind)
	require.Len(t, top.Value.Const.Tuple, 2)
}

func TestUnpackSequenceKnownTuple(t *testing.T) {
	m := New(nil, nil, nil, nil)
	tup := marshal.NewTuple([]marshal.Const{marshal.NewIntFromInt64(1), marshal.NewIntFromInt64(2)})
	m.push(KnownCell(tup, NewProvenance(0)))
	require.NoError(t, m.Step(opcode.Instruction{Op: opcode.UnpackSequence, Arg: 2}, 1))
	require.Len(t, m.Stack(), 2)
	first, _ := m.pop()
	require.Equal(t, "1", first.Value.Const.Int.String())
}

func TestListAppendBuildsStringAccumulator(t *testing.T) {
	m := New(nil, nil, nil, nil)
	m.push(KnownCell(marshal.NewStr([]byte("a")), NewProvenance(0))) // accumulator
	m.push(intCell(int64('b'), 1))
	require.NoError(t, m.Step(opcode.Instruction{Op: opcode.ListAppend, Arg: 1}, 2))
	require.Len(t, m.Stack(), 1)
	acc := m.Stack()[0]
	require.Equal(t, "ab", string(acc.Value.Const.Str))
}

func TestCallFunctionInvokesResolver(t *testing.T) {
	var gotName string
	var gotArgs []Cell
	resolve := func(name string, args []Cell) (Cell, error) {
		gotName = name
		gotArgs = args
		return KnownCell(marshal.NewIntFromInt64(int64('a')), NewProvenance()), nil
	}
	m := New(nil, nil, nil, resolve)
	m.push(KnownCell(marshal.NewStr([]byte("chr")), NewProvenance(0))) // callee
	m.push(intCell(97, 1))
	require.NoError(t, m.Step(opcode.Instruction{Op: opcode.CallFunction, Arg: 1}, 2))
	require.Equal(t, "chr", gotName)
	require.Len(t, gotArgs, 1)
	top, ok := m.pop()
	require.True(t, ok)
	require.Equal(t, int64('a'), top.Value.Const.Int.Int64())
}

func TestCallFunctionWithoutResolverIsUnsupported(t *testing.T) {
	m := New(nil, nil, nil, nil)
	m.push(KnownCell(marshal.NewStr([]byte("chr")), NewProvenance(0)))
	err := m.Step(opcode.Instruction{Op: opcode.CallFunction, Arg: 0}, 1)
	var uoe *UnsupportedOpcodeError
	require.ErrorAs(t, err, &uoe)
}

func TestStepUnsupportedOpcode(t *testing.T) {
	m := New(nil, nil, nil, nil)
	err := m.Step(opcode.Instruction{Op: opcode.SetupLoop}, 0)
	var uoe *UnsupportedOpcodeError
	require.ErrorAs(t, err, &uoe)
}

func TestProvenanceUnionDoesNotMutateInputs(t *testing.T) {
	a := NewProvenance(1, 2)
	b := NewProvenance(3)
	u := a.Union(b)
	require.True(t, u.Has(1))
	require.True(t, u.Has(3))
	require.False(t, a.Has(3))
}
