// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package walker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-interpreter/pydeobf/marshal"
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

func TestWalkLinearCode(t *testing.T) {
	code := concat(
		enc(opcode.LoadConst, 0),
		enc(opcode.ReturnValue),
	)
	res := Walk(code, nil, nil)
	require.Equal(t, []int{0, 3}, res.Order)
	require.False(t, res.Instrs[0].Bad)
	require.False(t, res.Instrs[3].Bad)
}

func TestWalkChainedUnconditionalJumps(t *testing.T) {
	// 0: JUMP_FORWARD -> 6
	// 3: garbage (never walked, since the jump at 0 skips it)
	// 6: JUMP_ABSOLUTE -> 9
	// 9: RETURN_VALUE
	code := concat(
		enc(opcode.JumpForward, 3), // target = nextSeq(3) + 3 = 6
		[]byte{0xff, 0xff, 0xff},
		enc(opcode.JumpAbsolute, 9),
		enc(opcode.ReturnValue),
	)
	res := Walk(code, nil, nil)
	require.Equal(t, []int{0, 6, 9}, res.Order)
	require.NotContains(t, res.Instrs, 3)
}

func TestWalkTruthyConstConditionFollowsOnlyTakenEdge(t *testing.T) {
	// LOAD_CONST 0 (True); POP_JUMP_IF_FALSE 10: a true TOS never jumps, so
	// the fallthrough at offset 6 is the only live branch.
	consts := []marshal.Const{marshal.NewBool(true)}
	code := concat(
		enc(opcode.LoadConst, 0),
		enc(opcode.PopJumpIfFalse, 10),
		enc(opcode.ReturnValue), // offset 6, live (fallthrough)
		[]byte{0, 0, 0},         // padding up to offset 10
		enc(opcode.ReturnValue), // offset 10, dead (never-taken jump target)
	)
	res := Walk(code, consts, nil)
	require.Contains(t, res.Instrs, 0)
	require.Contains(t, res.Instrs, 3)
	require.Contains(t, res.Instrs, 6)
	require.NotContains(t, res.Instrs, 10)
}

func TestWalkFalsyConstConditionFollowsTakenJump(t *testing.T) {
	// A false TOS always jumps, so the target at offset 9 is the only
	// live branch and the fallthrough at offset 6 is dead.
	consts := []marshal.Const{marshal.NewBool(false)}
	code := concat(
		enc(opcode.LoadConst, 0),
		enc(opcode.PopJumpIfFalse, 9),
		enc(opcode.ReturnValue), // offset 6, dead (fallthrough never reached)
		[]byte{0, 0},
		enc(opcode.ReturnValue), // offset 9, live (jump target)
	)
	res := Walk(code, consts, nil)
	require.Contains(t, res.Instrs, 9)
	require.NotContains(t, res.Instrs, 6)
}

func TestWalkWithoutConstsFollowsBothEdges(t *testing.T) {
	code := concat(
		enc(opcode.LoadConst, 0),
		enc(opcode.PopJumpIfFalse, 9),
		enc(opcode.ReturnValue), // offset 6
		[]byte{0, 0},
		enc(opcode.ReturnValue), // offset 9
	)
	res := Walk(code, nil, nil)
	require.Contains(t, res.Instrs, 6)
	require.Contains(t, res.Instrs, 9)
}

func TestWalkToleratesBadBytes(t *testing.T) {
	code := []byte{0xfe, byte(opcode.ReturnValue)}
	res := Walk(code, nil, nil)
	require.True(t, res.Instrs[0].Bad)
	require.NotContains(t, res.Instrs, 1)
}

func TestWalkCallbackBreakStopsTraversal(t *testing.T) {
	code := concat(
		enc(opcode.LoadConst, 0),
		enc(opcode.ReturnValue),
	)
	seen := 0
	res := Walk(code, nil, func(instr opcode.Instruction, offset int) Decision {
		seen++
		return Decision{Action: Break}
	})
	require.Equal(t, 1, seen)
	require.Equal(t, []int{0}, res.Order)
}

func TestWalkCallbackJumpToReprioritizes(t *testing.T) {
	code := concat(
		enc(opcode.LoadConst, 0), // offset 0
		enc(opcode.ReturnValue),  // offset 3
		enc(opcode.ReturnValue),  // offset 4, only reachable via JumpTo
	)
	jumped := false
	res := Walk(code, nil, func(instr opcode.Instruction, offset int) Decision {
		if offset == 0 && !jumped {
			jumped = true
			return Decision{Action: JumpTo, Target: 4}
		}
		return Decision{Action: Continue}
	})
	require.Contains(t, res.Instrs, 4)
	require.Contains(t, res.Instrs, 0)
}

func TestWalkCallbackAssumeComparisonOverridesBranch(t *testing.T) {
	code := concat(
		enc(opcode.LoadFast, 0),      // offset 0: ordinary, not LOAD_CONST
		enc(opcode.PopJumpIfTrue, 9), // offset 3
		enc(opcode.ReturnValue),      // offset 6, fallthrough
		[]byte{0, 0},
		enc(opcode.ReturnValue), // offset 9, taken-branch target
	)
	res := Walk(code, nil, func(instr opcode.Instruction, offset int) Decision {
		if instr.Op == opcode.LoadFast {
			return Decision{Action: AssumeComparison, AssumedOutcome: true}
		}
		return Decision{Action: Continue}
	})
	require.Contains(t, res.Instrs, 9)
	require.NotContains(t, res.Instrs, 6)
}

func TestWalkTerminatorHasNoFallthrough(t *testing.T) {
	code := concat(
		enc(opcode.ReturnValue),
		enc(opcode.ReturnValue),
	)
	res := Walk(code, nil, nil)
	require.Equal(t, []int{0}, res.Order)
}
