// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package deobf

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

// TestDeobfuscateChainedUnconditionalJumps is the literal scenario from
// spec.md §8: a run of JUMP_ABSOLUTEs into a block whose opaque predicate
// (1 < 2) is always true should collapse to just the taken branch.
func TestDeobfuscateChainedUnconditionalJumps(t *testing.T) {
	code := concat(
		enc(opcode.JumpAbsolute, 3), // 0
		enc(opcode.JumpAbsolute, 6), // 3
		enc(opcode.LoadConst, 1),    // 6
		enc(opcode.LoadConst, 2),    // 9
		enc(opcode.CompareOp, 0),    // 12, '<'
		enc(opcode.PopJumpIfTrue, 22), // 15
		enc(opcode.LoadConst, 0),    // 18
		enc(opcode.ReturnValue),     // 21
		enc(opcode.LoadConst, 1),    // 22
		enc(opcode.ReturnValue),     // 25
	)
	co := &marshal.CodeObject{
		Code:   code,
		Consts: []marshal.Const{marshal.None, marshal.NewIntFromInt64(1), marshal.NewIntFromInt64(2)},
		Name:   "<module>", Filename: "chain.py",
	}

	res, err := Deobfuscate(co, Options{})
	require.NoError(t, err)
	require.Equal(t, concat(enc(opcode.LoadConst, 1), enc(opcode.ReturnValue)), res.NewBytecode)
}

// TestDeobfuscateOpaqueFalsePredicate is the literal scenario from spec.md
// §8: LOAD_CONST 0 (False); POP_JUMP_IF_TRUE never taken, so the dead
// block and the LOAD_CONST feeding it disappear, leaving only the
// fallthrough.
func TestDeobfuscateOpaqueFalsePredicate(t *testing.T) {
	// LOAD_CONST@0 (3 bytes) -> POP_JUMP_IF_TRUE@3 (3 bytes) -> next@6
	// fallthrough: LOAD_CONST@6 (3 bytes) -> RETURN_VALUE@9
	// taken (dead) target must be some offset after 9 holding garbage we
	// never reach; point it at offset 10 (one past RETURN_VALUE) holding a
	// second RETURN_VALUE so the graph stays well-formed.
	code := concat(
		enc(opcode.LoadConst, 0),      // 0
		enc(opcode.PopJumpIfTrue, 10), // 3
		enc(opcode.LoadConst, 1),      // 6, fallthrough (live)
		enc(opcode.ReturnValue),       // 9, live
		enc(opcode.ReturnValue),       // 10, dead (never-taken jump target)
	)
	co := &marshal.CodeObject{
		Code:   code,
		Consts: []marshal.Const{marshal.NewBool(false), marshal.NewIntFromInt64(7)},
		Name:   "<module>", Filename: "falsepred.py",
	}

	res, err := Deobfuscate(co, Options{})
	require.NoError(t, err)
	require.Equal(t, concat(enc(opcode.LoadConst, 1), enc(opcode.ReturnValue)), res.NewBytecode)
}

// TestDeobfuscateBadByteTolerance is the literal scenario from spec.md §8:
// an undefined opcode byte sits in a region only reachable by falling
// through a dead path, skipped over by an unconditional jump; the final
// output must contain no trace of it.
func TestDeobfuscateBadByteTolerance(t *testing.T) {
	code := concat(
		enc(opcode.JumpAbsolute, 4), // 0: skip the garbage byte at 3
		[]byte{0xfe},                // 3: undecodable, never reached
		enc(opcode.LoadConst, 0),    // 4
		enc(opcode.ReturnValue),     // 7
	)
	co := &marshal.CodeObject{
		Code:   code,
		Consts: []marshal.Const{marshal.NewIntFromInt64(42)},
		Name:   "<module>", Filename: "badbyte.py",
	}

	res, err := Deobfuscate(co, Options{})
	require.NoError(t, err)
	require.Equal(t, concat(enc(opcode.LoadConst, 0), enc(opcode.ReturnValue)), res.NewBytecode)
	require.NotContains(t, res.NewBytecode, byte(0xfe))
}

// TestDeobfuscateSurvivingPopJumpIfFalseKeepsBothBranchesReachable guards
// against a real-world (non-opaque) conditional surviving elimination, per
// spec.md §8 property #3: with an unknown predicate, POP_JUMP_IF_FALSE's
// true branch is the physical-fallthrough one, the mirror image of
// POP_JUMP_IF_TRUE that every other case in this file exercises. Getting
// that polarity wrong strands the true branch as unreachable dead code
// instead of leaving both branches intact.
func TestDeobfuscateSurvivingPopJumpIfFalseKeepsBothBranchesReachable(t *testing.T) {
	code := concat(
		enc(opcode.LoadFast, 0),        // 0: unknown predicate
		enc(opcode.PopJumpIfFalse, 10), // 3: false -> 10, true falls through
		enc(opcode.LoadConst, 0),       // 6: true branch
		enc(opcode.ReturnValue),        // 9
		enc(opcode.LoadConst, 1),       // 10: false branch
		enc(opcode.ReturnValue),        // 13
	)
	co := &marshal.CodeObject{
		Code:   code,
		Consts: []marshal.Const{marshal.NewIntFromInt64(1), marshal.NewIntFromInt64(2)},
		Name:   "<module>", Filename: "survive.py",
	}

	res, err := Deobfuscate(co, Options{})
	require.NoError(t, err)
	require.Equal(t, code, res.NewBytecode)
}

// TestDeobfuscateSelfTagsRealFunctionName covers the function-name-tagging
// idiom of spec.md §4.6: a string constant pushed and bound to a name right
// before it flows (via a reload of that same name) into an opaque
// predicate's comparison renames this same code object. The tag's
// LOAD_CONST/STORE_NAME pair only lands in the predicate's provenance
// because the reload hands the VM back the identical cell, so this is the
// narrowest bytecode shape that can trigger the idiom at all; the test
// checks the rename outcome, not the exact surviving instruction stream
// around the unrelated reload.
func TestDeobfuscateSelfTagsRealFunctionName(t *testing.T) {
	code := concat(
		enc(opcode.LoadConst, 0),     // 0: LOAD_CONST "decode_payload"
		enc(opcode.StoreName, 0),     // 3: STORE_NAME "decoy"
		enc(opcode.LoadName, 0),      // 6: LOAD_NAME "decoy" (reload)
		enc(opcode.LoadConst, 0),     // 9: LOAD_CONST "decode_payload" again
		enc(opcode.CompareOp, 2),     // 12: '=='
		enc(opcode.PopJumpIfTrue, 19), // 15: taken, since the strings match
		enc(opcode.ReturnValue),      // 18: dead fallthrough
		enc(opcode.LoadConst, 1),     // 19: live, jump target
		enc(opcode.ReturnValue),      // 22
	)
	co := &marshal.CodeObject{
		Code: code,
		Consts: []marshal.Const{
			marshal.NewStr([]byte("decode_payload")),
			marshal.NewIntFromInt64(42),
		},
		Names: []string{"decoy"},
		Name:  "xk92j", Filename: "tagged.py",
	}

	res, err := Deobfuscate(co, Options{})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"tagged.py_xk92j": "decode_payload"}, res.FunctionNames)
	require.Equal(t, "decode_payload_xk92j", res.CodeObject.Name)
}
