// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"github.com/go-interpreter/pydeobf/marshal"
	"github.com/go-interpreter/pydeobf/opcode"
)

// ResolveFunc is a caller-supplied hook for CALL_FUNCTION, mirroring the
// teacher's wasm.ResolveFunc (used there to resolve imported WASM
// functions by name) — same shape, a name plus arguments in, a single
// result out, different payload.
type ResolveFunc func(name string, args []Cell) (Cell, error)

// VM is the Small VM of spec.md §4.3: a stack of cells, a map from
// local-slot index to cell, and a map from name to cell, all starting
// empty for every analysis. A VM is always run along a single linear,
// acyclic path and discarded afterward — it holds no state across
// unrelated blocks.
type VM struct {
	// Consts is the code object's constant pool, indexed by LOAD_CONST's
	// argument.
	Consts []marshal.Const
	// Names is the code object's Names table, indexed by the argument of
	// LOAD_NAME/STORE_NAME/IMPORT_NAME/IMPORT_FROM/LOAD_GLOBAL/LOAD_ATTR.
	Names []string
	// VarNames is the code object's VarNames table, indexed by the
	// argument of LOAD_FAST/STORE_FAST.
	VarNames []string
	// Resolve handles CALL_FUNCTION. A nil Resolve makes any
	// CALL_FUNCTION fail with UnsupportedOpcodeError.
	Resolve ResolveFunc

	stack []Cell
	vars  map[int]Cell
	names map[string]Cell

	// LastPredicate holds the cell consumed by the most recently executed
	// conditional-jump-class instruction (POP_JUMP_IF_*, JUMP_IF_*_OR_POP,
	// FOR_ITER). The cfg package reads this after driving the VM to the
	// end of an acyclic path ending in a conditional jump, per spec.md
	// §4.6.
	LastPredicate Cell
}

// New builds a VM with empty stack/vars/names, ready to analyze one linear
// instruction sequence.
func New(consts []marshal.Const, names, varnames []string, resolve ResolveFunc) *VM {
	return &VM{
		Consts:   consts,
		Names:    names,
		VarNames: varnames,
		Resolve:  resolve,
		vars:     make(map[int]Cell),
		names:    make(map[string]Cell),
	}
}

// Stack exposes the current stack depth for callers that want to inspect
// the final result of a run (e.g. the top-of-stack cell after analyzing a
// straight-line sequence with no trailing conditional jump).
func (m *VM) Stack() []Cell { return m.stack }

func (m *VM) push(c Cell) { m.stack = append(m.stack, c) }

func (m *VM) pop() (Cell, bool) {
	if len(m.stack) == 0 {
		return Cell{}, false
	}
	c := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return c, true
}

func (m *VM) peek() (Cell, bool) {
	if len(m.stack) == 0 {
		return Cell{}, false
	}
	return m.stack[len(m.stack)-1], true
}

// popN pops n cells, returning them in original (bottom-to-top) stack
// order. ok is false if the stack underflowed.
func (m *VM) popN(n int) ([]Cell, bool) {
	if len(m.stack) < n {
		return nil, false
	}
	out := make([]Cell, n)
	copy(out, m.stack[len(m.stack)-n:])
	m.stack = m.stack[:len(m.stack)-n]
	return out, true
}

func unionAll(cells []Cell, extra ...int) ProvenanceSet {
	sets := make([]ProvenanceSet, 0, len(cells))
	for _, c := range cells {
		sets = append(sets, c.Provenance)
	}
	out := ProvenanceSet{}.Union(sets...)
	for _, o := range extra {
		out = out.With(o)
	}
	return out
}

// Step executes one instruction, mutating the VM's stack/vars/names.
// offset is the instruction's original byte offset, recorded into the
// provenance of whatever cell it produces.
func (m *VM) Step(instr opcode.Instruction, offset int) error {
	h, ok := handlers[instr.Op]
	if !ok {
		return &UnsupportedOpcodeError{Offset: offset, Op: instr.Op}
	}
	return h(m, instr, offset)
}
