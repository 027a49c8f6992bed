// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vm implements the Small VM described in spec.md §4.3: an
// abstract interpreter that threads a (value, provenance) pair through a
// linear sequence of instructions, used by the cfg package to decide
// whether a conditional jump's predicate is statically constant.
//
// It is grounded on the teacher's exec.VM: a typed stack plus a typed
// locals slice (exec/vm.go's context{stack []uint64, locals []uint64}),
// driven by a per-opcode dispatch table (exec/vm.go's funcTable[256]). The
// cells here carry a (VmValue, ProvenanceSet) pair instead of a raw
// uint64, and the dispatch table is keyed by opcode.Op directly rather
// than indexed by byte, since only a sparse subset of the 256-opcode space
// is ever produced by the obfuscator this tool targets.
package vm

import (
	"github.com/davecgh/go-spew/spew"

	"github.com/go-interpreter/pydeobf/marshal"
)

// ProvenanceSet is the set of original instruction offsets that
// contributed to a cell's current value. It is a value-typed set (not a
// graph of cell references) precisely so it can be unioned without ever
// forming a cycle — see spec.md §9, "Provenance tracking without cycles".
type ProvenanceSet map[int]struct{}

// NewProvenance builds a ProvenanceSet seeded with the given offsets.
func NewProvenance(offsets ...int) ProvenanceSet {
	s := make(ProvenanceSet, len(offsets))
	for _, o := range offsets {
		s[o] = struct{}{}
	}
	return s
}

// Union returns a new set containing every offset in s or any of others,
// leaving all inputs unmodified.
func (s ProvenanceSet) Union(others ...ProvenanceSet) ProvenanceSet {
	out := make(ProvenanceSet, len(s))
	for o := range s {
		out[o] = struct{}{}
	}
	for _, other := range others {
		for o := range other {
			out[o] = struct{}{}
		}
	}
	return out
}

// With returns a new set equal to s plus offset.
func (s ProvenanceSet) With(offset int) ProvenanceSet {
	return s.Union(NewProvenance(offset))
}

// Has reports whether offset is a member.
func (s ProvenanceSet) Has(offset int) bool {
	_, ok := s[offset]
	return ok
}

// VmValue is either a fully-known constant or the "unknown" placeholder.
type VmValue struct {
	Known bool
	Const marshal.Const
}

// Unknown is the VmValue for a value the VM could not resolve statically.
func Unknown() VmValue { return VmValue{} }

// KnownValue wraps c as a fully-known VmValue.
func KnownValue(c marshal.Const) VmValue { return VmValue{Known: true, Const: c} }

// Cell is one stack/var/name slot: a value paired with the set of
// instruction offsets that produced it.
type Cell struct {
	Value      VmValue
	Provenance ProvenanceSet
}

// UnknownCell builds an unknown Cell with the given provenance.
func UnknownCell(p ProvenanceSet) Cell {
	return Cell{Value: Unknown(), Provenance: p}
}

// KnownCell builds a known Cell with the given provenance.
func KnownCell(c marshal.Const, p ProvenanceSet) Cell {
	return Cell{Value: KnownValue(c), Provenance: p}
}

// DebugString renders a Cell for -v trace output. Const values nest
// List/Set/Dict cells behind pointers, so a plain %+v prints addresses
// instead of contents; spew.Sdump walks through them.
func (c Cell) DebugString() string {
	return spew.Sdump(c)
}
