// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cfg

import (
	"sort"

	"github.com/go-interpreter/pydeobf/opcode"
)

// EmissionOrder returns block IDs in the order the Emitter will lay them
// out: a depth-first walk from the root that always visits a block's
// physical-fallthrough successor (see physicalFallthroughLabel) before its
// other one, so that the common case (the original fallthrough survives
// unchanged) needs no rewriting. Blocks unreachable from the root by this
// walk (there should be none once PruneUnreachable has run) are appended
// afterward in ID order, purely so the function never silently drops a
// block.
func EmissionOrder(g *Graph) []BlockID {
	order := make([]BlockID, 0, len(g.Blocks))
	visited := make(map[BlockID]bool, len(g.Blocks))

	var visit func(id BlockID)
	visit = func(id BlockID) {
		if visited[id] || g.Blocks[id] == nil {
			return
		}
		visited[id] = true
		order = append(order, id)

		b := g.Blocks[id]
		edges := append([]Edge(nil), g.Edges[id]...)
		sortSuccessorsForEmission(b, edges)
		for _, e := range edges {
			visit(e.To)
		}
	}
	visit(g.Root)
	for _, id := range sortedBlockIDs(g) {
		visit(id)
	}
	return order
}

// physicalFallthroughLabel reports which outgoing edge label, if present,
// must be emitted immediately after a block ending in last because nothing
// in the instruction stream itself encodes that transfer of control. A
// conditional jump's own argument already reaches its target branch from
// anywhere once rewritten, so only the *other* branch relies on physical
// adjacency; which label plays that role flips with the opcode's polarity
// (POP_JUMP_IF_TRUE targets TrueBranch and falls through on FalseBranch,
// POP_JUMP_IF_FALSE is the mirror image). Every other kind of block relies
// on at most one plain Fallthrough edge.
func physicalFallthroughLabel(last opcode.ParsedInstr) EdgeLabel {
	if !last.Bad && last.Instr.Op.IsConditionalJump() {
		if last.Instr.Op.TrueBranchIsTarget() {
			return FalseBranch
		}
		return TrueBranch
	}
	return Fallthrough
}

func emissionRank(l, fallthroughLabel EdgeLabel) int {
	if l == fallthroughLabel {
		return 0
	}
	return 1
}

func sortSuccessorsForEmission(b *Block, edges []Edge) {
	var last opcode.ParsedInstr
	if n := len(b.Instrs); n > 0 {
		last = b.Instrs[n-1]
	}
	fallthroughLabel := physicalFallthroughLabel(last)
	sort.SliceStable(edges, func(i, j int) bool {
		return emissionRank(edges[i].Label, fallthroughLabel) < emissionRank(edges[j].Label, fallthroughLabel)
	})
}

// UpdateBBOffsets recomputes every block's StartOffset/EndOffset, and every
// instruction's Offset within it, from the current emission order, per
// spec.md §4.7. It is idempotent: the OffsetsUpdated flag prevents a block
// reachable by more than one path in EmissionOrder's backfill scan from
// being measured twice, and is cleared again before returning so a later
// call recomputes from scratch.
func UpdateBBOffsets(g *Graph) {
	offset := 0
	for _, id := range EmissionOrder(g) {
		b := g.Blocks[id]
		if b.Flags&OffsetsUpdated != 0 {
			continue
		}
		b.StartOffset = offset
		for i, p := range b.Instrs {
			p.Offset = offset
			b.Instrs[i] = p
			offset += instrSize(p)
		}
		b.EndOffset = offset
		b.Flags |= OffsetsUpdated
	}
	for _, b := range g.Blocks {
		b.Flags &^= OffsetsUpdated
	}
}

// UpdateBranches rewrites every jump instruction's argument to match its
// target's current StartOffset, and appends an explicit JUMP_ABSOLUTE to
// any block whose physical-fallthrough successor (see
// physicalFallthroughLabel) is no longer emitted immediately after it.
// Call UpdateBBOffsets first so target offsets are current; call it again
// afterward if UpdateBranches reports true, since appending a jump
// instruction changes block lengths and invalidates every subsequent
// offset.
func UpdateBranches(g *Graph) bool {
	order := EmissionOrder(g)
	pos := make(map[BlockID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}

	lengthened := false
	for _, id := range order {
		b := g.Blocks[id]
		edges := g.Edges[id]
		if len(edges) == 0 || len(b.Instrs) == 0 {
			continue
		}

		last := b.Instrs[len(b.Instrs)-1]
		if !last.Bad && last.Instr.Op.IsJump() {
			target, ok := jumpEdgeTarget(last.Instr.Op, edges)
			if ok {
				newArg := computeJumpArg(last.Instr.Op, last.Offset, instrSize(last), g.Blocks[target].StartOffset)
				last.Instr.Arg = newArg
				b.Instrs[len(b.Instrs)-1] = last
			}
		}

		fallthroughLabel := physicalFallthroughLabel(last)
		for _, e := range edges {
			if e.Label != fallthroughLabel {
				continue
			}
			next := pos[id] + 1
			if next < len(order) && order[next] == e.To {
				continue
			}
			tail := b.Instrs[len(b.Instrs)-1]
			jumpOffset := tail.Offset + instrSize(tail)
			target := g.Blocks[e.To].StartOffset
			b.Instrs = append(b.Instrs, opcode.ParsedInstr{
				Offset: jumpOffset,
				Instr:  opcode.Instruction{Op: opcode.JumpAbsolute, Arg: uint16(target)},
			})
			lengthened = true
			break
		}
	}
	return lengthened
}

// RecomputeOffsets alternates UpdateBBOffsets and UpdateBranches until a
// pass lengthens nothing, per spec.md §4.7's "iterate to fixpoint rather
// than guess" guidance. The loop is capped at len(g.Blocks)+1 iterations,
// so it returns after that many passes even if UpdateBranches is still
// reporting true.
func RecomputeOffsets(g *Graph) {
	UpdateBBOffsets(g)
	limit := len(g.Blocks) + 1
	for i := 0; i < limit; i++ {
		if !UpdateBranches(g) {
			return
		}
		UpdateBBOffsets(g)
	}
}

// jumpEdgeTarget picks the edge a block's trailing jump instruction should
// be rewritten to point at: for a conditional jump, the branch matching
// TrueBranchIsTarget; for any other jump (including the non-conditional
// SETUP_* family), its sole Unconditional edge.
func jumpEdgeTarget(op opcode.Op, edges []Edge) (BlockID, bool) {
	if op.IsConditionalJump() {
		want := TrueBranch
		if !op.TrueBranchIsTarget() {
			want = FalseBranch
		}
		for _, e := range edges {
			if e.Label == want {
				return e.To, true
			}
		}
		return 0, false
	}
	for _, e := range edges {
		if e.Label == Unconditional {
			return e.To, true
		}
	}
	return 0, false
}

func computeJumpArg(op opcode.Op, offset, size, targetOffset int) uint16 {
	if op.IsAbsoluteJump() {
		return uint16(targetOffset)
	}
	delta := targetOffset - (offset + size)
	if delta < 0 {
		delta = 0
	}
	return uint16(delta)
}

// MassageReturns implements spec.md §4.7's decompiler-friendliness pass:
// every sink block (no outgoing edges) must end in an explicit RETURN_VALUE
// so that downstream tools never have to special-case a bytecode stream
// that silently falls off the end. noneConstIdx is the index into the code
// object's constant pool holding None; the caller is responsible for
// ensuring one exists.
func MassageReturns(g *Graph, noneConstIdx int) {
	for _, id := range sortedBlockIDs(g) {
		b := g.Blocks[id]
		if len(g.Edges[id]) > 0 {
			continue
		}
		if n := len(b.Instrs); n > 0 {
			last := b.Instrs[n-1]
			if !last.Bad && last.Instr.Op.IsTerminator() {
				continue
			}
		}
		b.Instrs = append(b.Instrs,
			opcode.ParsedInstr{Instr: opcode.Instruction{Op: opcode.LoadConst, Arg: uint16(noneConstIdx)}},
			opcode.ParsedInstr{Instr: opcode.Instruction{Op: opcode.ReturnValue}},
		)
	}
}
