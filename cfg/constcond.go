// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cfg

import (
	"fmt"

	"github.com/go-interpreter/pydeobf/marshal"
	"github.com/go-interpreter/pydeobf/opcode"
	"github.com/go-interpreter/pydeobf/vm"
)

// VMContext carries the per-code-object inputs a Small VM run needs:
// everything RemoveConstConditions must thread through to vm.New without
// owning itself.
type VMContext struct {
	Consts   []marshal.Const
	Names    []string
	VarNames []string
	Resolve  vm.ResolveFunc
}

// RemoveConstConditions implements spec.md §4.6. For every block ending in
// a conditional jump, it replays the Small VM along the unique acyclic
// path leading to that block; if the predicate resolves to a known value,
// the non-taken edge is deleted, the conditional jump is rewritten to an
// unconditional jump (or dropped outright if the surviving edge was
// already the fallthrough), and every instruction whose sole contribution
// was computing that predicate is deleted. It returns the name-tag
// mappings discovered along the way (see collectFuncNameTag) and prunes
// unreachable blocks before returning.
func RemoveConstConditions(g *Graph, ctx VMContext, filename, coName string) map[string]string {
	funcNames := make(map[string]string)

	for _, id := range sortedBlockIDs(g) {
		b, ok := g.Blocks[id]
		if !ok || len(b.Instrs) == 0 {
			continue
		}
		last := b.Instrs[len(b.Instrs)-1]
		if last.Bad || !last.Instr.Op.IsConditionalJump() {
			continue
		}

		path := uniqueLinearPath(g, id)
		m := vm.New(ctx.Consts, ctx.Names, ctx.VarNames, ctx.Resolve)
		if !replayPath(m, g, path) {
			continue
		}
		if !m.LastPredicate.Value.Known {
			continue
		}
		// An unbound LOAD_FAST/LOAD_NAME pushes its own name as a string
		// placeholder whose provenance is the load's offset; a predicate
		// derived from one was not produced by LOAD_CONST and stays undecided.
		placeholder := false
		for _, pid := range path {
			for _, p := range g.Blocks[pid].Instrs {
				if (p.Instr.Op == opcode.LoadFast || p.Instr.Op == opcode.LoadName) && m.LastPredicate.Provenance.Has(p.Offset) {
					placeholder = true
				}
			}
		}
		if placeholder {
			continue
		}

		truthy := m.LastPredicate.Value.Const.Truthy()
		dead := m.LastPredicate.Provenance

		collectFuncNameTag(b, ctx.Consts, dead, funcNames, filename, coName)
		decideEdge(g, id, last, truthy)
		removeDeadInstructions(g, path, dead, last.Offset)
	}

	PruneUnreachable(g)
	return funcNames
}

// replayPath drives m through every instruction of every block in path, in
// order. It reports false (and leaves m's final state unspecified) if the
// path runs through a Bad byte or any instruction fails to execute — in
// either case the caller treats the predicate as undecidable, which is
// always safe: both edges are simply left in place.
func replayPath(m *vm.VM, g *Graph, path []BlockID) bool {
	for _, id := range path {
		b, ok := g.Blocks[id]
		if !ok {
			return false
		}
		for _, p := range b.Instrs {
			if p.Bad {
				return false
			}
			if err := m.Step(p.Instr, p.Offset); err != nil {
				return false
			}
		}
	}
	return true
}

// uniqueLinearPath walks backward from target toward the root, following
// predecessors as long as each has exactly one predecessor edge of its own
// and exactly one outgoing edge overall (so there is no point along the
// chain where execution could have taken a different route and produced a
// different predicate). If that chain doesn't reach the root cleanly —
// because of a merge point, a cycle, or a branching predecessor — the
// block is its own reachable region for this purpose, and the VM starts
// fresh at its first instruction, per spec.md §4.6.
func uniqueLinearPath(g *Graph, target BlockID) []BlockID {
	path := []BlockID{target}
	visited := map[BlockID]bool{target: true}
	cur := target
	for cur != g.Root {
		preds := predecessorsOf(g, cur)
		if len(preds) != 1 {
			return []BlockID{target}
		}
		p := preds[0]
		if visited[p] {
			return []BlockID{target}
		}
		if len(g.Edges[p]) != 1 {
			return []BlockID{target}
		}
		path = append([]BlockID{p}, path...)
		visited[p] = true
		cur = p
	}
	return path
}

// decideEdge rewrites block id's two outgoing conditional edges down to
// one, and its trailing conditional-jump instruction to match, once truthy
// is known. The surviving edge is whichever of TrueBranch/FalseBranch
// equals truthy; whether that edge was physically the jump target or the
// fallthrough determines whether the instruction becomes an unconditional
// jump or disappears entirely.
func decideEdge(g *Graph, id BlockID, last opcode.ParsedInstr, truthy bool) {
	b := g.Blocks[id]
	keepLabel := FalseBranch
	if truthy {
		keepLabel = TrueBranch
	}

	var kept Edge
	for _, e := range g.Edges[id] {
		if e.Label == keepLabel {
			kept = e
		}
	}

	physicalTarget := truthy == last.Instr.Op.TrueBranchIsTarget()
	if physicalTarget {
		nextSeq := last.Offset + last.Instr.Size()
		target := jumpTarget(last.Instr.Op, last.Instr.Arg, nextSeq)
		kept.Label = Unconditional
		b.Instrs[len(b.Instrs)-1] = opcode.ParsedInstr{
			Offset: last.Offset,
			Instr:  opcode.Instruction{Op: opcode.JumpAbsolute, Arg: uint16(target)},
		}
	} else {
		kept.Label = Fallthrough
		b.Instrs = b.Instrs[:len(b.Instrs)-1]
	}
	g.Edges[id] = []Edge{kept}
}

// removeDeadInstructions deletes, from every block on path, every
// instruction whose offset is in dead — except keepOffset, the decided
// conditional jump itself, which decideEdge has already rewritten or
// dropped and must not be matched again here.
func removeDeadInstructions(g *Graph, path []BlockID, dead vm.ProvenanceSet, keepOffset int) {
	for _, id := range path {
		b, ok := g.Blocks[id]
		if !ok {
			continue
		}
		kept := b.Instrs[:0]
		for _, p := range b.Instrs {
			if !p.Bad && p.Offset != keepOffset && dead.Has(p.Offset) {
				continue
			}
			kept = append(kept, p)
		}
		b.Instrs = kept
	}
}

// collectFuncNameTag recognizes the obfuscator's function-name tagging
// idiom: a literal string that contributed to a now-decided opaque
// predicate, pushed with LOAD_CONST and immediately bound to a name with
// STORE_NAME/STORE_FAST. Read literally, spec.md §4.6 keys the resulting
// map entry by the identity of the code object the decided branch lives
// in ("{filename}_{name}"), which is exactly the key rename.Apply looks
// up when the deobf driver renames that same code object with its own
// filename/name. No tag is carried from a code object to its nested
// children.
func collectFuncNameTag(b *Block, consts []marshal.Const, dead vm.ProvenanceSet, funcNames map[string]string, filename, coName string) {
	for i, p := range b.Instrs {
		if p.Bad || p.Instr.Op != opcode.LoadConst || !dead.Has(p.Offset) {
			continue
		}
		idx := int(p.Instr.Arg)
		if idx < 0 || idx >= len(consts) || consts[idx].Kind != marshal.KindStr {
			continue
		}
		if i+1 >= len(b.Instrs) {
			continue
		}
		next := b.Instrs[i+1]
		if next.Bad {
			continue
		}
		if next.Instr.Op != opcode.StoreName && next.Instr.Op != opcode.StoreFast {
			continue
		}
		key := fmt.Sprintf("%s_%s", filename, coName)
		funcNames[key] = string(consts[idx].Str)
		// The store has no effect once its only producer is gone: fold it
		// into dead too, so removeDeadInstructions clears the whole
		// tag/bind pair instead of leaving a dangling STORE behind. dead is
		// the same map removeDeadInstructions will consult, so this mutation
		// is visible to that later call.
		dead[next.Offset] = struct{}{}
		return
	}
}
