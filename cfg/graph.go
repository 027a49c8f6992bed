// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cfg implements the Code Graph of spec.md §4.4: a directed
// multigraph of basic blocks built from the Walker's reachable-instruction
// map, together with the rewrite passes of §4.5-§4.7.
//
// It is grounded on exec/internal/compile.Compile's map-keyed block
// bookkeeping, inverted: the teacher goes from a tree of WASM control
// structures *to* flat bytecode plus a patch list; cfg.Build goes from
// flat bytecode *to* a block graph, building the map first and wiring
// edges second where the teacher immediately emits bytes and back-patches
// offsets afterward.
package cfg

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/go-interpreter/pydeobf/marshal"
	"github.com/go-interpreter/pydeobf/opcode"
	"github.com/go-interpreter/pydeobf/walker"
)

// EdgeLabel classifies why one block transfers control to another.
type EdgeLabel int

const (
	Unconditional EdgeLabel = iota
	TrueBranch
	FalseBranch
	Fallthrough
)

func (l EdgeLabel) String() string {
	switch l {
	case Unconditional:
		return "unconditional"
	case TrueBranch:
		return "true"
	case FalseBranch:
		return "false"
	case Fallthrough:
		return "fallthrough"
	default:
		return "?"
	}
}

// Flags is the BB bitset of spec.md §3.
type Flags uint8

const (
	OffsetsUpdated Flags = 1 << iota
	HasBadInstr
)

// BlockID identifies a Block within one Graph. It is assigned in
// discovery order during Build and is stable for the life of the graph
// (unlike StartOffset, which changes on every offset recomputation).
type BlockID int

// Block is one basic block: a maximal straight-line instruction run.
// Successor edges are not stored here; they live on the owning Graph, per
// spec.md §3.
type Block struct {
	ID          BlockID
	StartOffset int
	EndOffset   int
	Instrs      []opcode.ParsedInstr
	Flags       Flags
}

// HasBad reports whether this block still carries the HasBadInstr flag.
func (b *Block) HasBad() bool { return b.Flags&HasBadInstr != 0 }

// Edge is one successor edge, labeled per spec.md §3.
type Edge struct {
	To    BlockID
	Label EdgeLabel
}

// Graph is a directed multigraph of Blocks with a distinguished entry
// node.
type Graph struct {
	Root   BlockID
	Blocks map[BlockID]*Block
	Edges  map[BlockID][]Edge

	nextID BlockID
}

func newGraph() *Graph {
	return &Graph{Blocks: make(map[BlockID]*Block), Edges: make(map[BlockID][]Edge)}
}

func (g *Graph) newBlock() *Block {
	b := &Block{ID: g.nextID}
	g.nextID++
	g.Blocks[b.ID] = b
	return b
}

func (g *Graph) addEdge(from, to BlockID, label EdgeLabel) {
	g.Edges[from] = append(g.Edges[from], Edge{To: to, Label: label})
}

// ErrEmptyWalk is returned by Build when the Walker produced no
// instructions at all (e.g. an empty code buffer).
var ErrEmptyWalk = errors.New("cfg: walker produced no instructions")

func jumpTarget(op opcode.Op, arg uint16, nextOffset int) int {
	if op.IsAbsoluteJump() {
		return int(arg)
	}
	return nextOffset + int(arg)
}

func isSetupOp(op opcode.Op) bool {
	switch op {
	case opcode.SetupLoop, opcode.SetupExcept, opcode.SetupFinally, opcode.SetupWith:
		return true
	default:
		return false
	}
}

func instrSize(p opcode.ParsedInstr) int {
	if p.Bad {
		return 1
	}
	return p.Instr.Size()
}

// Build runs the Walker over code and assembles the resulting reachable
// instructions into a Code Graph, per spec.md §4.4 steps 1-5.
func Build(code []byte, consts []marshal.Const) (*Graph, error) {
	res := walker.Walk(code, consts, nil)
	if len(res.Order) == 0 {
		return nil, ErrEmptyWalk
	}

	offsets := append([]int(nil), res.Order...)
	sort.Ints(offsets)

	starts := map[int]bool{0: true}
	for _, off := range offsets {
		p := res.Instrs[off]
		if p.Bad {
			continue
		}
		op := p.Instr.Op
		size := p.Instr.Size()
		if op.IsJump() {
			target := jumpTarget(op, p.Instr.Arg, off+size)
			if _, ok := res.Instrs[target]; ok {
				starts[target] = true
			}
		}
		if op.IsJump() || op.IsTerminator() {
			next := off + size
			if _, ok := res.Instrs[next]; ok {
				starts[next] = true
			}
		}
	}

	g := newGraph()
	blockByStart := make(map[int]*Block)
	var cur *Block
	for _, off := range offsets {
		if cur == nil || starts[off] {
			cur = g.newBlock()
			cur.StartOffset = off
			blockByStart[off] = cur
		}
		p := res.Instrs[off]
		cur.Instrs = append(cur.Instrs, p)
		cur.EndOffset = off + instrSize(p)
		if p.Bad {
			cur.Flags |= HasBadInstr
			// A byte that failed to decode ends this block: nothing
			// downstream of it in the walk belongs to the same
			// straight-line run.
			cur = nil
		}
	}

	root, ok := blockByStart[0]
	if !ok {
		return nil, errors.New("cfg: no block starts at offset 0")
	}
	g.Root = root.ID

	for _, b := range g.Blocks {
		if len(b.Instrs) == 0 {
			continue
		}
		last := b.Instrs[len(b.Instrs)-1]
		if last.Bad {
			continue
		}
		op := last.Instr.Op
		nextOff := last.Offset + last.Instr.Size()

		switch {
		case op.IsConditionalJump():
			target := jumpTarget(op, last.Instr.Arg, nextOff)
			trueIsTarget := op.TrueBranchIsTarget()
			if tb, ok := blockByStart[target]; ok {
				if trueIsTarget {
					g.addEdge(b.ID, tb.ID, TrueBranch)
				} else {
					g.addEdge(b.ID, tb.ID, FalseBranch)
				}
			}
			if fb, ok := blockByStart[nextOff]; ok {
				if trueIsTarget {
					g.addEdge(b.ID, fb.ID, FalseBranch)
				} else {
					g.addEdge(b.ID, fb.ID, TrueBranch)
				}
			}
		case isSetupOp(op):
			// SETUP_LOOP/EXCEPT/FINALLY/WITH push a block onto the
			// interpreter's block stack and name a handler offset, but
			// execution always falls through to the next instruction;
			// the named offset only matters on an exception or a break.
			// Both successors are real, so both get edges.
			target := jumpTarget(op, last.Instr.Arg, nextOff)
			if tb, ok := blockByStart[target]; ok {
				g.addEdge(b.ID, tb.ID, Unconditional)
			}
			if fb, ok := blockByStart[nextOff]; ok {
				g.addEdge(b.ID, fb.ID, Fallthrough)
			}
		case op.IsJump():
			target := jumpTarget(op, last.Instr.Arg, nextOff)
			if tb, ok := blockByStart[target]; ok {
				g.addEdge(b.ID, tb.ID, Unconditional)
			}
		case op.IsTerminator():
			// no successors
		default:
			if fb, ok := blockByStart[nextOff]; ok {
				g.addEdge(b.ID, fb.ID, Fallthrough)
			}
		}
	}

	FixBadBlocks(g)
	return g, nil
}

// FixBadBlocks implements spec.md §4.4 step 5. By construction (see
// Build), a Bad ParsedInstr is always the last entry of its block, so
// "truncating at the last valid prefix" reduces to dropping that one
// trailing entry. No successor is fabricated for the truncated block:
// the bytes that would have named a real target failed to decode, so the
// block becomes a sink rather than being redirected to a guessed target.
// This preserves every instruction that did decode without inventing
// control flow the obfuscator never specified.
func FixBadBlocks(g *Graph) {
	for id, b := range g.Blocks {
		if !b.HasBad() {
			continue
		}
		if n := len(b.Instrs); n > 0 && b.Instrs[n-1].Bad {
			b.Instrs = b.Instrs[:n-1]
		}
		b.Flags &^= HasBadInstr
		if len(b.Instrs) == 0 {
			delete(g.Blocks, id)
			delete(g.Edges, id)
			continue
		}
		last := b.Instrs[len(b.Instrs)-1]
		b.EndOffset = last.Offset + instrSize(last)
	}
}

// PruneUnreachable deletes every block (and its outgoing edges) not
// reachable from g.Root, per the Code Graph invariant in spec.md §3.
func PruneUnreachable(g *Graph) {
	reachable := map[BlockID]bool{g.Root: true}
	queue := []BlockID{g.Root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.Edges[id] {
			if !reachable[e.To] {
				reachable[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	for id := range g.Blocks {
		if !reachable[id] {
			delete(g.Blocks, id)
			delete(g.Edges, id)
		}
	}
}

func sortedBlockIDs(g *Graph) []BlockID {
	ids := make([]BlockID, 0, len(g.Blocks))
	for id := range g.Blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func predecessorsOf(g *Graph, id BlockID) []BlockID {
	var preds []BlockID
	for from, edges := range g.Edges {
		for _, e := range edges {
			if e.To == id {
				preds = append(preds, from)
				break
			}
		}
	}
	sort.Slice(preds, func(i, j int) bool { return preds[i] < preds[j] })
	return preds
}
