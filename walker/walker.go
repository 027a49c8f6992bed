// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package walker implements the reachability-preserving decode described in
// spec.md §4.2: a queued traversal of a bytecode stream that follows only
// provably-taken edges, tolerating obfuscator-inserted garbage bytes that
// are jumped over.
//
// It is grounded on two teacher shapes: disasm.Disassemble's single-pass,
// stack-tracking decode loop (exec/../disasm/disasm.go), and
// exec/internal/compile.Compile's use of a map keyed by position to
// remember what has already been seen and patched. Here the map is keyed
// by byte offset instead of block-nesting depth, and the traversal order is
// a FIFO queue instead of Compile's single forward pass, because the
// Walker must support JumpTo re-prioritization (§4.2 step 3).
package walker

import (
	"github.com/go-interpreter/pydeobf/decode"
	"github.com/go-interpreter/pydeobf/marshal"
	"github.com/go-interpreter/pydeobf/opcode"
)

// Action is returned by a Callback to steer the walk.
type Action int

const (
	// Continue enqueues the instruction's natural successors.
	Continue Action = iota
	// ContinueIgnoreAnalyzedInstructions behaves like Continue but
	// re-enqueues successors even if they were already analyzed, for
	// callers that want to force re-analysis of a region.
	ContinueIgnoreAnalyzedInstructions
	// Break stops the walk entirely.
	Break
	// JumpTo pushes Target to the front of the queue, ahead of any
	// naturally-enqueued successor.
	JumpTo
	// AssumeComparison overrides the outcome of the immediately following
	// conditional jump, taking the branch whose outcome matches
	// AssumedOutcome.
	AssumeComparison
)

// Decision is the callback's verdict for one decoded instruction.
type Decision struct {
	Action         Action
	Target         int  // meaningful when Action == JumpTo
	AssumedOutcome bool // meaningful when Action == AssumeComparison
}

// Callback is invoked once per successfully decoded instruction.
type Callback func(instr opcode.Instruction, offset int) Decision

// Result is the output of a Walk: every offset that was proven to be a real
// instruction (or a Bad byte encountered along the way), exhaustively
// covering every reachable instruction per spec.md §4.2.
type Result struct {
	Order     []int // offsets in the order they were first decoded
	Instrs    map[int]opcode.ParsedInstr
}

func noopCallback(opcode.Instruction, int) Decision { return Decision{Action: Continue} }

// Walk performs the queued traversal described in spec.md §4.2, starting
// at offset 0. cb may be nil, in which case every instruction gets the
// Continue action (the target of an unconditional jump, the next
// instruction of anything that is not a jump or terminator, and for a
// conditional jump the edges chosen as below). consts is the code object's
// constant pool, used to resolve LOAD_CONST-fed conditional jumps to a
// single edge per §4.2 step 4, whether or not cb is nil; it may be nil if
// the caller only wants a structural walk (in which case both edges of
// every conditional are always followed).
func Walk(code []byte, consts []marshal.Const, cb Callback) Result {
	if cb == nil {
		cb = noopCallback
	}
	res := Result{Instrs: make(map[int]opcode.ParsedInstr)}

	queue := []int{0}
	analyzed := make(map[int]bool)

	// assumedOutcome, when non-nil, overrides the next conditional jump's
	// decided branch, per AssumeComparison (§4.2 step 3).
	var assumedOutcome *bool

	enqueueFront := func(off int) { queue = append([]int{off}, queue...) }
	enqueueBack := func(off int) { queue = append(queue, off) }

	for len(queue) > 0 {
		off := queue[0]
		queue = queue[1:]

		if analyzed[off] {
			continue
		}

		p, size := decode.AtParsed(code, off)
		if p.Bad {
			res.Instrs[off] = p
			res.Order = append(res.Order, off)
			analyzed[off] = true
			continue
		}

		analyzed[off] = true
		res.Instrs[off] = p
		res.Order = append(res.Order, off)

		decision := cb(p.Instr, off)

		switch decision.Action {
		case Break:
			return res
		case JumpTo:
			enqueueFront(decision.Target)
			continue
		case AssumeComparison:
			// The instruction itself still gets its natural successors
			// below, so the following conditional jump is reached.
			b := decision.AssumedOutcome
			assumedOutcome = &b
		}

		ignoreSeen := decision.Action == ContinueIgnoreAnalyzedInstructions
		maybeEnqueue := func(target int) {
			if ignoreSeen {
				delete(analyzed, target)
			}
			enqueueBack(target)
		}

		op := p.Instr.Op
		nextSeq := off + size

		switch {
		case op.IsConditionalJump():
			target := jumpTarget(op, p.Instr.Arg, nextSeq)
			if assumedOutcome != nil {
				taken := *assumedOutcome
				assumedOutcome = nil
				if taken == op.TrueBranchIsTarget() {
					maybeEnqueue(target)
				} else {
					maybeEnqueue(nextSeq)
				}
				continue
			}
			if known, value := lookBackConstCondition(res, consts, off); known {
				if value == op.TrueBranchIsTarget() {
					maybeEnqueue(target)
				} else {
					maybeEnqueue(nextSeq)
				}
				continue
			}
			// Outcome not statically known here: follow both edges so
			// the CFG builder sees every reachable instruction.
			if target >= 0 && target < len(code) {
				maybeEnqueue(target)
			}
			maybeEnqueue(nextSeq)
		case op.IsJump():
			target := jumpTarget(op, p.Instr.Arg, nextSeq)
			if target < 0 || target >= len(code) {
				// Unreachable/invalid target: don't enqueue it, but the
				// jump instruction itself is still recorded above.
				continue
			}
			maybeEnqueue(target)
		case op.IsTerminator():
			// No fallthrough.
		default:
			maybeEnqueue(nextSeq)
		}
	}

	return res
}

func jumpTarget(op opcode.Op, arg uint16, nextOffset int) int {
	if op.IsAbsoluteJump() {
		return int(arg)
	}
	return nextOffset + int(arg)
}

// lookBackConstCondition implements spec.md §4.2 step 4: search backward
// through the instructions decoded so far in this walk for a LOAD_CONST
// that supplied the value a conditional jump is about to test, stopping on
// any other stack-perturbing instruction. If found, it evaluates the
// constant's truthiness.
//
// This is a conservative, syntactic heuristic, not the full Small VM: it
// only recognizes the literal pattern "LOAD_CONST; <conditional jump>"
// with nothing else touching the stack in between, which is the
// obfuscator's actual opaque-predicate idiom per spec.md. The exhaustive,
// provenance-tracked version of this analysis runs later in
// cfg.RemoveConstConditions (§4.6), which is why a negative result here is
// not fatal: both edges are simply kept and the later pass decides.
func lookBackConstCondition(res Result, consts []marshal.Const, jumpOffset int) (known bool, truthy bool) {
	if consts == nil {
		return false, false
	}
	for i := len(res.Order) - 1; i >= 0; i-- {
		off := res.Order[i]
		if off >= jumpOffset {
			continue
		}
		p, ok := res.Instrs[off]
		if !ok || p.Bad {
			return false, false
		}
		if p.Instr.Op == opcode.LoadConst {
			idx := int(p.Instr.Arg)
			if idx < 0 || idx >= len(consts) {
				return false, false
			}
			return true, consts[idx].Truthy()
		}
		if perturbsStack(p.Instr.Op) {
			return false, false
		}
	}
	return false, false
}

// perturbsStack reports whether op is anything other than a no-op with
// respect to the top of the evaluation stack, for the purposes of the
// bounded backward scan in lookBackConstCondition.
func perturbsStack(op opcode.Op) bool {
	switch op {
	case opcode.Nop:
		return false
	default:
		return true
	}
}
