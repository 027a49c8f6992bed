// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package emit implements the Emitter of spec.md §4.8: serializing a
// rewritten Code Graph back into a flat CPython 2.7 bytecode string.
//
// It is grounded on exec/internal/compile.Compile's accumulation pattern —
// a bytes.Buffer written to with binary.Write as each operator is visited —
// run in reverse of Compile's direction: Compile turns a structured tree
// into flat bytecode plus a patch list resolved as blocks close; Bytecode
// walks an already-flat, already-offset-resolved graph and only has to
// write bytes in the order cfg.EmissionOrder already computed, since every
// jump argument was already rewritten by cfg.UpdateBranches.
package emit

import (
	"bytes"
	"encoding/binary"

	"github.com/go-interpreter/pydeobf/cfg"
)

// Bytecode serializes g in its emission order. Callers must run
// cfg.RecomputeOffsets first; Bytecode itself does no offset arithmetic, it
// only writes down whatever g's blocks already contain, so invariant 1 of
// spec.md §8 (re-decoding succeeds, sizes sum to the buffer length) holds
// automatically as long as the offset pass already converged.
func Bytecode(g *cfg.Graph) []byte {
	buf := new(bytes.Buffer)
	for _, id := range cfg.EmissionOrder(g) {
		b := g.Blocks[id]
		for _, p := range b.Instrs {
			if p.Bad {
				// FixBadBlocks strips every Bad entry before a graph
				// reaches the emitter; this is a defensive fallback, not
				// a path any correct pipeline exercises.
				continue
			}
			buf.WriteByte(byte(p.Instr.Op))
			if p.Instr.Op.HasArg() {
				binary.Write(buf, binary.LittleEndian, p.Instr.Arg)
			}
		}
	}
	return buf.Bytes()
}
