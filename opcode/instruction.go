// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package opcode

import "fmt"

// Instruction is a decoded (opcode, optional argument) pair, mirroring the
// teacher's disasm.Instr but for a flat stack-machine bytecode with at most
// one 16-bit immediate rather than WASM's variable-length immediates.
type Instruction struct {
	Op  Op
	Arg uint16 // only meaningful if Op.HasArg()
}

// Size is the encoded size of this instruction in bytes.
func (i Instruction) Size() int { return i.Op.Size() }

func (i Instruction) String() string {
	if !i.Op.HasArg() {
		return i.Op.Name()
	}
	return fmt.Sprintf("%s %d", i.Op.Name(), i.Arg)
}

// ParsedInstr is the result of attempting to decode one instruction from a
// byte offset: either a well-formed Instruction, or a Bad marker for a byte
// that failed to decode. Both cases carry the originating offset so offset
// arithmetic and later cleanup passes still work uniformly.
type ParsedInstr struct {
	Offset int
	Instr  Instruction
	Bad    bool // true if the byte at Offset did not decode
}

func (p ParsedInstr) String() string {
	if p.Bad {
		return fmt.Sprintf("%04d BAD", p.Offset)
	}
	return fmt.Sprintf("%04d %s", p.Offset, p.Instr)
}
