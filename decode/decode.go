// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package decode implements the Decoder described in spec.md §4.1: reading
// a single instruction from a byte cursor. It is grounded on the teacher's
// disasm.Disassemble, which reads one opcode byte at a time from a
// bytes.Reader and conditionally consumes further bytes depending on the
// opcode (there, a LEB128 varint; here, a fixed 16-bit argument).
package decode

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/go-interpreter/pydeobf/opcode"
)

// ErrUnknownOpcode is returned when a byte does not correspond to any
// defined Python 2.7 opcode.
var ErrUnknownOpcode = errors.New("decode: unknown opcode")

// ErrTruncatedInput is returned when the cursor does not have enough
// remaining bytes to decode the instruction it started.
var ErrTruncatedInput = errors.New("decode: truncated input")

// At decodes one instruction from code starting at offset. It returns the
// decoded instruction and its size in bytes.
func At(code []byte, offset int) (opcode.Instruction, int, error) {
	if offset < 0 || offset >= len(code) {
		return opcode.Instruction{}, 0, errors.Wrapf(ErrTruncatedInput, "offset %d", offset)
	}
	op := opcode.Op(code[offset])
	if !opcode.Defined(op) {
		return opcode.Instruction{}, 0, errors.Wrapf(ErrUnknownOpcode, "byte 0x%02x at offset %d", code[offset], offset)
	}
	if !op.HasArg() {
		return opcode.Instruction{Op: op}, 1, nil
	}
	if offset+3 > len(code) {
		return opcode.Instruction{}, 0, errors.Wrapf(ErrTruncatedInput, "offset %d", offset)
	}
	arg := binary.LittleEndian.Uint16(code[offset+1 : offset+3])
	return opcode.Instruction{Op: op, Arg: arg}, 3, nil
}

// AtParsed decodes one instruction the way the Walker consumes it, folding
// decode failures into a ParsedInstr rather than propagating an error, per
// spec.md §4.2's "tolerate and record Bad" policy.
func AtParsed(code []byte, offset int) (opcode.ParsedInstr, int) {
	instr, size, err := At(code, offset)
	if err != nil {
		return opcode.ParsedInstr{Offset: offset, Bad: true}, 1
	}
	return opcode.ParsedInstr{Offset: offset, Instr: instr}, size
}
