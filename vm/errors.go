// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"

	"github.com/go-interpreter/pydeobf/marshal"
	"github.com/go-interpreter/pydeobf/opcode"
)

// ObjectError is returned when a constant had an unexpected dynamic type
// at the point the VM or a later pass dereferenced it, per spec.md §7.
// Step returns it to its caller. cfg.RemoveConstConditions does not
// propagate it: the branch being analyzed is left undecided and the rest
// of the code object is still processed.
type ObjectError struct {
	Offset int
	Op     opcode.Op
	Wanted string
	Got    marshal.Kind
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("vm: %s at offset %d: wanted %s, got kind %d", e.Op.Name(), e.Offset, e.Wanted, e.Got)
}

// UnsupportedOpcodeError is returned when Step is asked to execute an
// opcode outside the exhaustive list the Small VM implements.
type UnsupportedOpcodeError struct {
	Offset int
	Op     opcode.Op
}

func (e *UnsupportedOpcodeError) Error() string {
	return fmt.Sprintf("vm: unsupported opcode %s at offset %d", e.Op.Name(), e.Offset)
}

// ComplexExpressionError is returned when an opcode is supported in
// general but the specific operand combination observed is one the
// obfuscator should never produce (e.g. COMPARE_OP with an operator the
// VM does not model). The VM refuses to speculate and Step returns this
// error; as with ObjectError, cfg.RemoveConstConditions leaves the branch
// undecided rather than aborting the code object.
type ComplexExpressionError struct {
	Offset int
	Op     opcode.Op
	Detail string
}

func (e *ComplexExpressionError) Error() string {
	return fmt.Sprintf("vm: complex expression at %s offset %d: %s", e.Op.Name(), e.Offset, e.Detail)
}
