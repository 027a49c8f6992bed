// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"
	"math/big"

	"github.com/go-interpreter/pydeobf/marshal"
	"github.com/go-interpreter/pydeobf/opcode"
)

type handlerFunc func(m *VM, instr opcode.Instruction, offset int) error

// handlers is the Small VM's dispatch table: sparse over opcode.Op's
//256-byte space, the way the teacher's funcTable[256] is dense over it —
// see the package doc for why a map fits this domain better.
var handlers = map[opcode.Op]handlerFunc{
	opcode.DupTop:     opDupTop,
	opcode.PopTop:     opPopTop,
	opcode.CompareOp:  opCompareOp,
	opcode.ImportName: opImportName,
	opcode.ImportFrom: opImportFrom,
	opcode.LoadAttr:   opLoadAttr,
	opcode.ForIter:    opForIter,

	opcode.StoreFast:  opStoreFast,
	opcode.StoreName:  opStoreName,
	opcode.LoadFast:   opLoadFast,
	opcode.LoadName:   opLoadName,
	opcode.LoadConst:  opLoadConst,
	opcode.LoadGlobal: opLoadGlobal,

	opcode.BinaryAdd:      opBinary("add"),
	opcode.BinarySubtract: opBinary("sub"),
	opcode.BinaryMultiply: opBinary("mul"),
	opcode.BinaryDivide:   opBinary("div"),
	opcode.BinaryAnd:      opBinary("and"),
	opcode.BinaryOr:       opBinary("or"),
	opcode.BinaryXor:      opBinary("xor"),
	opcode.BinaryLshift:   opBinary("lshift"),
	opcode.BinaryRshift:   opBinary("rshift"),

	opcode.InplaceAdd:      opBinary("add"),
	opcode.InplaceSubtract: opBinary("sub"),
	opcode.InplaceMultiply: opBinary("mul"),
	opcode.InplaceDivide:   opBinary("div"),
	opcode.InplaceAnd:      opBinary("and"),
	opcode.InplaceOr:       opBinary("or"),
	opcode.InplaceXor:      opBinary("xor"),
	opcode.InplaceLshift:   opBinary("lshift"),
	opcode.InplaceRshift:   opBinary("rshift"),

	opcode.BinarySubscr: opBinarySubscr,
	opcode.UnaryNot:     opUnaryNot,
	opcode.StoreSubscr:  opStoreSubscr,

	opcode.BuildTuple: opBuildAggregate(marshal.KindTuple),
	opcode.BuildList:  opBuildAggregate(marshal.KindList),
	opcode.BuildSet:   opBuildAggregate(marshal.KindSet),
	opcode.BuildMap:   opBuildMap,

	opcode.ListAppend:     opListAppend,
	opcode.UnpackSequence: opUnpackSequence,
	opcode.MakeFunction:   opMakeFunction,
	opcode.GetIter:        opGetIter,
	opcode.CallFunction:   opCallFunction,

	opcode.PopJumpIfTrue:    opPredicate,
	opcode.PopJumpIfFalse:   opPredicate,
	opcode.JumpIfTrueOrPop:  opPredicate,
	opcode.JumpIfFalseOrPop: opPredicate,
}

func opDupTop(m *VM, instr opcode.Instruction, offset int) error {
	c, ok := m.peek()
	if !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "one operand", Got: marshal.KindNone}
	}
	m.push(Cell{Value: c.Value, Provenance: c.Provenance.With(offset)})
	return nil
}

func opPopTop(m *VM, instr opcode.Instruction, offset int) error {
	if _, ok := m.pop(); !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "one operand", Got: marshal.KindNone}
	}
	return nil
}

// opPredicate handles every conditional-jump-class opcode other than
// FOR_ITER: it consumes the tested cell and records it as LastPredicate
// for the cfg package to inspect once the acyclic path analysis reaches
// this instruction. Execution never continues past this point within one
// VM run, so the OR_POP variants' "leave TOS on stack when not popped"
// real-CPython nuance has no observable effect here.
func opPredicate(m *VM, instr opcode.Instruction, offset int) error {
	c, ok := m.pop()
	if !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "predicate", Got: marshal.KindNone}
	}
	m.LastPredicate = Cell{Value: c.Value, Provenance: c.Provenance.With(offset)}
	return nil
}

func opForIter(m *VM, instr opcode.Instruction, offset int) error {
	iter, ok := m.pop()
	if !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "iterator on stack", Got: marshal.KindNone}
	}
	prov := iter.Provenance.With(offset)
	if !iter.Value.Known || iter.Value.Const.Kind != marshal.KindStr {
		m.LastPredicate = UnknownCell(prov)
		return nil
	}
	s := iter.Value.Const.Str
	if len(s) == 0 {
		// Iterator exhausted: FOR_ITER's jump is taken, which is the
		// FalseBranch edge per opcode.TrueBranchIsTarget for ForIter.
		m.LastPredicate = KnownCell(marshal.NewBool(false), prov)
		return nil
	}
	m.push(KnownCell(marshal.NewStr(s[1:]), prov))
	m.push(KnownCell(marshal.NewIntFromInt64(int64(s[0])), prov))
	m.LastPredicate = KnownCell(marshal.NewBool(true), prov)
	return nil
}

func opImportName(m *VM, instr opcode.Instruction, offset int) error {
	items, ok := m.popN(2)
	if !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "two operands", Got: marshal.KindNone}
	}
	m.push(UnknownCell(unionAll(items, offset)))
	return nil
}

func opImportFrom(m *VM, instr opcode.Instruction, offset int) error {
	top, ok := m.peek()
	if !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "module on stack", Got: marshal.KindNone}
	}
	m.push(UnknownCell(top.Provenance.With(offset)))
	return nil
}

func opLoadAttr(m *VM, instr opcode.Instruction, offset int) error {
	obj, ok := m.pop()
	if !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "one operand", Got: marshal.KindNone}
	}
	m.push(UnknownCell(obj.Provenance.With(offset)))
	return nil
}

func placeholderName(table []string, idx uint16) string {
	if int(idx) < len(table) {
		return table[idx]
	}
	return fmt.Sprintf("$unresolved_%d", idx)
}

func opStoreFast(m *VM, instr opcode.Instruction, offset int) error {
	c, ok := m.pop()
	if !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "one operand", Got: marshal.KindNone}
	}
	m.vars[int(instr.Arg)] = c
	return nil
}

// opLoadFast implements the §4.3 "unknown placeholder collision" rule: an
// unbound local loads as the symbolic variable name wrapped in a string
// constant, so a later LOAD_CONST-seeking branch decision cannot mistake
// it for a real constant (it was never produced by LOAD_CONST).
func opLoadFast(m *VM, instr opcode.Instruction, offset int) error {
	if c, ok := m.vars[int(instr.Arg)]; ok {
		m.push(c)
		return nil
	}
	name := placeholderName(m.VarNames, instr.Arg)
	m.push(KnownCell(marshal.NewStr([]byte(name)), NewProvenance(offset)))
	return nil
}

func opStoreName(m *VM, instr opcode.Instruction, offset int) error {
	c, ok := m.pop()
	if !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "one operand", Got: marshal.KindNone}
	}
	m.names[placeholderName(m.Names, instr.Arg)] = c
	return nil
}

func opLoadName(m *VM, instr opcode.Instruction, offset int) error {
	name := placeholderName(m.Names, instr.Arg)
	if c, ok := m.names[name]; ok {
		m.push(c)
		return nil
	}
	m.push(KnownCell(marshal.NewStr([]byte(name)), NewProvenance(offset)))
	return nil
}

func opLoadConst(m *VM, instr opcode.Instruction, offset int) error {
	idx := int(instr.Arg)
	if idx < 0 || idx >= len(m.Consts) {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "valid const index", Got: marshal.KindNone}
	}
	m.push(KnownCell(m.Consts[idx], NewProvenance(offset)))
	return nil
}

func opLoadGlobal(m *VM, instr opcode.Instruction, offset int) error {
	m.push(UnknownCell(NewProvenance(offset)))
	return nil
}

func opCompareOp(m *VM, instr opcode.Instruction, offset int) error {
	b, ok1 := m.pop()
	a, ok2 := m.pop()
	if !ok1 || !ok2 {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "two operands", Got: marshal.KindNone}
	}
	prov := unionAll([]Cell{a, b}, offset)
	if !a.Value.Known || !b.Value.Known {
		m.push(UnknownCell(prov))
		return nil
	}
	result, err := compareConsts(instr.Arg, a.Value.Const, b.Value.Const, offset, instr.Op)
	if err != nil {
		return err
	}
	m.push(KnownCell(marshal.NewBool(result), prov))
	return nil
}

// Python 2.7's COMPARE_OP argument indexes cmp_op: ('<','<=','==','!=',
// '>','>=','in','not in','is','is not','exception match').
const (
	cmpLess = iota
	cmpLessEqual
	cmpEqual
	cmpNotEqual
	cmpGreater
	cmpGreaterEqual
)

func compareConsts(arg uint16, a, b marshal.Const, offset int, op opcode.Op) (bool, error) {
	switch arg {
	case cmpLess, cmpLessEqual, cmpGreater, cmpGreaterEqual:
		if a.Kind != marshal.KindInt || b.Kind != marshal.KindInt {
			return false, &ObjectError{Offset: offset, Op: op, Wanted: "int operands", Got: a.Kind}
		}
		cmp := a.Int.Cmp(b.Int)
		switch arg {
		case cmpLess:
			return cmp < 0, nil
		case cmpLessEqual:
			return cmp <= 0, nil
		case cmpGreater:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case cmpEqual, cmpNotEqual:
		eq, err := constsEqual(a, b, offset, op)
		if err != nil {
			return false, err
		}
		if arg == cmpEqual {
			return eq, nil
		}
		return !eq, nil
	}
	return false, &ComplexExpressionError{Offset: offset, Op: op, Detail: fmt.Sprintf("unsupported compare operator %d", arg)}
}

func constsEqual(a, b marshal.Const, offset int, op opcode.Op) (bool, error) {
	if a.Kind != b.Kind {
		return false, nil
	}
	switch a.Kind {
	case marshal.KindInt:
		return a.Int.Cmp(b.Int) == 0, nil
	case marshal.KindStr:
		return string(a.Str) == string(b.Str), nil
	case marshal.KindBool:
		return a.Bool == b.Bool, nil
	case marshal.KindNone:
		return true, nil
	case marshal.KindSet:
		return a.Set.Equal(b.Set), nil
	default:
		return false, &ComplexExpressionError{Offset: offset, Op: op, Detail: "equality unsupported for this constant kind"}
	}
}

func opBinary(kind string) handlerFunc {
	return func(m *VM, instr opcode.Instruction, offset int) error {
		b, ok1 := m.pop()
		a, ok2 := m.pop()
		if !ok1 || !ok2 {
			return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "two operands", Got: marshal.KindNone}
		}
		prov := unionAll([]Cell{a, b}, offset)
		if !a.Value.Known || !b.Value.Known {
			m.push(UnknownCell(prov))
			return nil
		}
		result, err := applyBinary(kind, a.Value.Const, b.Value.Const, offset, instr.Op)
		if err != nil {
			return err
		}
		m.push(KnownCell(result, prov))
		return nil
	}
}

func applyBinary(kind string, a, b marshal.Const, offset int, op opcode.Op) (marshal.Const, error) {
	switch kind {
	case "add":
		if a.Kind == marshal.KindStr && b.Kind == marshal.KindStr {
			return marshal.NewStr(append(append([]byte{}, a.Str...), b.Str...)), nil
		}
		return intBinary(a, b, offset, op, func(x, y *big.Int) *big.Int { return new(big.Int).Add(x, y) })
	case "sub":
		return intBinary(a, b, offset, op, func(x, y *big.Int) *big.Int { return new(big.Int).Sub(x, y) })
	case "mul":
		if a.Kind == marshal.KindStr && b.Kind == marshal.KindInt {
			return repeatStr(a.Str, b.Int), nil
		}
		if a.Kind == marshal.KindInt && b.Kind == marshal.KindStr {
			return repeatStr(b.Str, a.Int), nil
		}
		return intBinary(a, b, offset, op, func(x, y *big.Int) *big.Int { return new(big.Int).Mul(x, y) })
	case "div":
		return intBinary(a, b, offset, op, func(x, y *big.Int) *big.Int {
			if y.Sign() == 0 {
				return big.NewInt(0)
			}
			return new(big.Int).Quo(x, y)
		})
	case "and":
		return intBinary(a, b, offset, op, func(x, y *big.Int) *big.Int { return new(big.Int).And(x, y) })
	case "or":
		return intBinary(a, b, offset, op, func(x, y *big.Int) *big.Int { return new(big.Int).Or(x, y) })
	case "xor":
		return intBinary(a, b, offset, op, func(x, y *big.Int) *big.Int { return new(big.Int).Xor(x, y) })
	case "lshift":
		return intBinary(a, b, offset, op, func(x, y *big.Int) *big.Int { return new(big.Int).Lsh(x, uint(y.Int64())) })
	case "rshift":
		return intBinary(a, b, offset, op, func(x, y *big.Int) *big.Int { return new(big.Int).Rsh(x, uint(y.Int64())) })
	}
	return marshal.Const{}, &ComplexExpressionError{Offset: offset, Op: op, Detail: "unknown binary kind " + kind}
}

func intBinary(a, b marshal.Const, offset int, op opcode.Op, f func(x, y *big.Int) *big.Int) (marshal.Const, error) {
	if a.Kind != marshal.KindInt || b.Kind != marshal.KindInt {
		return marshal.Const{}, &ObjectError{Offset: offset, Op: op, Wanted: "int operands", Got: a.Kind}
	}
	return marshal.NewInt(f(a.Int, b.Int)), nil
}

func repeatStr(s []byte, n *big.Int) marshal.Const {
	if n.Sign() <= 0 {
		return marshal.NewStr(nil)
	}
	count := int(n.Int64())
	out := make([]byte, 0, len(s)*count)
	for i := 0; i < count; i++ {
		out = append(out, s...)
	}
	return marshal.NewStr(out)
}

func opBinarySubscr(m *VM, instr opcode.Instruction, offset int) error {
	key, ok1 := m.pop()
	obj, ok2 := m.pop()
	if !ok1 || !ok2 {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "two operands", Got: marshal.KindNone}
	}
	prov := unionAll([]Cell{obj, key}, offset)
	if !obj.Value.Known || !key.Value.Known {
		m.push(UnknownCell(prov))
		return nil
	}
	if obj.Value.Const.Kind != marshal.KindList || key.Value.Const.Kind != marshal.KindInt {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "list[int]", Got: obj.Value.Const.Kind}
	}
	v, ok := obj.Value.Const.List.Get(int(key.Value.Const.Int.Int64()))
	if !ok {
		m.push(UnknownCell(prov))
		return nil
	}
	m.push(KnownCell(v, prov))
	return nil
}

func opUnaryNot(m *VM, instr opcode.Instruction, offset int) error {
	c, ok := m.pop()
	if !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "one operand", Got: marshal.KindNone}
	}
	prov := c.Provenance.With(offset)
	if !c.Value.Known {
		m.push(UnknownCell(prov))
		return nil
	}
	if c.Value.Const.Kind != marshal.KindBool && c.Value.Const.Kind != marshal.KindInt {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "bool or int", Got: c.Value.Const.Kind}
	}
	m.push(KnownCell(marshal.NewBool(!c.Value.Const.Truthy()), prov))
	return nil
}

// opStoreSubscr implements obj[key] = val. Per spec.md §4.3, if any
// operand is unknown the store is skipped rather than attempted against a
// placeholder: interior-mutable cells store concrete Consts only.
func opStoreSubscr(m *VM, instr opcode.Instruction, offset int) error {
	key, ok1 := m.pop()
	obj, ok2 := m.pop()
	val, ok3 := m.pop()
	if !ok1 || !ok2 || !ok3 {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "three operands", Got: marshal.KindNone}
	}
	if !obj.Value.Known || !key.Value.Known || !val.Value.Known {
		return nil
	}
	switch obj.Value.Const.Kind {
	case marshal.KindList:
		if key.Value.Const.Kind != marshal.KindInt {
			return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "int key", Got: key.Value.Const.Kind}
		}
		obj.Value.Const.List.Set(int(key.Value.Const.Int.Int64()), val.Value.Const)
	case marshal.KindDict:
		obj.Value.Const.Dict.Store(key.Value.Const, val.Value.Const)
	default:
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "list or dict", Got: obj.Value.Const.Kind}
	}
	return nil
}

func opBuildAggregate(kind marshal.Kind) handlerFunc {
	return func(m *VM, instr opcode.Instruction, offset int) error {
		n := int(instr.Arg)
		items, ok := m.popN(n)
		if !ok {
			return &ObjectError{Offset: offset, Op: instr.Op, Wanted: fmt.Sprintf("%d operands", n), Got: marshal.KindNone}
		}
		prov := unionAll(items, offset)
		consts := make([]marshal.Const, n)
		allKnown := true
		for i, c := range items {
			if !c.Value.Known {
				allKnown = false
			}
			consts[i] = c.Value.Const
		}
		if !allKnown {
			m.push(UnknownCell(prov))
			return nil
		}
		switch kind {
		case marshal.KindTuple:
			m.push(KnownCell(marshal.NewTuple(consts), prov))
		case marshal.KindList:
			m.push(KnownCell(marshal.Const{Kind: marshal.KindList, List: marshal.NewList(consts)}, prov))
		case marshal.KindSet:
			m.push(KnownCell(marshal.Const{Kind: marshal.KindSet, Set: marshal.NewSet(consts)}, prov))
		}
		return nil
	}
}

// opBuildMap implements BUILD_MAP: in CPython 2.7 the argument is only a
// size hint and nothing is popped; the dict is populated by subsequent
// STORE_MAP instructions.
func opBuildMap(m *VM, instr opcode.Instruction, offset int) error {
	m.push(KnownCell(marshal.Const{Kind: marshal.KindDict, Dict: marshal.NewDict()}, NewProvenance(offset)))
	return nil
}

// opListAppend models the obfuscator's string-accumulator idiom: the
// value below the popped byte on the stack is treated as a growing byte
// string rather than a real Python list, per spec.md §4.3.
func opListAppend(m *VM, instr opcode.Instruction, offset int) error {
	val, ok := m.pop()
	if !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "one operand", Got: marshal.KindNone}
	}
	idx := len(m.stack) - int(instr.Arg)
	if idx < 0 || idx >= len(m.stack) {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "accumulator on stack", Got: marshal.KindNone}
	}
	acc := m.stack[idx]
	prov := unionAll([]Cell{acc, val}, offset)
	if !acc.Value.Known || !val.Value.Known || acc.Value.Const.Kind != marshal.KindStr || val.Value.Const.Kind != marshal.KindInt {
		m.stack[idx] = UnknownCell(prov)
		return nil
	}
	b := byte(val.Value.Const.Int.Int64())
	m.stack[idx] = KnownCell(marshal.NewStr(append(append([]byte{}, acc.Value.Const.Str...), b)), prov)
	return nil
}

func opUnpackSequence(m *VM, instr opcode.Instruction, offset int) error {
	c, ok := m.pop()
	if !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "one operand", Got: marshal.KindNone}
	}
	n := int(instr.Arg)
	prov := c.Provenance.With(offset)
	if !c.Value.Known || c.Value.Const.Kind != marshal.KindTuple || len(c.Value.Const.Tuple) != n {
		for i := 0; i < n; i++ {
			m.push(UnknownCell(prov))
		}
		return nil
	}
	for i := n - 1; i >= 0; i-- {
		m.push(KnownCell(c.Value.Const.Tuple[i], prov))
	}
	return nil
}

func opMakeFunction(m *VM, instr opcode.Instruction, offset int) error {
	c, ok := m.pop()
	if !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "one operand", Got: marshal.KindNone}
	}
	m.push(UnknownCell(c.Provenance.With(offset)))
	return nil
}

// opGetIter is a no-op: the iterator is modeled as its underlying
// container, per spec.md §4.3.
func opGetIter(m *VM, instr opcode.Instruction, offset int) error { return nil }

func opCallFunction(m *VM, instr opcode.Instruction, offset int) error {
	argc := int(instr.Arg & 0xff)
	kwargc := int((instr.Arg >> 8) & 0xff)
	n := argc + 2*kwargc
	args, ok := m.popN(n)
	if !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: fmt.Sprintf("%d arguments", n), Got: marshal.KindNone}
	}
	callee, ok := m.pop()
	if !ok {
		return &ObjectError{Offset: offset, Op: instr.Op, Wanted: "callee", Got: marshal.KindNone}
	}
	prov := unionAll(append(append([]Cell{}, args...), callee), offset)
	if m.Resolve == nil {
		return &UnsupportedOpcodeError{Offset: offset, Op: instr.Op}
	}
	name := ""
	if callee.Value.Known && callee.Value.Const.Kind == marshal.KindStr {
		name = string(callee.Value.Const.Str)
	}
	result, err := m.Resolve(name, args)
	if err != nil {
		return err
	}
	m.push(Cell{Value: result.Value, Provenance: prov.Union(result.Provenance)})
	return nil
}
