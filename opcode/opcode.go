// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package opcode provides the Instruction Model for Python 2.7 bytecode: a
// tagged enumeration of opcodes together with the pure classifiers the rest
// of pydeobf relies on (is this a jump, is it conditional, is it relative).
package opcode

// Op is a single CPython 2.7 bytecode opcode.
type Op byte

// HAVE_ARGUMENT is the Python 2.7 boundary: opcodes with a byte value at or
// above this take a 16-bit little-endian argument.
const HaveArgument = 90

const (
	StopCode        Op = 0
	PopTop          Op = 1
	RotTwo          Op = 2
	RotThree        Op = 3
	DupTop          Op = 4
	RotFour         Op = 5
	Nop             Op = 9
	UnaryPositive   Op = 10
	UnaryNegative   Op = 11
	UnaryNot        Op = 12
	UnaryConvert    Op = 13
	UnaryInvert     Op = 15
	BinaryPower     Op = 19
	BinaryMultiply  Op = 20
	BinaryDivide    Op = 21
	BinaryModulo    Op = 22
	BinaryAdd       Op = 23
	BinarySubtract  Op = 24
	BinarySubscr    Op = 25
	BinaryFloorDiv  Op = 26
	BinaryTrueDiv   Op = 27
	InplaceFloorDiv Op = 28
	InplaceTrueDiv  Op = 29
	Slice0          Op = 30
	Slice1          Op = 31
	Slice2          Op = 32
	Slice3          Op = 33
	StoreSlice0     Op = 40
	StoreSlice1     Op = 41
	StoreSlice2     Op = 42
	StoreSlice3     Op = 43
	DeleteSlice0    Op = 50
	DeleteSlice1    Op = 51
	DeleteSlice2    Op = 52
	DeleteSlice3    Op = 53
	StoreMap        Op = 54
	InplaceAdd      Op = 55
	InplaceSubtract Op = 56
	InplaceMultiply Op = 57
	InplaceDivide   Op = 58
	InplaceModulo   Op = 59
	StoreSubscr     Op = 60
	DeleteSubscr    Op = 61
	BinaryLshift    Op = 62
	BinaryRshift    Op = 63
	BinaryAnd       Op = 64
	BinaryXor       Op = 65
	BinaryOr        Op = 66
	InplacePower    Op = 67
	GetIter         Op = 68
	PrintExpr       Op = 70
	PrintItem       Op = 71
	PrintNewline    Op = 72
	PrintItemTo     Op = 73
	PrintNewlineTo  Op = 74
	InplaceLshift   Op = 75
	InplaceRshift   Op = 76
	InplaceAnd      Op = 77
	InplaceXor      Op = 78
	InplaceOr       Op = 79
	BreakLoop       Op = 80
	WithCleanup     Op = 81
	LoadLocals      Op = 82
	ReturnValue     Op = 83
	ImportStar      Op = 84
	ExecStmt        Op = 85
	YieldValue      Op = 86
	PopBlock        Op = 87
	EndFinally      Op = 88
	BuildClass      Op = 89

	StoreName        Op = 90
	DeleteName       Op = 91
	UnpackSequence   Op = 92
	ForIter          Op = 93
	ListAppend       Op = 94
	StoreAttr        Op = 95
	DeleteAttr       Op = 96
	StoreGlobal      Op = 97
	DeleteGlobal     Op = 98
	DupTopx          Op = 99
	LoadConst        Op = 100
	LoadName         Op = 101
	BuildTuple       Op = 102
	BuildList        Op = 103
	BuildSet         Op = 104
	BuildMap         Op = 105
	LoadAttr         Op = 106
	CompareOp        Op = 107
	ImportName       Op = 108
	ImportFrom       Op = 109
	JumpForward      Op = 110
	JumpIfFalseOrPop Op = 111
	JumpIfTrueOrPop  Op = 112
	JumpAbsolute     Op = 113
	PopJumpIfFalse   Op = 114
	PopJumpIfTrue    Op = 115
	LoadGlobal       Op = 116
	ContinueLoop     Op = 119
	SetupLoop        Op = 120
	SetupExcept      Op = 121
	SetupFinally     Op = 122
	LoadFast         Op = 124
	StoreFast        Op = 125
	DeleteFast       Op = 126
	RaiseVarargs     Op = 130
	CallFunction     Op = 131
	MakeFunction     Op = 132
	BuildSlice       Op = 133
	MakeClosure      Op = 134
	LoadClosure      Op = 135
	LoadDeref        Op = 136
	StoreDeref       Op = 137
	CallFunctionVar  Op = 140
	CallFunctionKw   Op = 141
	CallFunctionVarKw Op = 142
	SetupWith        Op = 143
	ExtendedArg      Op = 145
	SetAdd           Op = 146
	MapAdd           Op = 147
)

// Info describes the static properties of an opcode.
type Info struct {
	Name string
	// HasArg is true if the instruction is followed by a 16-bit argument.
	HasArg bool
}

var table [256]Info

func define(op Op, name string) {
	table[op] = Info{Name: name, HasArg: byte(op) >= HaveArgument}
}

func init() {
	for op, name := range map[Op]string{
		StopCode: "STOP_CODE", PopTop: "POP_TOP", RotTwo: "ROT_TWO",
		RotThree: "ROT_THREE", DupTop: "DUP_TOP", RotFour: "ROT_FOUR",
		Nop: "NOP", UnaryPositive: "UNARY_POSITIVE", UnaryNegative: "UNARY_NEGATIVE",
		UnaryNot: "UNARY_NOT", UnaryConvert: "UNARY_CONVERT", UnaryInvert: "UNARY_INVERT",
		BinaryPower: "BINARY_POWER", BinaryMultiply: "BINARY_MULTIPLY", BinaryDivide: "BINARY_DIVIDE",
		BinaryModulo: "BINARY_MODULO", BinaryAdd: "BINARY_ADD", BinarySubtract: "BINARY_SUBTRACT",
		BinarySubscr: "BINARY_SUBSCR", BinaryFloorDiv: "BINARY_FLOOR_DIVIDE", BinaryTrueDiv: "BINARY_TRUE_DIVIDE",
		InplaceFloorDiv: "INPLACE_FLOOR_DIVIDE", InplaceTrueDiv: "INPLACE_TRUE_DIVIDE",
		Slice0: "SLICE+0", Slice1: "SLICE+1", Slice2: "SLICE+2", Slice3: "SLICE+3",
		StoreSlice0: "STORE_SLICE+0", StoreSlice1: "STORE_SLICE+1", StoreSlice2: "STORE_SLICE+2", StoreSlice3: "STORE_SLICE+3",
		DeleteSlice0: "DELETE_SLICE+0", DeleteSlice1: "DELETE_SLICE+1", DeleteSlice2: "DELETE_SLICE+2", DeleteSlice3: "DELETE_SLICE+3",
		StoreMap: "STORE_MAP", InplaceAdd: "INPLACE_ADD", InplaceSubtract: "INPLACE_SUBTRACT",
		InplaceMultiply: "INPLACE_MULTIPLY", InplaceDivide: "INPLACE_DIVIDE", InplaceModulo: "INPLACE_MODULO",
		StoreSubscr: "STORE_SUBSCR", DeleteSubscr: "DELETE_SUBSCR",
		BinaryLshift: "BINARY_LSHIFT", BinaryRshift: "BINARY_RSHIFT", BinaryAnd: "BINARY_AND",
		BinaryXor: "BINARY_XOR", BinaryOr: "BINARY_OR", InplacePower: "INPLACE_POWER",
		GetIter: "GET_ITER", PrintExpr: "PRINT_EXPR", PrintItem: "PRINT_ITEM",
		PrintNewline: "PRINT_NEWLINE", PrintItemTo: "PRINT_ITEM_TO", PrintNewlineTo: "PRINT_NEWLINE_TO",
		InplaceLshift: "INPLACE_LSHIFT", InplaceRshift: "INPLACE_RSHIFT", InplaceAnd: "INPLACE_AND",
		InplaceXor: "INPLACE_XOR", InplaceOr: "INPLACE_OR", BreakLoop: "BREAK_LOOP",
		WithCleanup: "WITH_CLEANUP", LoadLocals: "LOAD_LOCALS", ReturnValue: "RETURN_VALUE",
		ImportStar: "IMPORT_STAR", ExecStmt: "EXEC_STMT", YieldValue: "YIELD_VALUE",
		PopBlock: "POP_BLOCK", EndFinally: "END_FINALLY", BuildClass: "BUILD_CLASS",
		StoreName: "STORE_NAME", DeleteName: "DELETE_NAME", UnpackSequence: "UNPACK_SEQUENCE",
		ForIter: "FOR_ITER", ListAppend: "LIST_APPEND", StoreAttr: "STORE_ATTR",
		DeleteAttr: "DELETE_ATTR", StoreGlobal: "STORE_GLOBAL", DeleteGlobal: "DELETE_GLOBAL",
		DupTopx: "DUP_TOPX", LoadConst: "LOAD_CONST", LoadName: "LOAD_NAME",
		BuildTuple: "BUILD_TUPLE", BuildList: "BUILD_LIST", BuildSet: "BUILD_SET", BuildMap: "BUILD_MAP",
		LoadAttr: "LOAD_ATTR", CompareOp: "COMPARE_OP", ImportName: "IMPORT_NAME", ImportFrom: "IMPORT_FROM",
		JumpForward: "JUMP_FORWARD", JumpIfFalseOrPop: "JUMP_IF_FALSE_OR_POP", JumpIfTrueOrPop: "JUMP_IF_TRUE_OR_POP",
		JumpAbsolute: "JUMP_ABSOLUTE", PopJumpIfFalse: "POP_JUMP_IF_FALSE", PopJumpIfTrue: "POP_JUMP_IF_TRUE",
		LoadGlobal: "LOAD_GLOBAL", ContinueLoop: "CONTINUE_LOOP", SetupLoop: "SETUP_LOOP",
		SetupExcept: "SETUP_EXCEPT", SetupFinally: "SETUP_FINALLY", LoadFast: "LOAD_FAST",
		StoreFast: "STORE_FAST", DeleteFast: "DELETE_FAST", RaiseVarargs: "RAISE_VARARGS",
		CallFunction: "CALL_FUNCTION", MakeFunction: "MAKE_FUNCTION", BuildSlice: "BUILD_SLICE",
		MakeClosure: "MAKE_CLOSURE", LoadClosure: "LOAD_CLOSURE", LoadDeref: "LOAD_DEREF",
		StoreDeref: "STORE_DEREF", CallFunctionVar: "CALL_FUNCTION_VAR", CallFunctionKw: "CALL_FUNCTION_KW",
		CallFunctionVarKw: "CALL_FUNCTION_VAR_KW", SetupWith: "SETUP_WITH", ExtendedArg: "EXTENDED_ARG",
		SetAdd: "SET_ADD", MapAdd: "MAP_ADD",
	} {
		define(op, name)
	}
}

// Defined reports whether op is a recognized Python 2.7 opcode.
func Defined(op Op) bool {
	return table[op].Name != ""
}

// Name returns the canonical CPython disassembly name for op, or "" if
// op is not a recognized opcode.
func (op Op) Name() string {
	return table[op].Name
}

// HasArg reports whether op is followed by a 16-bit little-endian
// argument in the bytecode stream.
func (op Op) HasArg() bool {
	return table[op].HasArg
}

// Size returns the encoded size of an instruction with this opcode: 1 byte
// if it takes no argument, 3 bytes otherwise.
func (op Op) Size() int {
	if op.HasArg() {
		return 3
	}
	return 1
}

var jumps = map[Op]bool{
	JumpForward: true, JumpIfFalseOrPop: true, JumpIfTrueOrPop: true,
	JumpAbsolute: true, PopJumpIfFalse: true, PopJumpIfTrue: true,
	ContinueLoop: true, SetupLoop: true, SetupExcept: true, SetupFinally: true,
	ForIter: true, SetupWith: true,
}

var conditional = map[Op]bool{
	JumpIfFalseOrPop: true, JumpIfTrueOrPop: true,
	PopJumpIfFalse: true, PopJumpIfTrue: true, ForIter: true,
}

// trueOnTaken says whether taking the jump (as opposed to falling through)
// corresponds to a TrueBranch edge for this conditional opcode.
var trueOnTaken = map[Op]bool{
	PopJumpIfTrue:    true,
	JumpIfTrueOrPop:  true,
	PopJumpIfFalse:   false,
	JumpIfFalseOrPop: false,
	ForIter:          false, // taking the jump means the iterator is exhausted
}

var absolute = map[Op]bool{
	JumpAbsolute: true, PopJumpIfFalse: true, PopJumpIfTrue: true,
	JumpIfFalseOrPop: true, JumpIfTrueOrPop: true, ContinueLoop: true,
}

// IsJump reports whether op ever transfers control to a target other than
// the next sequential instruction.
func (op Op) IsJump() bool { return jumps[op] }

// IsConditionalJump reports whether op has two possible successors
// depending on a runtime value.
func (op Op) IsConditionalJump() bool { return conditional[op] }

// IsAbsoluteJump reports whether op's argument is an absolute byte offset
// from the start of the code object, as opposed to a delta.
func (op Op) IsAbsoluteJump() bool { return absolute[op] }

// IsRelativeJump reports whether op's argument is a delta from the end of
// the instruction.
func (op Op) IsRelativeJump() bool { return op.IsJump() && !op.IsAbsoluteJump() }

// TrueBranchIsTarget reports, for a conditional jump op, whether the
// jump target (as opposed to the fallthrough) is the TrueBranch successor.
func (op Op) TrueBranchIsTarget() bool { return trueOnTaken[op] }

// IsTerminator reports whether op ends a basic block with no fallthrough
// and no explicit jump target (RETURN_VALUE, RAISE_VARARGS).
func (op Op) IsTerminator() bool {
	return op == ReturnValue || op == RaiseVarargs
}
