// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marshal

import (
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"
)

// Python 2.7 marshal type tags relevant to code-object constant pools.
// The high bit (0x80) marks a "reference" entry in CPython's marshal but
// pydeobf does not implement the shared-object cache; it is masked off.
const (
	tagNull       = '0'
	tagNone       = 'N'
	tagFalse      = 'F'
	tagTrue       = 'T'
	tagInt        = 'i'
	tagInt64      = 'I'
	tagLong       = 'l'
	tagString     = 's'
	tagInterned   = 't'
	tagStringRef  = 'R'
	tagTuple      = '('
	tagList       = '['
	tagDict       = '{'
	tagSet        = '<'
	tagFrozenSet  = '>'
	tagCode       = 'c'
	tagUnicode    = 'u'
	refFlag       = 0x80
)

// Reader decodes marshal-format bytes from an in-memory buffer, the way a
// real caller would hand pydeobf a code object record already extracted
// from its container format (out of scope, per spec.md §1).
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for decoding.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// ErrTruncated is returned when the buffer runs out of bytes mid-record.
var ErrTruncated = errors.New("marshal: truncated input")

func (r *Reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrTruncated
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) int32() (int32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (r *Reader) int64() (int64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// ReadConst decodes a single Const value.
func (r *Reader) ReadConst() (Const, error) {
	c, _, err := r.readConstTagged()
	return c, err
}

// readConstTagged decodes a single Const value and also reports whether the
// leading tag byte was the dict/sequence terminator ('0', "NULL object").
// Plain ReadConst callers don't need this distinction because a NULL object
// never legally appears except as a dict terminator; readDict uses it to
// tell "no more entries" apart from an actual None key.
func (r *Reader) readConstTagged() (Const, bool, error) {
	rawTag, err := r.byte()
	if err != nil {
		return Const{}, false, err
	}
	isNull := rawTag&^refFlag == tagNull
	tag := rawTag &^ refFlag

	switch tag {
	case tagNull, tagNone:
		return None, isNull, nil
	case tagFalse:
		return NewBool(false), false, nil
	case tagTrue:
		return NewBool(true), false, nil
	case tagInt:
		v, err := r.int32()
		if err != nil {
			return Const{}, false, err
		}
		return NewIntFromInt64(int64(v)), false, nil
	case tagInt64:
		v, err := r.int64()
		if err != nil {
			return Const{}, false, err
		}
		return NewIntFromInt64(v), false, nil
	case tagLong:
		c, err := r.readLong()
		return c, false, err
	case tagString, tagInterned, tagUnicode:
		n, err := r.int32()
		if err != nil {
			return Const{}, false, err
		}
		if n < 0 {
			return Const{}, false, errors.Errorf("marshal: negative string length %d", n)
		}
		s, err := r.bytes(int(n))
		if err != nil {
			return Const{}, false, err
		}
		return NewStr(append([]byte(nil), s...)), false, nil
	case tagTuple:
		items, err := r.readConstSlice()
		if err != nil {
			return Const{}, false, err
		}
		return NewTuple(items), false, nil
	case tagList:
		items, err := r.readConstSlice()
		if err != nil {
			return Const{}, false, err
		}
		return Const{Kind: KindList, List: NewList(items)}, false, nil
	case tagSet, tagFrozenSet:
		items, err := r.readConstSlice()
		if err != nil {
			return Const{}, false, err
		}
		return Const{Kind: KindSet, Set: NewSet(items)}, false, nil
	case tagDict:
		d := NewDict()
		for {
			key, end, err := r.readConstTagged()
			if err != nil {
				return Const{}, false, err
			}
			if end {
				break
			}
			val, _, err := r.readConstTagged()
			if err != nil {
				return Const{}, false, err
			}
			d.Store(key, val)
		}
		return Const{Kind: KindDict, Dict: d}, false, nil
	case tagCode:
		co, err := r.readCodeObject()
		if err != nil {
			return Const{}, false, err
		}
		return Const{Kind: KindCode, Code: co}, false, nil
	default:
		return Const{}, false, errors.Errorf("marshal: unsupported type tag %q", tag)
	}
}

func (r *Reader) readConstSlice() ([]Const, error) {
	n, err := r.int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.Errorf("marshal: negative count %d", n)
	}
	out := make([]Const, n)
	for i := range out {
		out[i], err = r.ReadConst()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// readLong decodes CPython's arbitrary-precision "long" encoding: a 32-bit
// signed digit count (negative for negative values) followed by that many
// unsigned 16-bit digits in base 2**15, least-significant digit first.
func (r *Reader) readLong() (Const, error) {
	n, err := r.int32()
	if err != nil {
		return Const{}, err
	}
	negative := n < 0
	if negative {
		n = -n
	}
	result := new(big.Int)
	shift := uint(0)
	for i := int32(0); i < n; i++ {
		digitBytes, err := r.bytes(2)
		if err != nil {
			return Const{}, err
		}
		digit := big.NewInt(int64(binary.LittleEndian.Uint16(digitBytes)))
		term := new(big.Int).Lsh(digit, shift)
		result.Add(result, term)
		shift += 15
	}
	if negative {
		result.Neg(result)
	}
	return NewInt(result), nil
}

func (r *Reader) readCodeObject() (*CodeObject, error) {
	co := &CodeObject{}

	ints := []*int{&co.ArgCount, &co.NLocals, &co.StackSize, &co.Flags}
	for _, dst := range ints {
		i32, err := r.int32()
		if err != nil {
			return nil, err
		}
		*dst = int(i32)
	}

	codeConst, err := r.ReadConst()
	if err != nil {
		return nil, errors.Wrap(err, "marshal: reading co_code")
	}
	if codeConst.Kind != KindStr {
		return nil, errors.New("marshal: co_code is not a string")
	}
	co.Code = codeConst.Str

	consts, err := r.ReadConst()
	if err != nil {
		return nil, errors.Wrap(err, "marshal: reading co_consts")
	}
	if consts.Kind != KindTuple {
		return nil, errors.New("marshal: co_consts is not a tuple")
	}
	co.Consts = consts.Tuple

	co.Names, err = r.readStringTuple()
	if err != nil {
		return nil, errors.Wrap(err, "marshal: reading co_names")
	}
	co.VarNames, err = r.readStringTuple()
	if err != nil {
		return nil, errors.Wrap(err, "marshal: reading co_varnames")
	}
	co.FreeVars, err = r.readStringTuple()
	if err != nil {
		return nil, errors.Wrap(err, "marshal: reading co_freevars")
	}
	co.CellVars, err = r.readStringTuple()
	if err != nil {
		return nil, errors.Wrap(err, "marshal: reading co_cellvars")
	}

	filename, err := r.ReadConst()
	if err != nil {
		return nil, err
	}
	co.Filename = string(filename.Str)

	name, err := r.ReadConst()
	if err != nil {
		return nil, err
	}
	co.Name = string(name.Str)

	firstLine, err := r.int32()
	if err != nil {
		return nil, err
	}
	co.FirstLineNo = int(firstLine)

	lnotab, err := r.ReadConst()
	if err != nil {
		return nil, err
	}
	co.LnoTab = lnotab.Str

	return co, nil
}

func (r *Reader) readStringTuple() ([]string, error) {
	c, err := r.ReadConst()
	if err != nil {
		return nil, err
	}
	if c.Kind != KindTuple {
		return nil, errors.New("marshal: expected tuple of strings")
	}
	out := make([]string, len(c.Tuple))
	for i, v := range c.Tuple {
		out[i] = string(v.Str)
	}
	return out, nil
}

// ReadCodeObject decodes a top-level code object record: the entry point
// for the External Interface described in spec.md §6.
func ReadCodeObject(buf []byte) (*CodeObject, error) {
	r := NewReader(buf)
	c, err := r.ReadConst()
	if err != nil {
		return nil, err
	}
	if c.Kind != KindCode {
		return nil, errors.New("marshal: input is not a code object")
	}
	return c.Code, nil
}
