// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package marshal decodes the subset of the CPython 2.7 "marshal" format
// needed to read a code object's constant pool: the data model described in
// spec.md §3. The on-disk container that wraps a whole .pyc file (magic
// number, source timestamp, outer framing) is an external collaborator and
// is not implemented here — only the code-object record shape that is the
// explicit input contract of the core (spec.md §6).
package marshal

import (
	"math/big"
	"sync"
)

// Kind tags the dynamic type of a Const.
type Kind int

const (
	KindNone Kind = iota
	KindBool
	KindInt
	KindStr
	KindTuple
	KindList
	KindSet
	KindDict
	KindCode
)

// Const is a single entry of a code object's constant pool. All Const
// values except List/Set/Dict are immutable and freely shareable; those
// three wrap a lockable, interior-mutable container, per spec.md §3 and §9.
type Const struct {
	Kind Kind

	Bool  bool
	Int   *big.Int
	Str   []byte
	Tuple []Const
	List  *ListCell
	Set   *SetCell
	Dict  *DictCell
	Code  *CodeObject
}

// None is the singleton None constant.
var None = Const{Kind: KindNone}

// Truthy reports the Python truth value of a constant, following the same
// rules CPython's object.__nonzero__/__len__ protocol would produce for the
// kinds a marshalled constant pool can hold.
func (c Const) Truthy() bool {
	switch c.Kind {
	case KindNone:
		return false
	case KindBool:
		return c.Bool
	case KindInt:
		return c.Int.Sign() != 0
	case KindStr:
		return len(c.Str) > 0
	case KindTuple:
		return len(c.Tuple) > 0
	case KindList:
		return c.List.Len() > 0
	case KindSet:
		c.Set.mu.Lock()
		defer c.Set.mu.Unlock()
		return len(c.Set.Items) > 0
	case KindDict:
		c.Dict.mu.Lock()
		defer c.Dict.mu.Unlock()
		return len(c.Dict.Items) > 0
	default:
		return true
	}
}

// NewBool builds a Bool constant.
func NewBool(v bool) Const { return Const{Kind: KindBool, Bool: v} }

// NewInt builds an Int constant from an arbitrary-precision integer. Python
// 2.7 "int" and "long" literals are unified here since, unlike CPython,
// pydeobf never needs to distinguish fixed- from arbitrary-precision
// integers at the type level — only at the value level, which *big.Int
// already handles by growing as needed.
func NewInt(v *big.Int) Const { return Const{Kind: KindInt, Int: v} }

// NewIntFromInt64 is a convenience constructor for small known integers.
func NewIntFromInt64(v int64) Const { return NewInt(big.NewInt(v)) }

// NewStr builds a Str constant from a byte string (Python 2 str is a byte
// string, not Unicode text).
func NewStr(v []byte) Const { return Const{Kind: KindStr, Str: v} }

// NewTuple builds a Tuple constant.
func NewTuple(v []Const) Const { return Const{Kind: KindTuple, Tuple: v} }

// ListCell is a shared, interior-mutable list. The mutex must be held for
// the duration of a single read or write only; see spec.md §9.
type ListCell struct {
	mu    sync.Mutex
	Items []Const
}

// NewList wraps items in a fresh ListCell.
func NewList(items []Const) *ListCell { return &ListCell{Items: items} }

// Append appends v to the list under lock.
func (l *ListCell) Append(v Const) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Items = append(l.Items, v)
}

// Get returns the element at idx under lock. ok is false if idx is out of
// range.
func (l *ListCell) Get(idx int) (Const, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx < 0 || idx >= len(l.Items) {
		return Const{}, false
	}
	return l.Items[idx], true
}

// Set stores v at idx under lock, growing the backing slice if needed.
func (l *ListCell) Set(idx int, v Const) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for idx >= len(l.Items) {
		l.Items = append(l.Items, None)
	}
	l.Items[idx] = v
}

// Len returns the current length under lock.
func (l *ListCell) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Items)
}

// SetCell is a shared, interior-mutable set of byte-string or integer keys,
// sufficient for the equality/inequality comparisons the Small VM performs
// on sets (spec.md §4.3).
type SetCell struct {
	mu    sync.Mutex
	Items map[string]Const
}

// NewSet wraps items in a fresh SetCell, keyed by their marshalled identity.
func NewSet(items []Const) *SetCell {
	s := &SetCell{Items: make(map[string]Const, len(items))}
	for _, v := range items {
		s.Items[setKey(v)] = v
	}
	return s
}

func setKey(v Const) string {
	switch v.Kind {
	case KindStr:
		return "s:" + string(v.Str)
	case KindInt:
		return "i:" + v.Int.String()
	case KindBool:
		if v.Bool {
			return "b:1"
		}
		return "b:0"
	default:
		return "?"
	}
}

// Equal reports whether two sets have the same membership, comparing under
// both locks.
func (s *SetCell) Equal(o *SetCell) bool {
	if s == o {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(s.Items) != len(o.Items) {
		return false
	}
	for k := range s.Items {
		if _, ok := o.Items[k]; !ok {
			return false
		}
	}
	return true
}

// DictCell is a shared, interior-mutable dict.
type DictCell struct {
	mu    sync.Mutex
	Items map[string]Const
	Order []string
}

// NewDict builds an empty DictCell.
func NewDict() *DictCell {
	return &DictCell{Items: make(map[string]Const)}
}

// Store writes key -> val under lock.
func (d *DictCell) Store(key, val Const) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := setKey(key)
	if _, exists := d.Items[k]; !exists {
		d.Order = append(d.Order, k)
	}
	d.Items[k] = val
}

// Load reads the value for key under lock.
func (d *DictCell) Load(key Const) (Const, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.Items[setKey(key)]
	return v, ok
}
