package tsdb

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/google/btree"

	kiterrors "github.com/saxdb/saxdb/kit/errors"
)

// treeIndexDegree is the branching factor of the in-memory B-tree.
const treeIndexDegree = 32

// treeKey is a typed sort key for one indexed value. Only the member that
// matches the field type is meaningful.
type treeKey struct {
	i int64
	f float64
	s string
}

// treeNode holds all primary keys sharing one indexed value.
type treeNode struct {
	key treeKey
	pks map[string]struct{}
}

// TreeIndex is an ordered secondary index over one metadata field, backed
// by an in-memory B-tree. It supports point and range lookups and is the
// index kind used for numeric fields such as vantage-point distances.
type TreeIndex struct {
	field string
	ftype FieldType
	tree  *btree.BTreeG[*treeNode]
}

// NewTreeIndex returns an empty index over the named field.
func NewTreeIndex(field string, ftype FieldType) *TreeIndex {
	less := lessFor(ftype)
	return &TreeIndex{
		field: field,
		ftype: ftype,
		tree:  btree.NewG(treeIndexDegree, func(a, b *treeNode) bool { return less(a.key, b.key) }),
	}
}

func lessFor(ftype FieldType) func(a, b treeKey) bool {
	switch ftype {
	case FieldString:
		return func(a, b treeKey) bool { return a.s < b.s }
	case FieldFloat:
		return func(a, b treeKey) bool { return a.f < b.f }
	default:
		return func(a, b treeKey) bool { return a.i < b.i }
	}
}

// Field returns the indexed field name.
func (idx *TreeIndex) Field() string { return idx.field }

func (idx *TreeIndex) keyOf(value interface{}) (treeKey, error) {
	switch idx.ftype {
	case FieldInt:
		v, ok := value.(int64)
		if !ok {
			return treeKey{}, idx.typeErr(value)
		}
		return treeKey{i: v}, nil
	case FieldFloat:
		v, ok := value.(float64)
		if !ok {
			return treeKey{}, idx.typeErr(value)
		}
		return treeKey{f: v}, nil
	case FieldBool:
		v, ok := value.(bool)
		if !ok {
			return treeKey{}, idx.typeErr(value)
		}
		var i int64
		if v {
			i = 1
		}
		return treeKey{i: i}, nil
	case FieldString:
		v, ok := value.(string)
		if !ok {
			return treeKey{}, idx.typeErr(value)
		}
		return treeKey{s: v}, nil
	}
	return treeKey{}, &kiterrors.Error{
		Code: kiterrors.EInternal,
		Msg:  fmt.Sprintf("index %s has unknown field type", idx.field),
	}
}

func (idx *TreeIndex) typeErr(value interface{}) error {
	return &kiterrors.Error{
		Code: kiterrors.EInternal,
		Msg:  fmt.Sprintf("index %s given value of type %T", idx.field, value),
	}
}

// Insert adds pk under value.
func (idx *TreeIndex) Insert(value interface{}, pk string) error {
	key, err := idx.keyOf(value)
	if err != nil {
		return err
	}
	node, ok := idx.tree.Get(&treeNode{key: key})
	if !ok {
		node = &treeNode{key: key, pks: make(map[string]struct{})}
		idx.tree.ReplaceOrInsert(node)
	}
	node.pks[pk] = struct{}{}
	return nil
}

// Remove drops pk from under value. Removing an absent pair is a no-op.
func (idx *TreeIndex) Remove(value interface{}, pk string) error {
	key, err := idx.keyOf(value)
	if err != nil {
		return err
	}
	node, ok := idx.tree.Get(&treeNode{key: key})
	if !ok {
		return nil
	}
	delete(node.pks, pk)
	if len(node.pks) == 0 {
		idx.tree.Delete(node)
	}
	return nil
}

// Lookup returns the primary keys stored under value, in lexical order.
func (idx *TreeIndex) Lookup(value interface{}) ([]string, error) {
	key, err := idx.keyOf(value)
	if err != nil {
		return nil, err
	}
	node, ok := idx.tree.Get(&treeNode{key: key})
	if !ok {
		return nil, nil
	}
	return sortedPKs(node.pks), nil
}

// Range returns the primary keys whose indexed value lies in [min, max],
// with either bound optionally exclusive.
func (idx *TreeIndex) Range(min, max interface{}, inclMin, inclMax bool) ([]string, error) {
	lo, err := idx.keyOf(min)
	if err != nil {
		return nil, err
	}
	hi, err := idx.keyOf(max)
	if err != nil {
		return nil, err
	}
	less := lessFor(idx.ftype)

	var out []string
	idx.tree.AscendGreaterOrEqual(&treeNode{key: lo}, func(node *treeNode) bool {
		if less(hi, node.key) {
			return false
		}
		if !inclMin && !less(lo, node.key) && !less(node.key, lo) {
			return true
		}
		if !inclMax && !less(node.key, hi) && !less(hi, node.key) {
			return true
		}
		out = append(out, sortedPKs(node.pks)...)
		return true
	})
	sort.Strings(out)
	return out, nil
}

// Ascend calls fn for every (value, pks) pair in key order until fn
// returns false.
func (idx *TreeIndex) Ascend(fn func(value interface{}, pks []string) bool) {
	idx.tree.Ascend(func(node *treeNode) bool {
		return fn(idx.valueOf(node.key), sortedPKs(node.pks))
	})
}

func (idx *TreeIndex) valueOf(key treeKey) interface{} {
	switch idx.ftype {
	case FieldInt:
		return key.i
	case FieldFloat:
		return key.f
	case FieldBool:
		return key.i != 0
	default:
		return key.s
	}
}

func sortedPKs(set map[string]struct{}) []string {
	pks := make([]string, 0, len(set))
	for pk := range set {
		pks = append(pks, pk)
	}
	sort.Strings(pks)
	return pks
}

// treeIndexSnapshotVersion guards the snapshot payload layout.
const treeIndexSnapshotVersion = 1

// MarshalBinary serializes the index in key order.
func (idx *TreeIndex) MarshalBinary() ([]byte, error) {
	buf := []byte{treeIndexSnapshotVersion, byte(idx.ftype)}
	buf = appendString16(buf, idx.field)
	buf = binary.BigEndian.AppendUint32(buf, uint32(idx.tree.Len()))

	var err error
	idx.tree.Ascend(func(node *treeNode) bool {
		switch idx.ftype {
		case FieldFloat:
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(node.key.f))
		case FieldString:
			buf = appendString16(buf, node.key.s)
		default:
			buf = binary.BigEndian.AppendUint64(buf, uint64(node.key.i))
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(node.pks)))
		for _, pk := range sortedPKs(node.pks) {
			buf = appendString16(buf, pk)
		}
		return true
	})
	return buf, err
}

// UnmarshalBinary restores the index from a snapshot payload. The field
// name and type in the payload must match the index.
func (idx *TreeIndex) UnmarshalBinary(data []byte) error {
	corrupt := func() error {
		return &kiterrors.Error{
			Code: kiterrors.EIntegrity,
			Msg:  fmt.Sprintf("index snapshot for %s corrupt", idx.field),
		}
	}

	if len(data) < 2 || data[0] != treeIndexSnapshotVersion {
		return corrupt()
	}
	ftype := FieldType(data[1])
	field, rest, err := readString16From(data[2:])
	if err != nil {
		return corrupt()
	}
	if field != idx.field || ftype != idx.ftype {
		return &kiterrors.Error{
			Code: kiterrors.ESchemaMismatch,
			Msg:  fmt.Sprintf("index snapshot is for field %s, expected %s", field, idx.field),
		}
	}
	if len(rest) < 4 {
		return corrupt()
	}
	n := int(binary.BigEndian.Uint32(rest))
	rest = rest[4:]

	less := lessFor(idx.ftype)
	tree := btree.NewG(treeIndexDegree, func(a, b *treeNode) bool { return less(a.key, b.key) })
	for i := 0; i < n; i++ {
		var key treeKey
		switch idx.ftype {
		case FieldFloat:
			if len(rest) < 8 {
				return corrupt()
			}
			key.f = math.Float64frombits(binary.BigEndian.Uint64(rest))
			rest = rest[8:]
		case FieldString:
			key.s, rest, err = readString16From(rest)
			if err != nil {
				return corrupt()
			}
		default:
			if len(rest) < 8 {
				return corrupt()
			}
			key.i = int64(binary.BigEndian.Uint64(rest))
			rest = rest[8:]
		}
		if len(rest) < 4 {
			return corrupt()
		}
		m := int(binary.BigEndian.Uint32(rest))
		rest = rest[4:]

		node := &treeNode{key: key, pks: make(map[string]struct{}, m)}
		for j := 0; j < m; j++ {
			var pk string
			pk, rest, err = readString16From(rest)
			if err != nil {
				return corrupt()
			}
			node.pks[pk] = struct{}{}
		}
		tree.ReplaceOrInsert(node)
	}
	idx.tree = tree
	return nil
}
