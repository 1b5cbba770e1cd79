package tsdb

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"

	kiterrors "github.com/saxdb/saxdb/kit/errors"
)

// BitmapIndex is an unordered secondary index over one low-cardinality
// metadata field. Each distinct value maps to a compressed bitmap of
// metadata slot numbers; slot n is the record at byte offset n*R in the
// metadata heap. Used for the implicit deleted and vp fields and any
// field declared with IndexBitmap.
type BitmapIndex struct {
	field string
	ftype FieldType
	sets  map[string]*SlotSet
	vals  map[string]interface{}
}

// NewBitmapIndex returns an empty index over the named field.
func NewBitmapIndex(field string, ftype FieldType) *BitmapIndex {
	return &BitmapIndex{
		field: field,
		ftype: ftype,
		sets:  make(map[string]*SlotSet),
		vals:  make(map[string]interface{}),
	}
}

// Field returns the indexed field name.
func (idx *BitmapIndex) Field() string { return idx.field }

func (idx *BitmapIndex) keyOf(value interface{}) (string, error) {
	switch idx.ftype {
	case FieldInt:
		v, ok := value.(int64)
		if !ok {
			return "", idx.typeErr(value)
		}
		return strconv.FormatInt(v, 10), nil
	case FieldFloat:
		v, ok := value.(float64)
		if !ok {
			return "", idx.typeErr(value)
		}
		return strconv.FormatUint(math.Float64bits(v), 16), nil
	case FieldBool:
		v, ok := value.(bool)
		if !ok {
			return "", idx.typeErr(value)
		}
		return strconv.FormatBool(v), nil
	case FieldString:
		v, ok := value.(string)
		if !ok {
			return "", idx.typeErr(value)
		}
		return v, nil
	}
	return "", &kiterrors.Error{
		Code: kiterrors.EInternal,
		Msg:  fmt.Sprintf("index %s has unknown field type", idx.field),
	}
}

func (idx *BitmapIndex) typeErr(value interface{}) error {
	return &kiterrors.Error{
		Code: kiterrors.EInternal,
		Msg:  fmt.Sprintf("index %s given value of type %T", idx.field, value),
	}
}

// Insert adds the slot under value.
func (idx *BitmapIndex) Insert(value interface{}, slot uint32) error {
	key, err := idx.keyOf(value)
	if err != nil {
		return err
	}
	set, ok := idx.sets[key]
	if !ok {
		set = NewSlotSet()
		idx.sets[key] = set
		idx.vals[key] = value
	}
	set.Add(slot)
	return nil
}

// Remove drops the slot from under value. Removing an absent pair is a
// no-op.
func (idx *BitmapIndex) Remove(value interface{}, slot uint32) error {
	key, err := idx.keyOf(value)
	if err != nil {
		return err
	}
	set, ok := idx.sets[key]
	if !ok {
		return nil
	}
	set.Remove(slot)
	if set.Cardinality() == 0 {
		delete(idx.sets, key)
		delete(idx.vals, key)
	}
	return nil
}

// Lookup returns the slots stored under value. The returned set is live;
// callers must not mutate it.
func (idx *BitmapIndex) Lookup(value interface{}) (*SlotSet, error) {
	key, err := idx.keyOf(value)
	if err != nil {
		return nil, err
	}
	set, ok := idx.sets[key]
	if !ok {
		return NewSlotSet(), nil
	}
	return set, nil
}

// Values returns the distinct indexed values with their slot counts.
func (idx *BitmapIndex) Values() map[interface{}]uint64 {
	out := make(map[interface{}]uint64, len(idx.sets))
	for key, set := range idx.sets {
		out[idx.vals[key]] = set.Cardinality()
	}
	return out
}

// bitmapIndexSnapshotVersion guards the snapshot payload layout.
const bitmapIndexSnapshotVersion = 1

// MarshalBinary serializes the index with values in canonical key order.
func (idx *BitmapIndex) MarshalBinary() ([]byte, error) {
	keys := make([]string, 0, len(idx.sets))
	for key := range idx.sets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	buf := []byte{bitmapIndexSnapshotVersion, byte(idx.ftype)}
	buf = appendString16(buf, idx.field)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(keys)))
	for _, key := range keys {
		buf = appendString16(buf, key)
		bits, err := idx.sets[key].MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(bits)))
		buf = append(buf, bits...)
	}
	return buf, nil
}

// UnmarshalBinary restores the index from a snapshot payload.
func (idx *BitmapIndex) UnmarshalBinary(data []byte) error {
	corrupt := func() error {
		return &kiterrors.Error{
			Code: kiterrors.EIntegrity,
			Msg:  fmt.Sprintf("index snapshot for %s corrupt", idx.field),
		}
	}

	if len(data) < 2 || data[0] != bitmapIndexSnapshotVersion {
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

	sets := make(map[string]*SlotSet, n)
	vals := make(map[string]interface{}, n)
	for i := 0; i < n; i++ {
		var key string
		key, rest, err = readString16From(rest)
		if err != nil {
			return corrupt()
		}
		if len(rest) < 4 {
			return corrupt()
		}
		m := int(binary.BigEndian.Uint32(rest))
		rest = rest[4:]
		if len(rest) < m {
			return corrupt()
		}
		set := NewSlotSet()
		if err := set.UnmarshalBinary(rest[:m]); err != nil {
			return corrupt()
		}
		rest = rest[m:]

		value, err := idx.valueOf(key)
		if err != nil {
			return corrupt()
		}
		sets[key] = set
		vals[key] = value
	}
	idx.sets = sets
	idx.vals = vals
	return nil
}

func (idx *BitmapIndex) valueOf(key string) (interface{}, error) {
	switch idx.ftype {
	case FieldInt:
		return strconv.ParseInt(key, 10, 64)
	case FieldFloat:
		bits, err := strconv.ParseUint(key, 16, 64)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(bits), nil
	case FieldBool:
		return strconv.ParseBool(key)
	default:
		return key, nil
	}
}
