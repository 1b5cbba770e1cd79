package tsdb

import (
	"bytes"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// SlotSet is a lockable bitmap of metadata slot numbers. Bitmap-indexed
// fields keep one SlotSet per distinct value.
type SlotSet struct {
	sync.RWMutex
	bitmap *roaring.Bitmap
}

// NewSlotSet returns an empty set.
func NewSlotSet() *SlotSet {
	return &SlotSet{bitmap: roaring.NewBitmap()}
}

// Add adds the slot to the set.
func (s *SlotSet) Add(slot uint32) {
	s.Lock()
	defer s.Unlock()
	s.bitmap.Add(slot)
}

// Contains returns true if the slot is in the set.
func (s *SlotSet) Contains(slot uint32) bool {
	s.RLock()
	x := s.bitmap.Contains(slot)
	s.RUnlock()
	return x
}

// Remove removes the slot from the set.
func (s *SlotSet) Remove(slot uint32) {
	s.Lock()
	defer s.Unlock()
	s.bitmap.Remove(slot)
}

// Cardinality returns the number of slots in the set.
func (s *SlotSet) Cardinality() uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.bitmap.GetCardinality()
}

// Merge unions the contents of others into s.
func (s *SlotSet) Merge(others ...*SlotSet) {
	bms := make([]*roaring.Bitmap, 0, len(others)+1)

	s.RLock()
	bms = append(bms, s.bitmap)
	for _, other := range others {
		other.RLock()
		defer other.RUnlock()
		bms = append(bms, other.bitmap)
	}
	result := roaring.FastOr(bms...)
	s.RUnlock()

	s.Lock()
	s.bitmap = result
	s.Unlock()
}

// Intersect returns a new set containing the slots present in both s and
// other.
func (s *SlotSet) Intersect(other *SlotSet) *SlotSet {
	s.RLock()
	defer s.RUnlock()
	other.RLock()
	defer other.RUnlock()
	return &SlotSet{bitmap: roaring.And(s.bitmap, other.bitmap)}
}

// ForEach calls f for each slot in ascending order.
func (s *SlotSet) ForEach(f func(slot uint32)) {
	s.RLock()
	defer s.RUnlock()
	itr := s.bitmap.Iterator()
	for itr.HasNext() {
		f(itr.Next())
	}
}

// Slots returns the members in ascending order.
func (s *SlotSet) Slots() []uint32 {
	s.RLock()
	defer s.RUnlock()
	return s.bitmap.ToArray()
}

// MarshalBinary serializes the set.
func (s *SlotSet) MarshalBinary() ([]byte, error) {
	s.RLock()
	defer s.RUnlock()
	var buf bytes.Buffer
	if _, err := s.bitmap.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores the set from data.
func (s *SlotSet) UnmarshalBinary(data []byte) error {
	s.Lock()
	defer s.Unlock()
	return s.bitmap.UnmarshalBinary(data)
}
