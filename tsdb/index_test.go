package tsdb_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/saxdb/saxdb/kit/errors"
	"github.com/saxdb/saxdb/tsdb"
)

func TestTreeIndex(t *testing.T) {
	idx := tsdb.NewTreeIndex("weight", tsdb.FieldFloat)

	for _, e := range []struct {
		v  float64
		pk string
	}{
		{1.5, "a"}, {1.5, "b"}, {2.0, "c"}, {3.25, "d"}, {0.5, "e"},
	} {
		if err := idx.Insert(e.v, e.pk); err != nil {
			t.Fatal(err)
		}
	}

	pks, err := idx.Lookup(1.5)
	if err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff([]string{"a", "b"}, pks); diff != "" {
		t.Fatalf("unexpected keys (-want +got):\n%s", diff)
	}

	// Absent value yields no keys.
	if pks, err = idx.Lookup(9.0); err != nil {
		t.Fatal(err)
	} else if len(pks) != 0 {
		t.Fatalf("unexpected keys: %v", pks)
	}

	// Inclusive range.
	if pks, err = idx.Range(1.5, 2.0, true, true); err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff([]string{"a", "b", "c"}, pks); diff != "" {
		t.Fatalf("unexpected keys (-want +got):\n%s", diff)
	}

	// Exclusive bounds drop the endpoints.
	if pks, err = idx.Range(1.5, 3.25, false, false); err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff([]string{"c"}, pks); diff != "" {
		t.Fatalf("unexpected keys (-want +got):\n%s", diff)
	}

	if err := idx.Remove(1.5, "a"); err != nil {
		t.Fatal(err)
	}
	if pks, err = idx.Lookup(1.5); err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff([]string{"b"}, pks); diff != "" {
		t.Fatalf("unexpected keys (-want +got):\n%s", diff)
	}

	// Mistyped value rejected.
	if err := idx.Insert("oops", "f"); errors.ErrorCode(err) != errors.EInternal {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTreeIndex_Ascend(t *testing.T) {
	idx := tsdb.NewTreeIndex("name", tsdb.FieldString)
	for _, e := range []struct{ v, pk string }{
		{"beta", "b"}, {"alpha", "a"}, {"gamma", "c"},
	} {
		if err := idx.Insert(e.v, e.pk); err != nil {
			t.Fatal(err)
		}
	}

	var values []string
	idx.Ascend(func(value interface{}, pks []string) bool {
		values = append(values, value.(string))
		return true
	})
	if diff := cmp.Diff([]string{"alpha", "beta", "gamma"}, values); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestTreeIndex_MarshalRoundtrip(t *testing.T) {
	idx := tsdb.NewTreeIndex("n", tsdb.FieldInt)
	for i := int64(0); i < 10; i++ {
		if err := idx.Insert(i%3, string(rune('a'+i))); err != nil {
			t.Fatal(err)
		}
	}

	buf, err := idx.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	restored := tsdb.NewTreeIndex("n", tsdb.FieldInt)
	if err := restored.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	pks, err := restored.Lookup(int64(1))
	if err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff([]string{"b", "e", "h"}, pks); diff != "" {
		t.Fatalf("unexpected keys (-want +got):\n%s", diff)
	}

	// A snapshot of another field is rejected.
	other := tsdb.NewTreeIndex("m", tsdb.FieldInt)
	if err := other.UnmarshalBinary(buf); errors.ErrorCode(err) != errors.ESchemaMismatch {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBitmapIndex(t *testing.T) {
	idx := tsdb.NewBitmapIndex("deleted", tsdb.FieldBool)

	for slot := uint32(0); slot < 6; slot++ {
		if err := idx.Insert(slot%2 == 0, slot); err != nil {
			t.Fatal(err)
		}
	}

	set, err := idx.Lookup(true)
	if err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff([]uint32{0, 2, 4}, set.Slots()); diff != "" {
		t.Fatalf("unexpected slots (-want +got):\n%s", diff)
	}

	if err := idx.Remove(true, 2); err != nil {
		t.Fatal(err)
	}
	if set, err = idx.Lookup(true); err != nil {
		t.Fatal(err)
	} else if set.Contains(2) {
		t.Fatal("removed slot still present")
	}

	want := map[interface{}]uint64{true: 2, false: 3}
	if diff := cmp.Diff(want, idx.Values()); diff != "" {
		t.Fatalf("unexpected values (-want +got):\n%s", diff)
	}

	// Absent value yields an empty live set.
	set, err = tsdb.NewBitmapIndex("vp", tsdb.FieldBool).Lookup(true)
	if err != nil {
		t.Fatal(err)
	} else if set.Cardinality() != 0 {
		t.Fatalf("unexpected cardinality: %d", set.Cardinality())
	}
}

func TestBitmapIndex_MarshalRoundtrip(t *testing.T) {
	idx := tsdb.NewBitmapIndex("region", tsdb.FieldString)
	for slot, region := range []string{"eu", "us", "eu", "ap", "us", "eu"} {
		if err := idx.Insert(region, uint32(slot)); err != nil {
			t.Fatal(err)
		}
	}

	buf, err := idx.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	restored := tsdb.NewBitmapIndex("region", tsdb.FieldString)
	if err := restored.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	set, err := restored.Lookup("eu")
	if err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff([]uint32{0, 2, 5}, set.Slots()); diff != "" {
		t.Fatalf("unexpected slots (-want +got):\n%s", diff)
	}

	other := tsdb.NewBitmapIndex("zone", tsdb.FieldString)
	if err := other.UnmarshalBinary(buf); errors.ErrorCode(err) != errors.ESchemaMismatch {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSlotSet_Ops(t *testing.T) {
	a, b := tsdb.NewSlotSet(), tsdb.NewSlotSet()
	for _, slot := range []uint32{1, 3, 5} {
		a.Add(slot)
	}
	for _, slot := range []uint32{3, 5, 7} {
		b.Add(slot)
	}

	if diff := cmp.Diff([]uint32{3, 5}, a.Intersect(b).Slots()); diff != "" {
		t.Fatalf("unexpected intersection (-want +got):\n%s", diff)
	}

	a.Merge(b)
	if diff := cmp.Diff([]uint32{1, 3, 5, 7}, a.Slots()); diff != "" {
		t.Fatalf("unexpected union (-want +got):\n%s", diff)
	}

	var visited []uint32
	a.ForEach(func(slot uint32) { visited = append(visited, slot) })
	if diff := cmp.Diff([]uint32{1, 3, 5, 7}, visited); diff != "" {
		t.Fatalf("unexpected iteration order (-want +got):\n%s", diff)
	}
}
