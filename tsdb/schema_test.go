package tsdb_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/saxdb/saxdb/kit/errors"
	"github.com/saxdb/saxdb/tsdb"
)

func testSchema(t *testing.T) *tsdb.Schema {
	t.Helper()
	s := tsdb.NewSchema()
	for _, f := range []tsdb.Field{
		{Name: "n", Type: tsdb.FieldInt, Default: 0},
		{Name: "weight", Type: tsdb.FieldFloat, Default: 1.5},
		{Name: "region", Type: tsdb.FieldString, Size: 8, Default: "eu", Index: tsdb.IndexBitmap},
	} {
		if err := s.AddField(f); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestSchema_ImplicitFields(t *testing.T) {
	s := tsdb.NewSchema()

	for _, name := range []string{tsdb.DeletedField, tsdb.VPField} {
		f, ok := s.FieldInfo(name)
		if !ok {
			t.Fatalf("implicit field %q missing", name)
		} else if f.Type != tsdb.FieldBool || f.Default != false || f.Index != tsdb.IndexBitmap {
			t.Fatalf("unexpected descriptor for %q: %+v", name, f)
		}
	}
	if s.Size() != 2 {
		t.Fatalf("unexpected record size: %d", s.Size())
	}

	// Implicit fields cannot be removed.
	if err := s.RemoveField(tsdb.DeletedField); errors.ErrorCode(err) != errors.EInvalid {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSchema_AddField(t *testing.T) {
	s := testSchema(t)

	// 2 bools + int64 + float64 + (2+8)-byte string.
	if s.Size() != 2+8+8+10 {
		t.Fatalf("unexpected record size: %d", s.Size())
	}

	if err := s.AddField(tsdb.Field{Name: "n", Type: tsdb.FieldInt}); errors.ErrorCode(err) != errors.EAlreadyExists {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.AddField(tsdb.Field{Name: "bad name", Type: tsdb.FieldInt}); errors.ErrorCode(err) != errors.EInvalid {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.AddField(tsdb.Field{Name: "s", Type: tsdb.FieldString}); errors.ErrorCode(err) != errors.EInvalid {
		t.Fatalf("unexpected error for string field without size: %v", err)
	}

	// Defaults are coerced to the declared type at registration.
	if err := s.AddField(tsdb.Field{Name: "m", Type: tsdb.FieldInt, Default: "7"}); err != nil {
		t.Fatal(err)
	}
	if f, _ := s.FieldInfo("m"); f.Default != int64(7) {
		t.Fatalf("unexpected default: %#v", f.Default)
	}
}

func TestSchema_EncodeDecode(t *testing.T) {
	s := testSchema(t)

	rec := map[string]interface{}{
		"deleted": false,
		"vp":      true,
		"n":       int64(-3),
		"weight":  2.25,
		"region":  "us",
	}
	buf, err := s.Encode(rec)
	if err != nil {
		t.Fatal(err)
	} else if len(buf) != s.Size() {
		t.Fatalf("unexpected encoded size: %d", len(buf))
	}

	got, err := s.Decode(buf)
	if err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	// Missing fields take their defaults.
	buf, err = s.Encode(map[string]interface{}{"n": int64(1)})
	if err != nil {
		t.Fatal(err)
	}
	if got, err = s.Decode(buf); err != nil {
		t.Fatal(err)
	} else if got["weight"] != 1.5 || got["region"] != "eu" || got["deleted"] != false {
		t.Fatalf("unexpected defaults: %v", got)
	}

	// Unknown fields are an error.
	if _, err := s.Encode(map[string]interface{}{"nope": 1}); errors.ErrorCode(err) != errors.ESchemaMismatch {
		t.Fatalf("unexpected error: %v", err)
	}

	// Oversized strings are an error.
	if _, err := s.Encode(map[string]interface{}{"region": "transcontinental"}); errors.ErrorCode(err) != errors.EInvalid {
		t.Fatalf("unexpected error: %v", err)
	}

	// Short buffers are an error.
	if _, err := s.Decode(buf[:4]); errors.ErrorCode(err) != errors.EIntegrity {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSchema_Coerce(t *testing.T) {
	s := testSchema(t)

	v, err := s.Coerce("weight", "3.5")
	if err != nil {
		t.Fatal(err)
	} else if v != 3.5 {
		t.Fatalf("unexpected value: %#v", v)
	}

	if _, err := s.Coerce("n", "not a number"); errors.ErrorCode(err) != errors.EInvalid {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Coerce("nope", 1); errors.ErrorCode(err) != errors.ESchemaMismatch {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSchema_MarshalRoundtrip(t *testing.T) {
	s := testSchema(t)

	buf, err := s.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	restored := tsdb.NewSchema()
	if err := restored.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(s.Fields(), restored.Fields()); diff != "" {
		t.Fatalf("schema mismatch (-want +got):\n%s", diff)
	}
	if restored.Size() != s.Size() {
		t.Fatalf("unexpected record size: %d", restored.Size())
	}

	if err := restored.UnmarshalBinary(buf[:7]); errors.ErrorCode(err) != errors.EIntegrity {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSchema_RemoveField(t *testing.T) {
	s := testSchema(t)
	before := s.Size()

	if err := s.RemoveField("n"); err != nil {
		t.Fatal(err)
	}
	if s.HasField("n") {
		t.Fatal("removed field still present")
	} else if s.Size() != before-8 {
		t.Fatalf("unexpected record size: %d", s.Size())
	}

	// Later fields keep working after the reindex.
	if f, ok := s.FieldInfo("region"); !ok || f.Type != tsdb.FieldString {
		t.Fatalf("unexpected descriptor: %+v", f)
	}

	if err := s.RemoveField("n"); errors.ErrorCode(err) != errors.ESchemaMismatch {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVPDistanceField(t *testing.T) {
	name := tsdb.VPDistanceField("ts-3")
	if name != "d_vp_ts-3" {
		t.Fatalf("unexpected field name: %s", name)
	}
	pk, ok := tsdb.IsVPDistanceField(name)
	if !ok || pk != "ts-3" {
		t.Fatalf("unexpected parse: %q %v", pk, ok)
	}
	if _, ok := tsdb.IsVPDistanceField("weight"); ok {
		t.Fatal("plain field parsed as distance field")
	}
}

func TestValidatePK(t *testing.T) {
	if err := tsdb.ValidatePK("cpu-0"); err != nil {
		t.Fatal(err)
	}
	for _, pk := range []string{"", "a b", "a/b", "a\nb", "a:b"} {
		if err := tsdb.ValidatePK(pk); errors.ErrorCode(err) != errors.EInvalid {
			t.Fatalf("key %q: unexpected error: %v", pk, err)
		}
	}
}
