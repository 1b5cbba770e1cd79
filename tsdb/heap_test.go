package tsdb_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/saxdb/saxdb/kit/errors"
	"github.com/saxdb/saxdb/models"
	"github.com/saxdb/saxdb/tsdb"
)

func TestTSHeap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap_ts.met")

	h, err := tsdb.OpenTSHeap(path, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	a := models.TimeSeries{Times: []float64{0, 1, 2, 3}, Values: []float64{10, 11, 12, 13}}
	b := models.TimeSeries{Times: []float64{0, 1, 2, 3}, Values: []float64{-1, -2, -3, -4}}

	offA, err := h.Write(a)
	if err != nil {
		t.Fatal(err)
	}
	offB, err := h.Write(b)
	if err != nil {
		t.Fatal(err)
	} else if offB != offA+int64(h.RecordSize()) {
		t.Fatalf("unexpected second offset: %d", offB)
	}

	got, err := h.Read(offA)
	if err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff(a, got); diff != "" {
		t.Fatalf("series mismatch (-want +got):\n%s", diff)
	}

	// Wrong length rejected.
	short := models.TimeSeries{Times: []float64{0}, Values: []float64{1}}
	if _, err := h.Write(short); errors.ErrorCode(err) != errors.EInvalid {
		t.Fatalf("unexpected error: %v", err)
	}

	// Out-of-bounds offset rejected.
	if _, err := h.Read(offB + int64(h.RecordSize())); errors.ErrorCode(err) != errors.EIntegrity {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTSHeap_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap_ts.met")

	h, err := tsdb.OpenTSHeap(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	ts := models.TimeSeries{Times: []float64{1, 2}, Values: []float64{3, 4}}
	off, err := h.Write(ts)
	if err != nil {
		t.Fatal(err)
	} else if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening with a different series length must fail.
	if _, err := tsdb.OpenTSHeap(path, 3); errors.ErrorCode(err) != errors.ESchemaMismatch {
		t.Fatalf("unexpected error: %v", err)
	}

	h, err = tsdb.OpenTSHeap(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	got, err := h.Read(off)
	if err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff(ts, got); diff != "" {
		t.Fatalf("series mismatch (-want +got):\n%s", diff)
	}
}

func TestTSHeap_TruncatesTornRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap_ts.met")

	h, err := tsdb.OpenTSHeap(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Write(models.TimeSeries{Times: []float64{1, 2}, Values: []float64{3, 4}}); err != nil {
		t.Fatal(err)
	} else if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append by adding half a record.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(make([]byte, h.RecordSize()/2)); err != nil {
		t.Fatal(err)
	} else if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	h, err = tsdb.OpenTSHeap(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	if h.Len() != 1 {
		t.Fatalf("unexpected record count after recovery: %d", h.Len())
	}
}

func TestMetaHeap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap_meta.met")

	h, err := tsdb.OpenMetaHeap(path, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	rec := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	off, err := h.Write(rec)
	if err != nil {
		t.Fatal(err)
	} else if off != 0 {
		t.Fatalf("unexpected offset: %d", off)
	}

	got, err := h.Read(off)
	if err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	// Overwrite in place.
	upd := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	if err := h.WriteAt(off, upd); err != nil {
		t.Fatal(err)
	}
	if got, err = h.Read(off); err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff(upd, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	// Misaligned offset rejected.
	if err := h.WriteAt(3, upd); errors.ErrorCode(err) != errors.EIntegrity {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMetaHeap_Rewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap_meta.met")

	h, err := tsdb.OpenMetaHeap(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	offs := make(map[string]int64)
	for _, pk := range []string{"a", "b"} {
		off, err := h.Write([]byte(pk + pk))
		if err != nil {
			t.Fatal(err)
		}
		offs[pk] = off
	}

	// Widen every record from 2 to 4 bytes.
	newOffs := make(map[string]int64)
	err = h.RewriteMetaHeap(
		4,
		[]string{"a", "b"},
		func(pk string) ([]byte, int64, error) {
			buf, err := h.Read(offs[pk])
			return buf, offs[pk], err
		},
		func(pk string, old []byte) ([]byte, error) {
			return append(old, 0, 0), nil
		},
		func(pk string, offset int64) { newOffs[pk] = offset },
	)
	if err != nil {
		t.Fatal(err)
	}

	if h.RecordSize() != 4 {
		t.Fatalf("unexpected record size: %d", h.RecordSize())
	} else if h.Len() != 2 {
		t.Fatalf("unexpected record count: %d", h.Len())
	}
	got, err := h.Read(newOffs["b"])
	if err != nil {
		t.Fatal(err)
	} else if diff := cmp.Diff([]byte{'b', 'b', 0, 0}, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
}
