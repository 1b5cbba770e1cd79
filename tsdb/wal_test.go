package tsdb_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/saxdb/saxdb/tsdb"
)

func TestWAL_AppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pk.log")

	w, err := tsdb.OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}

	want := []tsdb.WALEntry{
		{Type: tsdb.WALPut, PK: "cpu-0", TSOffset: 16, MetaOffset: 0},
		{Type: tsdb.WALDelete, PK: "cpu-0"},
		{Type: tsdb.WALTriggerAdd, TrigOn: "insert_ts", Proc: "stats", Targets: []string{"mean", "std"}},
		{Type: tsdb.WALTriggerAdd, TrigOn: "upsert_meta", Proc: "corr", Targets: []string{"c"}, Arg: []float64{1.5, -2.25, 0}},
		{Type: tsdb.WALTriggerDelete, TrigOn: "insert_ts", Proc: "stats"},
	}
	for i := range want {
		if err := w.Append(&want[i]); err != nil {
			t.Fatal(err)
		} else if want[i].LSN != uint64(i+1) {
			t.Fatalf("entry %d: unexpected sequence number %d", i, want[i].LSN)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	w, err = tsdb.OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	var got []tsdb.WALEntry
	if err := w.Replay(func(e tsdb.WALEntry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("replayed entries mismatch (-want +got):\n%s", diff)
	}
	if w.LSN() != 5 {
		t.Fatalf("unexpected sequence number after replay: %d", w.LSN())
	}

	// The next append continues the sequence.
	e := tsdb.WALEntry{Type: tsdb.WALPut, PK: "cpu-1", TSOffset: 32, MetaOffset: 8}
	if err := w.Append(&e); err != nil {
		t.Fatal(err)
	} else if e.LSN != 6 {
		t.Fatalf("unexpected sequence number: %d", e.LSN)
	}
}

func TestWAL_ReplayTruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pk.log")

	w, err := tsdb.OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(&tsdb.WALEntry{Type: tsdb.WALPut, PK: "a", TSOffset: 0, MetaOffset: 0}); err != nil {
		t.Fatal(err)
	} else if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	goodSize := fi.Size()

	// Simulate a crash mid-append: a header promising more bytes than exist.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0x01, 0x00, 0x00, 0x01, 0x00, 0xde, 0xad}); err != nil {
		t.Fatal(err)
	} else if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	w, err = tsdb.OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	var n int
	if err := w.Replay(func(tsdb.WALEntry) error {
		n++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("unexpected entry count after recovery: %d", n)
	}

	// The torn tail is gone from disk.
	if fi, err = os.Stat(path); err != nil {
		t.Fatal(err)
	} else if fi.Size() != goodSize {
		t.Fatalf("unexpected log size after recovery: %d, want %d", fi.Size(), goodSize)
	}
}

func TestWAL_Truncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pk.log")

	w, err := tsdb.OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Append(&tsdb.WALEntry{Type: tsdb.WALDelete, PK: "a"}); err != nil {
		t.Fatal(err)
	} else if err := w.Truncate(); err != nil {
		t.Fatal(err)
	}

	// Truncation discards entries but keeps the sequence counter.
	if err := w.Replay(func(tsdb.WALEntry) error {
		t.Fatal("unexpected entry after truncation")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if w.LSN() != 1 {
		t.Fatalf("unexpected sequence number after truncation: %d", w.LSN())
	}
}
