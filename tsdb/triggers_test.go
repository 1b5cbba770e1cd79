package tsdb_test

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/saxdb/saxdb/kit/errors"
	"github.com/saxdb/saxdb/tsdb"
)

func TestTriggerTable(t *testing.T) {
	table := tsdb.NewTriggerTable()

	if err := table.Add(tsdb.OpInsertTS, tsdb.Trigger{Proc: "stats", Targets: []string{"mean", "std"}}); err != nil {
		t.Fatal(err)
	}
	if err := table.Add(tsdb.OpInsertTS, tsdb.Trigger{Proc: "corr", Targets: []string{"c"}, Arg: []float64{1, 2}}); err != nil {
		t.Fatal(err)
	}
	if err := table.Add("compact", tsdb.Trigger{Proc: "stats"}); errors.ErrorCode(err) != errors.EInvalid {
		t.Fatalf("unexpected error: %v", err)
	}

	// Firing order is registration order.
	list := table.For(tsdb.OpInsertTS)
	if len(list) != 2 || list[0].Proc != "stats" || list[1].Proc != "corr" {
		t.Fatalf("unexpected triggers: %+v", list)
	}
	if table.Len() != 2 {
		t.Fatalf("unexpected trigger count: %d", table.Len())
	}

	if err := table.Remove(tsdb.OpInsertTS, "stats"); err != nil {
		t.Fatal(err)
	}
	if err := table.Remove(tsdb.OpInsertTS, "stats"); errors.ErrorCode(err) != errors.ENotFound {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTriggerTable_MarshalRoundtrip(t *testing.T) {
	table := tsdb.NewTriggerTable()
	if err := table.Add(tsdb.OpInsertTS, tsdb.Trigger{Proc: "stats", Targets: []string{"mean", "std"}}); err != nil {
		t.Fatal(err)
	}
	if err := table.Add(tsdb.OpUpsertMeta, tsdb.Trigger{Proc: "corr", Targets: []string{"c"}, Arg: []float64{0.5, -1}}); err != nil {
		t.Fatal(err)
	}

	buf, err := table.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	restored := tsdb.NewTriggerTable()
	if err := restored.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(table.For(tsdb.OpUpsertMeta), restored.For(tsdb.OpUpsertMeta)); diff != "" {
		t.Fatalf("trigger mismatch (-want +got):\n%s", diff)
	}
	if restored.Len() != 2 {
		t.Fatalf("unexpected trigger count: %d", restored.Len())
	}

	if err := restored.UnmarshalBinary(buf[:5]); errors.ErrorCode(err) != errors.EIntegrity {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProcRegistry(t *testing.T) {
	procs := tsdb.NewProcRegistry()

	if diff := cmp.Diff([]string{"corr", "stats"}, procs.Names()); diff != "" {
		t.Fatalf("unexpected procedures (-want +got):\n%s", diff)
	}
	if !procs.Has("stats") || procs.Has("nope") {
		t.Fatal("unexpected registry contents")
	}

	stats, _ := procs.Get("stats")
	outs, err := stats(phaseSine(100, 0), nil)
	if err != nil {
		t.Fatal(err)
	} else if len(outs) != 2 {
		t.Fatalf("unexpected output count: %d", len(outs))
	}
	if std := outs[1].(float64); math.Abs(std-math.Sqrt(0.5)) > 1e-4 {
		t.Fatalf("unexpected std: %v", std)
	}

	// corr of a series against itself is zero.
	corr, _ := procs.Get("corr")
	ts := phaseSine(64, 0)
	outs, err = corr(ts, ts.Values)
	if err != nil {
		t.Fatal(err)
	}
	if d := outs[0].(float64); math.Abs(d) > 1e-6 {
		t.Fatalf("unexpected distance: %v", d)
	}

	// Argument length must match the series.
	if _, err := corr(ts, []float64{1}); errors.ErrorCode(err) != errors.EInvalid {
		t.Fatalf("unexpected error: %v", err)
	}
}
