package tsdb_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/saxdb/saxdb/kit/errors"
	"github.com/saxdb/saxdb/models"
	"github.com/saxdb/saxdb/tsdb"
)

func TestISAXTree_InsertSplits(t *testing.T) {
	tree, series := buildSineTree(t, 50, 5)

	if tree.Len() != 50 {
		t.Fatalf("unexpected series count: %d", tree.Len())
	}
	for pk := range series {
		if !tree.Contains(pk) {
			t.Fatalf("series %q missing from index", pk)
		}
	}

	// A terminal with distinct words always has a discriminating position,
	// so it may only exceed the threshold when every word in it is
	// identical. The largest duplicate-word group bounds the terminal size.
	sax, err := tsdb.NewSAX(4, 4, 100)
	if err != nil {
		t.Fatal(err)
	}
	dups := make(map[string]int)
	maxDup := 0
	for _, ts := range series {
		w := sax.Encode(ts).String()
		dups[w]++
		if dups[w] > maxDup {
			maxDup = dups[w]
		}
	}
	for i, n := range tree.TerminalSizes() {
		if n > 5 && n > maxDup {
			t.Fatalf("terminal %d holds %d entries, want at most %d", i, n, maxDup)
		}
	}
	if len(dups) < 2 {
		t.Fatalf("expected multiple distinct words, got %d", len(dups))
	}
}

func TestISAXTree_InsertDuplicate(t *testing.T) {
	tree := mustNewTree(t, 5)

	ts := phaseSine(100, 0)
	if err := tree.Insert("a", ts); err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert("a", ts); errors.ErrorCode(err) != errors.EAlreadyExists {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestISAXTree_Remove(t *testing.T) {
	tree, series := buildSineTree(t, 20, 5)

	if err := tree.Remove("ts-7"); err != nil {
		t.Fatal(err)
	}
	if tree.Contains("ts-7") {
		t.Fatal("removed series still indexed")
	} else if tree.Len() != 19 {
		t.Fatalf("unexpected series count: %d", tree.Len())
	}
	if err := tree.Remove("ts-7"); errors.ErrorCode(err) != errors.ENotFound {
		t.Fatalf("unexpected error: %v", err)
	}

	// A removed series never comes back from a search.
	pk, _, err := tree.NearestNeighbor(series["ts-7"], lookupIn(series))
	if err != nil {
		t.Fatal(err)
	} else if pk == "ts-7" {
		t.Fatal("search returned a removed series")
	}
}

func TestISAXTree_NearestNeighbor(t *testing.T) {
	tree, series := buildSineTree(t, 50, 5)

	// Searching for an indexed series finds it at distance zero.
	pk, dist, err := tree.NearestNeighbor(series["ts-23"], lookupIn(series))
	if err != nil {
		t.Fatal(err)
	} else if pk != "ts-23" {
		t.Fatalf("unexpected nearest neighbor: %q", pk)
	} else if math.Abs(dist) > 1e-9 {
		t.Fatalf("unexpected distance: %v", dist)
	}
}

func TestISAXTree_NearestNeighborEmpty(t *testing.T) {
	tree := mustNewTree(t, 5)
	if _, _, err := tree.NearestNeighbor(phaseSine(100, 0), nil); errors.ErrorCode(err) != errors.ENotFound {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestISAXTree_MarshalRoundtrip(t *testing.T) {
	tree, series := buildSineTree(t, 30, 5)

	buf, err := tree.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	restored := mustNewTree(t, 5)
	if err := restored.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	if restored.Len() != tree.Len() {
		t.Fatalf("unexpected series count after restore: %d", restored.Len())
	}

	// The restored tree answers searches identically.
	for _, q := range []string{"ts-0", "ts-14", "ts-29"} {
		wantPK, wantDist, err := tree.NearestNeighbor(series[q], lookupIn(series))
		if err != nil {
			t.Fatal(err)
		}
		gotPK, gotDist, err := restored.NearestNeighbor(series[q], lookupIn(series))
		if err != nil {
			t.Fatal(err)
		}
		if gotPK != wantPK || gotDist != wantDist {
			t.Fatalf("query %q: got (%q, %v), want (%q, %v)", q, gotPK, gotDist, wantPK, wantDist)
		}
	}

	// Mismatched parameters are rejected.
	other := mustNewTree(t, 7)
	if err := other.UnmarshalBinary(buf); errors.ErrorCode(err) != errors.ESchemaMismatch {
		t.Fatalf("unexpected error: %v", err)
	}
}

func mustNewTree(t *testing.T, threshold int) *tsdb.ISAXTree {
	t.Helper()
	sax, err := tsdb.NewSAX(4, 4, 100)
	if err != nil {
		t.Fatal(err)
	}
	tree, err := tsdb.NewISAXTree(sax, threshold)
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

// buildSineTree indexes n phase-shifted sine series named ts-0..ts-n-1.
func buildSineTree(t *testing.T, n, threshold int) (*tsdb.ISAXTree, map[string]models.TimeSeries) {
	t.Helper()
	tree := mustNewTree(t, threshold)
	series := make(map[string]models.TimeSeries, n)
	for i := 0; i < n; i++ {
		pk := fmt.Sprintf("ts-%d", i)
		ts := phaseSine(100, float64(i)/float64(n))
		series[pk] = ts
		if err := tree.Insert(pk, ts); err != nil {
			t.Fatal(err)
		}
	}
	return tree, series
}

func phaseSine(n int, phase float64) models.TimeSeries {
	times := make([]float64, n)
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		times[i] = float64(i) / float64(n)
		values[i] = math.Sin(2 * math.Pi * (times[i] + phase))
	}
	return models.TimeSeries{Times: times, Values: values}
}

func lookupIn(series map[string]models.TimeSeries) func(string) (models.TimeSeries, error) {
	return func(pk string) (models.TimeSeries, error) {
		ts, ok := series[pk]
		if !ok {
			return models.TimeSeries{}, &errors.Error{Code: errors.ENotFound, Msg: pk}
		}
		return ts, nil
	}
}
