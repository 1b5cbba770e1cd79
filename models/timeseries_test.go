package models_test

import (
	"math"
	"testing"

	"github.com/saxdb/saxdb/models"
)

func TestNewTimeSeries(t *testing.T) {
	ts, err := models.NewTimeSeries([]float64{0, 1, 2}, []float64{5, 6, 7})
	if err != nil {
		t.Fatal(err)
	} else if ts.Len() != 3 {
		t.Fatalf("unexpected length: %d", ts.Len())
	}

	// Mismatched lengths.
	if _, err := models.NewTimeSeries([]float64{0, 1}, []float64{5}); err == nil {
		t.Fatal("expected error for mismatched lengths")
	}

	// Non-increasing times.
	if _, err := models.NewTimeSeries([]float64{0, 2, 1}, []float64{5, 6, 7}); err == nil {
		t.Fatal("expected error for non-monotonic times")
	}
}

func TestTimeSeries_Stats(t *testing.T) {
	ts := sineSeries(100)

	if mean := ts.Mean(); math.Abs(mean) > 1e-9 {
		t.Fatalf("unexpected mean: %v", mean)
	}
	if std := ts.Std(); math.Abs(std-math.Sqrt(0.5)) > 1e-4 {
		t.Fatalf("unexpected std: %v", std)
	}
}

func TestZNormalize_ConstantSeries(t *testing.T) {
	out := []float64{3, 3, 3, 3}
	models.ZNormalize(out)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("value %d: expected 0, got %v", i, v)
		}
	}
}

func TestNCCDistance_Self(t *testing.T) {
	ts := sineSeries(100)
	if d := models.NCCDistance(ts, ts); math.Abs(d) > 1e-6 {
		t.Fatalf("distance to self: %v", d)
	}
}

func TestNCCDistance_PhaseShiftInvariant(t *testing.T) {
	// A circularly shifted copy correlates perfectly at some lag, so the
	// distance must be near zero.
	a := sineSeries(100)
	b := a.Clone()
	shift := 17
	for i := range b.Values {
		b.Values[i] = a.Values[(i+shift)%a.Len()]
	}
	if d := models.NCCDistance(a, b); math.Abs(d) > 1e-6 {
		t.Fatalf("distance to shifted copy: %v", d)
	}
}

func TestKernelDistance_Self(t *testing.T) {
	ts := sineSeries(64)
	if d := models.KernelDistance(ts, ts, 5); math.Abs(d) > 1e-6 {
		t.Fatalf("kernel distance to self: %v", d)
	}
}

func TestEuclideanDistance(t *testing.T) {
	a := models.TimeSeries{Times: []float64{0, 1}, Values: []float64{0, 0}}
	b := models.TimeSeries{Times: []float64{0, 1}, Values: []float64{3, 4}}
	if d := models.EuclideanDistance(a, b); d != 5 {
		t.Fatalf("unexpected distance: %v", d)
	}
}

func sineSeries(n int) models.TimeSeries {
	times := make([]float64, n)
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		times[i] = float64(i) / float64(n)
		values[i] = math.Sin(2 * math.Pi * times[i])
	}
	return models.TimeSeries{Times: times, Values: values}
}
