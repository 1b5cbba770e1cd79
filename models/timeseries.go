// Package models represents the value objects shared between the storage
// engine and its collaborators.
package models

import (
	"math"

	"github.com/saxdb/saxdb/kit/errors"
)

// epsilon below which a standard deviation is treated as zero.
const epsilon = 1e-12

// TimeSeries is a fixed-length series of (time, value) samples. Times are
// strictly increasing. A TimeSeries is immutable once stored.
type TimeSeries struct {
	Times  []float64
	Values []float64
}

// NewTimeSeries validates and returns a time series built from times and values.
func NewTimeSeries(times, values []float64) (TimeSeries, error) {
	ts := TimeSeries{Times: times, Values: values}
	if err := ts.Validate(); err != nil {
		return TimeSeries{}, err
	}
	return ts, nil
}

// Validate returns an error if the sequences differ in length or the times
// are not strictly increasing.
func (ts TimeSeries) Validate() error {
	if len(ts.Times) != len(ts.Values) {
		return &errors.Error{
			Code: errors.EInvalid,
			Msg:  "times and values must have equal length",
		}
	}
	for i := 1; i < len(ts.Times); i++ {
		if ts.Times[i] <= ts.Times[i-1] {
			return &errors.Error{
				Code: errors.EInvalid,
				Msg:  "times must be strictly increasing",
			}
		}
	}
	return nil
}

// Len returns the number of samples.
func (ts TimeSeries) Len() int { return len(ts.Values) }

// Equal reports elementwise equality of both sequences.
func (ts TimeSeries) Equal(other TimeSeries) bool {
	if len(ts.Times) != len(other.Times) || len(ts.Values) != len(other.Values) {
		return false
	}
	for i := range ts.Times {
		if ts.Times[i] != other.Times[i] {
			return false
		}
	}
	for i := range ts.Values {
		if ts.Values[i] != other.Values[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the series.
func (ts TimeSeries) Clone() TimeSeries {
	other := TimeSeries{
		Times:  make([]float64, len(ts.Times)),
		Values: make([]float64, len(ts.Values)),
	}
	copy(other.Times, ts.Times)
	copy(other.Values, ts.Values)
	return other
}

// Mean returns the arithmetic mean of the values.
func (ts TimeSeries) Mean() float64 {
	if len(ts.Values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range ts.Values {
		sum += v
	}
	return sum / float64(len(ts.Values))
}

// Std returns the population standard deviation of the values.
func (ts TimeSeries) Std() float64 {
	n := len(ts.Values)
	if n == 0 {
		return 0
	}
	mean := ts.Mean()
	var sum float64
	for _, v := range ts.Values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(n))
}

// ZNormalized returns a copy of the series with values standardized to zero
// mean and unit standard deviation. A series with near-zero deviation
// normalizes to all zeros.
func (ts TimeSeries) ZNormalized() TimeSeries {
	out := ts.Clone()
	ZNormalize(out.Values)
	return out
}

// ZNormalize standardizes values in place.
func ZNormalize(values []float64) {
	n := len(values)
	if n == 0 {
		return
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(n))

	if std < epsilon {
		for i := range values {
			values[i] = 0
		}
		return
	}
	for i := range values {
		values[i] = (values[i] - mean) / std
	}
}
