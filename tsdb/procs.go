package tsdb

import (
	"fmt"
	"sort"

	kiterrors "github.com/saxdb/saxdb/kit/errors"
	"github.com/saxdb/saxdb/models"
)

// corrGamma is the kernel constant used by the corr procedure.
const corrGamma = 5.0

// Proc is a pure function over one series and an optional argument series.
// Its outputs are assigned positionally to the target fields of a trigger
// or augmented select.
type Proc func(ts models.TimeSeries, arg []float64) ([]interface{}, error)

// ProcRegistry maps procedure names to implementations. One registry is
// owned per database handle; there is no process-wide registry.
type ProcRegistry struct {
	procs map[string]Proc
}

// NewProcRegistry returns a registry preloaded with the built-in
// procedures stats and corr.
func NewProcRegistry() *ProcRegistry {
	r := &ProcRegistry{procs: make(map[string]Proc)}
	r.Register("stats", procStats)
	r.Register("corr", procCorr)
	return r
}

// Register installs or replaces a procedure.
func (r *ProcRegistry) Register(name string, p Proc) {
	r.procs[name] = p
}

// Get returns the named procedure.
func (r *ProcRegistry) Get(name string) (Proc, bool) {
	p, ok := r.procs[name]
	return p, ok
}

// Has reports whether the named procedure exists.
func (r *ProcRegistry) Has(name string) bool {
	_, ok := r.procs[name]
	return ok
}

// Names returns the registered procedure names in lexical order.
func (r *ProcRegistry) Names() []string {
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// procStats returns the mean and population standard deviation of the
// series values.
func procStats(ts models.TimeSeries, _ []float64) ([]interface{}, error) {
	return []interface{}{ts.Mean(), ts.Std()}, nil
}

// procCorr returns the kernelized cross-correlation distance between the
// series and the argument series.
func procCorr(ts models.TimeSeries, arg []float64) ([]interface{}, error) {
	if len(arg) != ts.Len() {
		return nil, &kiterrors.Error{
			Code: kiterrors.EInvalid,
			Msg:  fmt.Sprintf("corr argument has length %d, series has %d", len(arg), ts.Len()),
		}
	}
	other := models.TimeSeries{Times: ts.Times, Values: arg}
	return []interface{}{models.KernelDistance(ts, other, corrGamma)}, nil
}
