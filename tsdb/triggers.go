package tsdb

import (
	"encoding/binary"
	"fmt"
	"math"

	kiterrors "github.com/saxdb/saxdb/kit/errors"
)

// Operation names triggers can hook.
const (
	OpInsertTS   = "insert_ts"
	OpUpsertMeta = "upsert_meta"
	OpDeleteTS   = "delete_ts"
)

func validTriggerOp(op string) bool {
	switch op {
	case OpInsertTS, OpUpsertMeta, OpDeleteTS:
		return true
	}
	return false
}

// Trigger binds a procedure to an operation. When the operation commits,
// the procedure runs over the affected series and its outputs are written
// to the target metadata fields.
type Trigger struct {
	Proc    string
	Targets []string
	Arg     []float64
}

// TriggerTable holds the registered triggers per operation, in firing
// order. Triggers cannot be reconstructed from the heaps, so mutations are
// journaled through the log and the table is snapshotted to triggers.idx.
type TriggerTable struct {
	triggers map[string][]Trigger
}

// NewTriggerTable returns an empty table.
func NewTriggerTable() *TriggerTable {
	return &TriggerTable{triggers: make(map[string][]Trigger)}
}

// Add appends a trigger to the firing list of op.
func (t *TriggerTable) Add(op string, trig Trigger) error {
	if !validTriggerOp(op) {
		return &kiterrors.Error{
			Code: kiterrors.EInvalid,
			Msg:  fmt.Sprintf("unknown trigger operation %q", op),
		}
	}
	t.triggers[op] = append(t.triggers[op], trig)
	return nil
}

// Remove drops the first trigger on op whose procedure matches proc.
func (t *TriggerTable) Remove(op, proc string) error {
	list := t.triggers[op]
	for i, trig := range list {
		if trig.Proc == proc {
			t.triggers[op] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return &kiterrors.Error{
		Code: kiterrors.ENotFound,
		Msg:  fmt.Sprintf("no trigger for procedure %q on %s", proc, op),
	}
}

// For returns the triggers registered on op in firing order. The returned
// slice is live; callers must not mutate it.
func (t *TriggerTable) For(op string) []Trigger {
	return t.triggers[op]
}

// Len returns the total number of registered triggers.
func (t *TriggerTable) Len() int {
	var n int
	for _, list := range t.triggers {
		n += len(list)
	}
	return n
}

// Apply replays one trigger log entry. Non-trigger entries are ignored.
func (t *TriggerTable) Apply(e WALEntry) {
	switch e.Type {
	case WALTriggerAdd:
		t.triggers[e.TrigOn] = append(t.triggers[e.TrigOn], Trigger{
			Proc:    e.Proc,
			Targets: e.Targets,
			Arg:     e.Arg,
		})
	case WALTriggerDelete:
		list := t.triggers[e.TrigOn]
		for i, trig := range list {
			if trig.Proc == e.Proc {
				t.triggers[e.TrigOn] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// triggerSnapshotVersion guards the snapshot payload layout.
const triggerSnapshotVersion = 1

// MarshalBinary serializes the table with operations in a fixed order and
// triggers in firing order.
func (t *TriggerTable) MarshalBinary() ([]byte, error) {
	buf := []byte{triggerSnapshotVersion}
	for _, op := range []string{OpInsertTS, OpUpsertMeta, OpDeleteTS} {
		list := t.triggers[op]
		buf = appendString16(buf, op)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(list)))
		for _, trig := range list {
			buf = appendString16(buf, trig.Proc)
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(trig.Targets)))
			for _, target := range trig.Targets {
				buf = appendString16(buf, target)
			}
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(trig.Arg)))
			for _, v := range trig.Arg {
				buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
			}
		}
	}
	return buf, nil
}

// UnmarshalBinary restores the table from a snapshot payload.
func (t *TriggerTable) UnmarshalBinary(data []byte) error {
	corrupt := func() error {
		return &kiterrors.Error{Code: kiterrors.EIntegrity, Msg: "trigger snapshot corrupt"}
	}

	if len(data) < 1 || data[0] != triggerSnapshotVersion {
		return corrupt()
	}
	rest := data[1:]

	triggers := make(map[string][]Trigger)
	for len(rest) > 0 {
		op, r, err := readString16From(rest)
		if err != nil || len(r) < 2 {
			return corrupt()
		}
		n := int(binary.BigEndian.Uint16(r))
		rest = r[2:]

		for i := 0; i < n; i++ {
			var trig Trigger
			trig.Proc, rest, err = readString16From(rest)
			if err != nil || len(rest) < 2 {
				return corrupt()
			}
			nt := int(binary.BigEndian.Uint16(rest))
			rest = rest[2:]
			for j := 0; j < nt; j++ {
				var target string
				target, rest, err = readString16From(rest)
				if err != nil {
					return corrupt()
				}
				trig.Targets = append(trig.Targets, target)
			}
			if len(rest) < 4 {
				return corrupt()
			}
			na := int(binary.BigEndian.Uint32(rest))
			rest = rest[4:]
			if len(rest) < 8*na {
				return corrupt()
			}
			for j := 0; j < na; j++ {
				trig.Arg = append(trig.Arg, math.Float64frombits(binary.BigEndian.Uint64(rest[8*j:])))
			}
			rest = rest[8*na:]
			triggers[op] = append(triggers[op], trig)
		}
	}
	t.triggers = triggers
	return nil
}
