package tsdb

import (
	"fmt"
	"sort"

	kiterrors "github.com/saxdb/saxdb/kit/errors"
	"github.com/saxdb/saxdb/models"
)

// Predicate is a conjunction of per-field conditions. A condition is a
// scalar (equality), a list (membership) or a map of operator to value
// with operators =, !=, <, <=, >, >= and in. The special field "pk"
// matches the primary key.
type Predicate map[string]interface{}

// SelectOptions orders and bounds a result set. SortBy is "field",
// "+field" or "-field"; Limit requires SortBy.
type SelectOptions struct {
	SortBy string
	Limit  int
}

// Row is one selected series: its key, the projected metadata fields, and
// the raw series when the projection asked for it.
type Row struct {
	PK     string
	Fields map[string]interface{}
	TS     *models.TimeSeries
}

// TSField is the pseudo-field that projects the raw series in a select.
const TSField = "ts"

// PKField is the pseudo-field that matches the primary key in a predicate.
const PKField = "pk"

// Select returns the rows matching every condition in md, projected to
// fields and ordered per opts. A nil fields projects nothing beyond the
// key; an empty non-nil fields projects every metadata field except the
// deleted flag.
func (s *Store) Select(md Predicate, fields []string, opts SelectOptions) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.selectLocked(md, fields, opts)
	s.metrics.observe("select", err)
	return rows, err
}

func (s *Store) selectLocked(md Predicate, fields []string, opts SelectOptions) ([]Row, error) {
	pks, recs, err := s.evaluate(md)
	if err != nil {
		return nil, err
	}

	projectAll := fields != nil && len(fields) == 0
	wantTS := false
	for _, f := range fields {
		if f == TSField {
			wantTS = true
			continue
		}
		if !s.schema.HasField(f) {
			return nil, &kiterrors.Error{
				Code: kiterrors.ESchemaMismatch,
				Msg:  fmt.Sprintf("unknown field %q", f),
			}
		}
	}

	sortField, desc := parseSortBy(opts.SortBy)
	if opts.Limit < 0 {
		return nil, &kiterrors.Error{Code: kiterrors.EInvalid, Msg: "limit must not be negative"}
	}
	if opts.Limit > 0 && sortField == "" {
		return nil, &kiterrors.Error{Code: kiterrors.EInvalid, Msg: "limit requires sort_by"}
	}
	var sortType FieldType
	if sortField != "" && sortField != PKField {
		f, ok := s.schema.FieldInfo(sortField)
		if !ok {
			return nil, &kiterrors.Error{
				Code: kiterrors.ESchemaMismatch,
				Msg:  fmt.Sprintf("unknown sort field %q", sortField),
			}
		}
		sortType = f.Type
	}

	rows := make([]Row, 0, len(pks))
	for _, pk := range pks {
		rec, err := s.recOf(pk, recs)
		if err != nil {
			return nil, err
		}

		row := Row{PK: pk, Fields: make(map[string]interface{})}
		if projectAll {
			for _, f := range s.schema.Fields() {
				if f.Name == DeletedField {
					continue
				}
				row.Fields[f.Name] = rec[f.Name]
			}
		} else {
			for _, f := range fields {
				if f == TSField {
					continue
				}
				row.Fields[f] = rec[f]
			}
		}
		if wantTS {
			ts, err := s.seriesOf(pk)
			if err != nil {
				return nil, err
			}
			row.TS = &ts
		}
		rows = append(rows, row)
	}

	if sortField != "" {
		keyOf := func(r Row) interface{} {
			if sortField == PKField {
				return r.PK
			}
			rec, _ := s.recOf(r.PK, recs)
			return rec[sortField]
		}
		sort.SliceStable(rows, func(i, j int) bool {
			var c int
			if sortField == PKField {
				c = compareValues(FieldString, rows[i].PK, rows[j].PK)
			} else {
				c = compareValues(sortType, keyOf(rows[i]), keyOf(rows[j]))
			}
			if desc {
				return c > 0
			}
			return c < 0
		})
	}
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows, nil
}

// AugmentedSelect runs proc over the series of every row matching md and
// assigns its outputs to the target names in the row. A per-row procedure
// failure is reported in the row's "error" field without aborting the
// batch.
func (s *Store) AugmentedSelect(proc string, targets []string, arg []float64, md Predicate, opts SelectOptions) ([]Row, error) {
	rows, err := s.augmentedSelect(proc, targets, arg, md, opts)
	s.metrics.observe("augmented_select", err)
	return rows, err
}

func (s *Store) augmentedSelect(proc string, targets []string, arg []float64, md Predicate, opts SelectOptions) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs.Get(proc)
	if !ok {
		return nil, &kiterrors.Error{
			Code: kiterrors.EInvalid,
			Msg:  fmt.Sprintf("unknown procedure %q", proc),
		}
	}

	rows, err := s.selectLocked(md, []string{TSField}, opts)
	if err != nil {
		return nil, err
	}

	for i := range rows {
		outs, err := p(*rows[i].TS, arg)
		if err != nil {
			rows[i].Fields["error"] = err.Error()
			rows[i].TS = nil
			continue
		}
		for j, target := range targets {
			if j < len(outs) {
				rows[i].Fields[target] = outs[j]
			}
		}
		rows[i].TS = nil
	}
	return rows, nil
}

// evaluate intersects the per-conjunct pk sets and returns the matches in
// lexical order, along with the record cache built along the way.
func (s *Store) evaluate(md Predicate) ([]string, map[string]map[string]interface{}, error) {
	recs := make(map[string]map[string]interface{})

	conjuncts := make([]string, 0, len(md))
	for field := range md {
		conjuncts = append(conjuncts, field)
	}
	sort.Strings(conjuncts)

	var result map[string]struct{}
	for _, field := range conjuncts {
		set, err := s.evalConjunct(field, md[field], recs)
		if err != nil {
			return nil, nil, err
		}
		if result == nil {
			result = set
			continue
		}
		for pk := range result {
			if _, ok := set[pk]; !ok {
				delete(result, pk)
			}
		}
	}

	var pks []string
	if result == nil {
		pks = s.pk.PKs()
	} else {
		pks = make([]string, 0, len(result))
		for pk := range result {
			pks = append(pks, pk)
		}
		sort.Strings(pks)
	}
	return pks, recs, nil
}

func (s *Store) evalConjunct(field string, cond interface{}, recs map[string]map[string]interface{}) (map[string]struct{}, error) {
	ops, err := normalizeCond(cond)
	if err != nil {
		return nil, err
	}

	if field == PKField {
		return s.evalPKConjunct(ops)
	}

	f, ok := s.schema.FieldInfo(field)
	if !ok {
		return nil, &kiterrors.Error{
			Code: kiterrors.ESchemaMismatch,
			Msg:  fmt.Sprintf("unknown field %q", field),
		}
	}

	result := make(map[string]struct{})
	first := true
	for op, raw := range ops {
		set, err := s.evalOp(f, op, raw, recs)
		if err != nil {
			return nil, err
		}
		if first {
			result = set
			first = false
			continue
		}
		for pk := range result {
			if _, ok := set[pk]; !ok {
				delete(result, pk)
			}
		}
	}
	return result, nil
}

func (s *Store) evalPKConjunct(ops map[string]interface{}) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	for op, raw := range ops {
		switch op {
		case "=":
			pk, ok := raw.(string)
			if !ok {
				return nil, errBadPredicate(PKField)
			}
			if s.pk.Has(pk) {
				set[pk] = struct{}{}
			}
		case "in":
			list, ok := raw.([]interface{})
			if !ok {
				return nil, errBadPredicate(PKField)
			}
			for _, item := range list {
				pk, ok := item.(string)
				if !ok {
					return nil, errBadPredicate(PKField)
				}
				if s.pk.Has(pk) {
					set[pk] = struct{}{}
				}
			}
		case "!=":
			pk, ok := raw.(string)
			if !ok {
				return nil, errBadPredicate(PKField)
			}
			for _, other := range s.pk.PKs() {
				if other != pk {
					set[other] = struct{}{}
				}
			}
		default:
			return nil, errBadPredicate(PKField)
		}
	}
	return set, nil
}

func (s *Store) evalOp(f Field, op string, raw interface{}, recs map[string]map[string]interface{}) (map[string]struct{}, error) {
	coerceList := func(raw interface{}) ([]interface{}, error) {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, errBadPredicate(f.Name)
		}
		out := make([]interface{}, len(list))
		for i, item := range list {
			v, err := s.schema.Coerce(f.Name, item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	idx := s.indexes[f.Name]
	switch {
	case idx != nil && idx.kind == IndexBitmap:
		switch op {
		case "=", "!=":
			v, err := s.schema.Coerce(f.Name, raw)
			if err != nil {
				return nil, err
			}
			slots, err := idx.bitmap.Lookup(v)
			if err != nil {
				return nil, err
			}
			set := make(map[string]struct{})
			if op == "=" {
				slots.ForEach(func(slot uint32) {
					if pk, ok := s.slotPK[slot]; ok {
						set[pk] = struct{}{}
					}
				})
				return set, nil
			}
			member := make(map[string]struct{})
			slots.ForEach(func(slot uint32) {
				if pk, ok := s.slotPK[slot]; ok {
					member[pk] = struct{}{}
				}
			})
			for _, pk := range s.pk.PKs() {
				if _, ok := member[pk]; !ok {
					set[pk] = struct{}{}
				}
			}
			return set, nil
		case "in":
			list, err := coerceList(raw)
			if err != nil {
				return nil, err
			}
			set := make(map[string]struct{})
			for _, v := range list {
				slots, err := idx.bitmap.Lookup(v)
				if err != nil {
					return nil, err
				}
				slots.ForEach(func(slot uint32) {
					if pk, ok := s.slotPK[slot]; ok {
						set[pk] = struct{}{}
					}
				})
			}
			return set, nil
		}
		// Range operators fall through to a metadata scan.

	case idx != nil && idx.kind == IndexTree:
		switch op {
		case "=":
			v, err := s.schema.Coerce(f.Name, raw)
			if err != nil {
				return nil, err
			}
			pks, err := idx.tree.Lookup(v)
			if err != nil {
				return nil, err
			}
			return pkSet(pks), nil
		case "in":
			list, err := coerceList(raw)
			if err != nil {
				return nil, err
			}
			set := make(map[string]struct{})
			for _, v := range list {
				pks, err := idx.tree.Lookup(v)
				if err != nil {
					return nil, err
				}
				for _, pk := range pks {
					set[pk] = struct{}{}
				}
			}
			return set, nil
		case "!=", "<", "<=", ">", ">=":
			v, err := s.schema.Coerce(f.Name, raw)
			if err != nil {
				return nil, err
			}
			set := make(map[string]struct{})
			idx.tree.Ascend(func(value interface{}, pks []string) bool {
				if matchOp(f.Type, value, op, v) {
					for _, pk := range pks {
						set[pk] = struct{}{}
					}
				}
				return true
			})
			return set, nil
		}
	}

	// Unindexed field or an operator the index cannot serve: scan.
	return s.scanOp(f, op, raw, recs)
}

func (s *Store) scanOp(f Field, op string, raw interface{}, recs map[string]map[string]interface{}) (map[string]struct{}, error) {
	switch op {
	case "=", "!=", "<", "<=", ">", ">=":
		v, err := s.schema.Coerce(f.Name, raw)
		if err != nil {
			return nil, err
		}
		set := make(map[string]struct{})
		for _, pk := range s.pk.PKs() {
			rec, err := s.recOf(pk, recs)
			if err != nil {
				return nil, err
			}
			if matchOp(f.Type, rec[f.Name], op, v) {
				set[pk] = struct{}{}
			}
		}
		return set, nil
	case "in":
		list, ok := raw.([]interface{})
		if !ok {
			return nil, errBadPredicate(f.Name)
		}
		vals := make([]interface{}, len(list))
		for i, item := range list {
			v, err := s.schema.Coerce(f.Name, item)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		set := make(map[string]struct{})
		for _, pk := range s.pk.PKs() {
			rec, err := s.recOf(pk, recs)
			if err != nil {
				return nil, err
			}
			for _, v := range vals {
				if rec[f.Name] == v {
					set[pk] = struct{}{}
					break
				}
			}
		}
		return set, nil
	}
	return nil, errBadPredicate(f.Name)
}

func (s *Store) recOf(pk string, recs map[string]map[string]interface{}) (map[string]interface{}, error) {
	if rec, ok := recs[pk]; ok {
		return rec, nil
	}
	entry, ok := s.pk.Get(pk)
	if !ok {
		return nil, &kiterrors.Error{
			Code: kiterrors.ENotFound,
			Msg:  fmt.Sprintf("series %q not found", pk),
		}
	}
	rec, err := s.readMeta(entry.MetaOffset)
	if err != nil {
		return nil, err
	}
	recs[pk] = rec
	return rec, nil
}

// normalizeCond rewrites the three condition shapes into an operator map.
func normalizeCond(cond interface{}) (map[string]interface{}, error) {
	switch c := cond.(type) {
	case map[string]interface{}:
		if len(c) == 0 {
			return nil, &kiterrors.Error{Code: kiterrors.EInvalid, Msg: "empty condition"}
		}
		for op := range c {
			switch op {
			case "=", "!=", "<", "<=", ">", ">=", "in":
			default:
				return nil, &kiterrors.Error{
					Code: kiterrors.EInvalid,
					Msg:  fmt.Sprintf("unknown operator %q", op),
				}
			}
		}
		return c, nil
	case []interface{}:
		return map[string]interface{}{"in": c}, nil
	default:
		return map[string]interface{}{"=": cond}, nil
	}
}

func errBadPredicate(field string) error {
	return &kiterrors.Error{
		Code: kiterrors.EInvalid,
		Msg:  fmt.Sprintf("malformed condition on field %q", field),
	}
}

func pkSet(pks []string) map[string]struct{} {
	set := make(map[string]struct{}, len(pks))
	for _, pk := range pks {
		set[pk] = struct{}{}
	}
	return set
}

// compareValues orders two coerced values of one field type.
func compareValues(t FieldType, a, b interface{}) int {
	switch t {
	case FieldInt:
		av, bv := a.(int64), b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case FieldFloat:
		av, bv := a.(float64), b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case FieldBool:
		av, bv := a.(bool), b.(bool)
		switch {
		case !av && bv:
			return -1
		case av && !bv:
			return 1
		}
	case FieldString:
		av, bv := a.(string), b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}

func matchOp(t FieldType, v interface{}, op string, cond interface{}) bool {
	c := compareValues(t, v, cond)
	switch op {
	case "=":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}
