package tsdb

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	kiterrors "github.com/saxdb/saxdb/kit/errors"
	"github.com/saxdb/saxdb/models"
)

// On-disk file names under <data_dir>/<db_name>/.
const (
	tsHeapFileName   = "heap_ts.met"
	metaHeapFileName = "heap_meta.met"
	schemaFileName   = "schema.idx"
	pkFileName       = "pk.idx"
	walFileName      = "pk.log"
	triggersFileName = "triggers.idx"
	isaxFileName     = "isax.idx"
)

func indexFileName(field string) string     { return "index_" + field + ".idx" }
func indexSlotFileName(field string) string { return "index_" + field + "_pks.idx" }

// secondaryIndex is the tagged variant over the two index kinds. Exactly
// one of tree and bitmap is set.
type secondaryIndex struct {
	field  string
	ftype  FieldType
	kind   IndexKind
	tree   *TreeIndex
	bitmap *BitmapIndex
}

// Store composes the heaps, the primary index with its log, the secondary
// indexes, the trigger table and the similarity structures into the
// user-visible database. All mutations are serialized on one mutation
// lock; the log append inside it is the commit point.
type Store struct {
	mu sync.Mutex

	config  Config
	dir     string
	logger  *zap.Logger
	metrics *storeMetrics

	schema   *Schema
	tsHeap   *TSHeap
	metaHeap *MetaHeap
	wal      *WAL
	pk       *PrimaryIndex
	indexes  map[string]*secondaryIndex
	slotPK   map[uint32]string
	triggers *TriggerTable
	procs    *ProcRegistry
	sax      *SAX
	tree     *ISAXTree

	opsSinceFlush int
}

// Open opens or creates the database selected by the configuration. reg
// may be nil, in which case the metric collectors are not registered.
func Open(config Config, log *zap.Logger, reg prometheus.Registerer) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	dir := filepath.Join(config.DataDir, config.DBName)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, &kiterrors.Error{Code: kiterrors.EIO, Msg: "creating database directory", Op: dir, Err: err}
	}

	s := &Store{
		config:   config,
		dir:      dir,
		logger:   log.With(zap.String("db", config.DBName)),
		metrics:  newStoreMetrics(reg),
		pk:       NewPrimaryIndex(),
		triggers: NewTriggerTable(),
		procs:    NewProcRegistry(),
	}

	sax, err := NewSAX(config.SAXWordLength, config.SAXCardinality, config.TSLength)
	if err != nil {
		return nil, err
	}
	s.sax = sax

	if err := s.openSchema(); err != nil {
		return nil, err
	}

	if s.tsHeap, err = OpenTSHeap(filepath.Join(dir, tsHeapFileName), config.TSLength); err != nil {
		return nil, err
	}
	if s.metaHeap, err = OpenMetaHeap(filepath.Join(dir, metaHeapFileName), s.schema.Size()); err != nil {
		s.tsHeap.Close()
		return nil, err
	}

	if err := s.recover(); err != nil {
		s.tsHeap.Close()
		s.metaHeap.Close()
		if s.wal != nil {
			s.wal.Close()
		}
		return nil, err
	}

	s.metrics.setSeries(s.pk.Len())
	s.logger.Info("database opened",
		zap.Int("series", s.pk.Len()),
		zap.Int("ts_length", config.TSLength),
		zap.Uint64("lsn", s.wal.LSN()))
	return s, nil
}

func (s *Store) openSchema() error {
	payload, err := readSnapshot(filepath.Join(s.dir, schemaFileName))
	if os.IsNotExist(err) {
		s.schema = NewSchema()
		return s.persistSchema()
	}
	if err != nil {
		return err
	}
	schema := NewSchema()
	if err := schema.UnmarshalBinary(payload); err != nil {
		return err
	}
	s.schema = schema
	return nil
}

func (s *Store) persistSchema() error {
	payload, err := s.schema.MarshalBinary()
	if err != nil {
		return err
	}
	return writeSnapshot(filepath.Join(s.dir, schemaFileName), payload)
}

// recover loads the primary index snapshot, replays the log on top, and
// then loads or rebuilds the derived structures.
func (s *Store) recover() error {
	var snapshotLSN uint64
	payload, err := readSnapshot(filepath.Join(s.dir, pkFileName))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return err
	default:
		if snapshotLSN, err = s.pk.UnmarshalBinary(payload); err != nil {
			return err
		}
	}

	payload, err = readSnapshot(filepath.Join(s.dir, triggersFileName))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return err
	default:
		if err := s.triggers.UnmarshalBinary(payload); err != nil {
			return err
		}
	}

	if s.wal, err = OpenWAL(filepath.Join(s.dir, walFileName)); err != nil {
		return err
	}
	s.wal.SetLSN(snapshotLSN)

	var replayed int
	err = s.wal.Replay(func(e WALEntry) error {
		if e.LSN <= snapshotLSN {
			return nil
		}
		s.pk.Apply(e)
		s.triggers.Apply(e)
		replayed++
		return nil
	})
	if err != nil {
		return err
	}

	if replayed == 0 {
		if err := s.loadDerived(); err == nil {
			return nil
		} else if kiterrors.ErrorCode(err) == kiterrors.EIO {
			return err
		}
	} else {
		s.logger.Info("log replayed past snapshot", zap.Int("entries", replayed))
	}
	return s.rebuildDerived()
}

// loadDerived restores the secondary indexes and the similarity tree from
// their snapshots. Any missing or inconsistent snapshot fails the load and
// the caller rebuilds everything from the heaps.
func (s *Store) loadDerived() error {
	indexes := s.emptyIndexes()
	slotPK := s.deriveSlotPK()

	for _, idx := range indexes {
		payload, err := readSnapshot(filepath.Join(s.dir, indexFileName(idx.field)))
		if err != nil {
			return err
		}
		if idx.kind == IndexTree {
			if err := idx.tree.UnmarshalBinary(payload); err != nil {
				return err
			}
			continue
		}
		if err := idx.bitmap.UnmarshalBinary(payload); err != nil {
			return err
		}
		slots, err := readSnapshot(filepath.Join(s.dir, indexSlotFileName(idx.field)))
		if err != nil {
			return err
		}
		table, err := unmarshalSlotTable(slots)
		if err != nil {
			return err
		}
		for slot, pk := range table {
			if slotPK[slot] != pk {
				return &kiterrors.Error{
					Code: kiterrors.EIntegrity,
					Msg:  fmt.Sprintf("slot table for index %s disagrees with primary index", idx.field),
				}
			}
		}
	}

	tree, err := NewISAXTree(s.sax, s.config.TreeThreshold)
	if err != nil {
		return err
	}
	payload, err := readSnapshot(filepath.Join(s.dir, isaxFileName))
	if err != nil {
		return err
	}
	if err := tree.UnmarshalBinary(payload); err != nil {
		return err
	}
	if tree.Len() != s.pk.Len() {
		return &kiterrors.Error{
			Code: kiterrors.EIntegrity,
			Msg:  "similarity index disagrees with primary index",
		}
	}

	s.indexes = indexes
	s.slotPK = slotPK
	s.tree = tree
	return nil
}

// rebuildDerived streams every live record through the schema to rebuild
// the secondary indexes, and re-encodes every series to rebuild the
// similarity tree.
func (s *Store) rebuildDerived() error {
	s.indexes = s.emptyIndexes()
	s.slotPK = make(map[uint32]string)

	tree, err := NewISAXTree(s.sax, s.config.TreeThreshold)
	if err != nil {
		return err
	}
	s.tree = tree

	for _, pk := range s.pk.PKs() {
		entry, _ := s.pk.Get(pk)
		rec, err := s.readMeta(entry.MetaOffset)
		if err != nil {
			return err
		}
		slot := s.slotOf(entry.MetaOffset)
		s.slotPK[slot] = pk
		if err := s.indexRecord(pk, slot, rec); err != nil {
			return err
		}
		ts, err := s.tsHeap.Read(entry.TSOffset)
		if err != nil {
			return err
		}
		if err := s.tree.Insert(pk, ts); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) emptyIndexes() map[string]*secondaryIndex {
	indexes := make(map[string]*secondaryIndex)
	for _, f := range s.schema.Fields() {
		if f.Index == IndexNone {
			continue
		}
		idx := &secondaryIndex{field: f.Name, ftype: f.Type, kind: f.Index}
		if f.Index == IndexTree {
			idx.tree = NewTreeIndex(f.Name, f.Type)
		} else {
			idx.bitmap = NewBitmapIndex(f.Name, f.Type)
		}
		indexes[f.Name] = idx
	}
	return indexes
}

func (s *Store) deriveSlotPK() map[uint32]string {
	slotPK := make(map[uint32]string, s.pk.Len())
	for _, pk := range s.pk.PKs() {
		entry, _ := s.pk.Get(pk)
		slotPK[s.slotOf(entry.MetaOffset)] = pk
	}
	return slotPK
}

func (s *Store) slotOf(metaOffset int64) uint32 {
	return uint32(metaOffset / int64(s.schema.Size()))
}

func (s *Store) readMeta(offset int64) (map[string]interface{}, error) {
	buf, err := s.metaHeap.Read(offset)
	if err != nil {
		return nil, err
	}
	return s.schema.Decode(buf)
}

func (s *Store) indexRecord(pk string, slot uint32, rec map[string]interface{}) error {
	for _, idx := range s.indexes {
		v := rec[idx.field]
		var err error
		if idx.kind == IndexTree {
			err = idx.tree.Insert(v, pk)
		} else {
			err = idx.bitmap.Insert(v, slot)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) unindexRecord(pk string, slot uint32, rec map[string]interface{}) error {
	for _, idx := range s.indexes {
		v := rec[idx.field]
		var err error
		if idx.kind == IndexTree {
			err = idx.tree.Remove(v, pk)
		} else {
			err = idx.bitmap.Remove(v, slot)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// seriesOf reads the raw series of a live pk.
func (s *Store) seriesOf(pk string) (models.TimeSeries, error) {
	entry, ok := s.pk.Get(pk)
	if !ok {
		return models.TimeSeries{}, &kiterrors.Error{
			Code: kiterrors.ENotFound,
			Msg:  fmt.Sprintf("series %q not found", pk),
		}
	}
	return s.tsHeap.Read(entry.TSOffset)
}

// Contains reports whether pk is live.
func (s *Store) Contains(pk string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pk.Has(pk)
}

// Len returns the number of live series.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pk.Len()
}

// InsertTS stores a new series under pk with default metadata. The series
// is also filed into the similarity tree and receives a cached distance to
// every vantage point. Triggers on insert_ts fire after the commit.
func (s *Store) InsertTS(pk string, ts models.TimeSeries) error {
	err := s.insertTS(pk, ts)
	s.metrics.observe(OpInsertTS, err)
	if err != nil {
		return err
	}
	s.fireTriggers(OpInsertTS, pk, ts)
	return nil
}

func (s *Store) insertTS(pk string, ts models.TimeSeries) error {
	if err := ValidatePK(pk); err != nil {
		return err
	}
	if ts.Len() != s.config.TSLength {
		return &kiterrors.Error{
			Code: kiterrors.EInvalid,
			Msg:  fmt.Sprintf("series has length %d, database requires %d", ts.Len(), s.config.TSLength),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pk.Has(pk) {
		return &kiterrors.Error{
			Code: kiterrors.EAlreadyExists,
			Msg:  fmt.Sprintf("series %q already exists", pk),
		}
	}

	rec := s.schema.Defaults()
	for _, f := range s.schema.Fields() {
		vp, ok := IsVPDistanceField(f.Name)
		if !ok {
			continue
		}
		vpSeries, err := s.seriesOf(vp)
		if err != nil {
			return err
		}
		rec[f.Name] = models.NCCDistance(ts, vpSeries)
	}

	tsOff, err := s.tsHeap.Write(ts)
	if err != nil {
		return err
	}
	buf, err := s.schema.Encode(rec)
	if err != nil {
		return err
	}
	metaOff, err := s.metaHeap.Write(buf)
	if err != nil {
		return err
	}
	if err := s.tsHeap.Sync(); err != nil {
		return err
	}
	if err := s.metaHeap.Sync(); err != nil {
		return err
	}

	if err := s.wal.Append(&WALEntry{Type: WALPut, PK: pk, TSOffset: tsOff, MetaOffset: metaOff}); err != nil {
		return err
	}

	s.pk.Put(pk, IndexEntry{TSOffset: tsOff, MetaOffset: metaOff})
	slot := s.slotOf(metaOff)
	s.slotPK[slot] = pk
	if err := s.indexRecord(pk, slot, rec); err != nil {
		return err
	}
	if err := s.tree.Insert(pk, ts); err != nil {
		return err
	}

	s.metrics.setSeries(s.pk.Len())
	return s.committed()
}

// UpsertMeta merges md into the metadata of pk. Unknown fields are
// rejected. The record is rewritten in place; changed indexed fields move
// inside their indexes. Triggers on upsert_meta fire after the commit.
func (s *Store) UpsertMeta(pk string, md map[string]interface{}) error {
	err := s.upsertMeta(pk, md, true)
	s.metrics.observe(OpUpsertMeta, err)
	return err
}

func (s *Store) upsertMeta(pk string, md map[string]interface{}, fire bool) error {
	ts, err := func() (models.TimeSeries, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.upsertMetaLocked(pk, md)
	}()
	if err != nil {
		return err
	}
	if fire {
		s.fireTriggers(OpUpsertMeta, pk, ts)
	}
	return nil
}

func (s *Store) upsertMetaLocked(pk string, md map[string]interface{}) (models.TimeSeries, error) {
	entry, ok := s.pk.Get(pk)
	if !ok {
		return models.TimeSeries{}, &kiterrors.Error{
			Code: kiterrors.ENotFound,
			Msg:  fmt.Sprintf("series %q not found", pk),
		}
	}

	old, err := s.readMeta(entry.MetaOffset)
	if err != nil {
		return models.TimeSeries{}, err
	}

	rec := make(map[string]interface{}, len(old))
	for k, v := range old {
		rec[k] = v
	}
	changed := make(map[string]struct{})
	for name, raw := range md {
		if name == DeletedField {
			return models.TimeSeries{}, &kiterrors.Error{
				Code: kiterrors.EInvalid,
				Msg:  fmt.Sprintf("field %q cannot be set directly", name),
			}
		}
		v, err := s.schema.Coerce(name, raw)
		if err != nil {
			return models.TimeSeries{}, err
		}
		if rec[name] != v {
			rec[name] = v
			changed[name] = struct{}{}
		}
	}

	ts, err := s.tsHeap.Read(entry.TSOffset)
	if err != nil {
		return models.TimeSeries{}, err
	}
	if len(changed) == 0 {
		return ts, nil
	}

	buf, err := s.schema.Encode(rec)
	if err != nil {
		return models.TimeSeries{}, err
	}
	if err := s.metaHeap.WriteAt(entry.MetaOffset, buf); err != nil {
		return models.TimeSeries{}, err
	}
	if err := s.metaHeap.Sync(); err != nil {
		return models.TimeSeries{}, err
	}

	if err := s.wal.Append(&WALEntry{
		Type: WALPut, PK: pk, TSOffset: entry.TSOffset, MetaOffset: entry.MetaOffset,
	}); err != nil {
		return models.TimeSeries{}, err
	}

	slot := s.slotOf(entry.MetaOffset)
	for name := range changed {
		idx, ok := s.indexes[name]
		if !ok {
			continue
		}
		if idx.kind == IndexTree {
			if err := idx.tree.Remove(old[name], pk); err != nil {
				return models.TimeSeries{}, err
			}
			if err := idx.tree.Insert(rec[name], pk); err != nil {
				return models.TimeSeries{}, err
			}
			continue
		}
		if err := idx.bitmap.Remove(old[name], slot); err != nil {
			return models.TimeSeries{}, err
		}
		if err := idx.bitmap.Insert(rec[name], slot); err != nil {
			return models.TimeSeries{}, err
		}
	}
	return ts, s.committed()
}

// DeleteTS logically deletes pk: the deleted flag is set, the pk leaves
// every index and the similarity structures, and the heap slots are
// retained until compaction. Deleting a vantage point first retires its
// distance field.
func (s *Store) DeleteTS(pk string) error {
	err := s.deleteTS(pk)
	s.metrics.observe(OpDeleteTS, err)
	return err
}

func (s *Store) deleteTS(pk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pk.Get(pk)
	if !ok {
		return &kiterrors.Error{
			Code: kiterrors.ENotFound,
			Msg:  fmt.Sprintf("series %q not found", pk),
		}
	}

	if s.schema.HasField(VPDistanceField(pk)) {
		if err := s.deleteVPLocked(pk); err != nil {
			return err
		}
		// Offsets moved during the distance-field rewrite.
		entry, _ = s.pk.Get(pk)
	}

	rec, err := s.readMeta(entry.MetaOffset)
	if err != nil {
		return err
	}
	slot := s.slotOf(entry.MetaOffset)

	rec[DeletedField] = true
	buf, err := s.schema.Encode(rec)
	if err != nil {
		return err
	}
	if err := s.metaHeap.WriteAt(entry.MetaOffset, buf); err != nil {
		return err
	}
	if err := s.metaHeap.Sync(); err != nil {
		return err
	}

	if err := s.wal.Append(&WALEntry{Type: WALDelete, PK: pk}); err != nil {
		return err
	}

	rec[DeletedField] = false // the indexes still hold the pre-delete value
	if err := s.unindexRecord(pk, slot, rec); err != nil {
		return err
	}
	delete(s.slotPK, slot)
	s.pk.Delete(pk)
	if err := s.tree.Remove(pk); err != nil {
		return err
	}

	s.metrics.setSeries(s.pk.Len())
	return s.committed()
}

// AddTrigger binds proc to fire on every commit of the named operation.
// Only InsertTS and UpsertMeta run triggers: one registered on delete_ts is
// kept and persisted, but DeleteTS does not run it. Missing target fields are added to the schema as floats, which rewrites
// the metadata heap.
func (s *Store) AddTrigger(proc, on string, targets []string, arg []float64) error {
	err := s.addTrigger(proc, on, targets, arg)
	s.metrics.observe("add_trigger", err)
	return err
}

func (s *Store) addTrigger(proc, on string, targets []string, arg []float64) error {
	if !validTriggerOp(on) {
		return &kiterrors.Error{
			Code: kiterrors.EInvalid,
			Msg:  fmt.Sprintf("unknown trigger operation %q", on),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []string
	for _, target := range targets {
		if !s.schema.HasField(target) {
			missing = append(missing, target)
		}
	}
	if len(missing) > 0 {
		if err := s.addFieldsLocked(missing); err != nil {
			return err
		}
	}

	if err := s.wal.Append(&WALEntry{
		Type: WALTriggerAdd, TrigOn: on, Proc: proc, Targets: targets, Arg: arg,
	}); err != nil {
		return err
	}
	if err := s.triggers.Add(on, Trigger{Proc: proc, Targets: targets, Arg: arg}); err != nil {
		return err
	}
	return s.committed()
}

// RemoveTrigger removes the first trigger on the named operation whose
// procedure matches proc.
func (s *Store) RemoveTrigger(proc, on string) error {
	err := s.removeTrigger(proc, on)
	s.metrics.observe("remove_trigger", err)
	return err
}

func (s *Store) removeTrigger(proc, on string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.triggers.Remove(on, proc); err != nil {
		return err
	}
	if err := s.wal.Append(&WALEntry{Type: WALTriggerDelete, TrigOn: on, Proc: proc}); err != nil {
		return err
	}
	return s.committed()
}

// fireTriggers runs the triggers registered on op against the committed
// series. Triggers run after the mutation lock is released; a trigger that
// upserts metadata commits separately and does not re-fire.
func (s *Store) fireTriggers(op, pk string, ts models.TimeSeries) {
	s.mu.Lock()
	triggers := append([]Trigger(nil), s.triggers.For(op)...)
	s.mu.Unlock()

	for _, trig := range triggers {
		proc, ok := s.procs.Get(trig.Proc)
		if !ok {
			s.logger.Warn("skipping trigger with unknown procedure",
				zap.String("proc", trig.Proc), zap.String("op", op))
			continue
		}
		outs, err := proc(ts, trig.Arg)
		if err != nil {
			s.logger.Warn("trigger procedure failed",
				zap.String("proc", trig.Proc), zap.String("pk", pk), zap.Error(err))
			continue
		}
		if len(outs) < len(trig.Targets) {
			s.logger.Warn("trigger procedure returned too few values",
				zap.String("proc", trig.Proc), zap.Int("want", len(trig.Targets)), zap.Int("got", len(outs)))
			continue
		}
		md := make(map[string]interface{}, len(trig.Targets))
		for i, target := range trig.Targets {
			md[target] = outs[i]
		}
		if err := s.upsertMeta(pk, md, false); err != nil {
			s.logger.Warn("trigger result could not be stored",
				zap.String("proc", trig.Proc), zap.String("pk", pk), zap.Error(err))
		}
	}
}

// addFieldsLocked grows the schema by float fields and rewrites the
// metadata heap with defaults.
func (s *Store) addFieldsLocked(names []string) error {
	return s.applySchemaChange(
		func(schema *Schema) error {
			for _, name := range names {
				if err := schema.AddField(Field{Name: name, Type: FieldFloat}); err != nil {
					return err
				}
			}
			return nil
		},
		func(pk string, rec map[string]interface{}) error {
			for _, name := range names {
				rec[name] = float64(0)
			}
			return nil
		},
	)
}

// AddField grows the schema by a user-defined metadata field. Every live
// record is rewritten carrying the field's default.
func (s *Store) AddField(f Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.applySchemaChange(
		func(schema *Schema) error { return schema.AddField(f) },
		func(string, map[string]interface{}) error { return nil },
	)
	s.metrics.observe("add_field", err)
	return err
}

// RemoveField drops a user-defined metadata field. Removal is rejected
// while any live record holds a non-default value for the field.
func (s *Store) RemoveField(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.removeFieldLocked(name)
	s.metrics.observe("remove_field", err)
	return err
}

func (s *Store) removeFieldLocked(name string) error {
	f, ok := s.schema.FieldInfo(name)
	if !ok {
		return &kiterrors.Error{
			Code: kiterrors.ESchemaMismatch,
			Msg:  fmt.Sprintf("unknown field %q", name),
		}
	}
	for _, pk := range s.pk.PKs() {
		entry, _ := s.pk.Get(pk)
		rec, err := s.readMeta(entry.MetaOffset)
		if err != nil {
			return err
		}
		if rec[name] != f.Default {
			return &kiterrors.Error{
				Code: kiterrors.EInvalid,
				Msg:  fmt.Sprintf("field %q is in use by %q", name, pk),
			}
		}
	}

	return s.applySchemaChange(
		func(schema *Schema) error { return schema.RemoveField(name) },
		func(string, map[string]interface{}) error { return nil },
	)
}

// applySchemaChange clones the schema, applies change, rewrites the
// metadata heap under the new layout with mutate adjusting each record,
// and rebuilds the derived structures. The whole change is fenced by a
// flush so the log never spans two schemas.
func (s *Store) applySchemaChange(
	change func(*Schema) error,
	mutate func(pk string, rec map[string]interface{}) error,
) error {
	oldSchema := s.schema
	newSchema := s.schema.Clone()
	if err := change(newSchema); err != nil {
		return err
	}

	newFields := make(map[string]struct{})
	for _, f := range newSchema.Fields() {
		newFields[f.Name] = struct{}{}
	}

	pks := s.pk.PKs()
	err := s.metaHeap.RewriteMetaHeap(
		newSchema.Size(),
		pks,
		func(pk string) ([]byte, int64, error) {
			entry, _ := s.pk.Get(pk)
			buf, err := s.metaHeap.Read(entry.MetaOffset)
			return buf, entry.MetaOffset, err
		},
		func(pk string, old []byte) ([]byte, error) {
			rec, err := oldSchema.Decode(old)
			if err != nil {
				return nil, err
			}
			for name := range rec {
				if _, ok := newFields[name]; !ok {
					delete(rec, name)
				}
			}
			if err := mutate(pk, rec); err != nil {
				return nil, err
			}
			return newSchema.Encode(rec)
		},
		func(pk string, offset int64) {
			entry, _ := s.pk.Get(pk)
			entry.MetaOffset = offset
			s.pk.Put(pk, entry)
		},
	)
	if err != nil {
		return err
	}

	s.schema = newSchema
	if err := s.persistSchema(); err != nil {
		return err
	}
	if err := s.rebuildDerived(); err != nil {
		return err
	}
	return s.flushLocked()
}

// committed advances the flush cadence after a successful commit.
func (s *Store) committed() error {
	s.opsSinceFlush++
	if s.opsSinceFlush < s.config.FlushEvery {
		return nil
	}
	return s.flushLocked()
}

// Flush snapshots every in-memory structure and truncates the log.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	payload, err := s.pk.MarshalBinary(s.wal.LSN())
	if err != nil {
		return err
	}
	if err := writeSnapshot(filepath.Join(s.dir, pkFileName), payload); err != nil {
		return err
	}

	if payload, err = s.triggers.MarshalBinary(); err != nil {
		return err
	}
	if err := writeSnapshot(filepath.Join(s.dir, triggersFileName), payload); err != nil {
		return err
	}

	for _, idx := range s.indexes {
		if idx.kind == IndexTree {
			payload, err = idx.tree.MarshalBinary()
		} else {
			payload, err = idx.bitmap.MarshalBinary()
		}
		if err != nil {
			return err
		}
		if err := writeSnapshot(filepath.Join(s.dir, indexFileName(idx.field)), payload); err != nil {
			return err
		}
		if idx.kind == IndexBitmap {
			if err := writeSnapshot(
				filepath.Join(s.dir, indexSlotFileName(idx.field)),
				marshalSlotTable(s.slotPK),
			); err != nil {
				return err
			}
		}
	}

	if payload, err = s.tree.MarshalBinary(); err != nil {
		return err
	}
	if err := writeSnapshot(filepath.Join(s.dir, isaxFileName), payload); err != nil {
		return err
	}

	if err := s.wal.Truncate(); err != nil {
		return err
	}
	s.opsSinceFlush = 0
	s.metrics.flushed()
	return nil
}

// Close flushes and releases the database files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wal == nil {
		return nil
	}
	var result *multierror.Error
	result = multierror.Append(result, s.flushLocked())
	for _, c := range []func() error{s.wal.Close, s.tsHeap.Close, s.metaHeap.Close} {
		result = multierror.Append(result, c())
	}
	s.wal = nil
	s.logger.Info("database closed")
	return result.ErrorOrNil()
}

func marshalSlotTable(slotPK map[uint32]string) []byte {
	slots := make([]uint32, 0, len(slotPK))
	for slot := range slotPK {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	buf := make([]byte, 0, 4+len(slotPK)*16)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(slots)))
	for _, slot := range slots {
		buf = binary.BigEndian.AppendUint32(buf, slot)
		buf = appendString16(buf, slotPK[slot])
	}
	return buf
}

func unmarshalSlotTable(data []byte) (map[uint32]string, error) {
	corrupt := func() (map[uint32]string, error) {
		return nil, &kiterrors.Error{Code: kiterrors.EIntegrity, Msg: "slot table corrupt"}
	}
	if len(data) < 4 {
		return corrupt()
	}
	n := int(binary.BigEndian.Uint32(data))
	rest := data[4:]
	table := make(map[uint32]string, n)
	for i := 0; i < n; i++ {
		if len(rest) < 4 {
			return corrupt()
		}
		slot := binary.BigEndian.Uint32(rest)
		pk, r, err := readString16From(rest[4:])
		if err != nil {
			return corrupt()
		}
		table[slot] = pk
		rest = r
	}
	return table, nil
}

// parseSortBy splits a sort directive of the form "field", "+field" or
// "-field" into the field name and direction.
func parseSortBy(sortBy string) (field string, desc bool) {
	switch {
	case strings.HasPrefix(sortBy, "-"):
		return sortBy[1:], true
	case strings.HasPrefix(sortBy, "+"):
		return sortBy[1:], false
	default:
		return sortBy, false
	}
}
