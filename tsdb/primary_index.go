package tsdb

import (
	"encoding/binary"
	"fmt"
	"sort"

	kiterrors "github.com/saxdb/saxdb/kit/errors"
)

// IndexEntry locates one live series: the byte offsets of its record in the
// series heap and in the metadata heap.
type IndexEntry struct {
	TSOffset   int64
	MetaOffset int64
}

// PrimaryIndex is the authoritative map from primary key to heap offsets.
// It lives in memory and is made durable by the log plus periodic
// snapshots; on open the snapshot is loaded and the log replayed on top.
type PrimaryIndex struct {
	entries map[string]IndexEntry
}

// NewPrimaryIndex returns an empty index.
func NewPrimaryIndex() *PrimaryIndex {
	return &PrimaryIndex{entries: make(map[string]IndexEntry)}
}

// Len returns the number of live keys.
func (idx *PrimaryIndex) Len() int { return len(idx.entries) }

// Get returns the entry for pk.
func (idx *PrimaryIndex) Get(pk string) (IndexEntry, bool) {
	e, ok := idx.entries[pk]
	return e, ok
}

// Has reports whether pk is live.
func (idx *PrimaryIndex) Has(pk string) bool {
	_, ok := idx.entries[pk]
	return ok
}

// Put inserts or replaces the entry for pk.
func (idx *PrimaryIndex) Put(pk string, e IndexEntry) {
	idx.entries[pk] = e
}

// Delete removes pk from the index. The heap records become unreachable but
// stay on disk until compaction.
func (idx *PrimaryIndex) Delete(pk string) {
	delete(idx.entries, pk)
}

// PKs returns all live keys in lexical order.
func (idx *PrimaryIndex) PKs() []string {
	pks := make([]string, 0, len(idx.entries))
	for pk := range idx.entries {
		pks = append(pks, pk)
	}
	sort.Strings(pks)
	return pks
}

// primaryIndexSnapshotVersion guards the snapshot payload layout.
const primaryIndexSnapshotVersion = 1

// MarshalBinary serializes the index together with the log sequence number
// the snapshot captures, in lexical key order for deterministic output.
func (idx *PrimaryIndex) MarshalBinary(lsn uint64) ([]byte, error) {
	buf := make([]byte, 0, 16+len(idx.entries)*32)
	buf = append(buf, primaryIndexSnapshotVersion)
	buf = binary.BigEndian.AppendUint64(buf, lsn)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(idx.entries)))
	for _, pk := range idx.PKs() {
		e := idx.entries[pk]
		buf = appendString16(buf, pk)
		buf = binary.BigEndian.AppendUint64(buf, uint64(e.TSOffset))
		buf = binary.BigEndian.AppendUint64(buf, uint64(e.MetaOffset))
	}
	return buf, nil
}

// UnmarshalBinary restores the index from a snapshot payload and returns
// the sequence number the snapshot was taken at.
func (idx *PrimaryIndex) UnmarshalBinary(data []byte) (uint64, error) {
	corrupt := func() (uint64, error) {
		return 0, &kiterrors.Error{Code: kiterrors.EIntegrity, Msg: "primary index snapshot corrupt"}
	}

	if len(data) < 13 {
		return corrupt()
	}
	if data[0] != primaryIndexSnapshotVersion {
		return 0, &kiterrors.Error{
			Code: kiterrors.EIntegrity,
			Msg:  fmt.Sprintf("unsupported primary index snapshot version %d", data[0]),
		}
	}
	lsn := binary.BigEndian.Uint64(data[1:9])
	n := int(binary.BigEndian.Uint32(data[9:13]))
	rest := data[13:]

	entries := make(map[string]IndexEntry, n)
	for i := 0; i < n; i++ {
		pk, r, err := readString16From(rest)
		if err != nil {
			return corrupt()
		}
		if len(r) < 16 {
			return corrupt()
		}
		entries[pk] = IndexEntry{
			TSOffset:   int64(binary.BigEndian.Uint64(r)),
			MetaOffset: int64(binary.BigEndian.Uint64(r[8:])),
		}
		rest = r[16:]
	}
	idx.entries = entries
	return lsn, nil
}

// Apply replays one log entry that postdates the snapshot. Trigger entries
// are handled by the trigger table and ignored here.
func (idx *PrimaryIndex) Apply(e WALEntry) {
	switch e.Type {
	case WALPut:
		idx.Put(e.PK, IndexEntry{TSOffset: e.TSOffset, MetaOffset: e.MetaOffset})
	case WALDelete:
		idx.Delete(e.PK)
	}
}
