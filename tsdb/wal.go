package tsdb

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/golang/snappy"

	kiterrors "github.com/saxdb/saxdb/kit/errors"
)

// WALEntryType identifies the mutation a log entry carries.
type WALEntryType byte

const (
	// WALPut records an insert or in-place update of a primary key and its
	// heap offsets.
	WALPut WALEntryType = 0x01

	// WALDelete records the logical deletion of a primary key.
	WALDelete WALEntryType = 0x02

	// WALTriggerAdd records the registration of a trigger.
	WALTriggerAdd WALEntryType = 0x03

	// WALTriggerDelete records the removal of a trigger.
	WALTriggerDelete WALEntryType = 0x04
)

// WALEntry is one logged mutation. Put carries both heap offsets; Delete
// carries only the key; trigger entries carry the operation hook, the
// procedure name and, for additions, the target fields and optional
// argument series.
type WALEntry struct {
	Type       WALEntryType
	LSN        uint64
	PK         string
	TSOffset   int64
	MetaOffset int64
	TrigOn     string
	Proc       string
	Targets    []string
	Arg        []float64
}

// WAL is the write-ahead log for the primary index and trigger table. Every
// append is fsynced before the in-memory state changes, so a crash never
// loses an acknowledged mutation. The log is truncated after each snapshot.
type WAL struct {
	path string
	file *os.File
	lsn  uint64
}

// OpenWAL opens or creates the log at path. The sequence counter starts at
// zero; the caller seeds it from the most recent snapshot with SetLSN and
// skips replayed entries at or below that snapshot's sequence number.
func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, &kiterrors.Error{Code: kiterrors.EIO, Msg: "opening log", Err: err}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, &kiterrors.Error{Code: kiterrors.EIO, Msg: "opening log", Err: err}
	}
	return &WAL{path: path, file: f}, nil
}

// LSN returns the sequence number of the last appended or replayed entry.
func (w *WAL) LSN() uint64 { return w.lsn }

// SetLSN seeds the sequence counter, typically from a snapshot.
func (w *WAL) SetLSN(lsn uint64) {
	if lsn > w.lsn {
		w.lsn = lsn
	}
}

// Append assigns the next sequence number to e, writes it to the log and
// syncs. The entry's LSN field is filled in.
func (w *WAL) Append(e *WALEntry) error {
	w.lsn++
	e.LSN = w.lsn

	payload := encodeWALEntry(e)
	compressed := snappy.Encode(nil, payload)

	buf := make([]byte, 0, 5+len(compressed))
	buf = append(buf, byte(e.Type))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(compressed)))
	buf = append(buf, compressed...)

	if _, err := w.file.Write(buf); err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "appending log entry", Err: err}
	}
	if err := w.file.Sync(); err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "syncing log", Err: err}
	}
	return nil
}

// Replay reads the log from the start and calls fn for every decodable
// entry. A torn tail, left by a crash mid-append, ends the replay cleanly
// and is truncated so the next append starts on a clean boundary.
func (w *WAL) Replay(fn func(WALEntry) error) error {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "replaying log", Err: err}
	}

	var pos int64
	hdr := make([]byte, 5)
	for {
		if _, err := io.ReadFull(w.file, hdr); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return &kiterrors.Error{Code: kiterrors.EIO, Msg: "replaying log", Err: err}
		}
		typ := WALEntryType(hdr[0])
		n := binary.BigEndian.Uint32(hdr[1:])

		compressed := make([]byte, n)
		if _, err := io.ReadFull(w.file, compressed); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return &kiterrors.Error{Code: kiterrors.EIO, Msg: "replaying log", Err: err}
		}

		payload, err := snappy.Decode(nil, compressed)
		if err != nil {
			// A corrupt body past the last sync is a torn tail, not data loss.
			break
		}
		e, err := decodeWALEntry(typ, payload)
		if err != nil {
			break
		}

		if err := fn(e); err != nil {
			return err
		}
		if e.LSN > w.lsn {
			w.lsn = e.LSN
		}
		pos += int64(5 + n)
	}

	if err := w.file.Truncate(pos); err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "truncating torn log tail", Err: err}
	}
	if _, err := w.file.Seek(pos, io.SeekStart); err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "replaying log", Err: err}
	}
	return nil
}

// Truncate discards all entries. Called after a snapshot has captured the
// state the log was protecting.
func (w *WAL) Truncate() error {
	if err := w.file.Truncate(0); err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "truncating log", Err: err}
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "truncating log", Err: err}
	}
	if err := w.file.Sync(); err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "truncating log", Err: err}
	}
	return nil
}

// Close syncs and closes the log file.
func (w *WAL) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	if e := w.file.Close(); e != nil && err == nil {
		err = e
	}
	w.file = nil
	if err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "closing log", Err: err}
	}
	return nil
}

func encodeWALEntry(e *WALEntry) []byte {
	buf := make([]byte, 0, 64+len(e.PK)+len(e.TrigOn)+len(e.Proc)+8*len(e.Arg))
	buf = binary.BigEndian.AppendUint64(buf, e.LSN)
	buf = appendString16(buf, e.PK)
	switch e.Type {
	case WALPut:
		buf = binary.BigEndian.AppendUint64(buf, uint64(e.TSOffset))
		buf = binary.BigEndian.AppendUint64(buf, uint64(e.MetaOffset))
	case WALTriggerDelete:
		buf = appendString16(buf, e.TrigOn)
		buf = appendString16(buf, e.Proc)
	case WALTriggerAdd:
		buf = appendString16(buf, e.TrigOn)
		buf = appendString16(buf, e.Proc)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Targets)))
		for _, t := range e.Targets {
			buf = appendString16(buf, t)
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Arg)))
		for _, v := range e.Arg {
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}
	return buf
}

func decodeWALEntry(typ WALEntryType, payload []byte) (WALEntry, error) {
	e := WALEntry{Type: typ}
	if len(payload) < 8 {
		return e, errTornEntry(typ)
	}
	e.LSN = binary.BigEndian.Uint64(payload)
	rest := payload[8:]

	var err error
	e.PK, rest, err = readString16From(rest)
	if err != nil {
		return e, errTornEntry(typ)
	}

	switch typ {
	case WALPut:
		if len(rest) < 16 {
			return e, errTornEntry(typ)
		}
		e.TSOffset = int64(binary.BigEndian.Uint64(rest))
		e.MetaOffset = int64(binary.BigEndian.Uint64(rest[8:]))
	case WALDelete:
	case WALTriggerDelete:
		e.TrigOn, rest, err = readString16From(rest)
		if err != nil {
			return e, errTornEntry(typ)
		}
		e.Proc, _, err = readString16From(rest)
		if err != nil {
			return e, errTornEntry(typ)
		}
	case WALTriggerAdd:
		e.TrigOn, rest, err = readString16From(rest)
		if err != nil {
			return e, errTornEntry(typ)
		}
		e.Proc, rest, err = readString16From(rest)
		if err != nil {
			return e, errTornEntry(typ)
		}
		if len(rest) < 2 {
			return e, errTornEntry(typ)
		}
		nt := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		for i := 0; i < nt; i++ {
			var t string
			t, rest, err = readString16From(rest)
			if err != nil {
				return e, errTornEntry(typ)
			}
			e.Targets = append(e.Targets, t)
		}
		if len(rest) < 4 {
			return e, errTornEntry(typ)
		}
		na := int(binary.BigEndian.Uint32(rest))
		rest = rest[4:]
		if len(rest) < 8*na {
			return e, errTornEntry(typ)
		}
		for i := 0; i < na; i++ {
			e.Arg = append(e.Arg, math.Float64frombits(binary.BigEndian.Uint64(rest[8*i:])))
		}
	default:
		return e, errTornEntry(typ)
	}
	return e, nil
}

func errTornEntry(typ WALEntryType) error {
	return &kiterrors.Error{
		Code: kiterrors.EIntegrity,
		Msg:  fmt.Sprintf("torn log entry of type %#x", byte(typ)),
	}
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString16From(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, io.ErrUnexpectedEOF
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return "", nil, io.ErrUnexpectedEOF
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}
