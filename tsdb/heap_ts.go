package tsdb

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"

	kiterrors "github.com/saxdb/saxdb/kit/errors"
	"github.com/saxdb/saxdb/models"
)

// tsHeapHeaderSize is the 8-byte little-endian series length header.
const tsHeapHeaderSize = 8

// TSHeap is the append-only fixed-record store for raw series. Each record
// is 16*L bytes: L little-endian float64 times followed by L values. Records
// are immutable once written; slots of deleted series are retained until
// compaction.
type TSHeap struct {
	path     string
	file     *os.File
	tsLength int
	size     int64 // end of valid data
}

// OpenTSHeap opens or creates the series heap at path. An existing heap must
// carry the same series length. A partial trailing record, left by a crash
// mid-append, is truncated; the primary index restored from the log will not
// reference it.
func OpenTSHeap(path string, tsLength int) (*TSHeap, error) {
	h := &TSHeap{path: path, tsLength: tsLength}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, &kiterrors.Error{Code: kiterrors.EIO, Msg: "opening series heap", Err: err}
	}
	h.file = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &kiterrors.Error{Code: kiterrors.EIO, Msg: "opening series heap", Err: err}
	}

	if fi.Size() == 0 {
		var hdr [tsHeapHeaderSize]byte
		binary.LittleEndian.PutUint64(hdr[:], uint64(tsLength))
		if _, err := f.Write(hdr[:]); err != nil {
			f.Close()
			return nil, &kiterrors.Error{Code: kiterrors.EIO, Msg: "writing series heap header", Err: err}
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, &kiterrors.Error{Code: kiterrors.EIO, Msg: "writing series heap header", Err: err}
		}
		h.size = tsHeapHeaderSize
		return h, nil
	}

	var hdr [tsHeapHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, &kiterrors.Error{Code: kiterrors.EIntegrity, Msg: "series heap header unreadable", Err: err}
	}
	if got := int(binary.LittleEndian.Uint64(hdr[:])); got != tsLength {
		f.Close()
		return nil, &kiterrors.Error{
			Code: kiterrors.ESchemaMismatch,
			Msg:  fmt.Sprintf("series heap holds length %d, database requires %d", got, tsLength),
		}
	}

	// Truncate a torn tail so the file ends on a record boundary.
	stride := int64(h.RecordSize())
	body := fi.Size() - tsHeapHeaderSize
	if rem := body % stride; rem != 0 {
		if err := f.Truncate(fi.Size() - rem); err != nil {
			f.Close()
			return nil, &kiterrors.Error{Code: kiterrors.EIO, Msg: "truncating torn series record", Err: err}
		}
		body -= rem
	}
	h.size = tsHeapHeaderSize + body

	if _, err := f.Seek(h.size, io.SeekStart); err != nil {
		f.Close()
		return nil, &kiterrors.Error{Code: kiterrors.EIO, Msg: "opening series heap", Err: err}
	}
	return h, nil
}

// RecordSize returns the byte stride of one record.
func (h *TSHeap) RecordSize() int { return 16 * h.tsLength }

// Len returns the number of records in the heap.
func (h *TSHeap) Len() int {
	return int((h.size - tsHeapHeaderSize) / int64(h.RecordSize()))
}

// Write appends a series and returns the byte offset of its record.
func (h *TSHeap) Write(ts models.TimeSeries) (int64, error) {
	if ts.Len() != h.tsLength {
		return 0, &kiterrors.Error{
			Code: kiterrors.EInvalid,
			Msg:  fmt.Sprintf("series has length %d, database requires %d", ts.Len(), h.tsLength),
		}
	}

	buf := make([]byte, 0, h.RecordSize())
	for _, t := range ts.Times {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(t))
	}
	for _, v := range ts.Values {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}

	offset := h.size
	if _, err := h.file.WriteAt(buf, offset); err != nil {
		return 0, &kiterrors.Error{Code: kiterrors.EIO, Msg: "appending series record", Err: err}
	}
	h.size += int64(len(buf))
	return offset, nil
}

// Read decodes the record at offset.
func (h *TSHeap) Read(offset int64) (models.TimeSeries, error) {
	if offset < tsHeapHeaderSize || offset+int64(h.RecordSize()) > h.size {
		return models.TimeSeries{}, &kiterrors.Error{
			Code: kiterrors.EIntegrity,
			Msg:  fmt.Sprintf("series offset %d out of bounds", offset),
		}
	}

	buf := make([]byte, h.RecordSize())
	if _, err := h.file.ReadAt(buf, offset); err != nil {
		return models.TimeSeries{}, &kiterrors.Error{Code: kiterrors.EIO, Msg: "reading series record", Err: err}
	}

	ts := models.TimeSeries{
		Times:  make([]float64, h.tsLength),
		Values: make([]float64, h.tsLength),
	}
	for i := 0; i < h.tsLength; i++ {
		ts.Times[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	for i := 0; i < h.tsLength; i++ {
		ts.Values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[(h.tsLength+i)*8:]))
	}
	return ts, nil
}

// Sync flushes heap data to disk.
func (h *TSHeap) Sync() error {
	if err := h.file.Sync(); err != nil {
		return errors.Wrap(err, "syncing series heap")
	}
	return nil
}

// Close syncs and closes the heap file.
func (h *TSHeap) Close() error {
	if h.file == nil {
		return nil
	}
	err := h.Sync()
	if e := h.file.Close(); e != nil && err == nil {
		err = e
	}
	h.file = nil
	return err
}
