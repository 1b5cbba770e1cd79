package tsdb

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	kiterrors "github.com/saxdb/saxdb/kit/errors"
	"github.com/saxdb/saxdb/pkg/file"
)

// MetaHeap is the fixed-record store for encoded metadata records. Record
// width is dictated by the schema, so the file carries no header; a schema
// change rewrites the whole file through RewriteMetaHeap.
type MetaHeap struct {
	path       string
	file       *os.File
	recordSize int
	size       int64
}

// OpenMetaHeap opens or creates the metadata heap at path with the given
// record size. A partial trailing record is truncated.
func OpenMetaHeap(path string, recordSize int) (*MetaHeap, error) {
	if recordSize <= 0 {
		return nil, &kiterrors.Error{Code: kiterrors.EInternal, Msg: "metadata record size must be positive"}
	}
	h := &MetaHeap{path: path, recordSize: recordSize}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, &kiterrors.Error{Code: kiterrors.EIO, Msg: "opening metadata heap", Err: err}
	}
	h.file = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &kiterrors.Error{Code: kiterrors.EIO, Msg: "opening metadata heap", Err: err}
	}

	size := fi.Size()
	if rem := size % int64(recordSize); rem != 0 {
		if err := f.Truncate(size - rem); err != nil {
			f.Close()
			return nil, &kiterrors.Error{Code: kiterrors.EIO, Msg: "truncating torn metadata record", Err: err}
		}
		size -= rem
	}
	h.size = size

	if _, err := f.Seek(h.size, io.SeekStart); err != nil {
		f.Close()
		return nil, &kiterrors.Error{Code: kiterrors.EIO, Msg: "opening metadata heap", Err: err}
	}
	return h, nil
}

// RecordSize returns the byte stride of one record.
func (h *MetaHeap) RecordSize() int { return h.recordSize }

// Len returns the number of records in the heap.
func (h *MetaHeap) Len() int { return int(h.size / int64(h.recordSize)) }

// Write appends an encoded record and returns its byte offset.
func (h *MetaHeap) Write(record []byte) (int64, error) {
	if len(record) != h.recordSize {
		return 0, &kiterrors.Error{
			Code: kiterrors.EInternal,
			Msg:  fmt.Sprintf("metadata record is %d bytes, heap stride is %d", len(record), h.recordSize),
		}
	}
	offset := h.size
	if _, err := h.file.WriteAt(record, offset); err != nil {
		return 0, &kiterrors.Error{Code: kiterrors.EIO, Msg: "appending metadata record", Err: err}
	}
	h.size += int64(len(record))
	return offset, nil
}

// WriteAt overwrites the record at offset in place. Used for metadata
// updates, which reuse the slot rather than appending.
func (h *MetaHeap) WriteAt(offset int64, record []byte) error {
	if len(record) != h.recordSize {
		return &kiterrors.Error{
			Code: kiterrors.EInternal,
			Msg:  fmt.Sprintf("metadata record is %d bytes, heap stride is %d", len(record), h.recordSize),
		}
	}
	if err := h.checkOffset(offset); err != nil {
		return err
	}
	if _, err := h.file.WriteAt(record, offset); err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "overwriting metadata record", Err: err}
	}
	return nil
}

// Read returns the encoded record at offset.
func (h *MetaHeap) Read(offset int64) ([]byte, error) {
	if err := h.checkOffset(offset); err != nil {
		return nil, err
	}
	buf := make([]byte, h.recordSize)
	if _, err := h.file.ReadAt(buf, offset); err != nil {
		return nil, &kiterrors.Error{Code: kiterrors.EIO, Msg: "reading metadata record", Err: err}
	}
	return buf, nil
}

func (h *MetaHeap) checkOffset(offset int64) error {
	if offset < 0 || offset%int64(h.recordSize) != 0 || offset+int64(h.recordSize) > h.size {
		return &kiterrors.Error{
			Code: kiterrors.EIntegrity,
			Msg:  fmt.Sprintf("metadata offset %d out of bounds", offset),
		}
	}
	return nil
}

// Sync flushes heap data to disk.
func (h *MetaHeap) Sync() error {
	if err := h.file.Sync(); err != nil {
		return errors.Wrap(err, "syncing metadata heap")
	}
	return nil
}

// Close syncs and closes the heap file.
func (h *MetaHeap) Close() error {
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

// RewriteMetaHeap rebuilds the metadata heap after a schema change. For each
// primary key in order, fetch returns the old encoded record, transform
// re-encodes it under the new schema, and the new offset is reported through
// place. The rewrite happens in a temporary file that replaces the heap
// atomically, so a crash mid-rewrite leaves the old heap intact.
func (h *MetaHeap) RewriteMetaHeap(
	newRecordSize int,
	pks []string,
	fetch func(pk string) ([]byte, int64, error),
	transform func(pk string, old []byte) ([]byte, error),
	place func(pk string, offset int64),
) error {
	tmpPath := h.path + ".rewriting"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0666)
	if err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "rewriting metadata heap", Err: err}
	}
	defer os.Remove(tmpPath)

	var size int64
	offsets := make([]int64, 0, len(pks))
	for _, pk := range pks {
		old, _, err := fetch(pk)
		if err != nil {
			tmp.Close()
			return err
		}
		rec, err := transform(pk, old)
		if err != nil {
			tmp.Close()
			return err
		}
		if len(rec) != newRecordSize {
			tmp.Close()
			return &kiterrors.Error{
				Code: kiterrors.EInternal,
				Msg:  fmt.Sprintf("rewritten record is %d bytes, new stride is %d", len(rec), newRecordSize),
			}
		}
		if _, err := tmp.WriteAt(rec, size); err != nil {
			tmp.Close()
			return &kiterrors.Error{Code: kiterrors.EIO, Msg: "rewriting metadata heap", Err: err}
		}
		offsets = append(offsets, size)
		size += int64(len(rec))
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "rewriting metadata heap", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "rewriting metadata heap", Err: err}
	}

	if err := h.file.Close(); err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "rewriting metadata heap", Err: err}
	}
	h.file = nil

	if err := file.RenameFile(tmpPath, h.path); err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "replacing metadata heap", Err: err}
	}
	if err := file.SyncDir(filepath.Dir(h.path)); err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "replacing metadata heap", Err: err}
	}

	f, err := os.OpenFile(h.path, os.O_RDWR, 0666)
	if err != nil {
		return &kiterrors.Error{Code: kiterrors.EIO, Msg: "reopening metadata heap", Err: err}
	}
	h.file = f
	h.recordSize = newRecordSize
	h.size = size

	for i, pk := range pks {
		place(pk, offsets[i])
	}
	return nil
}
