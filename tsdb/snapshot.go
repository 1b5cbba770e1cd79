package tsdb

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"

	"github.com/saxdb/saxdb/kit/errors"
	"github.com/saxdb/saxdb/pkg/file"
)

const (
	snapshotMagic   = "SXDB"
	snapshotVersion = 1

	// magic + version + checksum + payload length
	snapshotHeaderSize = 4 + 1 + 8 + 4
)

// writeSnapshot atomically writes a checksummed, snappy-compressed snapshot
// file. Used for every *.idx file in the database directory.
func writeSnapshot(path string, payload []byte) error {
	compressed := snappy.Encode(nil, payload)

	buf := make([]byte, 0, snapshotHeaderSize+len(compressed))
	buf = append(buf, snapshotMagic...)
	buf = append(buf, snapshotVersion)
	buf = binary.BigEndian.AppendUint64(buf, xxhash.Sum64(compressed))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(compressed)))
	buf = append(buf, compressed...)

	if err := file.WriteFileAtomic(path, buf, 0666); err != nil {
		return &errors.Error{Code: errors.EIO, Msg: "writing snapshot", Op: path, Err: err}
	}
	return nil
}

// readSnapshot reads and verifies a snapshot file. Returns os.ErrNotExist
// (unwrapped into err) when the file is absent so callers can distinguish
// a fresh database from a corrupt one.
func readSnapshot(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, &errors.Error{Code: errors.EIO, Msg: "reading snapshot", Op: path, Err: err}
	}

	if len(raw) < snapshotHeaderSize || string(raw[:4]) != snapshotMagic {
		return nil, &errors.Error{
			Code: errors.EIntegrity,
			Msg:  fmt.Sprintf("%s: not a snapshot file", path),
		}
	}
	if raw[4] != snapshotVersion {
		return nil, &errors.Error{
			Code: errors.EIntegrity,
			Msg:  fmt.Sprintf("%s: unsupported snapshot version %d", path, raw[4]),
		}
	}

	sum := binary.BigEndian.Uint64(raw[5:13])
	n := binary.BigEndian.Uint32(raw[13:17])
	body := raw[snapshotHeaderSize:]
	if uint32(len(body)) != n {
		return nil, &errors.Error{
			Code: errors.EIntegrity,
			Msg:  fmt.Sprintf("%s: snapshot payload truncated", path),
		}
	}
	if xxhash.Sum64(body) != sum {
		return nil, &errors.Error{
			Code: errors.EIntegrity,
			Msg:  fmt.Sprintf("%s: snapshot checksum mismatch", path),
		}
	}

	payload, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, &errors.Error{
			Code: errors.EIntegrity,
			Msg:  fmt.Sprintf("%s: snapshot decompression failed", path),
			Err:  err,
		}
	}
	return payload, nil
}
