// Package tfrecord reads and writes the TFRecord framing used by the
// dogs-vs-cats shards: every record is a little-endian uint64 payload length,
// a masked crc32c of those eight length bytes, the payload, and a masked
// crc32c of the payload.
package tfrecord

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

const maskDelta = 0xa282ead8

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrCorrupt is returned when a stored checksum does not match the data it
// covers.
var ErrCorrupt = errors.New("tfrecord: checksum mismatch")

func maskedCRC(p []byte) uint32 {
	c := crc32.Checksum(p, castagnoli)
	return ((c >> 15) | (c << 17)) + maskDelta
}

// ShardNames expands a split into its conventional shard file names, e.g.
// ShardNames("train", 4) -> ["train-00000-of-00004", ...].
func ShardNames(split string, count int) []string {
	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("%s-%05d-of-%05d", split, i, count)
	}
	return names
}

// Reader iterates over the records of a single TFRecord stream.
type Reader struct {
	r   *bufio.Reader
	buf []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the payload of the next record. It returns io.EOF at a clean
// end of stream and ErrCorrupt when a checksum fails. The returned slice is
// reused by subsequent calls.
func (r *Reader) Next() ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r.r, header[:8]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "tfrecord: reading length")
	}
	if _, err := io.ReadFull(r.r, header[8:]); err != nil {
		return nil, errors.Wrap(err, "tfrecord: reading length crc")
	}

	length := binary.LittleEndian.Uint64(header[:8])
	if maskedCRC(header[:8]) != binary.LittleEndian.Uint32(header[8:]) {
		return nil, errors.Wrap(ErrCorrupt, "length crc")
	}

	if uint64(cap(r.buf)) < length {
		r.buf = make([]byte, length)
	}
	r.buf = r.buf[:length]
	if _, err := io.ReadFull(r.r, r.buf); err != nil {
		return nil, errors.Wrap(err, "tfrecord: reading payload")
	}

	var footer [4]byte
	if _, err := io.ReadFull(r.r, footer[:]); err != nil {
		return nil, errors.Wrap(err, "tfrecord: reading payload crc")
	}
	if maskedCRC(r.buf) != binary.LittleEndian.Uint32(footer[:]) {
		return nil, errors.Wrap(ErrCorrupt, "payload crc")
	}

	return r.buf, nil
}

// Writer appends framed records to an underlying stream.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) Write(payload []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(payload)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))
	if _, err := w.w.Write(header[:]); err != nil {
		return errors.Wrap(err, "tfrecord: writing header")
	}
	if _, err := w.w.Write(payload); err != nil {
		return errors.Wrap(err, "tfrecord: writing payload")
	}

	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(payload))
	if _, err := w.w.Write(footer[:]); err != nil {
		return errors.Wrap(err, "tfrecord: writing payload crc")
	}
	return nil
}

func (w *Writer) Flush() error {
	return errors.Wrap(w.w.Flush(), "tfrecord: flush")
}
