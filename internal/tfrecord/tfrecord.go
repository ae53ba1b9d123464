// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tfrecord reads and writes TFRecord files, the framing TensorFlow uses to store
// sequences of serialized records, and the tf.Example records stored in them.
//
// Each record is framed as:
//
//	uint64 length
//	uint32 masked crc32c of length
//	byte   data[length]
//	uint32 masked crc32c of data
//
// All integers are little-endian.
package tfrecord

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const maskDelta = 0xa282ead8

// maskedCRC is the checksum TFRecord stores: crc32c rotated right by 15 bits plus a constant.
func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, castagnoli)
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// ErrCorrupted is returned when a record's checksum doesn't match, or the file is truncated mid-record.
var ErrCorrupted = errors.New("corrupted TFRecord")

// Reader reads records sequentially from a TFRecord stream.
type Reader struct {
	r      *bufio.Reader
	closer io.Closer
	name   string
	count  int
	header [12]byte
	footer [4]byte
}

// NewReader creates a Reader from r. The name is used in error messages.
func NewReader(r io.Reader, name string) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 1<<16), name: name}
}

// Open a TFRecord file for reading. The caller must Close it.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open TFRecord file %q", path)
	}
	reader := NewReader(f, path)
	reader.closer = f
	return reader, nil
}

// Close the underlying file, if the Reader was created with Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// Next returns the next record. It returns io.EOF (unwrapped) after the last record.
func (r *Reader) Next() ([]byte, error) {
	n, err := io.ReadFull(r.r, r.header[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		return nil, errors.Wrapf(ErrCorrupted, "%s: truncated header of record #%d", r.name, r.count)
	}
	lengthBytes := r.header[:8]
	if binary.LittleEndian.Uint32(r.header[8:]) != maskedCRC(lengthBytes) {
		return nil, errors.Wrapf(ErrCorrupted, "%s: length checksum mismatch in record #%d", r.name, r.count)
	}
	length := binary.LittleEndian.Uint64(lengthBytes)
	data := make([]byte, length)
	if _, err = io.ReadFull(r.r, data); err != nil {
		return nil, errors.Wrapf(ErrCorrupted, "%s: truncated data of record #%d", r.name, r.count)
	}
	if _, err = io.ReadFull(r.r, r.footer[:]); err != nil {
		return nil, errors.Wrapf(ErrCorrupted, "%s: truncated checksum of record #%d", r.name, r.count)
	}
	if binary.LittleEndian.Uint32(r.footer[:]) != maskedCRC(data) {
		return nil, errors.Wrapf(ErrCorrupted, "%s: data checksum mismatch in record #%d", r.name, r.count)
	}
	r.count++
	return data, nil
}

// Writer writes records to a TFRecord stream.
type Writer struct {
	w      *bufio.Writer
	closer io.Closer
	count  int
}

// NewWriter creates a Writer on w. Call Flush (or Close) when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 1<<16)}
}

// Create a TFRecord file for writing. The caller must Close it.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create TFRecord file %q", path)
	}
	writer := NewWriter(f)
	writer.closer = f
	return writer, nil
}

// Write one record.
func (w *Writer) Write(data []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))
	for _, part := range [][]byte{header[:], data, footer[:]} {
		if _, err := w.w.Write(part); err != nil {
			return errors.Wrapf(err, "failed to write record #%d", w.count)
		}
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int { return w.count }

// Flush buffered records to the underlying writer.
func (w *Writer) Flush() error {
	return errors.Wrap(w.w.Flush(), "failed to flush TFRecord writer")
}

// Close flushes and closes the underlying file, if the Writer was created with Create.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	return err
}
