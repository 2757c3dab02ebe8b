// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package slice

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
)

// ErrEndOfTable is returned by Reader.NextRow when the
// current table section has been fully consumed.
var ErrEndOfTable = errors.New("end of table")

// ErrTooManyTables is returned by Reader.NextTable when
// the stream contains more table sections than the header
// declared, or more than MaxTables in legacy mode.
var ErrTooManyTables = errors.New("too many tables")

// Reader decodes one slice from a stream of compressed
// bytes. The input is consumed incrementally, so a Reader
// layered over a network body decodes as bytes arrive and
// is insensitive to how the stream is partitioned into
// reads.
//
// Methods must be called in protocol order: ReadHeader
// once, then NextTable / NextRow until NextTable returns
// io.EOF. Any decode error is sticky.
type Reader struct {
	zr      *zstd.Decoder
	src     *bufio.Reader
	hdr     Header
	hdrRead bool
	tables  int64
	inTable bool
	tell    int64
	err     error
	field   []byte
}

// NewReader constructs a Reader decoding the zstd-framed
// slice in r.
func NewReader(r io.Reader) (*Reader, error) {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("initializing zstd stream: %w", err)
	}
	return &Reader{
		zr:  zr,
		src: bufio.NewReaderSize(zr, 1<<16),
	}, nil
}

// Close releases the decompression context.
// The Reader must not be used afterwards.
func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
		r.zr = nil
	}
	return nil
}

// Tell returns the number of decompressed bytes consumed
// so far. Callers use it to assert forward progress.
func (r *Reader) Tell() int64 { return r.tell }

// Err returns the sticky decode error, if any.
func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(err error) error {
	if r.err == nil {
		r.err = err
	}
	return r.err
}

func (r *Reader) readByte() (byte, error) {
	b, err := r.src.ReadByte()
	if err != nil {
		return 0, err
	}
	r.tell++
	return b, nil
}

func (r *Reader) readFull(buf []byte) error {
	n, err := io.ReadFull(r.src, buf)
	r.tell += int64(n)
	return err
}

// readString reads a uvarint-prefixed string subject to max.
func (r *Reader) readString(max int, what string) (string, error) {
	size, err := r.readUvarint()
	if err != nil {
		return "", err
	}
	if size > uint64(max) {
		return "", fmt.Errorf("parse: %s length %d exceeds %d", what, size, max)
	}
	if cap(r.field) < int(size) {
		r.field = make([]byte, size)
	}
	buf := r.field[:size]
	if err := r.readFull(buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", fmt.Errorf("parse: reading %s: %w", what, err)
	}
	return string(buf), nil
}

// ReadHeader decodes the slice preamble. It may be called
// exactly once, before any table is read.
func (r *Reader) ReadHeader() (*Header, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.hdrRead {
		return nil, r.fail(errors.New("slice header already read"))
	}
	var err error
	r.hdr.SliceID, err = r.readString(MaxStringSize, "slice id")
	if err != nil {
		return nil, r.fail(err)
	}
	version, err := r.readUvarint()
	if err != nil {
		return nil, r.fail(err)
	}
	r.hdr.Priority, err = r.readString(MaxStringSize, "priority")
	if err != nil {
		return nil, r.fail(err)
	}
	timestamp, err := r.readUvarint()
	if err != nil {
		return nil, r.fail(err)
	}
	tables, err := r.readUvarint()
	if err != nil {
		return nil, r.fail(err)
	}
	if tables > MaxTables {
		return nil, r.fail(fmt.Errorf("parse: %d tables exceeds %d", tables, MaxTables))
	}
	r.hdr.Version = int64(version)
	r.hdr.Timestamp = int64(timestamp)
	r.hdr.NumberOfTables = int64(tables)
	r.hdrRead = true
	return &r.hdr, nil
}

// NextTable decodes the next table header. It returns
// io.EOF once every declared table has been read and the
// stream is exhausted. A stream that ends early returns
// an unexpected-EOF error; a stream with trailing sections
// beyond the declared count returns ErrTooManyTables.
func (r *Reader) NextTable() (*TableHeader, error) {
	if r.err != nil {
		return nil, r.err
	}
	if !r.hdrRead {
		return nil, r.fail(errors.New("slice header not read"))
	}
	if r.inTable {
		return nil, r.fail(errors.New("previous table not fully consumed"))
	}
	declared := r.hdr.NumberOfTables
	// peek one byte to distinguish EOF from another section
	if _, err := r.src.Peek(1); err != nil {
		if err != io.EOF {
			return nil, r.fail(fmt.Errorf("decompress: %w", err))
		}
		if declared > 0 && r.tables < declared {
			return nil, r.fail(fmt.Errorf("parse: stream ended after %d of %d tables: %w",
				r.tables, declared, io.ErrUnexpectedEOF))
		}
		return nil, io.EOF
	}
	if declared > 0 && r.tables >= declared {
		return nil, r.fail(fmt.Errorf("%w: header declared %d", ErrTooManyTables, declared))
	}
	if declared == 0 && r.tables >= MaxTables {
		return nil, r.fail(ErrTooManyTables)
	}
	name, err := r.readString(MaxNameSize, "table name")
	if err != nil {
		return nil, r.fail(err)
	}
	if name == "" {
		return nil, r.fail(errors.New("parse: empty table name"))
	}
	ncols, err := r.readUvarint()
	if err != nil {
		return nil, r.fail(err)
	}
	if ncols == 0 || ncols > MaxColumns {
		return nil, r.fail(fmt.Errorf("parse: table %q has %d columns", name, ncols))
	}
	cols := make([]string, ncols)
	for i := range cols {
		cols[i], err = r.readString(MaxNameSize, "column name")
		if err != nil {
			return nil, r.fail(err)
		}
		if cols[i] == "" {
			return nil, r.fail(fmt.Errorf("parse: table %q: empty column name", name))
		}
	}
	r.tables++
	r.inTable = true
	return &TableHeader{Name: name, Columns: cols}, nil
}

// NextRow decodes the next row of the current table into
// row, reusing row.Values when possible. It returns
// ErrEndOfTable when the section terminator is reached.
func (r *Reader) NextRow(tbl *TableHeader, row *Row) error {
	if r.err != nil {
		return r.err
	}
	if !r.inTable {
		return r.fail(errors.New("NextRow outside a table section"))
	}
	b, err := r.src.Peek(1)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return r.fail(fmt.Errorf("decompress: %w", err))
	}
	if b[0] == endOfTable {
		r.src.Discard(1)
		r.tell++
		r.inTable = false
		return ErrEndOfTable
	}
	if cap(row.Values) < len(tbl.Columns) {
		row.Values = make([]interface{}, len(tbl.Columns))
	}
	row.Values = row.Values[:len(tbl.Columns)]
	for i := range row.Values {
		row.Values[i], err = r.readField(tbl, i)
		if err != nil {
			return r.fail(err)
		}
	}
	return nil
}

func (r *Reader) readField(tbl *TableHeader, col int) (interface{}, error) {
	size, err := r.readUvarint()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("parse: %s.%s: %w", tbl.Name, tbl.Columns[col], err)
	}
	if size > MaxFieldSize {
		return nil, fmt.Errorf("parse: %s.%s: field size %d exceeds %d",
			tbl.Name, tbl.Columns[col], size, MaxFieldSize)
	}
	if cap(r.field) < int(size) {
		r.field = make([]byte, size)
	}
	buf := r.field[:size]
	if err := r.readFull(buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("parse: %s.%s: %w", tbl.Name, tbl.Columns[col], err)
	}
	tag, err := r.readByte()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("parse: %s.%s: %w", tbl.Name, tbl.Columns[col], err)
	}
	if size == 0 {
		// zero-size fields are null no matter the tag
		return nil, nil
	}
	switch tag {
	case TagNull:
		return nil, nil
	case TagInt:
		if size != 8 {
			return nil, fmt.Errorf("parse: %s.%s: int field has size %d",
				tbl.Name, tbl.Columns[col], size)
		}
		return int64(binary.BigEndian.Uint64(buf)), nil
	case TagReal:
		if size != 8 {
			return nil, fmt.Errorf("parse: %s.%s: real field has size %d",
				tbl.Name, tbl.Columns[col], size)
		}
		return math.Float64frombits(binary.BigEndian.Uint64(buf)), nil
	case TagText:
		if !utf8.Valid(buf) {
			return nil, fmt.Errorf("parse: %s.%s: text field is not valid UTF-8",
				tbl.Name, tbl.Columns[col])
		}
		return string(buf), nil
	case TagBlob:
		return append([]byte(nil), buf...), nil
	default:
		return nil, fmt.Errorf("parse: %s.%s: unknown type tag 0x%02x",
			tbl.Name, tbl.Columns[col], tag)
	}
}
