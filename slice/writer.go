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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
)

// Writer encodes a slice to an output stream.
// Calls must follow protocol order: WriteHeader once,
// then for each table BeginTable, WriteRow*, EndTable,
// and finally Close to flush the compressed frame.
type Writer struct {
	zw       *zstd.Encoder
	scratch  []byte
	cols     int
	tables   int64
	declared int64
	hdrDone  bool
	inTable  bool
	err      error
}

// NewWriter constructs a Writer emitting a zstd-framed
// slice to w.
func NewWriter(w io.Writer) (*Writer, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("initializing zstd stream: %w", err)
	}
	return &Writer{zw: zw}, nil
}

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return w.err
}

func (w *Writer) flush() error {
	if _, err := w.zw.Write(w.scratch); err != nil {
		return w.fail(err)
	}
	w.scratch = w.scratch[:0]
	return nil
}

func (w *Writer) putString(s string) {
	w.scratch = appendUvarint(w.scratch, uint64(len(s)))
	w.scratch = append(w.scratch, s...)
}

// WriteHeader emits the slice preamble.
func (w *Writer) WriteHeader(h *Header) error {
	if w.err != nil {
		return w.err
	}
	if w.hdrDone {
		return w.fail(errors.New("slice header already written"))
	}
	w.putString(h.SliceID)
	w.scratch = appendUvarint(w.scratch, uint64(h.Version))
	w.putString(h.Priority)
	w.scratch = appendUvarint(w.scratch, uint64(h.Timestamp))
	w.scratch = appendUvarint(w.scratch, uint64(h.NumberOfTables))
	w.declared = h.NumberOfTables
	w.hdrDone = true
	return w.flush()
}

// BeginTable starts a table section.
func (w *Writer) BeginTable(name string, columns []string) error {
	if w.err != nil {
		return w.err
	}
	if !w.hdrDone || w.inTable {
		return w.fail(errors.New("BeginTable out of order"))
	}
	if name == "" || len(name) > MaxNameSize {
		return w.fail(fmt.Errorf("bad table name %q", name))
	}
	if len(columns) == 0 || len(columns) > MaxColumns {
		return w.fail(fmt.Errorf("table %q has %d columns", name, len(columns)))
	}
	w.putString(name)
	w.scratch = appendUvarint(w.scratch, uint64(len(columns)))
	for _, c := range columns {
		if c == "" || len(c) > MaxNameSize {
			return w.fail(fmt.Errorf("table %q: bad column name %q", name, c))
		}
		w.putString(c)
	}
	w.cols = len(columns)
	w.inTable = true
	w.tables++
	return w.flush()
}

// WriteRow emits one row. Values must have one entry per
// column: nil, int64, float64, string, or []byte.
func (w *Writer) WriteRow(values []interface{}) error {
	if w.err != nil {
		return w.err
	}
	if !w.inTable {
		return w.fail(errors.New("WriteRow outside a table section"))
	}
	if len(values) != w.cols {
		return w.fail(fmt.Errorf("row has %d values, table has %d columns", len(values), w.cols))
	}
	for _, v := range values {
		switch v := v.(type) {
		case nil:
			w.scratch = appendUvarint(w.scratch, 0)
			w.scratch = append(w.scratch, TagNull)
		case int64:
			w.scratch = appendUvarint(w.scratch, 8)
			w.scratch = binary.BigEndian.AppendUint64(w.scratch, uint64(v))
			w.scratch = append(w.scratch, TagInt)
		case float64:
			w.scratch = appendUvarint(w.scratch, 8)
			w.scratch = binary.BigEndian.AppendUint64(w.scratch, math.Float64bits(v))
			w.scratch = append(w.scratch, TagReal)
		case string:
			if len(v) > MaxFieldSize {
				return w.fail(fmt.Errorf("text field of %d bytes exceeds %d", len(v), MaxFieldSize))
			}
			w.scratch = appendUvarint(w.scratch, uint64(len(v)))
			w.scratch = append(w.scratch, v...)
			w.scratch = append(w.scratch, TagText)
		case []byte:
			if len(v) > MaxFieldSize {
				return w.fail(fmt.Errorf("blob field of %d bytes exceeds %d", len(v), MaxFieldSize))
			}
			w.scratch = appendUvarint(w.scratch, uint64(len(v)))
			w.scratch = append(w.scratch, v...)
			w.scratch = append(w.scratch, TagBlob)
		default:
			return w.fail(fmt.Errorf("unsupported field type %T", v))
		}
	}
	return w.flush()
}

// EndTable terminates the current table section.
func (w *Writer) EndTable() error {
	if w.err != nil {
		return w.err
	}
	if !w.inTable {
		return w.fail(errors.New("EndTable outside a table section"))
	}
	w.scratch = append(w.scratch, endOfTable)
	w.inTable = false
	return w.flush()
}

// Close flushes the compressed frame. It fails if the
// declared table count was not honored.
func (w *Writer) Close() error {
	if w.err == nil && w.inTable {
		w.fail(errors.New("Close inside a table section"))
	}
	if w.err == nil && w.declared > 0 && w.tables != w.declared {
		w.fail(fmt.Errorf("wrote %d of %d declared tables", w.tables, w.declared))
	}
	if err := w.zw.Close(); err != nil && w.err == nil {
		w.err = err
	}
	return w.err
}
