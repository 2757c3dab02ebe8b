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
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

// raw builds an uncompressed slice body by hand.
type raw struct {
	buf []byte
}

func (r *raw) uvarint(u uint64) *raw {
	r.buf = appendUvarint(r.buf, u)
	return r
}

func (r *raw) str(s string) *raw {
	r.uvarint(uint64(len(s)))
	r.buf = append(r.buf, s...)
	return r
}

func (r *raw) field(tag byte, body []byte) *raw {
	r.uvarint(uint64(len(body)))
	r.buf = append(r.buf, body...)
	r.buf = append(r.buf, tag)
	return r
}

func (r *raw) text(s string) *raw { return r.field(TagText, []byte(s)) }

func (r *raw) intval(i int64) *raw {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(i))
	return r.field(TagInt, b[:])
}

func (r *raw) realval(f float64) *raw {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	return r.field(TagReal, b[:])
}

func (r *raw) end() *raw {
	r.buf = append(r.buf, endOfTable)
	return r
}

func (r *raw) header(id string, tables uint64) *raw {
	return r.str(id).uvarint(1).str("high").uvarint(1700000000000).uvarint(tables)
}

func (r *raw) table(name string, cols ...string) *raw {
	r.str(name).uvarint(uint64(len(cols)))
	for i := range cols {
		r.str(cols[i])
	}
	return r
}

func compress(t *testing.T, body []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	zw, err := zstd.NewWriter(&out)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

func newTestReader(t *testing.T, body []byte) *Reader {
	t.Helper()
	rd, err := NewReader(bytes.NewReader(compress(t, body)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rd.Close() })
	return rd
}

func TestReadOneTable(t *testing.T) {
	r := new(raw).header("s1", 1)
	r.table("tasks", "id", "name")
	r.text("t1").text("Alpha")
	r.text("t2").intval(42)
	r.end()
	rd := newTestReader(t, r.buf)

	hdr, err := rd.ReadHeader()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.SliceID != "s1" || hdr.Version != 1 || hdr.Priority != "high" || hdr.NumberOfTables != 1 {
		t.Fatalf("bad header %+v", hdr)
	}
	if _, err := rd.ReadHeader(); err == nil {
		t.Fatal("second ReadHeader should fail")
	}
	// sticky error cleared for this test by using a fresh reader
	rd = newTestReader(t, r.buf)
	if _, err := rd.ReadHeader(); err != nil {
		t.Fatal(err)
	}
	tbl, err := rd.NextTable()
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Name != "tasks" || !reflect.DeepEqual(tbl.Columns, []string{"id", "name"}) {
		t.Fatalf("bad table header %+v", tbl)
	}
	var row Row
	if err := rd.NextRow(tbl, &row); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(row.Values, []interface{}{"t1", "Alpha"}) {
		t.Fatalf("bad row %v", row.Values)
	}
	if err := rd.NextRow(tbl, &row); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(row.Values, []interface{}{"t2", int64(42)}) {
		t.Fatalf("bad row %v", row.Values)
	}
	if err := rd.NextRow(tbl, &row); err != ErrEndOfTable {
		t.Fatalf("expected ErrEndOfTable, got %v", err)
	}
	if _, err := rd.NextTable(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadTypes(t *testing.T) {
	r := new(raw).header("s1", 1)
	r.table("vals", "a", "b", "c", "d", "e")
	r.intval(-7).realval(2.5).text("x").field(TagBlob, []byte{1, 2, 3}).field(TagNull, nil)
	r.end()
	rd := newTestReader(t, r.buf)
	if _, err := rd.ReadHeader(); err != nil {
		t.Fatal(err)
	}
	tbl, err := rd.NextTable()
	if err != nil {
		t.Fatal(err)
	}
	var row Row
	if err := rd.NextRow(tbl, &row); err != nil {
		t.Fatal(err)
	}
	want := []interface{}{int64(-7), 2.5, "x", []byte{1, 2, 3}, nil}
	if !reflect.DeepEqual(row.Values, want) {
		t.Fatalf("got %v want %v", row.Values, want)
	}
}

func TestZeroSizeIsNull(t *testing.T) {
	// a zero-size field is null even with a non-null tag
	r := new(raw).header("s1", 1)
	r.table("vals", "a")
	r.field(TagText, nil)
	r.end()
	rd := newTestReader(t, r.buf)
	if _, err := rd.ReadHeader(); err != nil {
		t.Fatal(err)
	}
	tbl, err := rd.NextTable()
	if err != nil {
		t.Fatal(err)
	}
	var row Row
	if err := rd.NextRow(tbl, &row); err != nil {
		t.Fatal(err)
	}
	if row.Values[0] != nil {
		t.Fatalf("got %v want nil", row.Values[0])
	}
}

func TestLegacyZeroTables(t *testing.T) {
	r := new(raw).header("s1", 0)
	r.table("a", "id").text("1").end()
	r.table("b", "id").text("2").end()
	rd := newTestReader(t, r.buf)
	if _, err := rd.ReadHeader(); err != nil {
		t.Fatal(err)
	}
	var names []string
	for {
		tbl, err := rd.NextTable()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, tbl.Name)
		var row Row
		for {
			err := rd.NextRow(tbl, &row)
			if err == ErrEndOfTable {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
		}
	}
	if !reflect.DeepEqual(names, []string{"a", "b"}) {
		t.Fatalf("got tables %v", names)
	}
}

func TestTooManyTables(t *testing.T) {
	r := new(raw).header("s1", 1)
	r.table("a", "id").end()
	r.table("b", "id").end()
	rd := newTestReader(t, r.buf)
	if _, err := rd.ReadHeader(); err != nil {
		t.Fatal(err)
	}
	tbl, err := rd.NextTable()
	if err != nil {
		t.Fatal(err)
	}
	var row Row
	if err := rd.NextRow(tbl, &row); err != ErrEndOfTable {
		t.Fatal(err)
	}
	if _, err := rd.NextTable(); !errors.Is(err, ErrTooManyTables) {
		t.Fatalf("expected ErrTooManyTables, got %v", err)
	}
}

func TestTruncatedTables(t *testing.T) {
	r := new(raw).header("s1", 2)
	r.table("a", "id").end()
	rd := newTestReader(t, r.buf)
	if _, err := rd.ReadHeader(); err != nil {
		t.Fatal(err)
	}
	tbl, err := rd.NextTable()
	if err != nil {
		t.Fatal(err)
	}
	var row Row
	if err := rd.NextRow(tbl, &row); err != ErrEndOfTable {
		t.Fatal(err)
	}
	if _, err := rd.NextTable(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestFieldSizeBoundary(t *testing.T) {
	// exactly MaxFieldSize decodes; one more is a parse error
	big := strings.Repeat("x", MaxFieldSize)
	r := new(raw).header("s1", 1)
	r.table("blobs", "data")
	r.text(big)
	r.end()
	rd := newTestReader(t, r.buf)
	if _, err := rd.ReadHeader(); err != nil {
		t.Fatal(err)
	}
	tbl, err := rd.NextTable()
	if err != nil {
		t.Fatal(err)
	}
	var row Row
	if err := rd.NextRow(tbl, &row); err != nil {
		t.Fatal(err)
	}
	if got := row.Values[0].(string); len(got) != MaxFieldSize {
		t.Fatalf("got %d bytes", len(got))
	}

	r = new(raw).header("s1", 1)
	r.table("blobs", "data")
	r.text(big + "y")
	r.end()
	rd = newTestReader(t, r.buf)
	if _, err := rd.ReadHeader(); err != nil {
		t.Fatal(err)
	}
	tbl, err = rd.NextTable()
	if err != nil {
		t.Fatal(err)
	}
	if err := rd.NextRow(tbl, &row); err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestBadInput(t *testing.T) {
	cases := []struct {
		name string
		body func() []byte
	}{
		{"unknown tag", func() []byte {
			r := new(raw).header("s1", 1)
			r.table("t", "a")
			r.field(0x09, []byte{1})
			return r.buf
		}},
		{"short int", func() []byte {
			r := new(raw).header("s1", 1)
			r.table("t", "a")
			r.field(TagInt, []byte{1, 2, 3})
			return r.buf
		}},
		{"zero columns", func() []byte {
			r := new(raw).header("s1", 1)
			return r.str("t").uvarint(0).buf
		}},
		{"empty table name", func() []byte {
			r := new(raw).header("s1", 1)
			return r.str("").uvarint(1).str("a").buf
		}},
		{"varint too long", func() []byte {
			r := new(raw).header("s1", 1)
			r.table("t", "a")
			r.buf = append(r.buf, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01)
			return r.buf
		}},
		{"truncated row", func() []byte {
			r := new(raw).header("s1", 1)
			r.table("t", "a")
			r.buf = append(r.buf, 0x05, 'h', 'i')
			return r.buf
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rd := newTestReader(t, tc.body())
			if _, err := rd.ReadHeader(); err != nil {
				t.Fatal(err)
			}
			tbl, err := rd.NextTable()
			if err != nil {
				return // table-level failure is fine for those cases
			}
			var row Row
			for {
				err = rd.NextRow(tbl, &row)
				if err != nil {
					break
				}
			}
			if err == ErrEndOfTable || err == nil {
				t.Fatal("expected a decode error")
			}
			// errors are sticky
			if _, err2 := rd.NextTable(); err2 == nil {
				t.Fatal("error should be sticky")
			}
		})
	}
}

// chunkReader returns its underlying bytes in fixed-size
// chunks to exercise decoding across arbitrary partitions.
type chunkReader struct {
	data []byte
	n    int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.n
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestPartitionedStream(t *testing.T) {
	// any partition of the compressed stream decodes to
	// the same logical sequence
	r := new(raw).header("s1", 2)
	r.table("a", "id", "n")
	for i := 0; i < 100; i++ {
		r.text("row").intval(int64(i))
	}
	r.end()
	r.table("b", "id")
	r.text("only")
	r.end()
	compressed := compress(t, r.buf)

	decode := func(src io.Reader) (tables []string, rows int) {
		rd, err := NewReader(src)
		if err != nil {
			t.Fatal(err)
		}
		defer rd.Close()
		if _, err := rd.ReadHeader(); err != nil {
			t.Fatal(err)
		}
		for {
			tbl, err := rd.NextTable()
			if err == io.EOF {
				return tables, rows
			}
			if err != nil {
				t.Fatal(err)
			}
			tables = append(tables, tbl.Name)
			var row Row
			for {
				err := rd.NextRow(tbl, &row)
				if err == ErrEndOfTable {
					break
				}
				if err != nil {
					t.Fatal(err)
				}
				rows++
			}
		}
	}

	wantTables, wantRows := decode(bytes.NewReader(compressed))
	for _, chunk := range []int{1, 3, 7, 64, 1024} {
		gotTables, gotRows := decode(&chunkReader{data: compressed, n: chunk})
		if !reflect.DeepEqual(gotTables, wantTables) || gotRows != wantRows {
			t.Fatalf("chunk size %d: got %v/%d want %v/%d",
				chunk, gotTables, gotRows, wantTables, wantRows)
		}
	}
}

func TestTellProgress(t *testing.T) {
	r := new(raw).header("s1", 1)
	r.table("t", "a")
	r.text("one").text("two")
	r.end()
	rd := newTestReader(t, r.buf)
	if _, err := rd.ReadHeader(); err != nil {
		t.Fatal(err)
	}
	tbl, err := rd.NextTable()
	if err != nil {
		t.Fatal(err)
	}
	var row Row
	prev := rd.Tell()
	for {
		err := rd.NextRow(tbl, &row)
		if err == ErrEndOfTable {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if rd.Tell() <= prev {
			t.Fatal("row consumed no bytes")
		}
		prev = rd.Tell()
	}
}
