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

// Package slice implements the slice wire format:
// a zstd-compressed stream of length-prefixed table
// snapshots used for bulk hydration of a local database.
//
// A decompressed slice consists of a Header followed by
// numberOfTables table sections. Each section is a
// TableHeader followed by zero or more rows and a
// one-byte 0xFF terminator. Rows encode one field per
// column as (uvarint size, size bytes, one type tag byte).
//
// Readers tolerate a legacy Header with NumberOfTables == 0,
// in which case table sections are read until the compressed
// stream ends.
package slice

// Type tags for row fields. A field with size zero is
// null no matter which tag it carries.
const (
	TagNull = 0x00
	TagInt  = 0x01 // big-endian int64, size 8
	TagReal = 0x02 // big-endian IEEE-754 float64, size 8
	TagText = 0x03 // UTF-8 bytes
	TagBlob = 0x04
)

// endOfTable terminates a table section. Readers check
// for it before decoding a row, so a row whose first
// field size encodes with a leading 0xFF byte (a size of
// 255, 383, 511, ...) is read as the terminator.
const endOfTable = 0xFF

// Limits on decoded values. These bound memory usage when
// reading untrusted input; a well-formed producer never
// comes near them except MaxFieldSize, which large blobs
// can legitimately reach.
const (
	MaxStringSize = 1 << 20  // any length-prefixed string
	MaxFieldSize  = 10 << 20 // any row field
	MaxNameSize   = 256      // table and column names
	MaxColumns    = 200
	MaxTables     = 10000
	MaxVarintLen  = 10
)

// Header is the slice preamble.
type Header struct {
	// SliceID identifies the snapshot this slice
	// was cut from.
	SliceID string
	// Version is the producer format version.
	Version int64
	// Priority is an opaque scheduling hint
	// (for example "high" or "background").
	Priority string
	// Timestamp is the producer timestamp in
	// milliseconds since the epoch.
	Timestamp int64
	// NumberOfTables is the number of table sections
	// that follow. Zero means the count was not
	// recorded and the stream is read until EOF.
	NumberOfTables int64
}

// TableHeader begins one table section.
type TableHeader struct {
	// Name is the destination table name.
	Name string
	// Columns are the column names, in the order
	// row fields are encoded.
	Columns []string
}

// Row is one decoded row. Values holds one entry per
// column: nil, int64, float64, string, or []byte
// according to the field's type tag.
type Row struct {
	Values []interface{}
}
