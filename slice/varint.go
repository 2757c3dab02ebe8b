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
	"errors"
	"fmt"
	"io"
)

var (
	errVarintTooLong  = errors.New("varint exceeds 10 bytes")
	errVarintOverflow = errors.New("varint overflows uint64")
)

// readUvarint reads one LEB128 unsigned varint.
// Encodings longer than MaxVarintLen bytes are rejected
// even when they would decode to a representable value.
func (r *Reader) readUvarint() (uint64, error) {
	var out uint64
	var shift uint
	for i := 0; i < MaxVarintLen; i++ {
		b, err := r.readByte()
		if err != nil {
			if err == io.EOF && i > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if i == MaxVarintLen-1 && b > 1 {
			return 0, fmt.Errorf("parse: %w", errVarintOverflow)
		}
		out |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return out, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("parse: %w", errVarintTooLong)
}

// appendUvarint appends the LEB128 encoding of u to dst.
func appendUvarint(dst []byte, u uint64) []byte {
	for u >= 0x80 {
		dst = append(dst, byte(u)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}
