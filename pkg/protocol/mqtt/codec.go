// Copyright 2024 The mqttfuzz-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mqtt

import (
	"encoding/binary"
	"errors"
)

// Codec errors fall into two families. ErrValueOutOfRange and
// ErrFieldTooLarge mean the caller supplied data that cannot be represented
// on the wire; they indicate a programming or configuration mistake and are
// never retried. ErrMalformedLength, ErrTruncatedHeader and
// ErrTruncatedField mean received bytes violate the wire format, which is an
// ordinary observation when fuzzing a misbehaving broker.
var (
	// ErrValueOutOfRange is returned when a remaining length exceeds the
	// 268,435,455 maximum of the 4-byte variable encoding.
	ErrValueOutOfRange = errors.New("mqtt: remaining length out of range")
	// ErrMalformedLength is returned when a remaining length encoding uses
	// more than 4 bytes or is cut off before its final byte.
	ErrMalformedLength = errors.New("mqtt: malformed remaining length encoding")
	// ErrFieldTooLarge is returned when a string field exceeds the 65535
	// byte limit of its 2-byte length prefix.
	ErrFieldTooLarge = errors.New("mqtt: string field exceeds 65535 bytes")
	// ErrTruncatedHeader is returned when a buffer is too short to contain
	// a fixed header.
	ErrTruncatedHeader = errors.New("mqtt: truncated fixed header")
	// ErrTruncatedField is returned when a buffer ends before the byte
	// count its length prefix declares.
	ErrTruncatedField = errors.New("mqtt: string field truncated")
)

// EncodeRemainingLength produces the canonical shortest variable-byte
// encoding of n per section 2.2.3: each byte carries 7 data bits, and the
// high bit marks a continuation. It fails with ErrValueOutOfRange for
// values above MaxRemainingLength.
func EncodeRemainingLength(n uint32) ([]byte, error) {
	if n > MaxRemainingLength {
		return nil, ErrValueOutOfRange
	}
	encoded := make([]byte, 0, 4)
	for {
		digit := byte(n % 128)
		n /= 128
		if n > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if n == 0 {
			return encoded, nil
		}
	}
}

// DecodeRemainingLength reads a variable-byte integer from b starting at
// offset and returns the value and the number of bytes consumed.
//
// Non-canonical encodings (zero continuation bytes padding a small value)
// are accepted because fuzzed brokers emit them; anything needing a 5th
// byte, or a buffer that ends while the continuation bit is still set,
// fails with ErrMalformedLength.
func DecodeRemainingLength(b []byte, offset int) (uint32, int, error) {
	var value uint32
	var shift uint
	for i := 0; i < 4; i++ {
		if offset+i >= len(b) {
			return 0, 0, ErrMalformedLength
		}
		digit := b[offset+i]
		value |= uint32(digit&0x7F) << shift
		if digit&0x80 == 0 {
			return value, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrMalformedLength
}

// EncodeString prefixes s with its 2-byte big-endian length. No UTF-8
// well-formedness check is performed; validating text encoding is the
// broker's job and a fuzz target in its own right. Fails with
// ErrFieldTooLarge when s cannot fit the prefix.
func EncodeString(s []byte) ([]byte, error) {
	if len(s) > MaxStringLen {
		return nil, ErrFieldTooLarge
	}
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	copy(out[2:], s)
	return out, nil
}

// EncodeStringDeclared builds a length-prefixed field whose declared length
// deliberately need not match the bytes supplied. This is the escape hatch
// malformed-length test cases use; the invariant-checked path is
// EncodeString.
func EncodeStringDeclared(declared uint16, s []byte) []byte {
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out, declared)
	copy(out[2:], s)
	return out
}

// DecodeString reads a 2-byte length-prefixed field from b starting at
// offset, returning the field bytes and the total bytes consumed (prefix
// included). Fails with ErrTruncatedField when fewer bytes remain than the
// prefix declares.
func DecodeString(b []byte, offset int) ([]byte, int, error) {
	if len(b) < offset+2 {
		return nil, 0, ErrTruncatedField
	}
	length := int(binary.BigEndian.Uint16(b[offset : offset+2]))
	if len(b) < offset+2+length {
		return nil, 0, ErrTruncatedField
	}
	value := make([]byte, length)
	copy(value, b[offset+2:offset+2+length])
	return value, 2 + length, nil
}
