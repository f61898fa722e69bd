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

// ParseFixedHeader decodes the fixed header at the start of b. It fails
// with ErrTruncatedHeader when fewer than 2 bytes are supplied and
// propagates ErrMalformedLength from the length decoder. The rest of the
// buffer is not inspected; a declared remaining length larger than the
// bytes on hand is the caller's concern.
func ParseFixedHeader(b []byte) (FixedHeader, error) {
	if len(b) < 2 {
		return FixedHeader{}, ErrTruncatedHeader
	}
	remLen, consumed, err := DecodeRemainingLength(b, 1)
	if err != nil {
		return FixedHeader{}, err
	}
	return FixedHeader{
		Type:            b[0] >> 4,
		Flags:           b[0] & 0x0F,
		RemainingLength: remLen,
		HeaderLen:       1 + consumed,
	}, nil
}

// IsConnAckSuccess reports whether b starts with a CONNACK whose connect
// return code (4th byte) is zero. Short buffers and non-zero return codes
// yield false rather than an error: a broker refusing a connection is an
// expected outcome during fuzzing, not a parse failure.
func IsConnAckSuccess(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	return b[0]>>4 == TypeCONNACK && b[3] == CodeAccepted
}

// ConnAckReturnCode extracts the connect return code from a CONNACK reply.
// The second result is false when the buffer is not a parseable CONNACK.
func ConnAckReturnCode(b []byte) (byte, bool) {
	if len(b) < 4 || b[0]>>4 != TypeCONNACK {
		return 0, false
	}
	return b[3], true
}

// IsPingResp reports whether b is exactly a PINGRESP marker: type nibble
// 13 with zero flags followed by a zero remaining length.
func IsPingResp(b []byte) bool {
	return len(b) >= 2 && b[0] == TypePINGRESP<<4 && b[1] == 0x00
}
