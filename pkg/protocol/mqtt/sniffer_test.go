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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFixedHeader(t *testing.T) {
	t.Run("pingresp", func(t *testing.T) {
		fh, err := ParseFixedHeader([]byte{0xD0, 0x00})
		require.NoError(t, err)
		assert.Equal(t, byte(TypePINGRESP), fh.Type)
		assert.Equal(t, byte(0x00), fh.Flags)
		assert.Equal(t, uint32(0), fh.RemainingLength)
		assert.Equal(t, 2, fh.HeaderLen)
	})

	t.Run("publish with flags and long length", func(t *testing.T) {
		fh, err := ParseFixedHeader([]byte{0x3D, 0x80, 0x80, 0x01})
		require.NoError(t, err)
		assert.Equal(t, byte(TypePUBLISH), fh.Type)
		assert.Equal(t, byte(0x0D), fh.Flags)
		assert.Equal(t, uint32(16384), fh.RemainingLength)
		assert.Equal(t, 4, fh.HeaderLen)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := ParseFixedHeader([]byte{0x10})
		assert.ErrorIs(t, err, ErrTruncatedHeader)
	})

	t.Run("malformed length propagates", func(t *testing.T) {
		_, err := ParseFixedHeader([]byte{0x10, 0x80, 0x80, 0x80, 0x80})
		assert.ErrorIs(t, err, ErrMalformedLength)
	})
}

func TestIsConnAckSuccess(t *testing.T) {
	assert.True(t, IsConnAckSuccess([]byte{0x20, 0x02, 0x00, 0x00}))
	assert.False(t, IsConnAckSuccess([]byte{0x20, 0x02, 0x00, 0x05}))
	assert.False(t, IsConnAckSuccess([]byte{0x20}))
	assert.False(t, IsConnAckSuccess(nil))
	assert.False(t, IsConnAckSuccess([]byte{0x30, 0x02, 0x00, 0x00}))
}

func TestConnAckReturnCode(t *testing.T) {
	code, ok := ConnAckReturnCode([]byte{0x20, 0x02, 0x00, 0x05})
	assert.True(t, ok)
	assert.Equal(t, CodeNotAuthorized, code)

	_, ok = ConnAckReturnCode([]byte{0x20, 0x02})
	assert.False(t, ok)

	_, ok = ConnAckReturnCode([]byte{0x90, 0x03, 0x00, 0x01})
	assert.False(t, ok)
}

func TestIsPingResp(t *testing.T) {
	assert.True(t, IsPingResp([]byte{0xD0, 0x00}))
	assert.False(t, IsPingResp([]byte{0xD1, 0x00}))
	assert.False(t, IsPingResp([]byte{0xD0, 0x01}))
	assert.False(t, IsPingResp([]byte{0xD0}))

	// Trailing bytes after the marker do not disqualify it; brokers may
	// batch a PINGRESP with queued traffic.
	assert.True(t, IsPingResp([]byte{0xD0, 0x00, 0x30, 0x00}))
}

// FuzzParseFixedHeader exercises the sniffer with arbitrary leading bytes,
// asserting it never panics and that accepted headers are self-consistent.
func FuzzParseFixedHeader(f *testing.F) {
	seeds := [][]byte{
		{0x10, 0x13},
		{0x20, 0x02, 0x00, 0x00},
		{0x62, 0x02},
		{0x82, 0x05},
		{0xC0, 0x00},
		{0xD0, 0x00},
		{0xE0, 0x00},
		{0xF0, 0x00},
		{0x10, 0xFF, 0xFF, 0xFF, 0x7F},
		{0x10, 0x80, 0x80, 0x80, 0x80, 0x01},
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		fh, err := ParseFixedHeader(data)
		if err != nil {
			return
		}
		assert.LessOrEqual(t, fh.HeaderLen, 5)
		assert.GreaterOrEqual(t, fh.HeaderLen, 2)
		assert.LessOrEqual(t, fh.RemainingLength, uint32(MaxRemainingLength))
		assert.Equal(t, data[0]>>4, fh.Type)
		assert.Equal(t, data[0]&0x0F, fh.Flags)
	})
}
