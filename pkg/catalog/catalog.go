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

// Package catalog holds the static packet-shape templates the fuzz engine
// iterates over. A shape is plain data: an ordered list of named fields
// with default bytes, a fuzzability flag and a length ceiling. The engine
// mutates one field at a time and reassembles; nothing here executes
// packet-specific construction code. Well-formed defaults are computed
// once with the protocol codec; deliberately malformed shapes carry their
// broken bytes verbatim.
package catalog

import (
	"github.com/turtacn/mqttfuzz-go/pkg/protocol/mqtt"
)

// Field is one named region of a packet shape.
type Field struct {
	// Name identifies the field in verdicts and logs.
	Name string
	// Default is the field's well-formed (or deliberately broken) bytes.
	Default []byte
	// Fuzzable marks fields the mutation engine may rewrite.
	Fuzzable bool
	// MaxLen caps how far a mutation may grow the field; zero means the
	// default length is also the ceiling.
	MaxLen int
}

// Shape is a complete packet template. Fields[0] is always the packet
// type byte and Fields[1] the remaining-length encoding, so mutations can
// target the fixed header like any other region.
type Shape struct {
	// Name identifies the shape in verdicts, logs and suite selection.
	Name string
	// Description says what broker behavior the shape provokes.
	Description string
	// ConnectedState marks shapes that only make sense on an
	// authenticated session; the engine skips them when a handshake
	// cannot be established.
	ConnectedState bool
	// Fields is the ordered field list.
	Fields []Field
}

// Assemble concatenates every field's default bytes into a sendable packet.
func (s Shape) Assemble() []byte {
	var n int
	for _, f := range s.Fields {
		n += len(f.Default)
	}
	out := make([]byte, 0, n)
	for _, f := range s.Fields {
		out = append(out, f.Default...)
	}
	return out
}

// Render assembles the shape with one field replaced by mutated bytes.
// An out-of-range index falls back to the unmutated assembly.
func (s Shape) Render(fieldIndex int, mutated []byte) []byte {
	if fieldIndex < 0 || fieldIndex >= len(s.Fields) {
		return s.Assemble()
	}
	var out []byte
	for i, f := range s.Fields {
		if i == fieldIndex {
			out = append(out, mutated...)
			continue
		}
		out = append(out, f.Default...)
	}
	return out
}

// FuzzableFields returns the indexes of fields the mutation engine may
// rewrite.
func (s Shape) FuzzableFields() []int {
	var idx []int
	for i, f := range s.Fields {
		if f.Fuzzable {
			idx = append(idx, i)
		}
	}
	return idx
}

// utf8Field renders a length-prefixed string field. Catalog defaults are
// all far below the 65535 ceiling, so the declared length always matches.
func utf8Field(s string) []byte {
	return mqtt.EncodeStringDeclared(uint16(len(s)), []byte(s))
}

func u16(n uint16) []byte {
	return []byte{byte(n >> 8), byte(n)}
}

// newShape builds a shape whose remaining length is computed canonically
// over the supplied body fields. Mutating the remaining_length field is
// how inconsistent-length test cases are produced; the default is always
// consistent.
func newShape(name, description string, typeByte byte, connected bool, body ...Field) Shape {
	var bodyLen uint32
	for _, f := range body {
		bodyLen += uint32(len(f.Default))
	}
	remLen, err := mqtt.EncodeRemainingLength(bodyLen)
	if err != nil {
		// Catalog defaults are static and small; reaching this means the
		// catalog itself is broken.
		panic(err)
	}
	fields := []Field{
		{Name: "packet_type", Default: []byte{typeByte}, Fuzzable: true},
		{Name: "remaining_length", Default: remLen, Fuzzable: true, MaxLen: 5},
	}
	fields = append(fields, body...)
	return Shape{
		Name:           name,
		Description:    description,
		ConnectedState: connected,
		Fields:         fields,
	}
}

// Shapes returns the full catalog. The order is stable so campaign seeds
// reproduce.
func Shapes() []Shape {
	return []Shape{
		newShape("connect", "Minimal clean-session CONNECT", mqtt.TypeCONNECT<<4, false,
			Field{Name: "protocol_name", Default: utf8Field(mqtt.ProtocolName), Fuzzable: true, MaxLen: 64},
			Field{Name: "protocol_level", Default: []byte{mqtt.ProtocolLevel}, Fuzzable: true},
			Field{Name: "connect_flags", Default: []byte{0x02}, Fuzzable: true},
			Field{Name: "keep_alive", Default: u16(60), Fuzzable: true},
			Field{Name: "client_id", Default: utf8Field("fuzzer1"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
		),
		newShape("connect-full", "CONNECT with will, username and password", mqtt.TypeCONNECT<<4, false,
			Field{Name: "protocol_name", Default: utf8Field(mqtt.ProtocolName), Fuzzable: true, MaxLen: 64},
			Field{Name: "protocol_level", Default: []byte{mqtt.ProtocolLevel}, Fuzzable: true},
			Field{Name: "connect_flags", Default: []byte{0xF6}, Fuzzable: true},
			Field{Name: "keep_alive", Default: u16(60), Fuzzable: true},
			Field{Name: "client_id", Default: utf8Field("fuzzfull"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
			Field{Name: "will_topic", Default: utf8Field("will/topic"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
			Field{Name: "will_message", Default: utf8Field("will message"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
			Field{Name: "username", Default: utf8Field("testuser"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
			Field{Name: "password", Default: utf8Field("testpass"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
		),
		newShape("publish-qos0", "PUBLISH with at-most-once delivery", mqtt.TypePUBLISH<<4, true,
			Field{Name: "topic_name", Default: utf8Field("fuzz/topic"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
			Field{Name: "message", Default: []byte("fuzz_message"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
		),
		newShape("publish-qos1", "PUBLISH expecting a PUBACK", mqtt.TypePUBLISH<<4|0x02, true,
			Field{Name: "topic_name", Default: utf8Field("qos1/t"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
			Field{Name: "packet_id", Default: u16(1), Fuzzable: true},
			Field{Name: "message", Default: []byte("qos1_msg"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
		),
		newShape("publish-qos2", "PUBLISH starting the 4-way handshake", mqtt.TypePUBLISH<<4|0x04, true,
			Field{Name: "topic_name", Default: utf8Field("qos2/t"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
			Field{Name: "packet_id", Default: u16(2), Fuzzable: true},
			Field{Name: "message", Default: []byte("qos2_msg"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
		),
		newShape("subscribe", "SUBSCRIBE for a single filter", mqtt.TypeSUBSCRIBE<<4|0x02, true,
			Field{Name: "packet_id", Default: u16(1), Fuzzable: true},
			Field{Name: "topic_filter", Default: utf8Field("fuzz/topic"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
			Field{Name: "qos", Default: []byte{0x00}, Fuzzable: true},
		),
		newShape("subscribe-multi", "SUBSCRIBE with several filters", mqtt.TypeSUBSCRIBE<<4|0x02, true,
			Field{Name: "packet_id", Default: u16(5), Fuzzable: true},
			Field{Name: "topic_filter_1", Default: utf8Field("sport/tennis/+"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
			Field{Name: "qos_1", Default: []byte{0x00}, Fuzzable: true},
			Field{Name: "topic_filter_2", Default: utf8Field("home/#"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
			Field{Name: "qos_2", Default: []byte{0x01}, Fuzzable: true},
		),
		newShape("subscribe-wildcards", "SUBSCRIBE with an invalid wildcard pattern", mqtt.TypeSUBSCRIBE<<4|0x02, true,
			Field{Name: "packet_id", Default: u16(5), Fuzzable: true},
			Field{Name: "topic_filter", Default: utf8Field("sport/+/+/#/invalid/+/#"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
			Field{Name: "qos", Default: []byte{0x02}, Fuzzable: true},
		),
		newShape("unsubscribe", "UNSUBSCRIBE for a single filter", mqtt.TypeUNSUBSCRIBE<<4|0x02, true,
			Field{Name: "packet_id", Default: u16(1), Fuzzable: true},
			Field{Name: "topic_filter", Default: utf8Field("fuzz/topic"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
		),
		newShape("puback", "PUBACK without a prior PUBLISH", mqtt.TypePUBACK<<4, true,
			Field{Name: "packet_id", Default: u16(0x1234), Fuzzable: true},
		),
		newShape("pubrec", "PUBREC without a prior PUBLISH", mqtt.TypePUBREC<<4, true,
			Field{Name: "packet_id", Default: u16(0x1234), Fuzzable: true},
		),
		newShape("pubrel", "PUBREL without a prior PUBREC", mqtt.TypePUBREL<<4|0x02, true,
			Field{Name: "packet_id", Default: u16(0xFFFF), Fuzzable: true},
		),
		newShape("pubcomp", "PUBCOMP without a prior PUBREL", mqtt.TypePUBCOMP<<4, true,
			Field{Name: "packet_id", Default: u16(0x1234), Fuzzable: true},
		),
		newShape("pingreq", "PINGREQ with trailing garbage allowance", mqtt.TypePINGREQ<<4, true,
			Field{Name: "extra", Default: nil, Fuzzable: true, MaxLen: 100},
		),
		newShape("disconnect", "DISCONNECT in connected state", mqtt.TypeDISCONNECT<<4, true),
		newShape("second-connect", "Second CONNECT on a live session (protocol violation)", mqtt.TypeCONNECT<<4, true,
			Field{Name: "protocol_name", Default: utf8Field(mqtt.ProtocolName), Fuzzable: true, MaxLen: 64},
			Field{Name: "protocol_level", Default: []byte{mqtt.ProtocolLevel}, Fuzzable: true},
			Field{Name: "connect_flags", Default: []byte{0x02}, Fuzzable: true},
			Field{Name: "keep_alive", Default: u16(60), Fuzzable: true},
			Field{Name: "client_id", Default: utf8Field("second"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
		),

		// Shapes below carry deliberately broken defaults; their fields
		// are raw bytes rather than codec output.
		{
			Name:        "malformed-remaining-length",
			Description: "CONNECT whose length encoding never terminates",
			Fields: []Field{
				{Name: "packet_type", Default: []byte{0x10}, Fuzzable: true},
				{Name: "remaining_length", Default: []byte{0x80, 0x80, 0x80, 0x80}, Fuzzable: true, MaxLen: 8},
			},
		},
		{
			Name:           "malformed-utf8-length",
			Description:    "PUBLISH whose topic declares more bytes than it supplies",
			ConnectedState: true,
			Fields: []Field{
				{Name: "packet_type", Default: []byte{0x30}, Fuzzable: true},
				{Name: "remaining_length", Default: []byte{0x0D}, Fuzzable: true, MaxLen: 5},
				{Name: "topic_name", Default: mqtt.EncodeStringDeclared(0xFFFF, []byte("fuzz/t")), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
				{Name: "message", Default: []byte("pay"), Fuzzable: true, MaxLen: mqtt.MaxStringLen},
			},
		},
		{
			Name:        "zero-length-connect",
			Description: "CONNECT declaring zero remaining length but carrying a body",
			Fields: []Field{
				{Name: "packet_type", Default: []byte{0x10}, Fuzzable: true},
				{Name: "remaining_length", Default: []byte{0x00}, Fuzzable: true, MaxLen: 5},
				{Name: "body", Default: utf8Field(mqtt.ProtocolName), Fuzzable: true, MaxLen: 64},
			},
		},
		{
			Name:        "invalid-type",
			Description: "Reserved packet type 15 with zero body",
			Fields: []Field{
				{Name: "packet_type", Default: []byte{0xF0}, Fuzzable: true},
				{Name: "remaining_length", Default: []byte{0x00}, Fuzzable: true, MaxLen: 5},
			},
		},
		newShape("oversized-topic", "PUBLISH with a 16 KiB topic", mqtt.TypePUBLISH<<4, true,
			Field{Name: "topic_name", Default: mqtt.EncodeStringDeclared(0x4000, bigTopic(0x4000)), Fuzzable: true, MaxLen: 0x10000},
		),
	}
}

// ShapeByName looks a shape up by its catalog name.
func ShapeByName(name string) (Shape, bool) {
	for _, s := range Shapes() {
		if s.Name == name {
			return s, true
		}
	}
	return Shape{}, false
}

// Names returns every catalog shape name in stable order.
func Names() []string {
	shapes := Shapes()
	names := make([]string, len(shapes))
	for i, s := range shapes {
		names[i] = s.Name
	}
	return names
}

func bigTopic(n int) []byte {
	topic := make([]byte, n)
	for i := range topic {
		topic[i] = 'A'
	}
	return topic
}
