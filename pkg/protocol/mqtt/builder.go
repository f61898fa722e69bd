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
	"bytes"
	"encoding/binary"
	"fmt"
)

// assemble prepends the fixed header (type nibble, flag nibble, remaining
// length) to an already-serialized variable header plus payload. The
// remaining length is always computed from the body; callers that want an
// inconsistent length go through the catalog's raw-bytes path instead.
func assemble(packetType, flags byte, body []byte) ([]byte, error) {
	remLen, err := EncodeRemainingLength(uint32(len(body)))
	if err != nil {
		return nil, err
	}
	packet := make([]byte, 0, 1+len(remLen)+len(body))
	packet = append(packet, packetType<<4|flags&0x0F)
	packet = append(packet, remLen...)
	packet = append(packet, body...)
	return packet, nil
}

// ConnectOptions carries the optional CONNECT fields of section 3.1.3.
// All-zero options produce the minimal clean-session CONNECT the session
// lifecycle uses; the full form exercises will, username and password
// parsing on the broker side.
type ConnectOptions struct {
	CleanSession bool
	WillTopic    []byte
	WillMessage  []byte
	WillQoS      byte
	WillRetain   bool
	Username     []byte
	Password     []byte
}

// BuildConnect assembles the minimal well-formed CONNECT the lifecycle
// path sends: protocol name "MQTT", level 4, Clean Session set, no will,
// username or password. Client identifiers longer than 65535 bytes fail
// with ErrFieldTooLarge.
func BuildConnect(clientID string, keepAliveSeconds uint16, cleanSession bool) ([]byte, error) {
	return BuildConnectWith(clientID, keepAliveSeconds, ConnectOptions{CleanSession: cleanSession})
}

// BuildConnectWith assembles a CONNECT with the given optional fields.
func BuildConnectWith(clientID string, keepAliveSeconds uint16, opts ConnectOptions) ([]byte, error) {
	var body bytes.Buffer

	name, err := EncodeString([]byte(ProtocolName))
	if err != nil {
		return nil, err
	}
	body.Write(name)
	body.WriteByte(ProtocolLevel)

	var flags byte
	if opts.CleanSession {
		flags |= 0x02
	}
	if opts.WillTopic != nil {
		flags |= 0x04
		flags |= (opts.WillQoS & 0x03) << 3
		if opts.WillRetain {
			flags |= 0x20
		}
	}
	if opts.Password != nil {
		flags |= 0x40
	}
	if opts.Username != nil {
		flags |= 0x80
	}
	body.WriteByte(flags)

	keepAlive := make([]byte, 2)
	binary.BigEndian.PutUint16(keepAlive, keepAliveSeconds)
	body.Write(keepAlive)

	// Payload fields appear in the order mandated by section 3.1.3:
	// client id, will topic, will message, username, password.
	fields := [][]byte{[]byte(clientID)}
	if opts.WillTopic != nil {
		fields = append(fields, opts.WillTopic, opts.WillMessage)
	}
	if opts.Username != nil {
		fields = append(fields, opts.Username)
	}
	if opts.Password != nil {
		fields = append(fields, opts.Password)
	}
	for _, f := range fields {
		encoded, err := EncodeString(f)
		if err != nil {
			return nil, err
		}
		body.Write(encoded)
	}

	return assemble(TypeCONNECT, 0, body.Bytes())
}

// BuildDisconnect assembles the 2-byte DISCONNECT packet.
func BuildDisconnect() []byte {
	return []byte{TypeDISCONNECT << 4, 0x00}
}

// BuildPingReq assembles the 2-byte PINGREQ packet.
func BuildPingReq() []byte {
	return []byte{TypePINGREQ << 4, 0x00}
}

// BuildPublish assembles a PUBLISH with the given QoS. A packet identifier
// is included only for QoS 1 and 2, per section 3.3.2.2. QoS above 2 is a
// caller error.
func BuildPublish(topic, payload []byte, qos byte, packetID uint16) ([]byte, error) {
	if qos > 2 {
		return nil, fmt.Errorf("mqtt: invalid QoS %d: %w", qos, ErrValueOutOfRange)
	}
	var body bytes.Buffer
	encodedTopic, err := EncodeString(topic)
	if err != nil {
		return nil, err
	}
	body.Write(encodedTopic)
	if qos > 0 {
		id := make([]byte, 2)
		binary.BigEndian.PutUint16(id, packetID)
		body.Write(id)
	}
	body.Write(payload)
	return assemble(TypePUBLISH, qos<<1, body.Bytes())
}

// Subscription pairs a topic filter with a requested QoS for SUBSCRIBE.
type Subscription struct {
	Filter []byte
	QoS    byte
}

// BuildSubscribe assembles a SUBSCRIBE for one or more topic filters.
func BuildSubscribe(packetID uint16, subs []Subscription) ([]byte, error) {
	var body bytes.Buffer
	id := make([]byte, 2)
	binary.BigEndian.PutUint16(id, packetID)
	body.Write(id)
	for _, sub := range subs {
		filter, err := EncodeString(sub.Filter)
		if err != nil {
			return nil, err
		}
		body.Write(filter)
		body.WriteByte(sub.QoS)
	}
	return assemble(TypeSUBSCRIBE, FixedFlags(TypeSUBSCRIBE), body.Bytes())
}

// BuildUnsubscribe assembles an UNSUBSCRIBE for one or more topic filters.
func BuildUnsubscribe(packetID uint16, filters [][]byte) ([]byte, error) {
	var body bytes.Buffer
	id := make([]byte, 2)
	binary.BigEndian.PutUint16(id, packetID)
	body.Write(id)
	for _, f := range filters {
		filter, err := EncodeString(f)
		if err != nil {
			return nil, err
		}
		body.Write(filter)
	}
	return assemble(TypeUNSUBSCRIBE, FixedFlags(TypeUNSUBSCRIBE), body.Bytes())
}

// BuildAck assembles one of the 4-byte acknowledgement packets that carry
// only a packet identifier: PUBACK, PUBREC, PUBREL and PUBCOMP. Other
// types are a caller error.
func BuildAck(packetType byte, packetID uint16) ([]byte, error) {
	switch packetType {
	case TypePUBACK, TypePUBREC, TypePUBREL, TypePUBCOMP:
	default:
		return nil, fmt.Errorf("mqtt: %s is not an ack packet: %w", TypeName(packetType), ErrValueOutOfRange)
	}
	id := make([]byte, 2)
	binary.BigEndian.PutUint16(id, packetID)
	return assemble(packetType, FixedFlags(packetType), id)
}
