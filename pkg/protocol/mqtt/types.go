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

// Package mqtt provides low-level encoding and decoding of MQTT v3.1.1
// control packets for driving broker fuzzing campaigns. It covers the two
// wire primitives every packet is built from (the variable-byte "Remaining
// Length" integer and the 2-byte length-prefixed UTF-8 string), a builder
// for the well-formed packets the session lifecycle needs, and a sniffer
// that extracts just enough from broker replies to judge liveness and
// handshake outcomes. The decoder side is deliberately tolerant: malformed
// input from a misbehaving broker is an expected observation during
// fuzzing, not a crash.
package mqtt

// Control Packet Types are defined in section 2.2.1 of the MQTT v3.1.1
// specification. The first 4 bits of the fixed header define the packet type.
const (
	_               byte = iota // 0: Reserved
	TypeCONNECT                 // 1: Client request to connect to Server
	TypeCONNACK                 // 2: Connect acknowledgment
	TypePUBLISH                 // 3: Publish message
	TypePUBACK                  // 4: Publish acknowledgment
	TypePUBREC                  // 5: Publish received (assured delivery part 1)
	TypePUBREL                  // 6: Publish release (assured delivery part 2)
	TypePUBCOMP                 // 7: Publish complete (assured delivery part 3)
	TypeSUBSCRIBE               // 8: Client subscribe request
	TypeSUBACK                  // 9: Subscribe acknowledgment
	TypeUNSUBSCRIBE             // 10: Unsubscribe request
	TypeUNSUBACK                // 11: Unsubscribe acknowledgment
	TypePINGREQ                 // 12: PING request
	TypePINGRESP                // 13: PING response
	TypeDISCONNECT              // 14: Client is disconnecting
	_                           // 15: Reserved
)

// CONNACK Return Codes, defined in section 3.2.2.3 of the MQTT v3.1.1 spec,
// indicate the result of a connection request.
const (
	// CodeAccepted means the connection was accepted by the server.
	CodeAccepted byte = 0
	// CodeUnacceptableProtocol means the server does not support the
	// requested protocol level.
	CodeUnacceptableProtocol byte = 1
	// CodeIdentifierRejected means the client identifier was not allowed.
	CodeIdentifierRejected byte = 2
	// CodeServerUnavailable means the network connection was made but the
	// MQTT service is unavailable.
	CodeServerUnavailable byte = 3
	// CodeBadCredentials means the user name or password was malformed.
	CodeBadCredentials byte = 4
	// CodeNotAuthorized means the client is not authorized to connect.
	CodeNotAuthorized byte = 5
)

// MaxRemainingLength is the largest value representable by the 4-byte
// variable-length encoding (section 2.2.3).
const MaxRemainingLength = 268435455

// MaxStringLen is the largest byte length a 2-byte length prefix can declare.
const MaxStringLen = 65535

// Protocol identification for MQTT v3.1.1 CONNECT packets (section 3.1.2).
const (
	// ProtocolName is the UTF-8 protocol name carried in every CONNECT.
	ProtocolName = "MQTT"
	// ProtocolLevel is the protocol level byte for v3.1.1.
	ProtocolLevel byte = 4
)

// fixedFlags holds the flag nibble mandated per packet type by section 2.2.2.
// PUBREL, SUBSCRIBE and UNSUBSCRIBE require 0b0010; PUBLISH flags are
// message-specific and set by the builder; everything else is zero.
var fixedFlags = map[byte]byte{
	TypePUBREL:      0x02,
	TypeSUBSCRIBE:   0x02,
	TypeUNSUBSCRIBE: 0x02,
}

// FixedFlags returns the mandatory flag nibble for a packet type.
func FixedFlags(packetType byte) byte {
	return fixedFlags[packetType]
}

var typeNames = map[byte]string{
	TypeCONNECT:     "CONNECT",
	TypeCONNACK:     "CONNACK",
	TypePUBLISH:     "PUBLISH",
	TypePUBACK:      "PUBACK",
	TypePUBREC:      "PUBREC",
	TypePUBREL:      "PUBREL",
	TypePUBCOMP:     "PUBCOMP",
	TypeSUBSCRIBE:   "SUBSCRIBE",
	TypeSUBACK:      "SUBACK",
	TypeUNSUBSCRIBE: "UNSUBSCRIBE",
	TypeUNSUBACK:    "UNSUBACK",
	TypePINGREQ:     "PINGREQ",
	TypePINGRESP:    "PINGRESP",
	TypeDISCONNECT:  "DISCONNECT",
}

// TypeName returns the spec name for a packet type nibble, or "RESERVED" for
// the two reserved values. Used for logging and verdict records.
func TypeName(packetType byte) string {
	if name, ok := typeNames[packetType]; ok {
		return name
	}
	return "RESERVED"
}

// FixedHeader is the decoded form of the 2-5 byte fixed header that starts
// every MQTT control packet.
type FixedHeader struct {
	// Type is the packet type nibble (upper 4 bits of the first byte).
	Type byte
	// Flags is the flag nibble (lower 4 bits of the first byte).
	Flags byte
	// RemainingLength is the declared length of variable header plus payload.
	RemainingLength uint32
	// HeaderLen is the number of bytes the fixed header itself occupied.
	HeaderLen int
}
