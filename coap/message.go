// Copyright 2021 The Matrix.org Foundation C.I.C.
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

package coap

import (
	"github.com/iotcoap/core/coreerr"
)

// MaxPacketSize bounds a single CoAP datagram this core will parse.
const MaxPacketSize = 1152

// Message is a parsed CoAP packet, per spec §3/RFC 7252 §3.
type Message struct {
	Type      Type
	Token     []byte // 0-8 bytes
	Code      Code
	MessageID uint16
	Options   Options
	Payload   []byte
}

const (
	version        = 1
	maxTokenLen    = 8
	payloadMarker  = 0xFF
	extend1        = 13
	extend2        = 14
	extend1Offset  = 13
	extend2Offset  = 269
)

// Parse decodes a single CoAP packet per RFC 7252 §3. Malformed packets are
// rejected with a coreerr.ProtocolError; callers that need the RFC 7252
// "silently drop, optionally RESET" behavior should check the message ID
// extraction helper (PeekMessageID) before giving up entirely.
func Parse(b []byte) (*Message, error) {
	if len(b) > MaxPacketSize {
		return nil, coreerr.New(coreerr.ProtocolError, "packet exceeds MAX_PACKET_SIZE")
	}
	if len(b) < 4 {
		return nil, coreerr.New(coreerr.ProtocolError, "packet shorter than fixed header")
	}
	ver := b[0] >> 6
	if ver != version {
		return nil, coreerr.New(coreerr.ProtocolError, "bad version")
	}
	typ := Type((b[0] >> 4) & 0x3)
	tkl := int(b[0] & 0xF)
	if tkl > maxTokenLen {
		return nil, coreerr.New(coreerr.ProtocolError, "token length exceeds 8 bytes")
	}
	code := Code(b[1])
	mid := uint16(b[2])<<8 | uint16(b[3])

	off := 4
	if off+tkl > len(b) {
		return nil, coreerr.New(coreerr.ProtocolError, "truncated token")
	}
	token := append([]byte(nil), b[off:off+tkl]...)
	off += tkl

	opts, payload, err := parseOptions(b[off:])
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      typ,
		Token:     token,
		Code:      code,
		MessageID: mid,
		Options:   opts,
		Payload:   payload,
	}, nil
}

func parseOptions(b []byte) (Options, []byte, error) {
	var opts Options
	prevNumber := OptionNumber(0)
	i := 0
	for i < len(b) {
		first := b[i]
		if first == payloadMarker {
			i++
			return opts, append([]byte(nil), b[i:]...), nil
		}
		deltaNibble := int(first >> 4)
		lenNibble := int(first & 0xF)
		i++

		delta, n, err := readExtended(deltaNibble, b, i)
		if err != nil {
			return nil, nil, err
		}
		i += n

		length, n, err := readExtended(lenNibble, b, i)
		if err != nil {
			return nil, nil, err
		}
		i += n

		if i+length > len(b) {
			return nil, nil, coreerr.New(coreerr.ProtocolError, "truncated option value")
		}
		number := prevNumber + OptionNumber(delta)
		if number < prevNumber {
			return nil, nil, coreerr.New(coreerr.ProtocolError, "option numbers went backwards")
		}
		value := append([]byte(nil), b[i:i+length]...)
		opts = append(opts, Option{Number: number, Value: value})
		prevNumber = number
		i += length
	}
	return opts, nil, nil
}

// readExtended interprets a 4-bit nibble as either a literal 0-12 value, or
// the marker for a 1-byte (13) or 2-byte (14) extension that follows at b[i:].
// 15 is invalid outside of the payload marker case, handled by the caller.
func readExtended(nibble int, b []byte, i int) (value int, consumed int, err error) {
	switch {
	case nibble <= 12:
		return nibble, 0, nil
	case nibble == extend1:
		if i >= len(b) {
			return 0, 0, coreerr.New(coreerr.ProtocolError, "truncated 1-byte option extension")
		}
		return int(b[i]) + extend1Offset, 1, nil
	case nibble == extend2:
		if i+1 >= len(b) {
			return 0, 0, coreerr.New(coreerr.ProtocolError, "truncated 2-byte option extension")
		}
		return (int(b[i])<<8 | int(b[i+1])) + extend2Offset, 2, nil
	default:
		return 0, 0, coreerr.New(coreerr.ProtocolError, "reserved option nibble 15 used outside payload marker")
	}
}

// PeekMessageID extracts the message ID from a packet that may otherwise be
// malformed, for the "RESET in response to an unparseable CON" case of
// spec §6.
func PeekMessageID(b []byte) (uint16, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return uint16(b[2])<<8 | uint16(b[3]), true
}

// Serialize encodes m into wire bytes, re-sorting options into
// non-decreasing number order first (spec §4.5). Parse(Serialize(m)) must
// round-trip to an equal Message.
func Serialize(m *Message) ([]byte, error) {
	if len(m.Token) > maxTokenLen {
		return nil, coreerr.New(coreerr.InvalidArgument, "token exceeds 8 bytes")
	}
	out := make([]byte, 0, 64)
	out = append(out, byte(version<<6)|byte(m.Type)<<4|byte(len(m.Token)))
	out = append(out, byte(m.Code))
	out = append(out, byte(m.MessageID>>8), byte(m.MessageID))
	out = append(out, m.Token...)

	opts := m.Options.sorted()
	prev := OptionNumber(0)
	for _, opt := range opts {
		delta := int(opt.Number - prev)
		if delta < 0 {
			return nil, coreerr.New(coreerr.InvalidArgument, "option numbers not ascending after sort")
		}
		prev = opt.Number
		out = appendOption(out, delta, opt.Value)
	}

	if len(m.Payload) > 0 {
		out = append(out, payloadMarker)
		out = append(out, m.Payload...)
	}
	if len(out) > MaxPacketSize {
		return nil, coreerr.New(coreerr.InvalidArgument, "serialized packet exceeds MAX_PACKET_SIZE")
	}
	return out, nil
}

func appendOption(out []byte, delta int, value []byte) []byte {
	deltaNibble, deltaExt := splitNibble(delta)
	lenNibble, lenExt := splitNibble(len(value))
	out = append(out, byte(deltaNibble<<4)|byte(lenNibble))
	out = append(out, deltaExt...)
	out = append(out, lenExt...)
	out = append(out, value...)
	return out
}

func splitNibble(v int) (nibble int, ext []byte) {
	switch {
	case v <= 12:
		return v, nil
	case v <= extend1Offset+255:
		return extend1, []byte{byte(v - extend1Offset)}
	default:
		x := v - extend2Offset
		return extend2, []byte{byte(x >> 8), byte(x)}
	}
}
