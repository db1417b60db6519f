// Package conn implements the Connection Framer described in spec.md
// section 4.6: a length-prefixed message codec plus the read/write
// state machine layered on top of it. Grounded on
// original_source/rct/Connection.cpp.
//
// Author: momentics <momentics@gmail.com>
package conn

import "encoding/binary"

// HeaderLen is the size in bytes of the length prefix.
const HeaderLen = 4

// FinishID is the distinguished message id signaling graceful close
// intent, matching rct's FinishMessage::MessageId.
const FinishID uint8 = 0

// Message is one decoded frame: an id and its body (the body excludes
// the id byte itself).
type Message struct {
	ID   uint8
	Body []byte
}

// EncodeHeader writes the little-endian u32 length prefix for a frame
// whose payload (id byte + body) is payloadLen bytes long.
func EncodeHeader(payloadLen uint32) []byte {
	var hdr [HeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[:], payloadLen)
	return hdr[:]
}

// EncodeBody prepends the message id to body, producing the payload
// that follows the header on the wire.
func EncodeBody(id uint8, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = id
	copy(out[1:], body)
	return out
}

// DecodeHeader reads the u32 length prefix from a 4-byte header.
func DecodeHeader(hdr []byte) uint32 {
	return binary.LittleEndian.Uint32(hdr)
}

// DecodePayload splits a fully-received payload into its message id and
// body, mirroring rct's Messages::create.
func DecodePayload(payload []byte) Message {
	if len(payload) == 0 {
		return Message{}
	}
	return Message{ID: payload[0], Body: payload[1:]}
}
