// Package wire implements the signaling transport's binary framing: the
// upgrade handshake accept value and the frame codec (RFC 6455 base framing,
// no extensions). Decoding is a pure function over an accumulated byte
// buffer so it can be unit-tested without a socket and resumed when a frame
// arrives split across reads.
package wire

import (
	"encoding/binary"
	"errors"
)

// Opcodes handled by the server. Anything else decodes fine and is ignored
// by the connection handler.
const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xA
)

const (
	finBit  = 0x80
	maskBit = 0x80

	len16 = 126
	len64 = 127

	// MaxPayloadLength bounds a single frame's declared payload. Signaling
	// envelopes are small JSON; anything near this is hostile or broken,
	// and an unchecked 64-bit length must never reach make().
	MaxPayloadLength = 1 << 24
)

// ErrFrameTooLarge reports a frame whose declared length exceeds
// MaxPayloadLength. The connection carrying it cannot be resynchronized
// and must be closed.
var ErrFrameTooLarge = errors.New("frame length exceeds limit")

// Frame is one decoded protocol frame. Payload is unmasked and owned by the
// caller; it does not alias the decode buffer.
type Frame struct {
	Opcode  byte
	Final   bool
	Payload []byte
}

// Decode parses as many complete frames as buf contains and returns them
// together with the number of bytes consumed. A partial trailing frame
// (incomplete header, extended length, mask key or payload) consumes
// nothing of itself: the caller keeps buf[consumed:] and retries once more
// bytes arrive. A declared length above MaxPayloadLength returns the frames
// decoded so far plus ErrFrameTooLarge; no amount of further bytes can make
// such a frame valid.
func Decode(buf []byte) ([]Frame, int, error) {
	var frames []Frame
	offset := 0

	for offset+2 <= len(buf) {
		start := offset
		first := buf[offset]
		opcode := first & 0x0f
		final := first&finBit != 0
		second := buf[offset+1]
		masked := second&maskBit != 0
		length := int(second & 0x7f)
		offset += 2

		switch length {
		case len16:
			if offset+2 > len(buf) {
				return frames, start, nil
			}
			length = int(binary.BigEndian.Uint16(buf[offset:]))
			offset += 2
		case len64:
			if offset+8 > len(buf) {
				return frames, start, nil
			}
			// Kept as uint64 until range-checked: a length with the top
			// bit set would wrap negative as int and slip past the
			// buffer guard below.
			declared := binary.BigEndian.Uint64(buf[offset:])
			if declared > MaxPayloadLength {
				return frames, start, ErrFrameTooLarge
			}
			length = int(declared)
			offset += 8
		}

		var maskKey []byte
		if masked {
			if offset+4 > len(buf) {
				return frames, start, nil
			}
			maskKey = buf[offset : offset+4]
			offset += 4
		}

		if offset+length > len(buf) {
			return frames, start, nil
		}

		payload := make([]byte, length)
		copy(payload, buf[offset:offset+length])
		offset += length

		if masked {
			for i := range payload {
				payload[i] ^= maskKey[i%4]
			}
		}

		frames = append(frames, Frame{Opcode: opcode, Final: final, Payload: payload})
	}

	return frames, offset, nil
}

// EncodeText wraps payload in a single unmasked final text frame using the
// minimal length encoding for its size.
func EncodeText(payload []byte) []byte {
	return encode(OpText, payload)
}

// EncodePong builds the control reply to a ping, echoing its payload.
func EncodePong(payload []byte) []byte {
	return encode(OpPong, payload)
}

// EncodeClose builds an empty close frame.
func EncodeClose() []byte {
	return encode(OpClose, nil)
}

func encode(opcode byte, payload []byte) []byte {
	length := len(payload)

	var header []byte
	switch {
	case length < len16:
		header = []byte{finBit | opcode, byte(length)}
	case length < 1<<16:
		header = []byte{finBit | opcode, len16, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(length))
	default:
		header = make([]byte, 10)
		header[0] = finBit | opcode
		header[1] = len64
		binary.BigEndian.PutUint64(header[2:], uint64(length))
	}

	return append(header, payload...)
}
