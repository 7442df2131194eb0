package wire_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"telesignal/internal/wire"
)

// decodeAll decodes buf expecting no protocol error.
func decodeAll(t *testing.T, buf []byte) ([]wire.Frame, int) {
	t.Helper()
	frames, consumed, err := wire.Decode(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return frames, consumed
}

func TestAcceptKey_KnownVector(t *testing.T) {
	// Sample handshake from RFC 6455 §1.3.
	got := wire.AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("accept key mismatch: got %q want %q", got, want)
	}
}

func TestUpgradeResponse_Headers(t *testing.T) {
	resp := string(wire.UpgradeResponse("dGhlIHNhbXBsZSBub25jZQ=="))
	for _, want := range []string{
		"HTTP/1.1 101 Switching Protocols",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=",
	} {
		if !bytes.Contains([]byte(resp), []byte(want)) {
			t.Fatalf("upgrade response missing %q:\n%s", want, resp)
		}
	}
	if !bytes.HasSuffix([]byte(resp), []byte("\r\n\r\n")) {
		t.Fatalf("upgrade response not terminated by blank line")
	}
}

func TestEncodeDecode_RoundTripAllLengthVariants(t *testing.T) {
	for _, size := range []int{0, 10, 200, 70000} {
		payload := bytes.Repeat([]byte{'x'}, size)
		encoded := wire.EncodeText(payload)

		frames, consumed := decodeAll(t, encoded)
		if consumed != len(encoded) {
			t.Fatalf("size %d: consumed %d of %d bytes", size, consumed, len(encoded))
		}
		if len(frames) != 1 {
			t.Fatalf("size %d: expected 1 frame, got %d", size, len(frames))
		}
		f := frames[0]
		if f.Opcode != wire.OpText || !f.Final {
			t.Fatalf("size %d: unexpected frame header %+v", size, f)
		}
		if !bytes.Equal(f.Payload, payload) {
			t.Fatalf("size %d: payload mismatch", size)
		}
	}
}

func TestEncode_MinimalLengthEncoding(t *testing.T) {
	if got := len(wire.EncodeText(make([]byte, 125))); got != 2+125 {
		t.Fatalf("125-byte payload should use 2-byte header, total %d", got)
	}
	if got := len(wire.EncodeText(make([]byte, 126))); got != 4+126 {
		t.Fatalf("126-byte payload should use 16-bit length, total %d", got)
	}
	if got := len(wire.EncodeText(make([]byte, 70000))); got != 10+70000 {
		t.Fatalf("70000-byte payload should use 64-bit length, total %d", got)
	}
}

// maskFrame builds a masked client-side text frame, the form the server
// receives in production.
func maskFrame(payload []byte) []byte {
	key := []byte{0x1f, 0x2e, 0x3d, 0x4c}
	var header []byte
	switch {
	case len(payload) < 126:
		header = []byte{0x81, 0x80 | byte(len(payload))}
	case len(payload) < 1<<16:
		header = []byte{0x81, 0x80 | 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(len(payload)))
	default:
		header = make([]byte, 10)
		header[0] = 0x81
		header[1] = 0x80 | 127
		binary.BigEndian.PutUint64(header[2:], uint64(len(payload)))
	}
	frame := append(header, key...)
	for i, b := range payload {
		frame = append(frame, b^key[i%4])
	}
	return frame
}

func TestDecode_MaskedClientFrame(t *testing.T) {
	payload := []byte(`{"type":"join","from":"p1","roomId":"r1"}`)
	frames, consumed := decodeAll(t, maskFrame(payload))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if consumed != len(maskFrame(payload)) {
		t.Fatalf("expected full consumption")
	}
	if !bytes.Equal(frames[0].Payload, payload) {
		t.Fatalf("unmasked payload mismatch: %q", frames[0].Payload)
	}
}

func TestDecode_FragmentedAcrossReads(t *testing.T) {
	payload := bytes.Repeat([]byte{'m'}, 300)
	encoded := maskFrame(payload)

	// Split at every possible boundary: header, extended length, mask key
	// and payload splits all behave identically.
	for cut := 1; cut < len(encoded); cut++ {
		var buf []byte

		buf = append(buf, encoded[:cut]...)
		frames, consumed := decodeAll(t, buf)
		if len(frames) != 0 {
			t.Fatalf("cut %d: frame decoded from partial bytes", cut)
		}
		if consumed != 0 {
			t.Fatalf("cut %d: partial frame consumed %d bytes", cut, consumed)
		}

		buf = append(buf[consumed:], encoded[cut:]...)
		frames, consumed = decodeAll(t, buf)
		if len(frames) != 1 || consumed != len(encoded) {
			t.Fatalf("cut %d: expected completed frame, got %d frames, consumed %d", cut, len(frames), consumed)
		}
		if !bytes.Equal(frames[0].Payload, payload) {
			t.Fatalf("cut %d: payload mismatch", cut)
		}
	}
}

func TestDecode_MultipleFramesAndPartialTail(t *testing.T) {
	a := wire.EncodeText([]byte("first"))
	b := wire.EncodeText([]byte("second"))
	tail := wire.EncodeText(bytes.Repeat([]byte{'t'}, 50))

	buf := append(append(append([]byte{}, a...), b...), tail[:4]...)
	frames, consumed := decodeAll(t, buf)
	if len(frames) != 2 {
		t.Fatalf("expected 2 complete frames, got %d", len(frames))
	}
	if consumed != len(a)+len(b) {
		t.Fatalf("consumed %d, want %d", consumed, len(a)+len(b))
	}
	if string(frames[0].Payload) != "first" || string(frames[1].Payload) != "second" {
		t.Fatalf("payloads out of order: %q %q", frames[0].Payload, frames[1].Payload)
	}
}

func TestDecode_ControlAndUnknownOpcodes(t *testing.T) {
	ping := []byte{0x89, 0x02, 'h', 'i'}
	closeFrame := wire.EncodeClose()
	unknown := []byte{0x83, 0x01, 0xff} // reserved opcode 0x3

	buf := append(append(append([]byte{}, ping...), closeFrame...), unknown...)
	frames, consumed := decodeAll(t, buf)
	if consumed != len(buf) {
		t.Fatalf("consumed %d of %d", consumed, len(buf))
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if frames[0].Opcode != wire.OpPing || string(frames[0].Payload) != "hi" {
		t.Fatalf("ping not decoded: %+v", frames[0])
	}
	if frames[1].Opcode != wire.OpClose {
		t.Fatalf("close not decoded: %+v", frames[1])
	}
	if frames[2].Opcode != 0x3 {
		t.Fatalf("unknown opcode should still decode structurally: %+v", frames[2])
	}
}

func TestEncodePong_EchoesPayload(t *testing.T) {
	pong := wire.EncodePong([]byte("hi"))
	frames, _ := decodeAll(t, pong)
	if len(frames) != 1 || frames[0].Opcode != wire.OpPong || string(frames[0].Payload) != "hi" {
		t.Fatalf("unexpected pong frame: %+v", frames)
	}
}

func TestDecode_PayloadDoesNotAliasBuffer(t *testing.T) {
	encoded := wire.EncodeText([]byte("alias"))
	frames, _ := decodeAll(t, encoded)
	encoded[len(encoded)-1] = 'X'
	if string(frames[0].Payload) != "alias" {
		t.Fatalf("decoded payload aliases the input buffer")
	}
}

// oversizedFrame builds a masked frame header declaring the given 64-bit
// payload length with no payload bytes behind it.
func oversizedFrame(declared uint64) []byte {
	frame := make([]byte, 14)
	frame[0] = 0x81
	frame[1] = 0x80 | 127
	binary.BigEndian.PutUint64(frame[2:], declared)
	return frame
}

func TestDecode_HostileLengthIsRejectedNotPanicking(t *testing.T) {
	// A 64-bit length with the top bit set would wrap negative as int and
	// reach make() if taken at face value.
	for _, declared := range []uint64{1 << 63, ^uint64(0), wire.MaxPayloadLength + 1} {
		frames, consumed, err := wire.Decode(oversizedFrame(declared))
		if !errors.Is(err, wire.ErrFrameTooLarge) {
			t.Fatalf("length %d: expected ErrFrameTooLarge, got %v", declared, err)
		}
		if len(frames) != 0 || consumed != 0 {
			t.Fatalf("length %d: %d frames, consumed %d", declared, len(frames), consumed)
		}
	}
}

func TestDecode_MaxLengthStallsInsteadOfErroring(t *testing.T) {
	// Exactly at the cap the frame is legal, just incomplete: the decoder
	// waits for payload bytes rather than rejecting.
	frames, consumed, err := wire.Decode(oversizedFrame(wire.MaxPayloadLength))
	if err != nil {
		t.Fatalf("cap-sized length rejected: %v", err)
	}
	if len(frames) != 0 || consumed != 0 {
		t.Fatalf("incomplete frame partially consumed: %d frames, %d bytes", len(frames), consumed)
	}
}

func TestDecode_FramesBeforeHostileLengthSurvive(t *testing.T) {
	good := wire.EncodeText([]byte("ok"))
	buf := append(append([]byte{}, good...), oversizedFrame(1<<63)...)

	frames, consumed, err := wire.Decode(buf)
	if !errors.Is(err, wire.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "ok" {
		t.Fatalf("frame ahead of the bad length lost: %+v", frames)
	}
	if consumed != len(good) {
		t.Fatalf("consumed %d, want %d", consumed, len(good))
	}
}
