package wire

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"
)

// acceptGUID is the fixed GUID the protocol concatenates with the client
// key before hashing (RFC 6455 §4.2.2).
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// KeyHeader is the client handshake header carrying the opaque key. A
// handshake without it is rejected with 400.
const KeyHeader = "Sec-WebSocket-Key"

// AcceptKey computes the handshake accept value for a client-supplied key:
// base64 of SHA-1 over key+GUID.
func AcceptKey(key string) string {
	h := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}

// UpgradeResponse renders the 101 response that completes the handshake.
func UpgradeResponse(key string) []byte {
	lines := []string{
		"HTTP/1.1 101 Switching Protocols",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Accept: " + AcceptKey(key),
		"\r\n",
	}
	return []byte(strings.Join(lines, "\r\n"))
}
