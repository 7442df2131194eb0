package signaling

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"telesignal/internal/state"
	"telesignal/internal/types"
	"telesignal/internal/wire"
	"telesignal/pkg/protocol"
)

const readChunkSize = 4096

// Handler upgrades signaling connections and drives their lifecycle against
// the room registry. One goroutine per connection; the registry is the only
// shared structure.
type Handler struct {
	registry *state.Manager
	log      zerolog.Logger
}

func NewHandler(registry *state.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		log:      log.With().Str("module", "signaling").Logger(),
	}
}

// Upgrade completes the protocol handshake on an HTTP request and hands the
// hijacked socket to the connection loop. A handshake without the key
// header is rejected with 400; a transport that cannot be hijacked is a
// server fault.
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(wire.KeyHeader)
	if key == "" {
		http.Error(w, "missing "+wire.KeyHeader, http.StatusBadRequest)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade unsupported", http.StatusInternalServerError)
		return
	}
	sock, rw, err := hijacker.Hijack()
	if err != nil {
		h.log.Error().Err(err).Msg("hijack failed")
		return
	}

	if _, err := sock.Write(wire.UpgradeResponse(key)); err != nil {
		h.log.Warn().Err(err).Msg("handshake write failed")
		_ = sock.Close()
		return
	}

	// Bytes the client pipelined behind the upgrade request are already
	// buffered in the hijacked reader; seed the frame buffer with them.
	var pending []byte
	if n := rw.Reader.Buffered(); n > 0 {
		pending, _ = rw.Reader.Peek(n)
	}

	go h.serve(sock, pending)
}

// ServeConn runs the signaling loop on an already-upgraded connection and
// blocks until it closes. Upgrade uses it after the handshake; tests may
// drive it directly over an in-memory pipe.
func (h *Handler) ServeConn(sock net.Conn) {
	h.serve(sock, nil)
}

// conn is one physical duplex channel. Owned exclusively by its serve
// goroutine except for Deliver/Writable, which fan-out goroutines may call.
type conn struct {
	session string
	sock    net.Conn
	buf     []byte

	writeMu sync.Mutex
	alive   atomic.Bool

	userID string
	role   types.UserRole
}

func (c *conn) SessionID() string    { return c.session }
func (c *conn) UserID() string       { return c.userID }
func (c *conn) Role() types.UserRole { return c.role }
func (c *conn) Writable() bool       { return c.alive.Load() }

// Deliver encodes payload as a single text frame and writes it out. Writes
// are serialized so concurrent broadcasts cannot interleave frames.
func (c *conn) Deliver(payload []byte) error {
	if !c.alive.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.sock.Write(wire.EncodeText(payload))
	return err
}

func (c *conn) writeRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.sock.Write(frame)
	return err
}

// serve runs the read loop until close or error, then unconditionally
// cleans the connection out of the registry. A crashed or silently-dead
// connection must not leak a room slot.
func (h *Handler) serve(sock net.Conn, pending []byte) {
	c := &conn{
		session: uuid.New().String(),
		sock:    sock,
		role:    types.RoleUnknown,
	}
	c.alive.Store(true)
	c.buf = append(c.buf, pending...)

	h.log.Debug().Str("session", c.session).Msg("connection open")

	defer func() {
		c.alive.Store(false)
		_ = sock.Close()
		h.teardown(c)
		h.log.Debug().Str("session", c.session).Msg("connection closed")
	}()

	chunk := make([]byte, readChunkSize)
	for {
		if !h.drainFrames(c) {
			return
		}

		n, err := sock.Read(chunk)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				h.log.Debug().Err(err).Str("session", c.session).Msg("read ended")
			}
			return
		}
		c.buf = append(c.buf, chunk[:n]...)
	}
}

// drainFrames decodes every complete frame buffered so far and reports
// whether the connection should stay open.
func (h *Handler) drainFrames(c *conn) bool {
	frames, consumed, decodeErr := wire.Decode(c.buf)
	c.buf = c.buf[consumed:]

	for _, f := range frames {
		switch f.Opcode {
		case wire.OpClose:
			_ = c.writeRaw(wire.EncodeClose())
			return false
		case wire.OpPing:
			_ = c.writeRaw(wire.EncodePong(f.Payload))
		case wire.OpText:
			h.dispatch(c, f.Payload)
		default:
			// Binary, continuation and reserved opcodes are ignored,
			// not fatal.
		}
	}

	// An oversized declared length can never resynchronize; drop the
	// connection after handling whatever decoded cleanly before it.
	if decodeErr != nil {
		h.log.Warn().Err(decodeErr).Str("session", c.session).Msg("frame rejected")
		_ = c.writeRaw(wire.EncodeClose())
		return false
	}
	return true
}

func (h *Handler) dispatch(c *conn, raw []byte) {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.log.Warn().Err(err).Str("session", c.session).Msg("message invalid")
		h.sendError(c, protocol.ReasonInvalidPayload)
		return
	}

	switch env.Type {
	case protocol.MsgJoin:
		h.handleJoin(c, &env)
	case protocol.MsgLeave:
		h.leaveCurrent(c)
	case protocol.MsgOffer, protocol.MsgAnswer, protocol.MsgICECandidate:
		h.relay(c, &env)
	default:
		h.sendError(c, "Unsupported message type: "+env.Type)
	}
}

func (h *Handler) handleJoin(c *conn, env *types.Envelope) {
	result := ValidateJoin(env)
	if !result.Success {
		h.sendError(c, "join payload invalid: "+result.Error)
		return
	}

	// The connection only takes the claimed identity once the registry has
	// admitted it; a rejected joiner stays anonymous.
	c.userID = env.From
	c.role = result.Data.UserType

	peers, err := h.registry.Join(env.RoomID, c)
	if err != nil {
		c.userID = ""
		c.role = types.RoleUnknown
		switch {
		case errors.Is(err, state.ErrRoomFull):
			h.sendError(c, protocol.ReasonRoomFull)
		default:
			h.sendError(c, err.Error())
		}
		return
	}

	// Acknowledge the joiner with the current peer list before any member
	// hears user-joined.
	infos := make([]types.PeerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, types.PeerInfo{UserID: p.UserID(), UserType: p.Role()})
	}
	h.send(c, &types.Envelope{
		Type:   protocol.MsgJoined,
		RoomID: env.RoomID,
		Data:   mustJSON(map[string]any{"peers": infos}),
	})

	h.registry.Broadcast(env.RoomID, encodeEnvelope(&types.Envelope{
		Type:   protocol.MsgUserJoined,
		From:   c.userID,
		RoomID: env.RoomID,
		Data:   mustJSON(types.JoinData{UserType: c.role}),
	}), c.session)
}

// relay forwards offer/answer/ice-candidate between joined peers, stamping
// from and roomId server-side so a sender cannot spoof either.
func (h *Handler) relay(c *conn, env *types.Envelope) {
	roomID, ok := h.registry.RoomOf(c.session)
	if !ok {
		h.sendError(c, protocol.ReasonNotJoined)
		return
	}

	env.From = c.userID
	env.RoomID = roomID
	payload := encodeEnvelope(env)

	if env.To != "" {
		h.registry.SendTo(roomID, env.To, payload)
		return
	}
	h.registry.Broadcast(roomID, payload, c.session)
}

// leaveCurrent detaches the connection from its room, if any, and notifies
// the remaining members.
func (h *Handler) leaveCurrent(c *conn) {
	roomID, ok := h.registry.RoomOf(c.session)
	if !ok {
		return
	}

	remaining, left := h.registry.Leave(roomID, c.session)
	if !left {
		return
	}

	notice := encodeEnvelope(&types.Envelope{
		Type:   protocol.MsgUserLeft,
		From:   c.userID,
		RoomID: roomID,
		Data:   mustJSON(types.JoinData{UserType: c.role}),
	})
	for _, p := range remaining {
		if !p.Writable() {
			continue
		}
		if err := p.Deliver(notice); err != nil {
			h.log.Warn().Err(err).Str("room", roomID).Msg("user-left delivery failed")
		}
	}
}

func (h *Handler) teardown(c *conn) {
	h.leaveCurrent(c)
}

func (h *Handler) send(c *conn, env *types.Envelope) {
	if err := c.Deliver(encodeEnvelope(env)); err != nil {
		h.log.Debug().Err(err).Str("session", c.session).Msg("send failed")
	}
}

func (h *Handler) sendError(c *conn, reason string) {
	h.send(c, &types.Envelope{
		Type: protocol.MsgError,
		Data: mustJSON(reason),
	})
}

func encodeEnvelope(env *types.Envelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		// Envelope fields are plain strings and raw JSON; this cannot
		// fail at runtime.
		panic(err)
	}
	return b
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
