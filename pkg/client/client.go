// Package client is a small Go signaling client for the telesignal server.
// It speaks the JSON envelope protocol over a websocket connection and is
// used by the integration tests and the example peer.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	cidpkg "telesignal/internal/cid"
	"telesignal/internal/types"
	"telesignal/pkg/protocol"
)

// Config holds the connection parameters for one signaling peer.
type Config struct {
	ServerURL string
	UserID    string
	UserType  types.UserRole
	UserAgent string
}

// Client is one signaling peer. Not safe for concurrent Send calls from
// multiple goroutines without external coordination of the read side:
// exactly one goroutine should consume Events.
type Client struct {
	conn   *websocket.Conn
	config Config

	mu        sync.Mutex
	connected bool
}

// New builds a client; the connection is established by Connect.
func New(config Config) *Client {
	if config.UserAgent == "" {
		config.UserAgent = "telesignal-client/1.0"
	}
	if config.UserType == "" {
		config.UserType = types.RoleUnknown
	}
	return &Client{config: config}
}

// buildDialHeaders constructs the HTTP header map used for websocket.Dial.
// Extracted to allow unit testing of header propagation.
func buildDialHeaders(ctx context.Context, userAgent string) map[string][]string {
	headers := map[string][]string{"User-Agent": {userAgent}}
	cidpkg.AddHeaderFromContext(headers, ctx)
	return headers
}

// Connect dials the signaling endpoint.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.config.ServerURL, &websocket.DialOptions{
		HTTPHeader: buildDialHeaders(ctx, c.config.UserAgent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.connected = false
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// IsConnected reports whether Connect succeeded and Close was not called.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes one envelope as a text frame.
func (c *Client) Send(ctx context.Context, env *types.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, b)
}

// Recv blocks for the next envelope from the server.
func (c *Client) Recv(ctx context.Context) (*types.Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope from server: %w", err)
	}
	return &env, nil
}

// Join enters a room and waits for the joined acknowledgment, returning the
// peers already present.
func (c *Client) Join(ctx context.Context, roomID string) ([]types.PeerInfo, error) {
	data, _ := json.Marshal(types.JoinData{UserType: c.config.UserType})
	err := c.Send(ctx, &types.Envelope{
		Type:   protocol.MsgJoin,
		From:   c.config.UserID,
		RoomID: roomID,
		Data:   data,
	})
	if err != nil {
		return nil, err
	}

	env, err := c.Recv(ctx)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case protocol.MsgJoined:
		var ack struct {
			Peers []types.PeerInfo `json:"peers"`
		}
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			return nil, err
		}
		return ack.Peers, nil
	case protocol.MsgError:
		var reason string
		_ = json.Unmarshal(env.Data, &reason)
		return nil, fmt.Errorf("join rejected: %s", reason)
	default:
		return nil, fmt.Errorf("unexpected reply to join: %s", env.Type)
	}
}

// Leave exits the current room.
func (c *Client) Leave(ctx context.Context) error {
	return c.Send(ctx, &types.Envelope{Type: protocol.MsgLeave, From: c.config.UserID})
}

// Offer sends an SDP offer, optionally targeted at one peer.
func (c *Client) Offer(ctx context.Context, to string, payload json.RawMessage) error {
	return c.Send(ctx, &types.Envelope{Type: protocol.MsgOffer, To: to, Data: payload})
}

// Answer sends an SDP answer, optionally targeted at one peer.
func (c *Client) Answer(ctx context.Context, to string, payload json.RawMessage) error {
	return c.Send(ctx, &types.Envelope{Type: protocol.MsgAnswer, To: to, Data: payload})
}

// Candidate sends an ICE candidate, optionally targeted at one peer.
func (c *Client) Candidate(ctx context.Context, to string, payload json.RawMessage) error {
	return c.Send(ctx, &types.Envelope{Type: protocol.MsgICECandidate, To: to, Data: payload})
}
