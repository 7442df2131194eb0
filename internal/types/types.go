package types

import (
	"encoding/json"
	"time"
)

// UserRole identifies which side of a consultation a participant is on.
type UserRole string

const (
	RoleDoctor   UserRole = "doctor"
	RolePatient  UserRole = "patient"
	RoleObserver UserRole = "observer"
	RoleUnknown  UserRole = "unknown"
)

// ValidJoinRole reports whether a role is acceptable in a join payload.
func ValidJoinRole(r UserRole) bool {
	switch r {
	case RoleDoctor, RolePatient, RoleUnknown:
		return true
	default:
		return false
	}
}

// Envelope is the unit of signaling communication, JSON over text frames:
// { type, from, roomId, to?, data }.
type Envelope struct {
	Type   string          `json:"type"`
	From   string          `json:"from,omitempty"`
	RoomID string          `json:"roomId,omitempty"`
	To     string          `json:"to,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// JoinData is the type-specific payload of a join envelope.
type JoinData struct {
	UserType UserRole `json:"userType"`
}

// PeerInfo is the summary of a room member included in joined/user-joined
// acknowledgments.
type PeerInfo struct {
	UserID   string   `json:"userId"`
	UserType UserRole `json:"userType"`
}

// Peer is one connected signaling participant as seen by the room registry.
// The registry never touches the transport directly; delivery goes through
// this interface so writes can happen outside the registry lock.
type Peer interface {
	// SessionID is unique per physical connection; UserID is the
	// client-supplied identity carried in envelopes.
	SessionID() string
	UserID() string
	Role() UserRole
	// Writable reports whether the underlying transport can still accept
	// frames. Unwritable peers are skipped during fan-out.
	Writable() bool
	// Deliver writes one encoded signaling payload. Errors are delivery
	// failures for this peer only and never abort a broadcast.
	Deliver(payload []byte) error
}

// RoomStats is the per-room slice of the liveness report.
type RoomStats struct {
	ID           string    `json:"id"`
	Members      int       `json:"members"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// ServerStats is the registry snapshot served on /api/stats and /health.
type ServerStats struct {
	Rooms        int            `json:"rooms"`
	Participants int            `json:"participants"`
	Details      map[string]int `json:"details"`
}
