// Package signaling binds one physical connection to the room registry:
// upgrade handshake, frame decode, envelope validation and dispatch.
package signaling

import (
	"encoding/json"

	"telesignal/internal/types"
	"telesignal/pkg/protocol"
)

// JoinResult is the outcome of validating a join envelope. A failed result
// carries the rejection reason and leaves all room state untouched.
type JoinResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    types.JoinData
}

// ValidateJoin gatekeeps join envelopes: non-empty from, non-empty roomId
// and a userType drawn from the enumerated roles.
func ValidateJoin(env *types.Envelope) JoinResult {
	if env.From == "" {
		return JoinResult{Error: protocol.ReasonMissingFrom}
	}
	if env.RoomID == "" {
		return JoinResult{Error: protocol.ReasonMissingRoom}
	}

	var data types.JoinData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return JoinResult{Error: protocol.ReasonInvalidUserType}
		}
	}
	if !types.ValidJoinRole(data.UserType) {
		return JoinResult{Error: protocol.ReasonInvalidUserType}
	}

	return JoinResult{Success: true, Data: data}
}

// RelayableType reports whether a type is one of the negotiation messages
// forwarded between joined peers.
func RelayableType(msgType string) bool {
	switch msgType {
	case protocol.MsgOffer, protocol.MsgAnswer, protocol.MsgICECandidate:
		return true
	default:
		return false
	}
}
