// Package media bridges the signaling core to the external SFU: it ensures
// consultation rooms exist, mints role-scoped access credentials and
// delegates recording. It never carries media itself.
package media

import (
	"context"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

// RoomInfo is the narrow view of an SFU room the core depends on.
type RoomInfo struct {
	Name            string         `json:"name"`
	Handle          string         `json:"sid"`
	NumParticipants int            `json:"numParticipants"`
	CreationTime    time.Time      `json:"creationTime"`
	Metadata        map[string]any `json:"metadata"`
}

// ParticipantInfo is the narrow view of an SFU room member.
type ParticipantInfo struct {
	Identity string         `json:"identity"`
	Name     string         `json:"name"`
	State    string         `json:"state"`
	JoinedAt time.Time      `json:"joinedAt"`
	Metadata map[string]any `json:"metadata"`
}

// Collaborator is the contract with the external SFU. The core only calls
// these operations and never depends on the collaborator's internal schema.
type Collaborator interface {
	// EnsureRoom creates the named room or returns the existing one;
	// recreating with the same name succeeds.
	EnsureRoom(ctx context.Context, name, metadata string, maxParticipants uint32, emptyTimeout time.Duration) (RoomInfo, error)
	ListRooms(ctx context.Context) ([]RoomInfo, error)
	ListParticipants(ctx context.Context, roomName string) ([]ParticipantInfo, error)
	RemoveParticipant(ctx context.Context, roomName, identity string) error
	// StartEgress begins a room-composite recording to filepath and
	// returns the egress handle.
	StartEgress(ctx context.Context, roomName, filepath string) (string, error)
	StopEgress(ctx context.Context, egressID string) error
}

// liveKitCollaborator implements Collaborator over the LiveKit server SDK.
type liveKitCollaborator struct {
	rooms  *lksdk.RoomServiceClient
	egress *lksdk.EgressClient
}

// NewLiveKitCollaborator wires the SFU clients against url with the given
// API key pair.
func NewLiveKitCollaborator(url, apiKey, apiSecret string) Collaborator {
	return &liveKitCollaborator{
		rooms:  lksdk.NewRoomServiceClient(url, apiKey, apiSecret),
		egress: lksdk.NewEgressClient(url, apiKey, apiSecret),
	}
}

func (c *liveKitCollaborator) EnsureRoom(ctx context.Context, name, metadata string, maxParticipants uint32, emptyTimeout time.Duration) (RoomInfo, error) {
	room, err := c.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            name,
		EmptyTimeout:    uint32(emptyTimeout / time.Second),
		MaxParticipants: maxParticipants,
		Metadata:        metadata,
	})
	if err != nil {
		return RoomInfo{}, err
	}
	return roomInfo(room), nil
}

func (c *liveKitCollaborator) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	res, err := c.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{})
	if err != nil {
		return nil, err
	}
	rooms := make([]RoomInfo, 0, len(res.Rooms))
	for _, room := range res.Rooms {
		rooms = append(rooms, roomInfo(room))
	}
	return rooms, nil
}

func (c *liveKitCollaborator) ListParticipants(ctx context.Context, roomName string) ([]ParticipantInfo, error) {
	res, err := c.rooms.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: roomName})
	if err != nil {
		return nil, err
	}
	participants := make([]ParticipantInfo, 0, len(res.Participants))
	for _, p := range res.Participants {
		participants = append(participants, ParticipantInfo{
			Identity: p.Identity,
			Name:     p.Name,
			State:    p.State.String(),
			JoinedAt: time.Unix(p.JoinedAt, 0),
			Metadata: decodeMetadata(p.Metadata),
		})
	}
	return participants, nil
}

func (c *liveKitCollaborator) RemoveParticipant(ctx context.Context, roomName, identity string) error {
	_, err := c.rooms.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     roomName,
		Identity: identity,
	})
	return err
}

func (c *liveKitCollaborator) StartEgress(ctx context.Context, roomName, filepath string) (string, error) {
	info, err := c.egress.StartRoomCompositeEgress(ctx, &livekit.RoomCompositeEgressRequest{
		RoomName: roomName,
		FileOutputs: []*livekit.EncodedFileOutput{{
			FileType: livekit.EncodedFileType_MP4,
			Filepath: filepath,
		}},
	})
	if err != nil {
		return "", err
	}
	return info.EgressId, nil
}

func (c *liveKitCollaborator) StopEgress(ctx context.Context, egressID string) error {
	_, err := c.egress.StopEgress(ctx, &livekit.StopEgressRequest{EgressId: egressID})
	return err
}

func roomInfo(room *livekit.Room) RoomInfo {
	return RoomInfo{
		Name:            room.Name,
		Handle:          room.Sid,
		NumParticipants: int(room.NumParticipants),
		CreationTime:    time.Unix(room.CreationTime, 0),
		Metadata:        decodeMetadata(room.Metadata),
	}
}
