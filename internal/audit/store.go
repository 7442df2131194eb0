// Package audit persists consultation room and recording metadata to a
// PostgREST-style store. Every write is best effort: callers log errors and
// move on, because availability of the signaling/media path always takes
// priority over audit completeness.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"telesignal/internal/media"
)

const (
	roomsTable      = "consultation_rooms"
	recordingsTable = "consultation_recordings"

	requestTimeout = 5 * time.Second
)

// Store talks to the REST data API with a service key. It implements
// media.Recorder.
type Store struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
	now     func() time.Time
}

// NewStore returns nil when url or key is empty, which the issuer treats as
// persistence disabled.
func NewStore(baseURL, apiKey string, log zerolog.Logger) *Store {
	if baseURL == "" || apiKey == "" {
		return nil
	}
	return &Store{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: requestTimeout},
		log:     log.With().Str("module", "audit").Logger(),
		now:     time.Now,
	}
}

func (s *Store) RoomCreated(ctx context.Context, room media.ConsultationRoom) error {
	return s.insert(ctx, roomsTable, map[string]any{
		"id":              uuid.New().String(),
		"consultation_id": room.ConsultationID,
		"room_name":       room.RoomName,
		"room_sid":        room.RoomHandle,
		"patient_id":      room.PatientID,
		"doctor_id":       room.DoctorID,
		"status":          "created",
		"created_at":      room.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Store) RecordingStarted(ctx context.Context, consultationID, roomName, egressID string) error {
	return s.insert(ctx, recordingsTable, map[string]any{
		"id":              uuid.New().String(),
		"consultation_id": consultationID,
		"room_name":       roomName,
		"egress_id":       egressID,
		"status":          "recording",
		"started_at":      s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Store) RecordingStopped(ctx context.Context, egressID string) error {
	return s.patch(ctx, recordingsTable, "egress_id=eq."+egressID, map[string]any{
		"status":   "completed",
		"ended_at": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Store) insert(ctx context.Context, table string, row map[string]any) error {
	return s.do(ctx, http.MethodPost, s.baseURL+"/rest/v1/"+table, row)
}

func (s *Store) patch(ctx context.Context, table, filter string, row map[string]any) error {
	return s.do(ctx, http.MethodPatch, s.baseURL+"/rest/v1/"+table+"?"+filter, row)
}

func (s *Store) do(ctx context.Context, method, url string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Prefer", "return=minimal")

	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return fmt.Errorf("audit store %s %s: status %d", method, url, res.StatusCode)
	}
	return nil
}
