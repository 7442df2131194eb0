package media

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/rs/zerolog"

	"telesignal/internal/types"
)

const (
	// DefaultTokenTTL bounds every minted credential. The exact value is
	// not safety-critical but must never be unbounded.
	DefaultTokenTTL = 2 * time.Hour
	minTokenTTL     = 90 * time.Minute
	maxTokenTTL     = 150 * time.Minute

	// Consultation rooms hold patient + doctor + up to two observers when
	// mediated through the SFU.
	sfuMaxParticipants = 4
	sfuEmptyTimeout    = 30 * time.Minute
)

// MediaAccessGrant is the immutable artifact handed to a client: a signed
// token plus the capability set it carries, for introspection and tests.
type MediaAccessGrant struct {
	Identity              string         `json:"identity"`
	Role                  types.UserRole `json:"role"`
	RoomName              string         `json:"roomName"`
	Token                 string         `json:"token"`
	CanPublish            bool           `json:"canPublish"`
	CanSubscribe          bool           `json:"canSubscribe"`
	CanPublishData        bool           `json:"canPublishData"`
	CanRecord             bool           `json:"canRecord"`
	AllowedPublishSources []string       `json:"allowedPublishSources"`
	IssuedAt              time.Time      `json:"issuedAt"`
	ExpiresAt             time.Time      `json:"expiresAt"`
}

// ConsultationRoom is the result of creating a consultation on the SFU:
// the room plus one credential per party.
type ConsultationRoom struct {
	ConsultationID string    `json:"consultationId"`
	RoomName       string    `json:"roomName"`
	RoomHandle     string    `json:"roomHandle"`
	PatientID      string    `json:"patientId"`
	DoctorID       string    `json:"doctorId"`
	PatientToken   string    `json:"patientToken"`
	DoctorToken    string    `json:"doctorToken"`
	SFUURL         string    `json:"sfuUrl"`
	CreatedAt      time.Time `json:"createdAt"`

	PatientGrant MediaAccessGrant `json:"-"`
	DoctorGrant  MediaAccessGrant `json:"-"`
}

// RecordingStatus reports the outcome of a recording request.
type RecordingStatus struct {
	EgressID string `json:"egressId"`
	Status   string `json:"status"`
}

// Recorder persists room and recording lifecycle metadata. Writes are best
// effort: the issuer logs failures and keeps going.
type Recorder interface {
	RoomCreated(ctx context.Context, room ConsultationRoom) error
	RecordingStarted(ctx context.Context, consultationID, roomName, egressID string) error
	RecordingStopped(ctx context.Context, egressID string) error
}

// IssuerConfig carries the SFU credentials and policy knobs.
type IssuerConfig struct {
	URL       string
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
	// RecordingPath is the egress storage template; recording requests
	// degrade to a not_implemented status while it is empty.
	RecordingPath string
}

// Issuer creates consultation rooms on the SFU collaborator and mints
// role-scoped, time-bounded credentials. Construct once and inject.
type Issuer struct {
	cfg      IssuerConfig
	sfu      Collaborator
	recorder Recorder
	log      zerolog.Logger
	now      func() time.Time
}

// NewIssuer wires the issuer against an SFU collaborator. recorder may be
// nil when persistence is not configured.
func NewIssuer(cfg IssuerConfig, sfu Collaborator, recorder Recorder, log zerolog.Logger) *Issuer {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	// Misconfiguration must never widen the token lifetime window.
	if cfg.TokenTTL < minTokenTTL {
		cfg.TokenTTL = minTokenTTL
	}
	if cfg.TokenTTL > maxTokenTTL {
		cfg.TokenTTL = maxTokenTTL
	}
	return &Issuer{
		cfg:      cfg,
		sfu:      sfu,
		recorder: recorder,
		log:      log.With().Str("module", "media").Logger(),
		now:      time.Now,
	}
}

// RoomName derives the deterministic SFU room name for a consultation.
func RoomName(consultationID string) string {
	return "consultation-" + consultationID
}

// CreateConsultationRoom ensures the consultation's room exists on the SFU
// and mints the patient and doctor credentials. Recreating the same
// consultation succeeds and simply issues fresh tokens.
func (i *Issuer) CreateConsultationRoom(ctx context.Context, consultationID, patientID, doctorID string) (*ConsultationRoom, error) {
	roomName := RoomName(consultationID)
	createdAt := i.now()

	metadata, _ := json.Marshal(map[string]string{
		"consultationId": consultationID,
		"patientId":      patientID,
		"doctorId":       doctorID,
		"createdAt":      createdAt.UTC().Format(time.RFC3339),
		"type":           "medical_consultation",
	})

	i.log.Info().Str("room", roomName).Msg("creating consultation room")

	info, err := i.sfu.EnsureRoom(ctx, roomName, string(metadata), sfuMaxParticipants, sfuEmptyTimeout)
	if err != nil {
		return nil, fmt.Errorf("ensure room %s: %w", roomName, err)
	}

	patientGrant, err := i.mint(roomName, patientID, types.RolePatient, consultationID)
	if err != nil {
		return nil, fmt.Errorf("mint patient token: %w", err)
	}
	doctorGrant, err := i.mint(roomName, doctorID, types.RoleDoctor, consultationID)
	if err != nil {
		return nil, fmt.Errorf("mint doctor token: %w", err)
	}

	room := &ConsultationRoom{
		ConsultationID: consultationID,
		RoomName:       roomName,
		RoomHandle:     info.Handle,
		PatientID:      patientID,
		DoctorID:       doctorID,
		PatientToken:   patientGrant.Token,
		DoctorToken:    doctorGrant.Token,
		SFUURL:         i.cfg.URL,
		CreatedAt:      createdAt,
		PatientGrant:   patientGrant,
		DoctorGrant:    doctorGrant,
	}

	// Audit is best effort: a persistence failure is logged and swallowed,
	// never allowed to fail issuance.
	if i.recorder != nil {
		if err := i.recorder.RoomCreated(ctx, *room); err != nil {
			i.log.Warn().Err(err).Str("room", roomName).Msg("room audit write skipped")
		}
	}

	return room, nil
}

// MintGrant issues a single credential for an arbitrary role, used when an
// observer is added to an existing consultation.
func (i *Issuer) MintGrant(consultationID, identity string, role types.UserRole) (MediaAccessGrant, error) {
	return i.mint(RoomName(consultationID), identity, role, consultationID)
}

func (i *Issuer) mint(roomName, identity string, role types.UserRole, consultationID string) (MediaAccessGrant, error) {
	grant := grantForRole(role, roomName)

	metadata, _ := json.Marshal(map[string]string{
		"role":           string(role),
		"consultationId": consultationID,
		"userId":         identity,
	})

	at := auth.NewAccessToken(i.cfg.APIKey, i.cfg.APISecret).
		SetIdentity(identity).
		SetName(identity).
		SetValidFor(i.cfg.TokenTTL).
		SetMetadata(string(metadata)).
		SetVideoGrant(grant)

	token, err := at.ToJWT()
	if err != nil {
		return MediaAccessGrant{}, err
	}

	issuedAt := i.now()
	i.log.Info().Str("role", string(role)).Str("identity", identity).Msg("access token minted")

	return MediaAccessGrant{
		Identity:              identity,
		Role:                  role,
		RoomName:              roomName,
		Token:                 token,
		CanPublish:            grant.CanPublish != nil && *grant.CanPublish,
		CanSubscribe:          grant.CanSubscribe != nil && *grant.CanSubscribe,
		CanPublishData:        grant.CanPublishData != nil && *grant.CanPublishData,
		CanRecord:             grant.RoomRecord,
		AllowedPublishSources: append([]string(nil), grant.CanPublishSources...),
		IssuedAt:              issuedAt,
		ExpiresAt:             issuedAt.Add(i.cfg.TokenTTL),
	}, nil
}

// grantForRole builds the capability set for a role. The asymmetry here is
// a clinical-compliance invariant: only a doctor may ever record or
// screen-share. Any other outcome is a programming error.
func grantForRole(role types.UserRole, roomName string) *auth.VideoGrant {
	yes, no := true, false
	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           roomName,
		CanSubscribe:   &yes,
		CanPublishData: &yes,
	}

	switch role {
	case types.RoleDoctor:
		grant.CanPublish = &yes
		grant.RoomRecord = true
		grant.CanPublishSources = []string{"camera", "microphone", "screen_share"}
	case types.RolePatient:
		grant.CanPublish = &yes
		grant.RoomRecord = false
		grant.CanPublishSources = []string{"camera", "microphone"}
	default:
		// Observers and anything unrecognized get the weakest grant.
		grant.CanPublish = &no
		grant.RoomRecord = false
		grant.CanPublishSources = nil
	}

	return grant
}

// StartRecording delegates a room-composite recording to the SFU. Without a
// configured storage path it degrades to a tagged not_implemented status
// rather than pretending success.
func (i *Issuer) StartRecording(ctx context.Context, roomName, consultationID string) (RecordingStatus, error) {
	i.log.Info().Str("room", roomName).Msg("recording requested")

	if i.cfg.RecordingPath == "" {
		i.log.Warn().Str("room", roomName).Msg("recording storage not configured")
		return RecordingStatus{Status: "not_implemented"}, nil
	}

	filepath := fmt.Sprintf("%s/%s-%d.mp4", i.cfg.RecordingPath, consultationID, i.now().Unix())
	egressID, err := i.sfu.StartEgress(ctx, roomName, filepath)
	if err != nil {
		return RecordingStatus{}, fmt.Errorf("start egress: %w", err)
	}

	if i.recorder != nil {
		if err := i.recorder.RecordingStarted(ctx, consultationID, roomName, egressID); err != nil {
			i.log.Warn().Err(err).Str("egress", egressID).Msg("recording audit write skipped")
		}
	}

	return RecordingStatus{EgressID: egressID, Status: "started"}, nil
}

// StopRecording stops a running egress.
func (i *Issuer) StopRecording(ctx context.Context, egressID string) error {
	i.log.Info().Str("egress", egressID).Msg("stopping recording")

	if err := i.sfu.StopEgress(ctx, egressID); err != nil {
		return fmt.Errorf("stop egress: %w", err)
	}

	if i.recorder != nil {
		if err := i.recorder.RecordingStopped(ctx, egressID); err != nil {
			i.log.Warn().Err(err).Str("egress", egressID).Msg("recording audit write skipped")
		}
	}
	return nil
}

// ListActiveRooms returns the SFU's active rooms.
func (i *Issuer) ListActiveRooms(ctx context.Context) ([]RoomInfo, error) {
	return i.sfu.ListRooms(ctx)
}

// RoomParticipants returns the members of one SFU room.
func (i *Issuer) RoomParticipants(ctx context.Context, roomName string) ([]ParticipantInfo, error) {
	return i.sfu.ListParticipants(ctx, roomName)
}

// DisconnectParticipant forcibly removes a participant from an SFU room.
func (i *Issuer) DisconnectParticipant(ctx context.Context, roomName, identity string) error {
	i.log.Info().Str("room", roomName).Str("identity", identity).Msg("disconnecting participant")
	return i.sfu.RemoveParticipant(ctx, roomName, identity)
}

// decodeMetadata parses collaborator metadata leniently; opaque or empty
// metadata yields an empty map.
func decodeMetadata(raw string) map[string]any {
	meta := map[string]any{}
	if raw == "" {
		return meta
	}
	_ = json.Unmarshal([]byte(raw), &meta)
	return meta
}
