package media

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"telesignal/internal/types"
)

type fakeCollaborator struct {
	ensured     []string
	egressCalls int
	removeCalls []string
	failEnsure  error
}

func (f *fakeCollaborator) EnsureRoom(_ context.Context, name, metadata string, _ uint32, _ time.Duration) (RoomInfo, error) {
	if f.failEnsure != nil {
		return RoomInfo{}, f.failEnsure
	}
	f.ensured = append(f.ensured, name)
	return RoomInfo{Name: name, Handle: fmt.Sprintf("RM_%d", len(f.ensured)), Metadata: decodeMetadata(metadata)}, nil
}

func (f *fakeCollaborator) ListRooms(context.Context) ([]RoomInfo, error) {
	rooms := make([]RoomInfo, 0, len(f.ensured))
	for _, name := range f.ensured {
		rooms = append(rooms, RoomInfo{Name: name, NumParticipants: 2})
	}
	return rooms, nil
}

func (f *fakeCollaborator) ListParticipants(_ context.Context, roomName string) ([]ParticipantInfo, error) {
	return []ParticipantInfo{{Identity: "pt-1", State: "ACTIVE"}}, nil
}

func (f *fakeCollaborator) RemoveParticipant(_ context.Context, roomName, identity string) error {
	f.removeCalls = append(f.removeCalls, roomName+"/"+identity)
	return nil
}

func (f *fakeCollaborator) StartEgress(context.Context, string, string) (string, error) {
	f.egressCalls++
	return fmt.Sprintf("EG_%d", f.egressCalls), nil
}

func (f *fakeCollaborator) StopEgress(context.Context, string) error { return nil }

type failingRecorder struct{ calls int }

func (r *failingRecorder) RoomCreated(context.Context, ConsultationRoom) error {
	r.calls++
	return errors.New("store unreachable")
}

func (r *failingRecorder) RecordingStarted(context.Context, string, string, string) error {
	r.calls++
	return errors.New("store unreachable")
}

func (r *failingRecorder) RecordingStopped(context.Context, string) error {
	r.calls++
	return errors.New("store unreachable")
}

func newIssuer(sfu Collaborator, recorder Recorder, cfg IssuerConfig) *Issuer {
	if cfg.URL == "" {
		cfg.URL = "ws://sfu.local:7880"
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "APIkeykeykey"
		cfg.APISecret = "secretsecretsecretsecretsecret1"
	}
	return NewIssuer(cfg, sfu, recorder, zerolog.Nop())
}

func TestCreateConsultationRoom_MintsBothTokens(t *testing.T) {
	sfu := &fakeCollaborator{}
	issuer := newIssuer(sfu, nil, IssuerConfig{})

	room, err := issuer.CreateConsultationRoom(context.Background(), "c-99", "pt-1", "dr-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if room.RoomName != "consultation-c-99" {
		t.Fatalf("room name not derived from consultation id: %s", room.RoomName)
	}
	if room.PatientToken == "" || room.DoctorToken == "" {
		t.Fatalf("missing tokens: %+v", room)
	}
	if room.PatientToken == room.DoctorToken {
		t.Fatalf("patient and doctor received the same token")
	}
	if room.RoomHandle == "" || room.SFUURL == "" {
		t.Fatalf("room handle or SFU url missing: %+v", room)
	}
}

func TestCreateConsultationRoom_Idempotent(t *testing.T) {
	sfu := &fakeCollaborator{}
	issuer := newIssuer(sfu, nil, IssuerConfig{})

	first, err := issuer.CreateConsultationRoom(context.Background(), "c-1", "pt-1", "dr-1")
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := issuer.CreateConsultationRoom(context.Background(), "c-1", "pt-1", "dr-1")
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if first.RoomName != second.RoomName {
		t.Fatalf("room name not deterministic: %s vs %s", first.RoomName, second.RoomName)
	}
	if len(sfu.ensured) != 2 {
		t.Fatalf("expected EnsureRoom on both calls, got %d", len(sfu.ensured))
	}
}

func TestGrantAsymmetry_EveryMintedPair(t *testing.T) {
	issuer := newIssuer(&fakeCollaborator{}, nil, IssuerConfig{})

	for i := 0; i < 25; i++ {
		room, err := issuer.CreateConsultationRoom(context.Background(),
			fmt.Sprintf("c-%d", i), fmt.Sprintf("pt-%d", i), fmt.Sprintf("dr-%d", i))
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}

		doctor, patient := room.DoctorGrant, room.PatientGrant
		if !doctor.CanRecord {
			t.Fatalf("pair %d: doctor token lost canRecord", i)
		}
		if !contains(doctor.AllowedPublishSources, "screen_share") {
			t.Fatalf("pair %d: doctor token lost screen-share: %v", i, doctor.AllowedPublishSources)
		}
		if patient.CanRecord {
			t.Fatalf("pair %d: patient token can record", i)
		}
		if contains(patient.AllowedPublishSources, "screen_share") {
			t.Fatalf("pair %d: patient token can screen-share", i)
		}
		if !patient.CanPublish || !doctor.CanPublish {
			t.Fatalf("pair %d: both parties must publish camera/mic", i)
		}
	}
}

func TestGrantForRole_Observer(t *testing.T) {
	grant := grantForRole(types.RoleObserver, "consultation-x")
	if grant.CanPublish == nil || *grant.CanPublish {
		t.Fatalf("observer may not publish")
	}
	if grant.RoomRecord {
		t.Fatalf("observer may not record")
	}
	if len(grant.CanPublishSources) != 0 {
		t.Fatalf("observer has publish sources: %v", grant.CanPublishSources)
	}
	if grant.CanSubscribe == nil || !*grant.CanSubscribe {
		t.Fatalf("observer must still subscribe")
	}

	// Unrecognized roles collapse to the weakest grant too.
	weird := grantForRole(types.UserRole("superuser"), "consultation-x")
	if weird.RoomRecord || (weird.CanPublish != nil && *weird.CanPublish) {
		t.Fatalf("unknown role received publish/record rights")
	}
}

func TestTokenTTL_WithinTolerance(t *testing.T) {
	for _, configured := range []time.Duration{0, time.Minute, DefaultTokenTTL, 24 * time.Hour} {
		issuer := newIssuer(&fakeCollaborator{}, nil, IssuerConfig{TokenTTL: configured})
		grant, err := issuer.MintGrant("c-1", "dr-1", types.RoleDoctor)
		if err != nil {
			t.Fatalf("mint failed: %v", err)
		}
		ttl := grant.ExpiresAt.Sub(grant.IssuedAt)
		if ttl < 90*time.Minute || ttl > 150*time.Minute {
			t.Fatalf("configured %v: ttl %v outside [1.5h, 2.5h]", configured, ttl)
		}
	}
}

func TestCreateConsultationRoom_AuditFailureSwallowed(t *testing.T) {
	recorder := &failingRecorder{}
	issuer := newIssuer(&fakeCollaborator{}, recorder, IssuerConfig{})

	room, err := issuer.CreateConsultationRoom(context.Background(), "c-1", "pt-1", "dr-1")
	if err != nil {
		t.Fatalf("audit failure must not fail issuance: %v", err)
	}
	if room == nil || room.DoctorToken == "" {
		t.Fatalf("tokens missing despite successful issuance")
	}
	if recorder.calls != 1 {
		t.Fatalf("audit write not attempted")
	}
}

func TestCreateConsultationRoom_CollaboratorFailureSurfaces(t *testing.T) {
	sfu := &fakeCollaborator{failEnsure: errors.New("sfu unreachable")}
	issuer := newIssuer(sfu, nil, IssuerConfig{})

	if _, err := issuer.CreateConsultationRoom(context.Background(), "c-1", "pt-1", "dr-1"); err == nil {
		t.Fatalf("expected collaborator failure to surface")
	}
}

func TestStartRecording_NotImplementedWithoutStorage(t *testing.T) {
	sfu := &fakeCollaborator{}
	issuer := newIssuer(sfu, nil, IssuerConfig{})

	status, err := issuer.StartRecording(context.Background(), "consultation-c-1", "c-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Status != "not_implemented" {
		t.Fatalf("expected not_implemented status, got %+v", status)
	}
	if sfu.egressCalls != 0 {
		t.Fatalf("egress started without storage configured")
	}
}

func TestStartStopRecording_WithStorage(t *testing.T) {
	sfu := &fakeCollaborator{}
	recorder := &failingRecorder{}
	issuer := newIssuer(sfu, recorder, IssuerConfig{RecordingPath: "consultations"})

	status, err := issuer.StartRecording(context.Background(), "consultation-c-1", "c-1")
	if err != nil {
		t.Fatalf("start recording failed: %v", err)
	}
	if status.Status != "started" || status.EgressID == "" {
		t.Fatalf("unexpected status %+v", status)
	}

	if err := issuer.StopRecording(context.Background(), status.EgressID); err != nil {
		t.Fatalf("stop recording failed: %v", err)
	}
	// Both lifecycle audit writes attempted and both failures swallowed.
	if recorder.calls != 2 {
		t.Fatalf("expected 2 audit attempts, got %d", recorder.calls)
	}
}

func TestDisconnectParticipant_Delegates(t *testing.T) {
	sfu := &fakeCollaborator{}
	issuer := newIssuer(sfu, nil, IssuerConfig{})

	if err := issuer.DisconnectParticipant(context.Background(), "consultation-c-1", "pt-1"); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if len(sfu.removeCalls) != 1 || sfu.removeCalls[0] != "consultation-c-1/pt-1" {
		t.Fatalf("collaborator not called: %v", sfu.removeCalls)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
