// Package state is the single source of truth for which participant is in
// which signaling room. All mutation goes through one Manager guarded by a
// single mutex; fan-out writes to peers happen outside the critical section
// on a snapshot of the member set so no network write ever holds the lock.
package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"telesignal/internal/types"
)

// DefaultCapacity bounds the raw signaling transport: one patient and one
// doctor per consultation room.
const DefaultCapacity = 2

const (
	// DefaultSweepInterval is how often the idle sweeper runs.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultIdleThreshold is how long a room may sit without activity
	// before the sweeper evicts it, members included.
	DefaultIdleThreshold = time.Hour
)

type room struct {
	id           string
	members      map[string]types.Peer // keyed by session ID
	createdAt    time.Time
	lastActivity time.Time
}

// Manager owns the in-memory room map. Construct one per process and inject
// it; it has no package-level state.
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	sessions map[string]string // session ID -> room ID
	capacity int
	log      zerolog.Logger
	now      func() time.Time
}

// NewManager returns a registry with the given per-room capacity; zero or
// negative means DefaultCapacity.
func NewManager(capacity int, log zerolog.Logger) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		rooms:    make(map[string]*room),
		sessions: make(map[string]string),
		capacity: capacity,
		log:      log.With().Str("module", "state").Logger(),
		now:      time.Now,
	}
}

// Join registers p in roomID, creating the room lazily. A participant
// belongs to at most one room: membership elsewhere is removed first. It
// returns the peers that were already present so the caller can send the
// joined acknowledgment and user-joined broadcast in order.
func (m *Manager) Join(roomID string, p types.Peer) ([]types.Peer, error) {
	if roomID == "" {
		return nil, ErrInvalidRoomID
	}

	m.mu.Lock()
	if prev, ok := m.sessions[p.SessionID()]; ok && prev != roomID {
		m.removeLocked(prev, p.SessionID())
	}

	r, ok := m.rooms[roomID]
	if !ok {
		now := m.now()
		r = &room{
			id:           roomID,
			members:      make(map[string]types.Peer),
			createdAt:    now,
			lastActivity: now,
		}
		m.rooms[roomID] = r
		m.log.Info().Str("room", roomID).Msg("room created")
	}

	if _, already := r.members[p.SessionID()]; !already && len(r.members) >= m.capacity {
		m.mu.Unlock()
		return nil, ErrRoomFull
	}

	r.members[p.SessionID()] = p
	r.lastActivity = m.now()
	m.sessions[p.SessionID()] = roomID
	peers := r.othersOf(p.SessionID())
	size := len(r.members)
	m.mu.Unlock()

	m.log.Info().
		Str("room", roomID).
		Str("userId", p.UserID()).
		Str("userType", string(p.Role())).
		Int("peers", size).
		Msg("room join")

	return peers, nil
}

// Leave removes the session from roomID and deletes the room once empty.
// It returns the remaining members (for the user-left broadcast) and
// whether the session was actually a member.
func (m *Manager) Leave(roomID, sessionID string) ([]types.Peer, bool) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	if _, member := r.members[sessionID]; !member {
		m.mu.Unlock()
		return nil, false
	}
	m.removeLocked(roomID, sessionID)
	var remaining []types.Peer
	if r, ok := m.rooms[roomID]; ok {
		remaining = r.othersOf(sessionID)
		r.lastActivity = m.now()
	}
	m.mu.Unlock()

	m.log.Info().Str("room", roomID).Str("session", sessionID).Msg("room leave")
	return remaining, true
}

// RoomOf returns the room the session currently belongs to.
func (m *Manager) RoomOf(sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roomID, ok := m.sessions[sessionID]
	return roomID, ok
}

// Members returns a snapshot of a room's peers, joiner included.
func (m *Manager) Members(roomID string) []types.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	return r.othersOf("")
}

// Broadcast delivers payload to every writable member of roomID except the
// excluded session (the sender). Delivery failures are per-peer and logged,
// never fatal to the fan-out.
func (m *Manager) Broadcast(roomID string, payload []byte, excludeSession string) {
	// The activity stamp is a write, so the full lock is held for the
	// member snapshot; delivery still happens outside it.
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	var peers []types.Peer
	if ok {
		peers = r.othersOf(excludeSession)
		r.lastActivity = m.now()
	}
	m.mu.Unlock()

	for _, p := range peers {
		if !p.Writable() {
			continue
		}
		if err := p.Deliver(payload); err != nil {
			m.log.Warn().Err(err).Str("room", roomID).Str("userId", p.UserID()).Msg("broadcast delivery failed")
		}
	}
}

// SendTo delivers payload only to the member whose user ID matches target.
// A missing target is not an error: the peer may have just disconnected,
// and the message is silently dropped.
func (m *Manager) SendTo(roomID, targetUserID string, payload []byte) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	var target types.Peer
	if ok {
		for _, p := range r.members {
			if p.UserID() == targetUserID {
				target = p
				break
			}
		}
		r.lastActivity = m.now()
	}
	m.mu.Unlock()

	if target == nil || !target.Writable() {
		return
	}
	if err := target.Deliver(payload); err != nil {
		m.log.Warn().Err(err).Str("room", roomID).Str("userId", targetUserID).Msg("targeted delivery failed")
	}
}

// Sweep force-deletes every room idle longer than threshold, regardless of
// membership, and returns how many were evicted. Abandoned connections that
// never sent a clean close must not pin memory forever.
func (m *Manager) Sweep(threshold time.Duration) int {
	cutoff := m.now().Add(-threshold)

	m.mu.Lock()
	var evicted []string
	for id, r := range m.rooms {
		if r.lastActivity.Before(cutoff) {
			for session := range r.members {
				delete(m.sessions, session)
			}
			delete(m.rooms, id)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()

	for _, id := range evicted {
		m.log.Info().Str("room", id).Msg("idle room evicted")
	}
	return len(evicted)
}

// RunSweeper runs Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval, threshold time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(threshold); n > 0 {
				m.log.Info().Int("evicted", n).Msg("idle sweep complete")
			}
		}
	}
}

// Stats reports room and participant counts for /health and /api/stats.
func (m *Manager) Stats() types.ServerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	details := make(map[string]int, len(m.rooms))
	participants := 0
	for id, r := range m.rooms {
		details[id] = len(r.members)
		participants += len(r.members)
	}
	return types.ServerStats{
		Rooms:        len(m.rooms),
		Participants: participants,
		Details:      details,
	}
}

// Rooms returns per-room stats sorted by room ID for consistent ordering.
func (m *Manager) Rooms() []types.RoomStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]types.RoomStats, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, types.RoomStats{
			ID:           r.id,
			Members:      len(r.members),
			CreatedAt:    r.createdAt,
			LastActivity: r.lastActivity,
		})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// removeLocked detaches a session from a room and deletes the room when its
// member set becomes empty. Callers hold m.mu.
func (m *Manager) removeLocked(roomID, sessionID string) {
	r, ok := m.rooms[roomID]
	if !ok {
		return
	}
	delete(r.members, sessionID)
	delete(m.sessions, sessionID)
	if len(r.members) == 0 {
		delete(m.rooms, roomID)
		m.log.Info().Str("room", roomID).Msg("empty room deleted")
	}
}

// othersOf snapshots every member except the given session.
func (r *room) othersOf(sessionID string) []types.Peer {
	peers := make([]types.Peer, 0, len(r.members))
	for id, p := range r.members {
		if id == sessionID {
			continue
		}
		peers = append(peers, p)
	}
	return peers
}
