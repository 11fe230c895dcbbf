package reputation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/trentpierce/shard/internal/shardrr"
	"github.com/trentpierce/shard/internal/shardtype"
)

// Config carries the ban-decision thresholds.
type Config struct {
	ReputationThreshold  float64
	MinAttemptsBeforeBan int
	BanDurationHours     float64
}

// DefaultConfig returns the documented defaults: ban a peer after 3 or more
// attempts once its accuracy drops below 0.70, for 24 hours.
func DefaultConfig() Config {
	return Config{
		ReputationThreshold:  0.70,
		MinAttemptsBeforeBan: 3,
		BanDurationHours:     24,
	}
}

// Manager is the reputation ledger. All operations are serialized under one
// mutex; in-memory state is authoritative even when the backing Store is
// unreachable.
type Manager struct {
	mu    sync.Mutex
	store Store
	cfg   Config

	reputations map[string]shardtype.ScoutReputation
	bans        map[string]shardtype.BanEntry
}

// NewManager builds a Manager over store, warming its in-memory cache from
// whatever the store already has on disk.
func NewManager(store Store, cfg Config) (*Manager, error) {
	m := &Manager{
		store:       store,
		cfg:         cfg,
		reputations: make(map[string]shardtype.ScoutReputation),
		bans:        make(map[string]shardtype.BanEntry),
	}
	reps, err := store.ListReputations()
	if err != nil {
		slog.Warn("reputation: initial load failed, starting empty", "error", err)
	}
	for _, rep := range reps {
		m.reputations[rep.PeerID] = rep
	}
	bans, err := store.ListBans()
	if err != nil {
		slog.Warn("reputation: initial ban load failed, starting empty", "error", err)
	}
	for _, ban := range bans {
		m.bans[ban.PeerID] = ban
	}
	return m, nil
}

// Get returns peer_id's reputation, or the zero-attempts default (accuracy
// 1.0) for a peer never seen before.
func (m *Manager) Get(peerID string) shardtype.ScoutReputation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rep, ok := m.reputations[peerID]; ok {
		return rep
	}
	return shardtype.ScoutReputation{PeerID: peerID}
}

// Upsert records one Golden Ticket (or other verified) attempt: it
// increments attempts and conditionally correct, then bans the peer with
// failed_attempts = attempts - correct once attempts reaches
// MinAttemptsBeforeBan and accuracy falls below ReputationThreshold.
func (m *Manager) Upsert(peerID string, correct bool) shardtype.ScoutReputation {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := clockNow()
	rep, ok := m.reputations[peerID]
	if !ok {
		rep = shardtype.ScoutReputation{PeerID: peerID, FirstSeen: now}
	}
	rep.Attempts++
	if correct {
		rep.Correct++
	}
	rep.LastSeen = now
	m.reputations[peerID] = rep

	if err := m.store.SaveReputation(rep); err != nil {
		slog.Warn("reputation: save failed", "peer_id", peerID, "error", shardrr.Wrap(shardrr.ErrPersistenceFailed, err))
	}

	if rep.Attempts >= m.cfg.MinAttemptsBeforeBan && rep.Accuracy() < m.cfg.ReputationThreshold {
		m.banLocked(peerID, "accuracy below reputation_threshold", m.cfg.BanDurationHours, rep.Attempts-rep.Correct, now)
	}

	return rep
}

// IsBanned reports whether peer_id is currently banned, auto-purging an
// expired ban entry as a side effect. Must stay O(1): a single map lookup
// plus, on the rare expiry path, a single map delete.
func (m *Manager) IsBanned(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ban, ok := m.bans[peerID]
	if !ok {
		return false
	}
	if ban.Active(clockNow()) {
		return true
	}
	delete(m.bans, peerID)
	if err := m.store.DeleteBan(peerID); err != nil {
		slog.Warn("reputation: purge expired ban failed", "peer_id", peerID, "error", err)
	}
	return false
}

// Ban issues an explicit ban with an explicit duration, independent of the
// automatic threshold path (which always bans for cfg.BanDurationHours).
func (m *Manager) Ban(peerID, reason string, durationHours float64, failedAttempts int) shardtype.BanEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banLocked(peerID, reason, durationHours, failedAttempts, clockNow())
}

func (m *Manager) banLocked(peerID, reason string, durationHours float64, failedAttempts int, now time.Time) shardtype.BanEntry {
	ban := shardtype.BanEntry{
		PeerID:         peerID,
		BannedAt:       now,
		DurationHours:  durationHours,
		Reason:         reason,
		FailedAttempts: failedAttempts,
	}
	m.bans[peerID] = ban
	if err := m.store.SaveBan(ban); err != nil {
		slog.Warn("reputation: save ban failed", "peer_id", peerID, "error", shardrr.Wrap(shardrr.ErrPersistenceFailed, err))
	}
	return ban
}

// Unban removes an active ban outright.
func (m *Manager) Unban(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bans, peerID)
	if err := m.store.DeleteBan(peerID); err != nil {
		slog.Warn("reputation: unban persist failed", "peer_id", peerID, "error", err)
	}
}

// Reset clears both reputation and ban state for peer_id, in memory and in
// the backing store, so a reset survives a process restart.
func (m *Manager) Reset(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reputations, peerID)
	delete(m.bans, peerID)
	if err := m.store.DeleteReputation(peerID); err != nil {
		slog.Warn("reputation: reset reputation persist failed", "peer_id", peerID, "error", err)
	}
	if err := m.store.DeleteBan(peerID); err != nil {
		slog.Warn("reputation: reset ban persist failed", "peer_id", peerID, "error", err)
	}
}

// ListReputations returns a snapshot of every known peer's reputation.
func (m *Manager) ListReputations() []shardtype.ScoutReputation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]shardtype.ScoutReputation, 0, len(m.reputations))
	for _, rep := range m.reputations {
		out = append(out, rep)
	}
	return out
}

// ListBans returns a snapshot of every ban entry, active or expired.
func (m *Manager) ListBans() []shardtype.BanEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]shardtype.BanEntry, 0, len(m.bans))
	for _, ban := range m.bans {
		out = append(out, ban)
	}
	return out
}
