// Package checkpoint manages token-cadenced snapshots of engine state,
// retained one-deep per session, with a header-framed payload
// (magic/version) that is validated before any restore is attempted.
package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/trentpierce/shard/internal/shardrr"
	"github.com/trentpierce/shard/internal/shardtype"
)

// minTailLen is the floor on the retained tail length.
const minTailLen = 16

// Engine is the subset of the engine binding checkpointing needs. Declared
// at the consumer (same rationale as internal/speculative.Engine) so tests
// can supply a fake without the cgo dependency; *engine.Handle satisfies it
// structurally.
type Engine interface {
	SnapshotExport() (shardtype.Snapshot, error)
	SnapshotImport(shardtype.Snapshot) error
}

// Manager captures and restores one KV-cache snapshot per session. It holds
// at most one snapshot at a time — a fresh capture replaces whatever was
// retained before it.
type Manager struct {
	everyNTokens int
	tailLen      int
	sessionID    string
	remote       *RemoteStore

	mu       sync.Mutex
	snapshot *shardtype.Snapshot
}

// New builds a Manager. everyNTokens must be >= 1; tailLen is floored at 16.
func New(everyNTokens, tailLen int) *Manager {
	if everyNTokens < 1 {
		everyNTokens = 8
	}
	if tailLen < minTailLen {
		tailLen = minTailLen
	}
	return &Manager{everyNTokens: everyNTokens, tailLen: tailLen}
}

// WithRemote attaches an opportunistic replication target keyed by
// sessionID. Safe to call once, before the manager starts capturing.
func (m *Manager) WithRemote(sessionID string, remote *RemoteStore) *Manager {
	m.sessionID = sessionID
	m.remote = remote
	return m
}

// ShouldCapture reports whether tokensEmitted has reached a checkpoint
// cadence boundary.
func (m *Manager) ShouldCapture(tokensEmitted int) bool {
	return tokensEmitted > 0 && tokensEmitted%m.everyNTokens == 0
}

// Capture exports a snapshot from eng and retains it, along with the bounded
// suffix of generated needed to rebuild context on restore. It replaces
// whatever snapshot was previously retained.
func (m *Manager) Capture(eng Engine, generated []shardtype.Token) error {
	snap, err := eng.SnapshotExport()
	if err != nil {
		return shardrr.Wrap(shardrr.ErrSnapshotInvalid, err)
	}

	tail := generated
	if len(tail) > m.tailLen {
		tail = tail[len(tail)-m.tailLen:]
	}
	tailCopy := make([]shardtype.Token, len(tail))
	copy(tailCopy, tail)
	snap.Tail = tailCopy

	m.mu.Lock()
	m.snapshot = &snap
	m.mu.Unlock()

	if m.remote != nil {
		// Best-effort: a replication failure never fails the capture, and is
		// not even surfaced here — the caller already discards Capture's
		// error for the same reason.
		go m.remote.Replicate(context.Background(), m.sessionID, snap)
	}
	return nil
}

// HasSnapshot reports whether a snapshot is currently retained.
func (m *Manager) HasSnapshot() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot != nil
}

// Restore validates the retained snapshot's header, then restores it into
// eng and returns the tail that must overwrite the session's generated list.
// A header mismatch aborts before eng is called at all; an import failure
// returns eng's error and no tail. Either way no tail is handed back, and
// the caller must treat the session as abandoned.
func (m *Manager) Restore(eng Engine) ([]shardtype.Token, error) {
	m.mu.Lock()
	snap := m.snapshot
	m.mu.Unlock()

	if snap == nil {
		return nil, shardrr.Wrap(shardrr.ErrSnapshotInvalid, fmt.Errorf("checkpoint: no snapshot retained"))
	}
	if err := validateHeader(*snap); err != nil {
		return nil, shardrr.Wrap(shardrr.ErrSnapshotInvalid, err)
	}

	if err := eng.SnapshotImport(*snap); err != nil {
		return nil, shardrr.Wrap(shardrr.ErrSnapshotInvalid, err)
	}

	tail := make([]shardtype.Token, len(snap.Tail))
	copy(tail, snap.Tail)
	return tail, nil
}

// validateHeader rejects any snapshot whose magic or version does not match
// what this binary writes, before any import is attempted.
func validateHeader(snap shardtype.Snapshot) error {
	if snap.Magic != shardtype.SnapshotMagic {
		return fmt.Errorf("checkpoint: bad magic %#x, want %#x", snap.Magic, shardtype.SnapshotMagic)
	}
	if snap.Version != shardtype.SnapshotVersion {
		return fmt.Errorf("checkpoint: unsupported version %d, want %d", snap.Version, shardtype.SnapshotVersion)
	}
	return nil
}
