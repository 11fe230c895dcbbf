package reputation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/trentpierce/shard/internal/shardtype"
)

// jsonDocument is the on-disk shape of the single-file JSON store: two
// logically separate maps, one per ledger.
type jsonDocument struct {
	Reputations map[string]shardtype.ScoutReputation `json:"reputations"`
	Bans        map[string]shardtype.BanEntry         `json:"bans"`
}

// JSONStore is the default Store backend: the authoritative state lives in
// memory, and every mutating call writes the full document back to disk,
// logging (never escalating) on failure.
type JSONStore struct {
	path string
	mu   sync.Mutex
	doc  jsonDocument
}

// NewJSONStore opens (or lazily creates) the JSON document at path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{
		path: path,
		doc: jsonDocument{
			Reputations: make(map[string]shardtype.ScoutReputation),
			Bans:        make(map[string]shardtype.BanEntry),
		},
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reputation: loading %q: %w", path, err)
	}
	return s, nil
}

func (s *JSONStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var doc jsonDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc.Reputations == nil {
		doc.Reputations = make(map[string]shardtype.ScoutReputation)
	}
	if doc.Bans == nil {
		doc.Bans = make(map[string]shardtype.BanEntry)
	}
	s.doc = doc
	return nil
}

// persist writes the current document to disk. Failures are logged by the
// caller, never escalated; persist itself just returns the error.
func (s *JSONStore) persist() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *JSONStore) LoadReputation(peerID string) (shardtype.ScoutReputation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.doc.Reputations[peerID]
	return rep, ok, nil
}

func (s *JSONStore) SaveReputation(rep shardtype.ScoutReputation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Reputations[rep.PeerID] = rep
	if err := s.persist(); err != nil {
		slog.Warn("reputation: persist failed", "peer_id", rep.PeerID, "error", err)
		return err
	}
	return nil
}

func (s *JSONStore) DeleteReputation(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.Reputations, peerID)
	if err := s.persist(); err != nil {
		slog.Warn("reputation: persist reputation delete failed", "peer_id", peerID, "error", err)
		return err
	}
	return nil
}

func (s *JSONStore) LoadBan(peerID string) (shardtype.BanEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ban, ok := s.doc.Bans[peerID]
	return ban, ok, nil
}

func (s *JSONStore) SaveBan(ban shardtype.BanEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Bans[ban.PeerID] = ban
	if err := s.persist(); err != nil {
		slog.Warn("reputation: persist ban failed", "peer_id", ban.PeerID, "error", err)
		return err
	}
	return nil
}

func (s *JSONStore) DeleteBan(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.Bans, peerID)
	if err := s.persist(); err != nil {
		slog.Warn("reputation: persist unban failed", "peer_id", peerID, "error", err)
		return err
	}
	return nil
}

func (s *JSONStore) ListReputations() ([]shardtype.ScoutReputation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]shardtype.ScoutReputation, 0, len(s.doc.Reputations))
	for _, rep := range s.doc.Reputations {
		out = append(out, rep)
	}
	return out, nil
}

func (s *JSONStore) ListBans() ([]shardtype.BanEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]shardtype.BanEntry, 0, len(s.doc.Bans))
	for _, ban := range s.doc.Bans {
		out = append(out, ban)
	}
	return out, nil
}

func (s *JSONStore) Close() error { return nil }
