// Package reputation tracks per-peer attempt/correct counters and an
// active-ban table with TTL, guarded by a single lock so read-heavy callers
// (the speculative loop's banned check) complete in O(1).
package reputation

import (
	"time"

	"github.com/trentpierce/shard/internal/shardtype"
)

// Store is the persistence seam for C2. Implementations must serialize
// concurrent writes themselves; the Manager above this seam treats
// persistence as best-effort and never blocks the speculative loop on it.
type Store interface {
	LoadReputation(peerID string) (shardtype.ScoutReputation, bool, error)
	SaveReputation(rep shardtype.ScoutReputation) error
	DeleteReputation(peerID string) error
	LoadBan(peerID string) (shardtype.BanEntry, bool, error)
	SaveBan(ban shardtype.BanEntry) error
	DeleteBan(peerID string) error
	ListReputations() ([]shardtype.ScoutReputation, error)
	ListBans() ([]shardtype.BanEntry, error)
	Close() error
}

// StoreConfig selects and parameterizes a Store implementation.
type StoreConfig struct {
	Backend     string // "json" (default) or "postgres"
	JSONPath    string
	PostgresDSN string
}

// NewStore builds the configured Store backend. Unknown backends fall back
// to the JSON store rather than failing startup — the same
// persistence-is-never-fatal posture the Manager takes, applied to backend
// selection itself.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "postgres":
		return NewPostgresStore(cfg.PostgresDSN)
	case "json", "":
		path := cfg.JSONPath
		if path == "" {
			path = "./data/scout_reputation.json"
		}
		return NewJSONStore(path)
	default:
		return NewJSONStore(cfg.JSONPath)
	}
}

// clockNow is overridable in tests.
var clockNow = time.Now
