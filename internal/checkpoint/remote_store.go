package checkpoint

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trentpierce/shard/internal/shardtype"
)

// RemoteStore opportunistically replicates the retained snapshot to Redis so
// a multi-process deployment can hand a session off to another process
// without losing its KV checkpoint. It is never the authority:
// Manager.Restore only ever reads the in-memory snapshot it holds directly;
// RemoteStore exists purely so a *different* process can pick the session
// back up.
type RemoteStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRemoteStore builds a RemoteStore against a Redis endpoint. ttl bounds
// how long a replicated snapshot survives without being refreshed.
func NewRemoteStore(addr string, ttl time.Duration) *RemoteStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RemoteStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func snapshotKey(sessionID string) string {
	return "shard:checkpoint:" + sessionID
}

// Replicate writes the marshaled snapshot under sessionID. Failures are
// swallowed by the caller (Manager.Capture) — this is best-effort, never a
// requirement for forward progress.
func (r *RemoteStore) Replicate(ctx context.Context, sessionID string, snap shardtype.Snapshot) error {
	return r.client.Set(ctx, snapshotKey(sessionID), snap.Marshal(), r.ttl).Err()
}

// Fetch reads back a previously replicated snapshot, or returns
// redis.Nil-wrapped error if none is present.
func (r *RemoteStore) Fetch(ctx context.Context, sessionID string) (shardtype.Snapshot, error) {
	data, err := r.client.Get(ctx, snapshotKey(sessionID)).Bytes()
	if err != nil {
		return shardtype.Snapshot{}, err
	}
	return shardtype.UnmarshalSnapshot(data)
}

// Close releases the underlying Redis connection pool.
func (r *RemoteStore) Close() error {
	return r.client.Close()
}
