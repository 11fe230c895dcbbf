package reputation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := NewJSONStore(t.TempDir() + "/reputation.json")
	require.NoError(t, err)
	m, err := NewManager(store, DefaultConfig())
	require.NoError(t, err)
	return m
}

func TestUpsert_HonestScoutNeverBanned(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < 10; i++ {
		m.Upsert("scout-honest", true)
	}

	assert.False(t, m.IsBanned("scout-honest"))
	rep := m.Get("scout-honest")
	assert.Equal(t, 10, rep.Attempts)
	assert.Equal(t, 1.0, rep.Accuracy())
}

func TestUpsert_DishonestScoutBannedAfterMinAttempts(t *testing.T) {
	m := newTestManager(t)

	m.Upsert("scout-liar", false)
	m.Upsert("scout-liar", false)
	assert.False(t, m.IsBanned("scout-liar"), "ban requires min_attempts_before_ban")

	m.Upsert("scout-liar", false)
	assert.True(t, m.IsBanned("scout-liar"))

	bans := m.ListBans()
	require.Len(t, bans, 1)
	assert.Equal(t, 3, bans[0].FailedAttempts)
}

func TestUnknownPeer_DefaultAccuracyIsOne(t *testing.T) {
	m := newTestManager(t)
	rep := m.Get("never-seen")
	assert.Equal(t, 0, rep.Attempts)
	assert.Equal(t, 1.0, rep.Accuracy())
	assert.False(t, m.IsBanned("never-seen"))
}

func TestIsBanned_AutoPurgesExpiredBan(t *testing.T) {
	m := newTestManager(t)
	cfg := DefaultConfig()
	cfg.BanDurationHours = 1

	restore := clockNow
	clockNow = func() time.Time { return time.Unix(0, 0) }
	m.Ban("scout-expired", "manual", cfg.BanDurationHours, 3)
	assert.True(t, m.IsBanned("scout-expired"))

	clockNow = func() time.Time { return time.Unix(0, 0).Add(2 * time.Hour) }
	defer func() { clockNow = restore }()

	assert.False(t, m.IsBanned("scout-expired"))
	assert.Empty(t, m.ListBans())
}

func TestUnban_RemovesActiveBan(t *testing.T) {
	m := newTestManager(t)
	m.Ban("scout-pardoned", "manual", 0, 1)
	require.True(t, m.IsBanned("scout-pardoned"))

	m.Unban("scout-pardoned")
	assert.False(t, m.IsBanned("scout-pardoned"))
}

func TestReset_ClearsReputationAndBan(t *testing.T) {
	path := t.TempDir() + "/reputation.json"
	store, err := NewJSONStore(path)
	require.NoError(t, err)
	m, err := NewManager(store, DefaultConfig())
	require.NoError(t, err)

	m.Upsert("scout-reset", false)
	m.Ban("scout-reset", "manual", 24, 1)

	m.Reset("scout-reset")

	assert.False(t, m.IsBanned("scout-reset"))
	assert.Equal(t, 0, m.Get("scout-reset").Attempts)

	// The reset must be durable: a fresh manager warmed from the same
	// backing file must not resurrect the cleared counters or the ban.
	reloadedStore, err := NewJSONStore(path)
	require.NoError(t, err)
	reloaded, err := NewManager(reloadedStore, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.Get("scout-reset").Attempts)
	assert.False(t, reloaded.IsBanned("scout-reset"))
	assert.Empty(t, reloaded.ListReputations())
	assert.Empty(t, reloaded.ListBans())
}
