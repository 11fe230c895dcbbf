package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_FillsUnsetBanDuration(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	require.NotNil(t, cfg.Reputation.BanDurationHours)
	assert.Equal(t, 24.0, *cfg.Reputation.BanDurationHours)
}

func TestApplyDefaults_PreservesExplicitZeroBanDuration(t *testing.T) {
	zero := 0.0
	cfg := &Config{}
	cfg.Reputation.BanDurationHours = &zero
	cfg.applyDefaults()

	// 0 means a permanent ban, not "unset"; defaulting must not clobber it.
	require.NotNil(t, cfg.Reputation.BanDurationHours)
	assert.Equal(t, 0.0, *cfg.Reputation.BanDurationHours)
}

func TestApplyEnvOverrides_ExplicitZeroBanDuration(t *testing.T) {
	t.Setenv("SHARD_BAN_DURATION_HOURS", "0")

	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	require.NotNil(t, cfg.Reputation.BanDurationHours)
	assert.Equal(t, 0.0, *cfg.Reputation.BanDurationHours)
}

func TestApplyEnvOverrides_AbsentBanDurationLeavesNil(t *testing.T) {
	t.Setenv("SHARD_BAN_DURATION_HOURS", "")

	cfg := &Config{}
	cfg.applyEnvOverrides()

	assert.Nil(t, cfg.Reputation.BanDurationHours)
}
