package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockoutPolicyLocksAtThreshold(t *testing.T) {
	policy := NewLockoutPolicy(3, 10*time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var state SecurityState
	for i := 1; i <= 2; i++ {
		state = policy.RecordFailure(state, now)
		assert.Equal(t, i, state.FailedAttempts)
		assert.False(t, policy.IsLocked(state, now))
	}

	state = policy.RecordFailure(state, now)
	require.True(t, state.Locked)
	require.NotNil(t, state.LockedUntil)
	assert.Equal(t, now.Add(10*time.Minute), *state.LockedUntil)
	assert.Equal(t, now, *state.LastAttempt)
	assert.True(t, policy.IsLocked(state, now))
}

func TestLockoutPolicyExpiryBoundary(t *testing.T) {
	policy := NewLockoutPolicy(1, time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	state := policy.RecordFailure(SecurityState{}, now)
	until := *state.LockedUntil

	refreshed, changed := policy.Refresh(state, until.Add(-time.Nanosecond))
	assert.False(t, changed)
	assert.True(t, policy.IsLocked(refreshed, until.Add(-time.Nanosecond)))

	refreshed, changed = policy.Refresh(state, until)
	assert.True(t, changed)
	assert.False(t, refreshed.Locked)
	assert.Nil(t, refreshed.LockedUntil)
	assert.Zero(t, refreshed.FailedAttempts)
}

func TestLockoutPolicySuccessResets(t *testing.T) {
	policy := NewLockoutPolicy(5, time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	state := policy.RecordFailure(SecurityState{}, now)
	state = policy.RecordFailure(state, now)
	state = policy.RecordSuccess(state, now.Add(time.Second))

	assert.Zero(t, state.FailedAttempts)
	assert.False(t, state.Locked)
	assert.Equal(t, now.Add(time.Second), *state.LastAttempt)
}

func TestLockoutPolicyManualLockNeverExpires(t *testing.T) {
	policy := NewLockoutPolicy(5, time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	state := policy.ForceLock(SecurityState{FailedAttempts: 2})
	later := now.Add(365 * 24 * time.Hour)

	refreshed, changed := policy.Refresh(state, later)
	assert.False(t, changed)
	assert.True(t, policy.IsLocked(refreshed, later))

	state = policy.ForceUnlock(state)
	assert.False(t, policy.IsLocked(state, later))
	assert.Zero(t, state.FailedAttempts)
}

func TestNewLockoutPolicyDefaults(t *testing.T) {
	policy := NewLockoutPolicy(0, 0)
	assert.Equal(t, DefaultMaxFailedAttempts, policy.MaxFailedAttempts)
	assert.Equal(t, DefaultLockoutDuration, policy.LockoutDuration)
}
