package auth

import "time"

const (
	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 30 * time.Minute
)

// LockoutPolicy is pure transition logic over SecurityState. Callers load
// the account, apply a transition and persist the result.
type LockoutPolicy struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

func NewLockoutPolicy(maxFailedAttempts int, lockoutDuration time.Duration) LockoutPolicy {
	if maxFailedAttempts <= 0 {
		maxFailedAttempts = DefaultMaxFailedAttempts
	}
	if lockoutDuration <= 0 {
		lockoutDuration = DefaultLockoutDuration
	}
	return LockoutPolicy{MaxFailedAttempts: maxFailedAttempts, LockoutDuration: lockoutDuration}
}

// Refresh applies auto-expiry: a timed lock whose deadline has passed is
// cleared together with the failure counter. The bool reports whether the
// state changed.
func (p LockoutPolicy) Refresh(state SecurityState, now time.Time) (SecurityState, bool) {
	if !state.Locked || state.LockedUntil == nil || now.Before(*state.LockedUntil) {
		return state, false
	}

	state.Locked = false
	state.LockedUntil = nil
	state.FailedAttempts = 0
	return state, true
}

func (p LockoutPolicy) IsLocked(state SecurityState, now time.Time) bool {
	if !state.Locked {
		return false
	}
	return state.LockedUntil == nil || now.Before(*state.LockedUntil)
}

func (p LockoutPolicy) RecordSuccess(state SecurityState, now time.Time) SecurityState {
	state.FailedAttempts = 0
	state.Locked = false
	state.LockedUntil = nil
	state.LastAttempt = timePtr(now)
	return state
}

func (p LockoutPolicy) RecordFailure(state SecurityState, now time.Time) SecurityState {
	state.FailedAttempts++
	state.LastAttempt = timePtr(now)

	if state.FailedAttempts >= p.MaxFailedAttempts {
		state.Locked = true
		state.LockedUntil = timePtr(now.Add(p.LockoutDuration))
	}
	return state
}

// ForceLock locks without expiry.
func (p LockoutPolicy) ForceLock(state SecurityState) SecurityState {
	state.Locked = true
	state.LockedUntil = nil
	return state
}

func (p LockoutPolicy) ForceUnlock(state SecurityState) SecurityState {
	state.Locked = false
	state.LockedUntil = nil
	state.FailedAttempts = 0
	return state
}

func timePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}
