// Package mining implements the mining session core: rate calculation, the
// countdown and reward engine, and local/remote snapshot reconciliation.
package mining

import (
	"math"
	"time"
)

const (
	// RewardCycleSeconds is the fixed window after which one reward is credited.
	RewardCycleSeconds = 180
	// DefaultPeriodSeconds is the length of a full mining session (6h).
	DefaultPeriodSeconds = 21600
	// DefaultBaseRate is the per-cycle reward before referral bonuses.
	DefaultBaseRate = 0.003
	// DefaultSaveInterval is how long the engine waits between periodic snapshots.
	DefaultSaveInterval = 10 * time.Second
	// DefaultBalanceTolerance caps how far a local balance may exceed the
	// remote one and still be trusted during a merge.
	DefaultBalanceTolerance = 1.2
)

// State is the in-memory mining state of one user.
type State struct {
	Active           bool      `json:"active"`
	RemainingSeconds int       `json:"remainingSeconds"`
	PeriodSeconds    int       `json:"periodSeconds"`
	SessionAccrued   float64   `json:"sessionAccrued"`
	Balance          float64   `json:"balance"`
	Rate             float64   `json:"rate"`
	ReferralCount    int       `json:"referralCount"`
	Progress         float64   `json:"progress"`
	LastTickAt       time.Time `json:"lastTickAt"`
	EndsAt           time.Time `json:"endsAt"`
}

// Snapshot is the durable copy of a user's State.
type Snapshot struct {
	State
	UserID  string    `json:"userId"`
	SavedAt time.Time `json:"savedAt"`
}

// RemoteSnapshot is the profile as the remote store knows it. It is
// authoritative for Rate and ReferralCount.
type RemoteSnapshot struct {
	UserID        string    `json:"userId"`
	Balance       float64   `json:"balance"`
	Rate          float64   `json:"rate"`
	ReferralCount int       `json:"referralCount"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// DefaultState returns an idle state with zero balance.
func DefaultState(baseRate float64, periodSeconds int) State {
	if !validPositive(baseRate) {
		baseRate = DefaultBaseRate
	}
	if periodSeconds <= 0 {
		periodSeconds = DefaultPeriodSeconds
	}
	return State{
		RemainingSeconds: periodSeconds,
		PeriodSeconds:    periodSeconds,
		Rate:             baseRate,
	}
}

// DefaultSnapshot is what callers fall back to when no snapshot can be loaded.
func DefaultSnapshot(userID string, baseRate float64, periodSeconds int) Snapshot {
	return Snapshot{
		State:  DefaultState(baseRate, periodSeconds),
		UserID: userID,
	}
}

// Sanitize clamps invalid numerics to safe defaults. It never fails.
func (s State) Sanitize(baseRate float64) State {
	if !validPositive(baseRate) {
		baseRate = DefaultBaseRate
	}
	if s.PeriodSeconds <= 0 {
		s.PeriodSeconds = DefaultPeriodSeconds
	}
	s.RemainingSeconds = min(max(s.RemainingSeconds, 0), s.PeriodSeconds)
	if !s.Active {
		s.RemainingSeconds = s.PeriodSeconds
		s.SessionAccrued = 0
		s.Progress = 0
		s.EndsAt = time.Time{}
	}
	if !validNonNegative(s.Balance) {
		s.Balance = 0
	}
	if !validNonNegative(s.SessionAccrued) {
		s.SessionAccrued = 0
	}
	if !validPositive(s.Rate) {
		s.Rate = baseRate
	}
	if s.ReferralCount < 0 {
		s.ReferralCount = 0
	}
	if s.Active {
		s.Progress = progressOf(s.PeriodSeconds-s.RemainingSeconds, s.PeriodSeconds)
	}
	return s
}

// Sanitize clamps the snapshot's state; identity fields are kept.
func (s Snapshot) Sanitize(baseRate float64) Snapshot {
	s.State = s.State.Sanitize(baseRate)
	return s
}

// Running reports whether the session is still in flight at now.
func (s State) Running(now time.Time) bool {
	return s.Active && s.EndsAt.After(now)
}

func progressOf(elapsed, period int) float64 {
	if period <= 0 {
		return 0
	}
	p := float64(elapsed) / float64(period) * 100
	return math.Min(math.Max(p, 0), 100)
}

func validNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

func validPositive(v float64) bool {
	return validNonNegative(v) && v > 0
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
