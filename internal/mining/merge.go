package mining

import (
	"math"
	"time"
)

// Resolver reconciles a local snapshot with the remote profile.
type Resolver struct {
	BaseRate         float64
	PeriodSeconds    int
	BalanceTolerance float64
}

// DefaultResolver returns a resolver with the stock rate, period and tolerance.
func DefaultResolver() Resolver {
	return Resolver{
		BaseRate:         DefaultBaseRate,
		PeriodSeconds:    DefaultPeriodSeconds,
		BalanceTolerance: DefaultBalanceTolerance,
	}
}

// MergeOutcome is a merged snapshot plus which local parts survived.
type MergeOutcome struct {
	Snapshot         Snapshot
	KeptLocalBalance bool
	KeptSession      bool
}

// Merge returns the snapshot to display and re-persist.
func (r Resolver) Merge(local *Snapshot, remote RemoteSnapshot, now time.Time) Snapshot {
	return r.Resolve(local, remote, now).Snapshot
}

// Resolve merges local and remote. The remote wins for rate and referral
// count. The local balance wins only when it is ahead of the remote by no
// more than BalanceTolerance. A local session that has not yet ended is kept.
func (r Resolver) Resolve(local *Snapshot, remote RemoteSnapshot, now time.Time) MergeOutcome {
	out := r.fromRemote(remote, now)
	if local == nil {
		return MergeOutcome{Snapshot: out}
	}

	l := local.Sanitize(r.baseRate())
	if out.UserID == "" {
		out.UserID = l.UserID
	}
	out.PeriodSeconds = l.PeriodSeconds
	out.RemainingSeconds = l.PeriodSeconds

	var res MergeOutcome
	if l.Balance > out.Balance && l.Balance <= out.Balance*r.tolerance() {
		out.Balance = l.Balance
		res.KeptLocalBalance = true
	}

	if l.Running(now) {
		out.Active = true
		out.RemainingSeconds = l.RemainingSeconds
		out.Progress = l.Progress
		out.EndsAt = l.EndsAt
		out.SessionAccrued = l.SessionAccrued
		out.LastTickAt = l.LastTickAt
		res.KeptSession = true
	}

	res.Snapshot = out
	return res
}

func (r Resolver) fromRemote(remote RemoteSnapshot, now time.Time) Snapshot {
	s := DefaultSnapshot(remote.UserID, r.baseRate(), r.PeriodSeconds)
	s.SavedAt = now
	s.LastTickAt = now

	if validNonNegative(remote.Balance) {
		s.Balance = remote.Balance
	}
	s.ReferralCount = max(remote.ReferralCount, 0)
	if validPositive(remote.Rate) {
		s.Rate = remote.Rate
	} else {
		s.Rate = ComputeRate(r.baseRate(), s.ReferralCount)
	}
	return s
}

func (r Resolver) baseRate() float64 {
	if validPositive(r.BaseRate) {
		return r.BaseRate
	}
	return DefaultBaseRate
}

func (r Resolver) tolerance() float64 {
	if math.IsNaN(r.BalanceTolerance) || r.BalanceTolerance < 1 {
		return DefaultBalanceTolerance
	}
	return r.BalanceTolerance
}
