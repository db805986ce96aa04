// Package session drives one mining engine per user. A Driver's Run loop is
// the only goroutine that touches its engine: ticks, UI commands, remote
// fetch results and pushed snapshots are all serialized through it.
package session

import (
	"context"
	"time"

	"github.com/bardlex/minesync/internal/messaging"
	"github.com/bardlex/minesync/internal/mining"
)

// RemoteStore is the authoritative profile store.
type RemoteStore interface {
	FetchProfile(ctx context.Context, userID string) (mining.RemoteSnapshot, error)
	PushProfile(ctx context.Context, userID string, snap mining.Snapshot) error
}

// LocalStore persists snapshots on this node.
type LocalStore interface {
	mining.Saver
	Load(ctx context.Context, userID string) (mining.Snapshot, bool)
}

// Recorder receives best-effort statistics.
type Recorder interface {
	RecordReward(userID string, amount, balance, progress float64)
	RecordSession(userID, event string, sessionAccrued, balance float64)
	RecordMerge(userID, source string, localBalance, remoteBalance, mergedBalance float64, keptSession bool)
	RecordConnectivity(userID string, online bool)
}

// EventSink publishes session events to other services.
type EventSink interface {
	PublishSessionEvent(ctx context.Context, ev messaging.SessionEvent) error
}

// Locker guarantees a single driver per user across instances.
type Locker interface {
	AcquireSessionLock(ctx context.Context, userID, owner string, ttl time.Duration) (bool, error)
	ExtendSessionLock(ctx context.Context, userID, owner string, ttl time.Duration) (bool, error)
	ReleaseSessionLock(ctx context.Context, userID, owner string) error
}

// Ticker is the subset of time.Ticker the driver needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// NewTickerFunc creates a Ticker firing every d.
type NewTickerFunc func(d time.Duration) Ticker

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}
