// Package persistence snapshots mining state into a local key/value store.
//
// Saves are asynchronous and coalesced per user: only the newest pending
// snapshot for a user is written. Flush writes synchronously and is used on
// session stop and shutdown. A snapshot older than the last one written for
// the same user never overwrites it.
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/bardlex/minesync/internal/mining"
	"github.com/bardlex/minesync/pkg/errors"
	"github.com/bardlex/minesync/pkg/log"
)

const (
	balancePlaces = 6
	accruedPlaces = 4

	defaultWriteTimeout = 5 * time.Second
)

// LocalStore is the durable key/value store snapshots are written to.
type LocalStore interface {
	// Read returns the value for key. ok is false when the key does not exist.
	Read(ctx context.Context, key string) (data []byte, ok bool, err error)
	Write(ctx context.Context, key string, data []byte) error
}

// Key returns the store key for a user's snapshot.
func Key(userID string) string {
	return "snapshot:" + userID
}

// Stats are cumulative adapter counters.
type Stats struct {
	Writes   int64
	Stale    int64
	Failures int64
}

// Adapter implements mining.Saver on top of a LocalStore.
type Adapter struct {
	store        LocalStore
	logger       *log.Logger
	writeTimeout time.Duration
	baseRate     float64

	mu      sync.Mutex
	pending map[string]mining.Snapshot
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	// writeMu serializes store writes and guards written
	writeMu sync.Mutex
	written map[string]time.Time

	writes   atomic.Int64
	stale    atomic.Int64
	failures atomic.Int64
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseRate sets the rate written for snapshots whose rate is invalid.
func WithBaseRate(rate float64) Option {
	return func(a *Adapter) { a.baseRate = rate }
}

// New creates an adapter. Call Start before relying on asynchronous saves.
func New(store LocalStore, logger *log.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		store:        store,
		logger:       logger.WithComponent("persistence"),
		writeTimeout: defaultWriteTimeout,
		baseRate:     mining.DefaultBaseRate,
		pending:      make(map[string]mining.Snapshot),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		written:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the background writer.
func (a *Adapter) Start() {
	a.wg.Add(1)
	go a.writeLoop()
}

// Close drains pending saves and stops the writer. It waits at most until
// ctx is done.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)
	a.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "persistence_close",
			"pending snapshots not drained before deadline")
	}
}

// Save queues snap for writing and returns immediately. A newer Save for the
// same user replaces one that has not been written yet.
func (a *Adapter) Save(snap mining.Snapshot) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.logger.Debug("save after close dropped", "user_id", snap.UserID)
		return
	}
	if prev, ok := a.pending[snap.UserID]; !ok || !snap.SavedAt.Before(prev.SavedAt) {
		a.pending[snap.UserID] = snap
	}
	a.mu.Unlock()

	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// Flush writes snap synchronously, superseding any pending save for the user.
func (a *Adapter) Flush(ctx context.Context, snap mining.Snapshot) error {
	a.mu.Lock()
	if prev, ok := a.pending[snap.UserID]; ok && !prev.SavedAt.After(snap.SavedAt) {
		delete(a.pending, snap.UserID)
	}
	a.mu.Unlock()

	return a.write(ctx, snap)
}

// Load reads a user's snapshot. ok is false when the snapshot is missing or
// cannot be decoded; callers then fall back to mining.DefaultSnapshot.
func (a *Adapter) Load(ctx context.Context, userID string) (mining.Snapshot, bool) {
	logger := a.logger.WithUser(userID)

	data, ok, err := a.store.Read(ctx, Key(userID))
	if err != nil {
		logger.WithError(err).Warn("failed to read snapshot")
		return mining.Snapshot{}, false
	}
	if !ok {
		return mining.Snapshot{}, false
	}

	var snap mining.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.WithError(err).Warn("discarding corrupt snapshot", "bytes", len(data))
		return mining.Snapshot{}, false
	}
	if snap.UserID != "" && snap.UserID != userID {
		logger.Warn("discarding snapshot for another user", "stored_user_id", snap.UserID)
		return mining.Snapshot{}, false
	}
	snap.UserID = userID

	// a SavedAt in the future would block every later write
	if !snap.SavedAt.After(time.Now()) {
		a.writeMu.Lock()
		if last, seen := a.written[userID]; !seen || snap.SavedAt.After(last) {
			a.written[userID] = snap.SavedAt
		}
		a.writeMu.Unlock()
	}
	return snap, true
}

// Stats returns write counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Writes:   a.writes.Load(),
		Stale:    a.stale.Load(),
		Failures: a.failures.Load(),
	}
}

func (a *Adapter) writeLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.notify:
			a.drain()
		case <-a.done:
			a.drain()
			return
		}
	}
}

func (a *Adapter) drain() {
	a.mu.Lock()
	batch := a.pending
	a.pending = make(map[string]mining.Snapshot)
	a.mu.Unlock()

	for _, snap := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
		// errors are counted and logged inside write
		_ = a.write(ctx, snap)
		cancel()
	}
}

func (a *Adapter) write(ctx context.Context, snap mining.Snapshot) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if last, ok := a.written[snap.UserID]; ok && snap.SavedAt.Before(last) {
		a.stale.Add(1)
		a.logger.Debug("skipping stale snapshot",
			"user_id", snap.UserID,
			"saved_at", snap.SavedAt,
			"last_written", last,
		)
		return nil
	}

	data, err := Encode(snap, a.baseRate)
	if err != nil {
		a.failures.Add(1)
		return err
	}

	start := time.Now()
	if err := a.store.Write(ctx, Key(snap.UserID), data); err != nil {
		a.failures.Add(1)
		wrapped := errors.Wrap(err, errors.ErrorTypeStorage, "write_snapshot",
			"failed to write snapshot").WithContext("user_id", snap.UserID)
		a.logger.WithUser(snap.UserID).WithError(err).Warn("snapshot write failed")
		return wrapped
	}
	a.logger.LogDuration("write_snapshot", time.Since(start))

	a.written[snap.UserID] = snap.SavedAt
	a.writes.Add(1)
	return nil
}

// Encode sanitizes and rounds snap and returns its JSON form. An invalid
// rate is replaced by baseRate.
func Encode(snap mining.Snapshot, baseRate float64) ([]byte, error) {
	snap.State = snap.State.Sanitize(baseRate)
	snap.Balance = mining.Round(snap.Balance, balancePlaces)
	snap.SessionAccrued = mining.Round(snap.SessionAccrued, accruedPlaces)

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "encode_snapshot",
			"failed to encode snapshot").WithContext("user_id", snap.UserID)
	}
	return data, nil
}
