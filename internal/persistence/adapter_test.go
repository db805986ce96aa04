package persistence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/bardlex/minesync/internal/mining"
	"github.com/bardlex/minesync/pkg/log"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func snapshotAt(user string, balance float64, at time.Time) mining.Snapshot {
	s := mining.DefaultSnapshot(user, mining.DefaultBaseRate, mining.DefaultPeriodSeconds)
	s.Balance = balance
	s.SavedAt = at
	return s
}

func newTestAdapter(t *testing.T, store LocalStore) *Adapter {
	t.Helper()
	a := New(store, log.Discard())
	a.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := a.Close(ctx); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return a
}

func TestAdapter_FlushAndLoad(t *testing.T) {
	store := NewMemoryStore()
	a := newTestAdapter(t, store)

	snap := snapshotAt("u-1", 1.23456789, testTime)
	snap.Active = true
	snap.RemainingSeconds = 1000
	snap.SessionAccrued = 0.123456
	snap.EndsAt = testTime.Add(1000 * time.Second)

	if err := a.Flush(context.Background(), snap); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	got, ok := a.Load(context.Background(), "u-1")
	if !ok {
		t.Fatal("Load() found nothing")
	}
	if got.Balance != 1.234568 {
		t.Errorf("Balance = %v, want rounded 1.234568", got.Balance)
	}
	if got.SessionAccrued != 0.1235 {
		t.Errorf("SessionAccrued = %v, want rounded 0.1235", got.SessionAccrued)
	}
	if !got.Active || got.RemainingSeconds != 1000 || !got.EndsAt.Equal(snap.EndsAt) {
		t.Errorf("session fields not preserved: %+v", got)
	}
}

func TestAdapter_LoadMissingOrCorrupt(t *testing.T) {
	store := NewMemoryStore()
	a := newTestAdapter(t, store)

	if _, ok := a.Load(context.Background(), "nobody"); ok {
		t.Error("Load() of missing user returned a snapshot")
	}

	_ = store.Write(context.Background(), Key("broken"), []byte("{not json"))
	if _, ok := a.Load(context.Background(), "broken"); ok {
		t.Error("Load() of corrupt record returned a snapshot")
	}

	other, _ := Encode(snapshotAt("someone-else", 1, testTime), mining.DefaultBaseRate)
	_ = store.Write(context.Background(), Key("u-2"), other)
	if _, ok := a.Load(context.Background(), "u-2"); ok {
		t.Error("Load() returned a snapshot stored for another user")
	}
}

func TestAdapter_StaleSnapshotDoesNotOverwrite(t *testing.T) {
	store := NewMemoryStore()
	a := newTestAdapter(t, store)
	ctx := context.Background()

	if err := a.Flush(ctx, snapshotAt("u-1", 5, testTime)); err != nil {
		t.Fatal(err)
	}
	if err := a.Flush(ctx, snapshotAt("u-1", 4, testTime.Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}

	got, _ := a.Load(ctx, "u-1")
	if got.Balance != 5 {
		t.Errorf("Balance = %v, stale snapshot overwrote newer one", got.Balance)
	}
	if stats := a.Stats(); stats.Stale != 1 || stats.Writes != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestAdapter_StalenessSeededByLoad(t *testing.T) {
	store := NewMemoryStore()
	data, _ := Encode(snapshotAt("u-1", 9, testTime), mining.DefaultBaseRate)
	_ = store.Write(context.Background(), Key("u-1"), data)

	a := newTestAdapter(t, store)
	if _, ok := a.Load(context.Background(), "u-1"); !ok {
		t.Fatal("Load() found nothing")
	}
	_ = a.Flush(context.Background(), snapshotAt("u-1", 1, testTime.Add(-time.Hour)))

	got, _ := a.Load(context.Background(), "u-1")
	if got.Balance != 9 {
		t.Errorf("Balance = %v, want 9", got.Balance)
	}
}

func TestAdapter_SaveIsAsyncAndLatestWins(t *testing.T) {
	store := newBlockingStore()
	a := newTestAdapter(t, store)

	store.block()
	a.Save(snapshotAt("u-1", 1, testTime))
	store.waitForWrite(t)

	// the writer is stuck; these coalesce into one pending entry
	a.Save(snapshotAt("u-1", 2, testTime.Add(time.Second)))
	a.Save(snapshotAt("u-1", 3, testTime.Add(2*time.Second)))
	store.unblock()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got, ok := a.Load(context.Background(), "u-1"); ok && got.Balance == 3 {
			if n := store.writeCount(); n != 2 {
				t.Errorf("writes = %d, want 2", n)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("latest snapshot was never written")
}

func TestAdapter_CloseDrainsPending(t *testing.T) {
	store := NewMemoryStore()
	a := New(store, log.Discard())
	a.Start()

	a.Save(snapshotAt("u-1", 7, testTime))
	a.Save(snapshotAt("u-2", 8, testTime))
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for user, want := range map[string]float64{"u-1": 7, "u-2": 8} {
		data, ok, _ := store.Read(context.Background(), Key(user))
		if !ok {
			t.Errorf("%s not written before close", user)
			continue
		}
		var snap mining.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil || snap.Balance != want {
			t.Errorf("%s = %+v (%v), want balance %v", user, snap, err, want)
		}
	}

	// saves after close are dropped without panicking
	a.Save(snapshotAt("u-1", 99, testTime.Add(time.Hour)))
}

func TestAdapter_WriteFailureIsReported(t *testing.T) {
	a := newTestAdapter(t, failingStore{})

	err := a.Flush(context.Background(), snapshotAt("u-1", 1, testTime))
	if err == nil {
		t.Fatal("Flush() error = nil, want failure")
	}
	if !strings.Contains(err.Error(), "write_snapshot") {
		t.Errorf("error %q lacks operation", err)
	}
	if a.Stats().Failures != 1 {
		t.Errorf("Failures = %d, want 1", a.Stats().Failures)
	}
}

func TestEncode_SanitizesNonFinite(t *testing.T) {
	snap := snapshotAt("u-1", 0, testTime)
	snap.Balance = -3
	snap.Rate = 0

	data, err := Encode(snap, mining.DefaultBaseRate)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var out mining.Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Balance != 0 || out.Rate != mining.DefaultBaseRate {
		t.Errorf("encoded = %+v", out)
	}
}

func TestAdapter_InvalidRateUsesConfiguredBaseRate(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want float64
	}{
		{"default", nil, mining.DefaultBaseRate},
		{"configured", []Option{WithBaseRate(0.01)}, 0.01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(NewMemoryStore(), log.Discard(), tt.opts...)
			snap := snapshotAt("u-1", 2, testTime)
			snap.Rate = -1

			if err := a.Flush(context.Background(), snap); err != nil {
				t.Fatalf("Flush() error = %v", err)
			}
			got, ok := a.Load(context.Background(), "u-1")
			if !ok {
				t.Fatal("Load() found nothing")
			}
			if got.Rate != tt.want {
				t.Errorf("Rate = %v, want %v", got.Rate, tt.want)
			}
		})
	}
}

type failingStore struct{}

func (failingStore) Read(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk gone")
}

func (failingStore) Write(context.Context, string, []byte) error {
	return errors.New("disk gone")
}

// blockingStore lets a test hold the writer inside Write.
type blockingStore struct {
	*MemoryStore
	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
	writes  int
}

func newBlockingStore() *blockingStore {
	return &blockingStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}, 8)}
}

func (b *blockingStore) block() {
	b.mu.Lock()
	b.gate = make(chan struct{})
	b.mu.Unlock()
}

func (b *blockingStore) unblock() {
	b.mu.Lock()
	close(b.gate)
	b.gate = nil
	b.mu.Unlock()
}

func (b *blockingStore) waitForWrite(t *testing.T) {
	t.Helper()
	select {
	case <-b.entered:
	case <-time.After(time.Second):
		t.Fatal("writer never reached the store")
	}
}

func (b *blockingStore) writeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

func (b *blockingStore) Write(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	gate := b.gate
	b.writes++
	b.mu.Unlock()

	b.entered <- struct{}{}
	if gate != nil {
		<-gate
	}
	return b.MemoryStore.Write(ctx, key, data)
}
