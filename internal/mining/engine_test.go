package mining

import (
	"context"
	"math"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recordingSaver struct {
	saves   []Snapshot
	flushes []Snapshot
}

func (s *recordingSaver) Save(snap Snapshot) { s.saves = append(s.saves, snap) }

func (s *recordingSaver) Flush(_ context.Context, snap Snapshot) error {
	s.flushes = append(s.flushes, snap)
	return nil
}

func newTestEngine(t *testing.T, period int) (*Engine, *fakeClock, *recordingSaver) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	saver := &recordingSaver{}
	snap := DefaultSnapshot("u-1", DefaultBaseRate, period)
	e := NewEngine(snap, WithClock(clock.Now), WithSaver(saver))
	return e, clock, saver
}

// run ticks the engine one second at a time for n seconds.
func run(e *Engine, clock *fakeClock, n int) []TickResult {
	results := make([]TickResult, 0, n)
	for i := 0; i < n; i++ {
		clock.Advance(time.Second)
		results = append(results, e.Tick(context.Background(), time.Second))
	}
	return results
}

func TestEngine_StartIdempotent(t *testing.T) {
	e, clock, _ := newTestEngine(t, DefaultPeriodSeconds)

	if !e.Start() {
		t.Fatal("first Start() = false, want true")
	}
	run(e, clock, 30)
	before := e.State()

	if e.Start() {
		t.Error("second Start() = true, want false")
	}
	if e.State() != before {
		t.Errorf("second Start() changed state: %+v -> %+v", before, e.State())
	}
}

func TestEngine_StopIdempotent(t *testing.T) {
	e, clock, saver := newTestEngine(t, DefaultPeriodSeconds)
	e.Start()
	run(e, clock, 200)

	if !e.Stop(context.Background()) {
		t.Fatal("first Stop() = false, want true")
	}
	after := e.State()
	if e.Stop(context.Background()) {
		t.Error("second Stop() = true, want false")
	}
	if e.State() != after {
		t.Error("second Stop() changed state")
	}
	if len(saver.flushes) != 1 {
		t.Errorf("flushes = %d, want 1", len(saver.flushes))
	}

	st := e.State()
	if st.Active || st.RemainingSeconds != st.PeriodSeconds || st.SessionAccrued != 0 {
		t.Errorf("state after stop = %+v", st)
	}
	if !approx(st.Balance, DefaultBaseRate) {
		t.Errorf("balance after stop = %v, want %v", st.Balance, DefaultBaseRate)
	}
}

func TestEngine_StartResetsSession(t *testing.T) {
	e, clock, _ := newTestEngine(t, DefaultPeriodSeconds)
	e.Start()
	run(e, clock, 400)
	e.Stop(context.Background())
	e.Start()

	st := e.State()
	if st.SessionAccrued != 0 || st.RemainingSeconds != st.PeriodSeconds {
		t.Errorf("restart state = %+v", st)
	}
	if want := clock.now.Add(DefaultPeriodSeconds * time.Second); !st.EndsAt.Equal(want) {
		t.Errorf("EndsAt = %v, want %v", st.EndsAt, want)
	}
}

func TestEngine_FullSessionCreditsEveryCycle(t *testing.T) {
	e, clock, saver := newTestEngine(t, DefaultPeriodSeconds)
	e.Start()

	credits := 0
	var last TickResult
	for _, r := range run(e, clock, DefaultPeriodSeconds) {
		if r.Credited {
			credits++
		}
		last = r
	}

	if want := DefaultPeriodSeconds / RewardCycleSeconds; credits != want {
		t.Errorf("credits = %d, want %d", credits, want)
	}
	if !last.Completed {
		t.Fatal("last tick did not complete the session")
	}
	if want := 120 * DefaultBaseRate; !approx(last.SessionAccrued, want) {
		t.Errorf("final SessionAccrued = %v, want %v", last.SessionAccrued, want)
	}
	if last.Progress != 100 {
		t.Errorf("final Progress = %v, want 100", last.Progress)
	}

	st := e.State()
	if st.Active {
		t.Error("engine still active after completion")
	}
	if st.SessionAccrued != 0 {
		t.Errorf("SessionAccrued after completion = %v, want 0", st.SessionAccrued)
	}
	if !approx(st.Balance, 120*DefaultBaseRate) {
		t.Errorf("Balance = %v, want %v", st.Balance, 120*DefaultBaseRate)
	}
	if len(saver.flushes) != 1 {
		t.Errorf("flushes = %d, want 1 on completion", len(saver.flushes))
	}

	// ticks after completion are ignored
	if r := e.Tick(context.Background(), time.Second); r.Applied {
		t.Error("tick after completion was applied")
	}
}

func TestEngine_CompletedEventCarriesFinalTotals(t *testing.T) {
	e, clock, _ := newTestEngine(t, 360)
	var events []Event
	e.Subscribe(func(ev Event) { events = append(events, ev) })

	e.Start()
	run(e, clock, 360)

	var completed, stopped *Event
	for i := range events {
		switch events[i].Kind {
		case EventCompleted:
			completed = &events[i]
		case EventStopped:
			stopped = &events[i]
		}
	}
	if completed == nil || stopped == nil {
		t.Fatalf("missing completion events in %d events", len(events))
	}
	if !approx(completed.State.SessionAccrued, 2*DefaultBaseRate) {
		t.Errorf("completed SessionAccrued = %v", completed.State.SessionAccrued)
	}
	if stopped.State.Active {
		t.Error("stopped event should carry idle state")
	}
}

func TestEngine_MonotonicBalanceAndProgressBounds(t *testing.T) {
	e, clock, _ := newTestEngine(t, 1000)
	e.Start()

	steps := []time.Duration{
		700 * time.Millisecond, 3 * time.Second, 0, 179 * time.Second,
		-time.Second, 1500 * time.Millisecond, 45 * time.Second, 10 * time.Minute,
	}
	prevBalance := e.State().Balance
	for i := 0; i < 40; i++ {
		d := steps[i%len(steps)]
		clock.Advance(max(d, 0))
		e.Tick(context.Background(), d)

		st := e.State()
		if st.Balance < prevBalance {
			t.Fatalf("balance decreased: %v -> %v", prevBalance, st.Balance)
		}
		if st.Progress < 0 || st.Progress > 100 {
			t.Fatalf("progress out of bounds: %v", st.Progress)
		}
		if st.RemainingSeconds < 0 || st.RemainingSeconds > st.PeriodSeconds {
			t.Fatalf("remaining out of bounds: %d", st.RemainingSeconds)
		}
		prevBalance = st.Balance
		if !st.Active {
			e.Start()
		}
	}
}

func TestEngine_NonPositiveTickIsNoop(t *testing.T) {
	e, clock, _ := newTestEngine(t, DefaultPeriodSeconds)
	e.Start()
	run(e, clock, 10)

	for _, d := range []time.Duration{0, -5 * time.Second} {
		before := e.State()
		clock.Advance(time.Second)
		if r := e.Tick(context.Background(), d); r.Applied {
			t.Errorf("Tick(%v) applied", d)
		}
		if e.State() != before {
			t.Errorf("Tick(%v) changed state", d)
		}
	}
}

func TestEngine_IdleTickIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultPeriodSeconds)
	before := e.State()
	if r := e.Tick(context.Background(), time.Minute); r.Applied {
		t.Error("idle tick applied")
	}
	if e.State() != before {
		t.Error("idle tick changed state")
	}
}

func TestEngine_SubSecondCarry(t *testing.T) {
	e, clock, _ := newTestEngine(t, DefaultPeriodSeconds)
	e.Start()

	for i := 0; i < 4; i++ {
		clock.Advance(500 * time.Millisecond)
		e.Tick(context.Background(), 500*time.Millisecond)
	}
	if got := e.State().RemainingSeconds; got != DefaultPeriodSeconds-2 {
		t.Errorf("RemainingSeconds = %d, want %d", got, DefaultPeriodSeconds-2)
	}
}

func TestEngine_LargeGapCreditsOnce(t *testing.T) {
	e, clock, _ := newTestEngine(t, DefaultPeriodSeconds)
	e.Start()
	run(e, clock, 170)

	clock.Advance(10 * time.Minute)
	r := e.Tick(context.Background(), 10*time.Minute)

	// 170s -> 770s crosses four boundaries but only wraps once
	if !r.Credited {
		t.Error("expected a credit for the wrapped boundary")
	}
	if r.MissedCycles != 3 {
		t.Errorf("MissedCycles = %d, want 3", r.MissedCycles)
	}
	if !approx(e.State().Balance, DefaultBaseRate) {
		t.Errorf("Balance = %v, want one credit", e.State().Balance)
	}
}

func TestEngine_PeriodicSave(t *testing.T) {
	e, clock, saver := newTestEngine(t, DefaultPeriodSeconds)
	e.Start()
	if len(saver.saves) != 1 {
		t.Fatalf("saves after start = %d, want 1", len(saver.saves))
	}

	run(e, clock, 10)
	if len(saver.saves) != 1 {
		t.Errorf("saves after 10s = %d, want 1", len(saver.saves))
	}
	run(e, clock, 1)
	if len(saver.saves) != 2 {
		t.Errorf("saves after 11s = %d, want 2", len(saver.saves))
	}
	if got := saver.saves[1]; got.UserID != "u-1" || !got.SavedAt.Equal(clock.now) {
		t.Errorf("saved snapshot = %+v", got)
	}
}

func TestEngine_InvalidRateKeepsBalance(t *testing.T) {
	e, clock, _ := newTestEngine(t, 400)
	e.Start()
	e.state.Rate = math.NaN()

	run(e, clock, 200)
	st := e.State()
	if st.Balance != 0 || math.IsNaN(st.SessionAccrued) {
		t.Errorf("state after NaN rate = %+v", st)
	}
}

func TestEngine_RestoreSanitizes(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultPeriodSeconds)
	var kinds []EventKind
	e.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })

	bad := Snapshot{UserID: "u-1"}
	bad.Balance = math.Inf(1)
	bad.Rate = -1
	bad.PeriodSeconds = 0
	bad.RemainingSeconds = 99999
	e.Restore(bad)

	st := e.State()
	if st.Balance != 0 || st.Rate != DefaultBaseRate || st.PeriodSeconds != DefaultPeriodSeconds {
		t.Errorf("restored state = %+v", st)
	}
	if st.RemainingSeconds != st.PeriodSeconds {
		t.Errorf("RemainingSeconds = %d, want %d", st.RemainingSeconds, st.PeriodSeconds)
	}
	if len(kinds) != 1 || kinds[0] != EventRestored {
		t.Errorf("events = %v", kinds)
	}
}

func TestEngine_Unsubscribe(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultPeriodSeconds)
	calls := 0
	cancel := e.Subscribe(func(Event) { calls++ })
	e.Start()
	cancel()
	e.Stop(context.Background())

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
