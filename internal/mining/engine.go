package mining

import (
	"context"
	"time"
)

// Saver receives snapshots from the engine. Save must not block; Flush is
// used on stop and completion and returns once the snapshot is durable.
type Saver interface {
	Save(s Snapshot)
	Flush(ctx context.Context, s Snapshot) error
}

// EventKind identifies what changed in an Event.
type EventKind int

const (
	EventStarted EventKind = iota
	EventTick
	EventReward
	EventCompleted
	EventStopped
	EventRestored
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventTick:
		return "tick"
	case EventReward:
		return "reward"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	case EventRestored:
		return "restored"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after every state change.
type Event struct {
	Kind     EventKind
	UserID   string
	State    State
	Credited float64
	At       time.Time
}

// TickResult describes what one Tick did.
type TickResult struct {
	// Applied is false when the tick was ignored (idle engine or non-positive elapsed).
	Applied  bool
	Credited bool
	Amount   float64
	Progress float64
	Balance  float64

	// Completed is set when the tick exhausted the session. SessionAccrued
	// then holds the final session total; the engine is already idle.
	Completed      bool
	SessionAccrued float64

	// MissedCycles counts reward boundaries crossed in this tick that were not
	// credited because only one credit is granted per tick.
	MissedCycles int
}

// Engine owns one user's MiningState. It is not safe for concurrent use;
// exactly one goroutine drives it.
type Engine struct {
	userID       string
	state        State
	baseRate     float64
	now          func() time.Time
	saver        Saver
	saveInterval time.Duration
	lastSavedAt  time.Time

	// sub-second remainder not yet applied to RemainingSeconds
	carry time.Duration

	subscribers map[int]func(Event)
	nextSubID   int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSaver attaches the persistence sink.
func WithSaver(s Saver) Option {
	return func(e *Engine) { e.saver = s }
}

// WithSaveInterval sets the minimum gap between periodic saves.
func WithSaveInterval(d time.Duration) Option {
	return func(e *Engine) { e.saveInterval = d }
}

// WithBaseRate sets the rate used when a snapshot carries an invalid one.
func WithBaseRate(rate float64) Option {
	return func(e *Engine) { e.baseRate = rate }
}

// NewEngine creates an engine seeded from snap.
func NewEngine(snap Snapshot, opts ...Option) *Engine {
	e := &Engine{
		userID:       snap.UserID,
		baseRate:     DefaultBaseRate,
		now:          time.Now,
		saveInterval: DefaultSaveInterval,
		subscribers:  make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.state = snap.State.Sanitize(e.baseRate)
	e.lastSavedAt = snap.SavedAt
	return e
}

// UserID returns the owner of this engine.
func (e *Engine) UserID() string { return e.userID }

// State returns a copy of the current state.
func (e *Engine) State() State { return e.state }

// Snapshot returns the current state stamped with the user and the current time.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{State: e.state, UserID: e.userID, SavedAt: e.now()}
}

// Subscribe registers fn for every state change and returns a cancel func.
func (e *Engine) Subscribe(fn func(Event)) func() {
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = fn
	return func() { delete(e.subscribers, id) }
}

// Start begins a session. It returns false if one is already running.
func (e *Engine) Start() bool {
	if e.state.Active {
		return false
	}
	now := e.now()
	period := e.state.PeriodSeconds
	e.state.Active = true
	e.state.RemainingSeconds = period
	e.state.SessionAccrued = 0
	e.state.Progress = 0
	e.state.LastTickAt = now
	e.state.EndsAt = now.Add(time.Duration(period) * time.Second)
	e.carry = 0

	e.save(now)
	e.emit(Event{Kind: EventStarted, At: now})
	return true
}

// Stop ends the running session and waits for the snapshot to be flushed.
// It returns false if the engine was already idle.
func (e *Engine) Stop(ctx context.Context) bool {
	if !e.state.Active {
		return false
	}
	now := e.now()
	e.reset(now)
	e.flush(ctx, now)
	e.emit(Event{Kind: EventStopped, At: now})
	return true
}

// Tick advances the countdown by elapsed. Sub-second remainders are carried
// into the next tick. At most one reward is credited per call.
func (e *Engine) Tick(ctx context.Context, elapsed time.Duration) TickResult {
	if !e.state.Active || elapsed <= 0 {
		return TickResult{}
	}

	now := e.now()
	e.carry += elapsed
	secs := int(e.carry / time.Second)
	e.carry -= time.Duration(secs) * time.Second
	e.state.LastTickAt = now

	res := TickResult{Applied: true, Progress: e.state.Progress, Balance: e.state.Balance}
	if secs == 0 {
		return res
	}

	period := e.state.PeriodSeconds
	prevElapsed := period - e.state.RemainingSeconds
	remaining := max(e.state.RemainingSeconds-secs, 0)
	total := period - remaining

	if total%RewardCycleSeconds < prevElapsed%RewardCycleSeconds {
		res.Amount, res.Credited = e.credit()
	}
	crossed := total/RewardCycleSeconds - prevElapsed/RewardCycleSeconds
	if res.Credited {
		crossed--
	}
	res.MissedCycles = max(crossed, 0)

	e.state.RemainingSeconds = remaining
	e.state.Progress = progressOf(total, period)
	res.Progress = e.state.Progress
	res.Balance = e.state.Balance

	if remaining == 0 {
		res.Completed = true
		res.SessionAccrued = e.state.SessionAccrued
		e.emit(Event{Kind: EventCompleted, Credited: res.Amount, At: now})
		e.reset(now)
		e.flush(ctx, now)
		e.emit(Event{Kind: EventStopped, At: now})
		return res
	}

	if res.Credited {
		e.emit(Event{Kind: EventReward, Credited: res.Amount, At: now})
	} else {
		e.emit(Event{Kind: EventTick, At: now})
	}
	if now.Sub(e.lastSavedAt) > e.saveInterval {
		e.save(now)
	}
	return res
}

// Restore replaces the state with a loaded or merged snapshot.
func (e *Engine) Restore(snap Snapshot) {
	e.state = snap.State.Sanitize(e.baseRate)
	e.carry = 0
	e.emit(Event{Kind: EventRestored, At: e.now()})
}

// credit adds one reward cycle. Non-finite results keep the last good values.
func (e *Engine) credit() (float64, bool) {
	rate := e.state.Rate
	balance := e.state.Balance + rate
	accrued := e.state.SessionAccrued + rate
	if !validPositive(rate) || !validNonNegative(balance) || !validNonNegative(accrued) {
		return 0, false
	}
	e.state.Balance = balance
	e.state.SessionAccrued = accrued
	return rate, true
}

func (e *Engine) reset(now time.Time) {
	e.state.Active = false
	e.state.RemainingSeconds = e.state.PeriodSeconds
	e.state.SessionAccrued = 0
	e.state.Progress = 0
	e.state.EndsAt = time.Time{}
	e.state.LastTickAt = now
	e.carry = 0
}

func (e *Engine) save(now time.Time) {
	e.lastSavedAt = now
	if e.saver != nil {
		e.saver.Save(Snapshot{State: e.state, UserID: e.userID, SavedAt: now})
	}
}

func (e *Engine) flush(ctx context.Context, now time.Time) {
	e.lastSavedAt = now
	if e.saver != nil {
		// failures are logged by the saver; the local cache is best effort
		_ = e.saver.Flush(ctx, Snapshot{State: e.state, UserID: e.userID, SavedAt: now})
	}
}

func (e *Engine) emit(ev Event) {
	ev.UserID = e.userID
	ev.State = e.state
	for _, fn := range e.subscribers {
		fn(ev)
	}
}
