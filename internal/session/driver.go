package session

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/minesync/internal/messaging"
	"github.com/bardlex/minesync/internal/mining"
	"github.com/bardlex/minesync/pkg/errors"
	"github.com/bardlex/minesync/pkg/log"
)

// eventBuffer bounds session events waiting for the broker.
const eventBuffer = 64

// ErrClosed is returned by Driver methods once Run has returned.
var ErrClosed = errors.New(errors.ErrorTypeInternal, "session_driver", "driver is closed")

// Config tunes a Driver.
type Config struct {
	TickInterval     time.Duration
	FetchTimeout     time.Duration
	PushTimeout      time.Duration
	FlushTimeout     time.Duration
	SaveInterval     time.Duration
	BaseRate         float64
	PeriodSeconds    int
	BalanceTolerance float64
}

// DefaultConfig returns the stock driver settings.
func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Second,
		FetchTimeout:     10 * time.Second,
		PushTimeout:      30 * time.Second,
		FlushTimeout:     5 * time.Second,
		SaveInterval:     mining.DefaultSaveInterval,
		BaseRate:         mining.DefaultBaseRate,
		PeriodSeconds:    mining.DefaultPeriodSeconds,
		BalanceTolerance: mining.DefaultBalanceTolerance,
	}
}

// Status is the driver's view of connectivity.
type Status struct {
	Online     bool      `json:"online"`
	Reason     string    `json:"reason,omitempty"`
	LastSyncAt time.Time `json:"lastSyncAt"`
}

// View is what the UI renders.
type View struct {
	mining.Snapshot
	Status Status `json:"status"`
}

// Deps are the collaborators of a Driver. Only Store is required.
type Deps struct {
	Store    LocalStore
	Remote   RemoteStore
	Recorder Recorder
	Events   EventSink
	Logger   *log.Logger

	Clock     func() time.Time
	NewTicker NewTickerFunc
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdSetOnline
	cmdApplyRemote
	cmdSync
)

type command struct {
	kind   commandKind
	online bool
	remote mining.RemoteSnapshot
	source string
	reply  chan bool
}

type fetchResult struct {
	remote mining.RemoteSnapshot
	err    error
}

// Driver owns one user's engine and reconciles it with the remote store.
type Driver struct {
	userID   string
	cfg      Config
	deps     Deps
	logger   *log.Logger
	resolver mining.Resolver

	cmds    chan command
	fetched chan fetchResult
	done    chan struct{}
	events  chan messaging.SessionEvent

	// loop-owned
	engine    *mining.Engine
	ticker    Ticker
	lastTick  time.Time
	connected bool
	fetching  bool
	status    Status

	mu       sync.RWMutex
	view     View
	subs     map[int]func(View)
	nextSub  int
	bg       sync.WaitGroup
	runOnce  sync.Once
	closeErr error
}

// NewDriver creates a driver for userID. connected is the initial
// connectivity reported by the identity provider.
func NewDriver(userID string, cfg Config, deps Deps, connected bool) *Driver {
	if deps.Logger == nil {
		deps.Logger = log.Discard()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewTicker == nil {
		deps.NewTicker = newRealTicker
	}

	d := &Driver{
		userID: userID,
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.WithComponent("session").WithUser(userID),
		resolver: mining.Resolver{
			BaseRate:         cfg.BaseRate,
			PeriodSeconds:    cfg.PeriodSeconds,
			BalanceTolerance: cfg.BalanceTolerance,
		},
		cmds:      make(chan command),
		fetched:   make(chan fetchResult, 1),
		done:      make(chan struct{}),
		connected: connected,
		subs:      make(map[int]func(View)),
	}
	if deps.Events != nil {
		d.events = make(chan messaging.SessionEvent, eventBuffer)
	}
	d.status = d.initialStatus()
	d.view = View{
		Snapshot: mining.DefaultSnapshot(userID, cfg.BaseRate, cfg.PeriodSeconds),
		Status:   d.status,
	}
	return d
}

func (d *Driver) initialStatus() Status {
	switch {
	case !d.connected:
		return Status{Reason: "not connected"}
	case d.deps.Remote == nil:
		return Status{Online: true}
	default:
		return Status{Reason: "not synced"}
	}
}

// UserID returns the user this driver serves.
func (d *Driver) UserID() string { return d.userID }

// Done is closed when Run returns.
func (d *Driver) Done() <-chan struct{} { return d.done }

// State returns the latest rendered view. It never blocks on the loop.
func (d *Driver) State() View {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.view
}

// idle reports whether nobody observes the driver and no session runs.
func (d *Driver) idle() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs) == 0 && !d.view.Active
}

// Subscribe registers fn for every state change. fn runs on the driver
// goroutine and must not call back into the driver.
func (d *Driver) Subscribe(fn func(View)) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Start begins a session. It reports false if one was already running.
func (d *Driver) Start(ctx context.Context) (bool, error) {
	return d.do(ctx, command{kind: cmdStart})
}

// Stop ends the running session once its snapshot is flushed. It reports
// false if the driver was idle.
func (d *Driver) Stop(ctx context.Context) (bool, error) {
	return d.do(ctx, command{kind: cmdStop})
}

// SetOnline records connectivity. Going online triggers a remote fetch.
func (d *Driver) SetOnline(ctx context.Context, online bool) error {
	_, err := d.do(ctx, command{kind: cmdSetOnline, online: online})
	return err
}

// ApplyRemote merges a pushed remote snapshot.
func (d *Driver) ApplyRemote(ctx context.Context, remote mining.RemoteSnapshot) error {
	if remote.UserID != "" && remote.UserID != d.userID {
		return errors.New(errors.ErrorTypeValidation, "apply_remote", "snapshot belongs to another user").
			WithContext("user_id", d.userID).
			WithContext("snapshot_user_id", remote.UserID)
	}
	_, err := d.do(ctx, command{kind: cmdApplyRemote, remote: remote, source: "push"})
	return err
}

// Sync asks for a remote fetch if one is not already in flight.
func (d *Driver) Sync(ctx context.Context) error {
	_, err := d.do(ctx, command{kind: cmdSync})
	return err
}

func (d *Driver) do(ctx context.Context, c command) (bool, error) {
	c.reply = make(chan bool, 1)
	select {
	case d.cmds <- c:
	case <-d.done:
		return false, ErrClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case ok := <-c.reply:
		return ok, nil
	case <-d.done:
		// the loop replies before exiting
		select {
		case ok := <-c.reply:
			return ok, nil
		default:
			return false, ErrClosed
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Run loads the user's snapshot and drives the engine until ctx is done.
// On return the current state has been flushed to the local store.
func (d *Driver) Run(ctx context.Context) error {
	started := false
	d.runOnce.Do(func() { started = true })
	if !started {
		return errors.New(errors.ErrorTypeInternal, "session_run", "driver already ran")
	}
	defer close(d.done)

	if d.events != nil {
		d.bg.Add(1)
		go d.publishEvents()
	}
	d.mount(ctx)
	defer d.shutdown()

	for {
		var tickC <-chan time.Time
		if d.ticker != nil {
			tickC = d.ticker.C()
		}

		select {
		case <-ctx.Done():
			return nil

		case now := <-tickC:
			d.tick(ctx, now)

		case c := <-d.cmds:
			c.reply <- d.handle(ctx, c)

		case res := <-d.fetched:
			d.fetching = false
			d.onFetch(ctx, res)
		}
	}
}

func (d *Driver) mount(ctx context.Context) {
	snap, ok := d.deps.Store.Load(ctx, d.userID)
	if !ok {
		snap = mining.DefaultSnapshot(d.userID, d.cfg.BaseRate, d.cfg.PeriodSeconds)
		d.logger.Debug("no local snapshot, using defaults")
	}

	d.engine = mining.NewEngine(snap,
		mining.WithClock(d.deps.Clock),
		mining.WithSaver(d.deps.Store),
		mining.WithSaveInterval(d.cfg.SaveInterval),
		mining.WithBaseRate(d.cfg.BaseRate),
	)
	d.engine.Subscribe(d.onEngineEvent)

	if d.engine.State().Active {
		// resume; the first tick covers the time spent away
		d.lastTick = d.engine.State().LastTickAt
		d.startTicker(false)
		d.logger.Info("resumed mining session",
			"remaining_seconds", d.engine.State().RemainingSeconds,
			"away", d.deps.Clock().Sub(d.lastTick).String(),
		)
		d.settleExpired(ctx, d.deps.Clock())
	}
	d.publishView()

	d.fetch(ctx)
}

func (d *Driver) shutdown() {
	d.stopTicker()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.FlushTimeout)
	defer cancel()
	if err := d.deps.Store.Flush(ctx, d.engine.Snapshot()); err != nil {
		d.logger.WithError(err).Warn("final flush failed")
	}

	if d.events != nil {
		close(d.events)
	}
	d.bg.Wait()
	d.logger.Debug("session driver stopped")
}

func (d *Driver) handle(ctx context.Context, c command) bool {
	switch c.kind {
	case cmdStart:
		if !d.engine.Start() {
			return false
		}
		st := d.engine.State()
		d.startTicker(true)
		d.logger.LogSessionStarted(st.PeriodSeconds, st.Rate, st.EndsAt)
		d.record(func(r Recorder) { r.RecordSession(d.userID, "started", 0, st.Balance) })
		return true

	case cmdStop:
		accrued := d.engine.State().SessionAccrued
		if !d.engine.Stop(ctx) {
			return false
		}
		d.stopTicker()
		st := d.engine.State()
		d.logger.LogSessionStopped("stopped", accrued, st.Balance)
		d.record(func(r Recorder) { r.RecordSession(d.userID, "stopped", accrued, st.Balance) })
		d.push(ctx, d.engine.Snapshot())
		return true

	case cmdSetOnline:
		d.setConnected(ctx, c.online)
		return true

	case cmdApplyRemote:
		d.merge(ctx, c.remote, c.source)
		return true

	case cmdSync:
		return d.fetch(ctx)
	}
	return false
}

func (d *Driver) tick(ctx context.Context, now time.Time) {
	elapsed := now.Sub(d.lastTick)
	d.lastTick = now

	res := d.engine.Tick(ctx, elapsed)
	if !res.Applied {
		return
	}

	if res.Credited {
		d.logger.LogRewardCredited(res.Amount, res.Balance, res.Progress)
		d.record(func(r Recorder) { r.RecordReward(d.userID, res.Amount, res.Balance, res.Progress) })
	}
	if res.MissedCycles > 0 {
		d.logger.Warn("reward cycles not credited after tick gap",
			"elapsed", elapsed.String(),
			"missed_cycles", res.MissedCycles,
		)
	}
	if res.Completed {
		d.stopTicker()
		d.logger.LogSessionStopped("completed", res.SessionAccrued, res.Balance)
		d.record(func(r Recorder) { r.RecordSession(d.userID, "completed", res.SessionAccrued, res.Balance) })
		d.push(ctx, d.engine.Snapshot())
	}
}

// settleExpired completes a session whose recorded end is not after now.
// The tick covers at least the remaining seconds, so the final cycle is
// credited and completion is reported before anything is merged over it.
func (d *Driver) settleExpired(ctx context.Context, now time.Time) {
	st := d.engine.State()
	if !st.Active || st.Running(now) {
		return
	}
	at := now
	if due := d.lastTick.Add(time.Duration(st.RemainingSeconds) * time.Second); due.After(at) {
		at = due
	}
	d.logger.Info("settling expired session", "ends_at", st.EndsAt, "remaining_seconds", st.RemainingSeconds)
	d.tick(ctx, at)
}

// startTicker replaces any running ticker. reset restarts elapsed tracking now.
func (d *Driver) startTicker(reset bool) {
	d.stopTicker()
	if reset || d.lastTick.IsZero() {
		d.lastTick = d.deps.Clock()
	}
	d.ticker = d.deps.NewTicker(d.cfg.TickInterval)
}

func (d *Driver) stopTicker() {
	if d.ticker != nil {
		d.ticker.Stop()
		d.ticker = nil
	}
}

func (d *Driver) setConnected(ctx context.Context, online bool) {
	was := d.connected
	d.connected = online
	if was == online {
		return
	}

	if !online {
		d.setStatus(false, "connectivity lost")
		return
	}
	if d.deps.Remote == nil {
		d.setStatus(true, "")
		return
	}
	d.fetch(ctx)
}

// fetch starts a bounded remote fetch. It reports whether one was started.
func (d *Driver) fetch(ctx context.Context) bool {
	if d.deps.Remote == nil || !d.connected || d.fetching {
		return false
	}
	d.fetching = true

	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		fctx, cancel := context.WithTimeout(ctx, d.cfg.FetchTimeout)
		defer cancel()

		start := time.Now()
		remote, err := d.deps.Remote.FetchProfile(fctx, d.userID)
		d.logger.LogDuration("fetch_profile", time.Since(start))

		// fetched has room for the only in-flight fetch
		d.fetched <- fetchResult{remote: remote, err: err}
	}()
	return true
}

func (d *Driver) onFetch(ctx context.Context, res fetchResult) {
	if res.err != nil {
		d.logger.WithError(res.err).Warn("remote fetch failed")
		d.setStatus(false, "remote fetch failed")
		return
	}
	if !d.connected {
		// connectivity dropped while the fetch was in flight
		return
	}
	d.merge(ctx, res.remote, "fetch")
	d.setStatus(true, "")
}

func (d *Driver) merge(ctx context.Context, remote mining.RemoteSnapshot, source string) {
	now := d.deps.Clock()
	d.settleExpired(ctx, now)
	local := d.engine.Snapshot()
	wasActive := local.Active

	out := d.resolver.Resolve(&local, remote, now)
	out.Snapshot.UserID = d.userID
	out.Snapshot.SavedAt = now

	d.engine.Restore(out.Snapshot)
	switch st := d.engine.State(); {
	case st.Active && !wasActive:
		d.lastTick = now
		d.startTicker(false)
	case !st.Active && wasActive:
		d.stopTicker()
	}

	d.deps.Store.Save(out.Snapshot)
	d.push(ctx, out.Snapshot)

	d.logger.LogMerge(source, local.Balance, remote.Balance, out.Snapshot.Balance, out.KeptSession)
	d.record(func(r Recorder) {
		r.RecordMerge(d.userID, source, local.Balance, remote.Balance, out.Snapshot.Balance, out.KeptSession)
	})

	d.mu.Lock()
	d.status.LastSyncAt = now
	d.mu.Unlock()
	d.publishView()
}

// push sends snap upstream without waiting. Failures are logged; the
// remote store's own retry policy applies.
func (d *Driver) push(ctx context.Context, snap mining.Snapshot) {
	if d.deps.Remote == nil || !d.connected {
		return
	}

	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.PushTimeout)
		defer cancel()
		if err := d.deps.Remote.PushProfile(pctx, d.userID, snap); err != nil {
			d.logger.WithError(err).Warn("profile push failed", "balance", snap.Balance)
		}
	}()
}

func (d *Driver) setStatus(online bool, reason string) {
	d.mu.Lock()
	changed := d.status.Online != online
	d.status.Online = online
	d.status.Reason = reason
	d.mu.Unlock()

	if changed {
		d.logger.LogConnectivity(online, reason)
		d.record(func(r Recorder) { r.RecordConnectivity(d.userID, online) })
	}
	d.publishView()
}

func (d *Driver) record(fn func(Recorder)) {
	if d.deps.Recorder != nil {
		fn(d.deps.Recorder)
	}
}

func (d *Driver) onEngineEvent(ev mining.Event) {
	d.publishView()

	if d.events == nil || ev.Kind == mining.EventTick {
		return
	}
	msg := messaging.NewSessionEvent(ev)
	select {
	case d.events <- msg:
	default:
		d.logger.Warn("session event dropped, publisher backlog full", "kind", msg.Kind)
	}
}

// publishEvents sends session events one at a time, in the order the engine
// emitted them. It returns once the queue is closed and drained.
func (d *Driver) publishEvents() {
	defer d.bg.Done()
	for msg := range d.events {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PushTimeout)
		if err := d.deps.Events.PublishSessionEvent(ctx, msg); err != nil {
			d.logger.WithError(err).Debug("failed to publish session event", "kind", msg.Kind)
		}
		cancel()
	}
}

func (d *Driver) publishView() {
	d.mu.Lock()
	d.view = View{Snapshot: d.engine.Snapshot(), Status: d.status}
	view := d.view
	subs := make([]func(View), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()

	for _, fn := range subs {
		fn(view)
	}
}
