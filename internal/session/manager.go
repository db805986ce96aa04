package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/minesync/internal/messaging"
	"github.com/bardlex/minesync/pkg/errors"
	"github.com/bardlex/minesync/pkg/log"
)

// DefaultLockTTL is how long a session lock survives without renewal.
const DefaultLockTTL = 30 * time.Second

// ErrLocked is returned when another instance drives the user's session.
var ErrLocked = errors.New(errors.ErrorTypeValidation, "session_lock", "session is driven by another instance")

// Manager runs one Driver per user on demand.
type Manager struct {
	cfg     Config
	deps    Deps
	locker  Locker
	lockTTL time.Duration
	owner   string
	logger  *log.Logger
	now     func() time.Time

	mu      sync.Mutex
	drivers map[string]*managed
	online  bool
	closed  bool
	wg      sync.WaitGroup
}

type managed struct {
	driver   *Driver
	cancel   context.CancelFunc
	stopped  chan struct{} // closed after Run returns and the lock is released
	lastUsed time.Time
}

// NewManager creates a manager. locker may be nil for a single instance.
func NewManager(cfg Config, deps Deps, locker Locker, online bool) *Manager {
	if deps.Logger == nil {
		deps.Logger = log.Discard()
	}
	owner := uuid.NewString()
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		locker:  locker,
		lockTTL: DefaultLockTTL,
		owner:   owner,
		logger:  deps.Logger.WithComponent("session_manager").WithFields("owner", owner),
		now:     now,
		drivers: make(map[string]*managed),
		online:  online,
	}
}

// Get returns the user's driver, starting one if needed.
func (m *Manager) Get(ctx context.Context, userID string) (*Driver, error) {
	if userID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "session_get", "user id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if md, ok := m.drivers[userID]; ok {
		select {
		case <-md.driver.Done():
			// our own lock must be gone before we ask for it again
			<-md.stopped
			delete(m.drivers, userID)
		default:
			md.lastUsed = m.now()
			return md.driver, nil
		}
	}

	if m.locker != nil {
		ok, err := m.locker.AcquireSessionLock(ctx, userID, m.owner, m.lockTTL)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "session_lock", "failed to acquire session lock").
				WithContext("user_id", userID)
		}
		if !ok {
			return nil, ErrLocked
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d := NewDriver(userID, m.cfg, m.deps, m.online)
	md := &managed{driver: d, cancel: cancel, stopped: make(chan struct{}), lastUsed: m.now()}
	m.drivers[userID] = md

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(md.stopped)
		if err := d.Run(runCtx); err != nil {
			m.logger.WithUser(userID).WithError(err).Error("session driver failed")
		}
		m.releaseLock(userID)
	}()

	if m.locker != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.holdLock(runCtx, md)
		}()
	}

	m.logger.WithUser(userID).Info("session driver started")
	return d, nil
}

// holdLock renews the user's lock until the driver exits. Losing the lock
// stops the driver.
func (m *Manager) holdLock(ctx context.Context, md *managed) {
	userID := md.driver.UserID()
	ticker := time.NewTicker(m.lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-md.driver.Done():
			return
		case <-ticker.C:
			ok, err := m.locker.ExtendSessionLock(ctx, userID, m.owner, m.lockTTL)
			if err != nil {
				m.logger.WithUser(userID).WithError(err).Warn("failed to extend session lock")
				continue
			}
			if !ok {
				m.logger.WithUser(userID).Warn("session lock lost, stopping driver")
				md.cancel()
				return
			}
		}
	}
}

// releaseLock gives up the user's lock once its driver has flushed.
func (m *Manager) releaseLock(userID string) {
	if m.locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.locker.ReleaseSessionLock(ctx, userID, m.owner); err != nil {
		m.logger.WithUser(userID).WithError(err).Warn("failed to release session lock")
	}
}

// Release stops the user's driver and waits for its final flush. When it
// returns nil the session lock is free for any instance.
func (m *Manager) Release(ctx context.Context, userID string) error {
	m.mu.Lock()
	md, ok := m.drivers[userID]
	delete(m.drivers, userID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	md.cancel()
	if err := m.awaitStopped(ctx, md); err != nil {
		return err
	}
	m.logger.WithUser(userID).Info("session driver released")
	return nil
}

// EvictIdle stops drivers not requested within idle that have no
// subscribers and no running session. It returns how many were stopped.
func (m *Manager) EvictIdle(ctx context.Context, idle time.Duration) int {
	cutoff := m.now().Add(-idle)

	m.mu.Lock()
	var evicted []*managed
	for userID, md := range m.drivers {
		if md.lastUsed.After(cutoff) || !md.driver.idle() {
			continue
		}
		delete(m.drivers, userID)
		evicted = append(evicted, md)
	}
	m.mu.Unlock()

	for _, md := range evicted {
		md.cancel()
	}
	for _, md := range evicted {
		if err := m.awaitStopped(ctx, md); err != nil {
			m.logger.WithUser(md.driver.UserID()).WithError(err).Warn("idle driver did not stop in time")
		}
	}
	if len(evicted) > 0 {
		m.logger.Info("evicted idle session drivers", "count", len(evicted), "idle", idle.String())
	}
	return len(evicted)
}

// RunEviction calls EvictIdle every interval until ctx is done.
func (m *Manager) RunEviction(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle(ctx, idle)
		}
	}
}

func (m *Manager) awaitStopped(ctx context.Context, md *managed) error {
	select {
	case <-md.stopped:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "session_release", "driver did not stop in time").
			WithContext("user_id", md.driver.UserID())
	}
}

// SetOnline forwards connectivity to every running driver.
func (m *Manager) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	drivers := m.snapshot()
	m.mu.Unlock()

	if changed {
		m.logger.LogConnectivity(online, "health check")
	}
	for _, d := range drivers {
		if err := d.SetOnline(ctx, online); err != nil && !errors.Is(err, ErrClosed) {
			m.logger.WithUser(d.UserID()).WithError(err).Warn("failed to update connectivity")
		}
	}
}

// HandleProfileUpdate merges a pushed profile into the user's driver when
// this instance runs it.
func (m *Manager) HandleProfileUpdate(ctx context.Context, update messaging.ProfileUpdate) error {
	m.mu.Lock()
	md, ok := m.drivers[update.UserID]
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("profile update for inactive user", "user_id", update.UserID, "event_id", update.EventID)
		return nil
	}

	err := md.driver.ApplyRemote(ctx, update.Remote())
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Len returns the number of running drivers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.drivers)
}

// Close stops every driver and waits for them to flush.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, md := range m.drivers {
		md.cancel()
	}
	m.drivers = make(map[string]*managed)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("session manager closed")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "session_close", "drivers did not stop in time")
	}
}

func (m *Manager) snapshot() []*Driver {
	out := make([]*Driver, 0, len(m.drivers))
	for _, md := range m.drivers {
		out = append(out, md.driver)
	}
	return out
}
