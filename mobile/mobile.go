// Package mobile is the gomobile binding used by the phone apps. It runs a
// single user's session driver on top of an on-device SQLite store. The
// host app owns connectivity and the remote profile: it reports network
// changes through SetOnline and forwards profiles through ApplyRemote.
//
// Build with: gomobile bind -target=android,ios ./mobile
package mobile

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "golang.org/x/mobile/bind"

	"github.com/bardlex/minesync/internal/database/sqlite"
	"github.com/bardlex/minesync/internal/messaging"
	"github.com/bardlex/minesync/internal/persistence"
	"github.com/bardlex/minesync/internal/session"
	"github.com/bardlex/minesync/pkg/errors"
	"github.com/bardlex/minesync/pkg/log"
)

const (
	dbFile       = "minesync.db"
	callTimeout  = 10 * time.Second
	closeTimeout = 5 * time.Second
)

// ErrNotOpen is returned when no session is open.
var ErrNotOpen = errors.New(errors.ErrorTypeValidation, "mobile", "session is not open")

// StateListener receives the state as JSON after every change. Calls come
// from a background goroutine.
type StateListener interface {
	OnState(stateJSON string)
}

type runtime struct {
	driver *session.Driver
	store  *persistence.Adapter
	db     io.Closer
	cancel context.CancelFunc
	unsub  func()
}

var (
	logger = log.New("minesync-mobile", "mobile", "info", "text")

	mu      sync.Mutex
	current *runtime

	// separate from mu: notify runs on the driver goroutine
	listenerMu sync.Mutex
	listener   StateListener
)

// Open starts mining state for userID, stored under dataDir. An open session
// for another user is closed first.
func Open(dataDir, userID string, online bool) error {
	if userID == "" {
		return errors.New(errors.ErrorTypeValidation, "mobile_open", "user id is required")
	}

	mu.Lock()
	defer mu.Unlock()

	if current != nil {
		if current.driver.UserID() == userID {
			return nil
		}
		prev := current.driver.UserID()
		if err := closeLocked(); err != nil {
			logger.WithUser(prev).WithError(err).Warn("failed to close previous session")
		}
	}

	db, err := sqlite.Open(filepath.Join(dataDir, dbFile))
	if err != nil {
		return err
	}

	cfg := session.DefaultConfig()
	store := persistence.New(db, logger, persistence.WithBaseRate(cfg.BaseRate))
	store.Start()

	d := session.NewDriver(userID, cfg, session.Deps{Store: store, Logger: logger}, online)
	rt := &runtime{driver: d, store: store, db: db}
	rt.unsub = d.Subscribe(notify)

	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	go func() {
		if err := d.Run(ctx); err != nil {
			logger.WithError(err).Error("session driver failed")
		}
	}()

	current = rt
	return nil
}

// Close flushes the session and releases the store.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil
	}
	return closeLocked()
}

func closeLocked() error {
	rt := current
	current = nil

	rt.unsub()
	rt.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	select {
	case <-rt.driver.Done():
	case <-ctx.Done():
	}
	err := rt.store.Close(ctx)
	if cerr := rt.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// SetListener registers l for state updates. Pass nil to stop updates.
func SetListener(l StateListener) {
	listenerMu.Lock()
	listener = l
	listenerMu.Unlock()
}

func notify(v session.View) {
	listenerMu.Lock()
	l := listener
	listenerMu.Unlock()
	if l == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	l.OnState(string(data))
}

func driver() (*session.Driver, error) {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil, ErrNotOpen
	}
	return current.driver, nil
}

// StartMining starts a session. It reports false when one is already running.
func StartMining() (bool, error) {
	d, err := driver()
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return d.Start(ctx)
}

// StopMining ends the running session. It reports false when none was running.
func StopMining() (bool, error) {
	d, err := driver()
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return d.Stop(ctx)
}

// GetState returns the current state as JSON.
func GetState() (string, error) {
	d, err := driver()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(d.State())
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "mobile_state", "failed to encode state")
	}
	return string(data), nil
}

// SetOnline reports network connectivity.
func SetOnline(online bool) error {
	d, err := driver()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return d.SetOnline(ctx, online)
}

// ApplyRemote merges a profile fetched by the host app. profileJSON uses the
// push channel format: user_id, balance, rate, referral_count.
func ApplyRemote(profileJSON string) error {
	d, err := driver()
	if err != nil {
		return err
	}
	update, err := messaging.DecodeProfileUpdate([]byte(profileJSON), d.UserID())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "mobile_apply_remote", "invalid profile")
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return d.ApplyRemote(ctx, update.Remote())
}
