// Package main implements minerd, the mining session daemon.
// It hosts one session driver per user, persists snapshots locally,
// reconciles them with the remote profile store and serves the UI API.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bardlex/minesync/internal/api"
	"github.com/bardlex/minesync/internal/config"
	"github.com/bardlex/minesync/internal/database"
	"github.com/bardlex/minesync/internal/database/influx"
	"github.com/bardlex/minesync/internal/database/postgres"
	"github.com/bardlex/minesync/internal/database/redis"
	"github.com/bardlex/minesync/internal/database/sqlite"
	"github.com/bardlex/minesync/internal/messaging"
	"github.com/bardlex/minesync/internal/persistence"
	"github.com/bardlex/minesync/internal/session"
	"github.com/bardlex/minesync/pkg/errors"
	"github.com/bardlex/minesync/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting minerd",
		"version", cfg.Version,
		"local_store", cfg.LocalStore,
		"remote_enabled", cfg.RemoteEnabled,
		"period_seconds", cfg.PeriodSeconds,
	)

	daemon, err := NewDaemon(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize minerd")
		os.Exit(1)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- daemon.Start(ctx)
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("minerd failed")
		}
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("minerd stopped")
}

// Daemon wires the stores, session manager, push channel and HTTP API.
type Daemon struct {
	cfg    *config.Config
	logger *log.Logger

	db       *database.Manager
	redis    *redis.Client
	sqlite   *sqlite.Store
	kafka    *messaging.KafkaClient
	store    *persistence.Adapter
	sessions *session.Manager
	server   *http.Server
}

// NewDaemon connects to the configured backends. Nothing runs until Start.
func NewDaemon(cfg *config.Config, logger *log.Logger) (*Daemon, error) {
	d := &Daemon{cfg: cfg, logger: logger.WithComponent("minerd")}

	if cfg.RemoteEnabled {
		db, err := database.NewManager(databaseConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		d.db = db
		d.redis = db.Redis
	}

	if d.redis == nil && cfg.LocalStore == config.StoreRedis {
		rc, err := redis.NewClient(redisConfig(cfg))
		if err != nil {
			d.closeBackends()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection", "failed to connect to Redis")
		}
		d.redis = rc
	}

	local, err := d.openLocalStore()
	if err != nil {
		d.closeBackends()
		return nil, err
	}
	d.store = persistence.New(local, logger, persistence.WithBaseRate(cfg.BaseRate))

	if len(cfg.KafkaBrokers) > 0 {
		d.kafka = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	}

	deps := session.Deps{
		Store:  d.store,
		Logger: logger,
	}
	if d.db != nil {
		deps.Remote = d.db
		deps.Recorder = d.db
	}
	if d.kafka != nil {
		deps.Events = d.kafka
	}

	var locker session.Locker
	if d.redis != nil {
		locker = d.redis
	}
	// online until the first health probe says otherwise
	d.sessions = session.NewManager(sessionConfig(cfg), deps, locker, true)

	opts := api.Options{
		Sessions:       d.sessions,
		Logger:         logger,
		CommandLimit:   int64(cfg.CommandRateLimit),
		CommandWindow:  cfg.CommandRateWindow,
		AllowedOrigins: cfg.AllowedOrigins,
		Health:         d.health,
	}
	if d.db != nil {
		opts.Profiles = &profileService{Manager: d.db, kafka: d.kafka, logger: d.logger}
	}
	if d.redis != nil {
		opts.Limiter = d.redis
	}

	d.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.ListenPort)),
		Handler:      api.NewServer(opts),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return d, nil
}

func (d *Daemon) openLocalStore() (persistence.LocalStore, error) {
	switch d.cfg.LocalStore {
	case config.StoreRedis:
		return d.redis, nil
	case config.StoreSQLite:
		store, err := sqlite.Open(d.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		d.sqlite = store
		return store, nil
	case config.StoreMemory:
		d.logger.Warn("using in-memory snapshot store; state is lost on restart")
		return persistence.NewMemoryStore(), nil
	default:
		return nil, errors.New(errors.ErrorTypeValidation, "open_local_store", "unknown local store").
			WithContext("local_store", d.cfg.LocalStore)
	}
}

// Start runs the daemon until ctx is done or the HTTP server fails.
func (d *Daemon) Start(ctx context.Context) error {
	if d.db != nil {
		if err := d.db.Postgres.Migrate(ctx); err != nil {
			return err
		}
		d.db.StartPeriodicTasks(ctx)
		go d.healthLoop(ctx)
	}

	d.store.Start()
	go d.sessions.RunEviction(ctx, d.cfg.SessionIdleTimeout/2, d.cfg.SessionIdleTimeout)

	if d.kafka != nil {
		go func() {
			if err := d.kafka.StartProfileConsumer(ctx, d.cfg.KafkaGroupID, d.sessions); err != nil && ctx.Err() == nil {
				d.logger.WithError(err).Error("profile consumer stopped")
			}
		}()
	}

	d.logger.Info("HTTP API listening", "addr", d.server.Addr)
	if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "http_listen", "HTTP server failed")
	}
	return nil
}

// healthLoop probes the remote store and forwards connectivity to drivers.
func (d *Daemon) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.probe(ctx)
		}
	}
}

func (d *Daemon) probe(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := d.db.Health(hctx)
	if err != nil {
		d.logger.WithError(err).Debug("remote store health check failed")
	}
	d.sessions.SetOnline(ctx, err == nil)
}

func (d *Daemon) health(ctx context.Context) error {
	if d.db != nil {
		return d.db.Health(ctx)
	}
	if d.redis != nil {
		return d.redis.Health(ctx)
	}
	if d.sqlite != nil {
		return d.sqlite.Health(ctx)
	}
	return nil
}

// Shutdown stops the API, flushes every session and closes the backends.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down minerd")

	var firstErr error
	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.WithError(err).Error("HTTP server shutdown failed")
		firstErr = err
	}

	// Drivers flush into the adapter; the adapter drains into the store
	if err := d.sessions.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.store.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if d.kafka != nil {
		if err := d.kafka.Close(); err != nil {
			d.logger.WithError(err).Warn("failed to close kafka client")
		}
	}
	d.closeBackends()

	return firstErr
}

func (d *Daemon) closeBackends() {
	if d.sqlite != nil {
		if err := d.sqlite.Close(); err != nil {
			d.logger.WithError(err).Warn("failed to close sqlite store")
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.WithError(err).Warn("failed to close databases")
		}
		return
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.logger.WithError(err).Warn("failed to close redis")
		}
	}
}

// profileService announces referral changes on the push channel so the
// instance holding the referrer's session merges the new rate.
type profileService struct {
	*database.Manager
	kafka  *messaging.KafkaClient
	logger *log.Logger
}

func (p *profileService) RecordReferral(ctx context.Context, referrerID, refereeID string) (*postgres.Profile, error) {
	profile, err := p.Manager.RecordReferral(ctx, referrerID, refereeID)
	if err != nil || p.kafka == nil {
		return profile, err
	}

	update := messaging.NewProfileUpdate(profile.Remote())
	if err := p.kafka.PublishProfileUpdate(ctx, update); err != nil {
		p.logger.WithError(err).Warn("failed to publish profile update", "user_id", referrerID)
	}
	return profile, nil
}

func sessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.TickInterval = cfg.TickInterval
	sc.FetchTimeout = cfg.FetchTimeout
	sc.PushTimeout = cfg.PushTimeout
	sc.SaveInterval = cfg.SaveInterval
	sc.BaseRate = cfg.BaseRate
	sc.PeriodSeconds = cfg.PeriodSeconds
	sc.BalanceTolerance = cfg.BalanceTolerance
	return sc
}

func redisConfig(cfg *config.Config) *redis.Config {
	return &redis.Config{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

func databaseConfig(cfg *config.Config) *database.Config {
	return &database.Config{
		Postgres: &postgres.Config{
			Host:         cfg.PostgresHost,
			Port:         cfg.PostgresPort,
			Database:     cfg.PostgresDB,
			User:         cfg.PostgresUser,
			Password:     cfg.PostgresPassword,
			SSLMode:      cfg.PostgresSSLMode,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
		Redis: redisConfig(cfg),
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
		BaseRate: cfg.BaseRate,
	}
}
