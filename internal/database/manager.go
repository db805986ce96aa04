// Package database provides unified database management for minesync.
// It coordinates the Postgres profile store, Redis and InfluxDB, and exposes
// them as the remote store and statistics recorder used by session drivers.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/minesync/internal/database/influx"
	"github.com/bardlex/minesync/internal/database/postgres"
	"github.com/bardlex/minesync/internal/database/redis"
	"github.com/bardlex/minesync/internal/mining"
	"github.com/bardlex/minesync/pkg/circuit"
	"github.com/bardlex/minesync/pkg/errors"
	"github.com/bardlex/minesync/pkg/log"
	"github.com/bardlex/minesync/pkg/retry"
)

const statsCacheTTL = 30 * time.Second

// Manager coordinates all database operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Profiles  *postgres.ProfileRepository
	Referrals *postgres.ReferralRepository

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	logger *log.Logger
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config

	// BaseRate seeds new profiles and referral rate recomputation
	BaseRate float64
}

// NewManager creates a new database manager with all connections
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	// Initialize PostgreSQL
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	// Initialize Redis
	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
		if closeErr := pgClient.Close(); closeErr != nil {
			return nil, origErr.WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, origErr
	}

	// Initialize InfluxDB
	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		var closeErrs []error
		if closeErr := pgClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}

		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")

		if len(closeErrs) > 0 {
			return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
		}
		return nil, origErr
	}

	logger = logger.WithComponent("database")

	// A dead profile store should flip drivers offline quickly
	cbConfig := &circuit.Config{
		Name:            "profile_store",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	retryConfig := retry.PushConfig()
	retryConfig.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.WithError(err).Debug("retrying profile push", "attempt", attempt, "delay", delay)
	}

	return &Manager{
		Postgres:       pgClient,
		Redis:          redisClient,
		Influx:         influxClient,
		Profiles:       postgres.NewProfileRepository(pgClient.DB(), cfg.BaseRate),
		Referrals:      postgres.NewReferralRepository(pgClient.DB()),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retryConfig,
		logger:         logger,
	}, nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	m.Influx.Close()

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// Remote profile store

// FetchProfile loads the authoritative profile, creating it on first contact.
// It makes a single attempt; callers treat any error as "no remote data".
func (m *Manager) FetchProfile(ctx context.Context, userID string) (mining.RemoteSnapshot, error) {
	profile, err := circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() (*postgres.Profile, error) {
		p, err := m.Profiles.FetchProfile(ctx, userID)
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return m.Profiles.EnsureProfile(ctx, userID)
		}
		return p, err
	})
	if err != nil {
		if circuit.IsOpenError(err) {
			return mining.RemoteSnapshot{}, err
		}
		return mining.RemoteSnapshot{}, errors.Wrap(err, errors.ErrorTypeDatabase, "fetch_profile",
			"failed to fetch profile").WithContext("user_id", userID)
	}
	return profile.Remote(), nil
}

// PushProfile stores a merged snapshot's balance upstream with retries
func (m *Manager) PushProfile(ctx context.Context, userID string, snap mining.Snapshot) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Profiles.PushProfile(ctx, userID, snap.Balance, snap.SavedAt); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "push_profile",
					"failed to store profile in PostgreSQL").
					WithContext("user_id", userID).
					WithContext("balance", snap.Balance)
			}
			return nil
		})
	})
}

// RecordReferral stores a referral and returns the referrer's new profile
func (m *Manager) RecordReferral(ctx context.Context, referrerID, refereeID string) (*postgres.Profile, error) {
	profile, err := circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() (*postgres.Profile, error) {
		return m.Profiles.RecordReferral(ctx, referrerID, refereeID)
	})
	if err != nil {
		return nil, err
	}

	// Cached stats would hide the new rate
	if err := m.Redis.DeleteCache(ctx, statsCacheKey(referrerID, 24*time.Hour)); err != nil {
		m.logger.WithError(err).Debug("failed to drop cached stats", "user_id", referrerID)
	}
	return profile, nil
}

// ListReferrals returns the users referred by referrerID, newest first
func (m *Manager) ListReferrals(ctx context.Context, referrerID string, limit, offset int) ([]*postgres.Referral, error) {
	return circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() ([]*postgres.Referral, error) {
		return m.Referrals.ListByReferrer(ctx, referrerID, limit, offset)
	})
}

// Statistics

// RecordReward writes a reward metric (best effort)
func (m *Manager) RecordReward(userID string, amount, balance, progress float64) {
	m.Influx.WriteRewardMetric(userID, amount, balance, progress)
}

// RecordSession writes a session transition metric (best effort)
func (m *Manager) RecordSession(userID, event string, sessionAccrued, balance float64) {
	m.Influx.WriteSessionMetric(userID, event, sessionAccrued, balance)
}

// RecordMerge writes a merge metric (best effort)
func (m *Manager) RecordMerge(userID, source string, localBalance, remoteBalance, mergedBalance float64, keptSession bool) {
	m.Influx.WriteMergeMetric(userID, source, localBalance, remoteBalance, mergedBalance, keptSession)
}

// RecordConnectivity writes an online/offline transition (best effort)
func (m *Manager) RecordConnectivity(userID string, online bool) {
	m.Influx.WriteConnectivityMetric(userID, online)
}

func statsCacheKey(userID string, window time.Duration) string {
	return fmt.Sprintf("stats:%s:%s", userID, window)
}

// GetMiningStats returns aggregated statistics, cached briefly in Redis
func (m *Manager) GetMiningStats(ctx context.Context, userID string, window time.Duration) (*influx.MiningStats, error) {
	key := statsCacheKey(userID, window)

	var cached influx.MiningStats
	if err := m.Redis.GetCache(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	stats, err := m.Influx.GetMiningStats(ctx, userID, window)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "get_mining_stats",
			"failed to query mining statistics").WithContext("user_id", userID)
	}

	if err := m.Redis.SetCache(ctx, key, stats, statsCacheTTL); err != nil {
		m.logger.WithError(err).Debug("failed to cache stats", "user_id", userID)
	}
	return stats, nil
}

// GetBalanceHistory returns the balance curve over window
func (m *Manager) GetBalanceHistory(ctx context.Context, userID string, window time.Duration) ([]influx.BalancePoint, error) {
	points, err := m.Influx.GetBalanceHistory(ctx, userID, window)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "get_balance_history",
			"failed to query balance history").WithContext("user_id", userID)
	}
	return points, nil
}

// StartPeriodicTasks starts background tasks for database maintenance
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	// Flush InfluxDB writes every 10 seconds
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()
}
