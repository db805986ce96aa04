package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bardlex/minesync/internal/config"
	"github.com/bardlex/minesync/pkg/log"
)

func offlineConfig(t *testing.T, store string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.ServiceName = "test-minerd"
	cfg.LogLevel = "error"
	cfg.RemoteEnabled = false
	cfg.KafkaBrokers = nil
	cfg.LocalStore = store
	cfg.SQLitePath = filepath.Join(t.TempDir(), "state.db")
	return cfg
}

func TestNewDaemon_Offline(t *testing.T) {
	for _, store := range []string{config.StoreMemory, config.StoreSQLite} {
		t.Run(store, func(t *testing.T) {
			cfg := offlineConfig(t, store)
			d, err := NewDaemon(cfg, log.Discard())
			if err != nil {
				t.Fatalf("NewDaemon() error = %v", err)
			}

			if d.db != nil || d.kafka != nil || d.redis != nil {
				t.Error("offline daemon should not connect to remote backends")
			}
			if d.sessions == nil || d.store == nil || d.server == nil {
				t.Fatal("NewDaemon() left components unset")
			}
			if (d.sqlite != nil) != (store == config.StoreSQLite) {
				t.Errorf("sqlite store opened = %v for %s", d.sqlite != nil, store)
			}
			if d.server.Addr != "0.0.0.0:8080" {
				t.Errorf("server addr = %s", d.server.Addr)
			}
			if err := d.health(context.Background()); err != nil {
				t.Errorf("health() error = %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
		})
	}
}

func TestDaemon_ServesAPI(t *testing.T) {
	cfg := offlineConfig(t, config.StoreSQLite)
	d, err := NewDaemon(cfg, log.Discard())
	if err != nil {
		t.Fatal(err)
	}
	d.store.Start()

	srv := httptest.NewServer(d.server.Handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/users/u-1/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST start = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET healthz = %d", resp.StatusCode)
	}

	// profile endpoints need the remote store
	resp, err = http.Get(srv.URL + "/v1/users/u-1/stats")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("GET stats without remote = %d, want 500", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// the running session survives a restart
	restarted, err := NewDaemon(cfg, log.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer restarted.Shutdown(context.Background())

	drv, err := restarted.sessions.Get(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !drv.State().Active {
		if time.Now().After(deadline) {
			t.Fatal("session not restored after restart")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.TickInterval = 250 * time.Millisecond
	cfg.PeriodSeconds = 3600
	cfg.BaseRate = 0.01
	cfg.BalanceTolerance = 1.5

	sc := sessionConfig(cfg)
	if sc.TickInterval != cfg.TickInterval || sc.PeriodSeconds != 3600 || sc.BaseRate != 0.01 || sc.BalanceTolerance != 1.5 {
		t.Errorf("sessionConfig() = %+v", sc)
	}
	if sc.FetchTimeout != cfg.FetchTimeout || sc.SaveInterval != cfg.SaveInterval {
		t.Errorf("sessionConfig() timings = %+v", sc)
	}
}

func TestDatabaseConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.PostgresHost = "db.internal"
	cfg.RedisAddr = "cache.internal:6379"
	cfg.InfluxBucket = "stats"

	dc := databaseConfig(cfg)
	if dc.Postgres.Host != "db.internal" || dc.Postgres.Port != 5432 {
		t.Errorf("postgres config = %+v", dc.Postgres)
	}
	if dc.Redis.Addr != "cache.internal:6379" {
		t.Errorf("redis addr = %s", dc.Redis.Addr)
	}
	if dc.Influx.Bucket != "stats" {
		t.Errorf("influx bucket = %s", dc.Influx.Bucket)
	}
	if dc.BaseRate != cfg.BaseRate {
		t.Errorf("base rate = %v", dc.BaseRate)
	}
}

func TestNewDaemon_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := config.Defaults()
	cfg.LogLevel = "error"
	d, err := NewDaemon(cfg, log.Discard())
	if err != nil {
		t.Skipf("backends not available: %v", err)
	}
	defer d.Shutdown(context.Background())

	if d.db == nil || d.redis == nil || d.kafka == nil {
		t.Error("daemon should connect every configured backend")
	}
}
