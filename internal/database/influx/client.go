// Package influx records mining statistics as time series and answers the
// per-user statistics queries served by the API.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	queryAPI := client.QueryAPI(cfg.Org)

	return &Client{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: queryAPI,
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Mining metrics

// WriteRewardMetric records one credited reward cycle
func (c *Client) WriteRewardMetric(userID string, amount, balance, progress float64) {
	tags := map[string]string{
		"user_id": userID,
	}

	fields := map[string]interface{}{
		"amount":   amount,
		"balance":  balance,
		"progress": progress,
		"count":    1,
	}

	point := write.NewPoint("rewards", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteSessionMetric records a session transition: started, stopped or completed
func (c *Client) WriteSessionMetric(userID, event string, sessionAccrued, balance float64) {
	tags := map[string]string{
		"user_id": userID,
		"event":   event,
	}

	fields := map[string]interface{}{
		"session_accrued": sessionAccrued,
		"balance":         balance,
		"count":           1,
	}

	point := write.NewPoint("sessions", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteMergeMetric records the outcome of a local/remote reconciliation
func (c *Client) WriteMergeMetric(userID, source string, localBalance, remoteBalance, mergedBalance float64, keptSession bool) {
	tags := map[string]string{
		"user_id":      userID,
		"source":       source,
		"kept_session": fmt.Sprintf("%t", keptSession),
	}

	fields := map[string]interface{}{
		"local_balance":  localBalance,
		"remote_balance": remoteBalance,
		"merged_balance": mergedBalance,
		"count":          1,
	}

	point := write.NewPoint("merges", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteConnectivityMetric records an online/offline transition
func (c *Client) WriteConnectivityMetric(userID string, online bool) {
	tags := map[string]string{
		"user_id": userID,
	}

	fields := map[string]interface{}{
		"online": online,
	}

	point := write.NewPoint("connectivity", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// Query methods

// GetMiningStats aggregates a user's rewards and sessions over a time window
func (c *Client) GetMiningStats(ctx context.Context, userID string, window time.Duration) (*MiningStats, error) {
	stats := &MiningStats{UserID: userID, Window: window.String()}

	rewardQuery := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "rewards")
		|> filter(fn: (r) => r.user_id == %q)
		|> filter(fn: (r) => r._field == "count" or r._field == "amount")
		|> group(columns: ["_field"])
		|> sum()
	`, c.bucket, window.String(), userID)

	err := c.query(ctx, rewardQuery, func(field string, value any, _ map[string]any) {
		switch field {
		case "count":
			stats.RewardsCredited = toInt64(value)
		case "amount":
			stats.CoinsMined = toFloat64(value)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query reward stats: %w", err)
	}

	sessionQuery := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "sessions")
		|> filter(fn: (r) => r.user_id == %q)
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["event"])
		|> sum()
	`, c.bucket, window.String(), userID)

	err = c.query(ctx, sessionQuery, func(_ string, value any, values map[string]any) {
		switch values["event"] {
		case "started":
			stats.SessionsStarted = toInt64(value)
		case "completed":
			stats.SessionsCompleted = toInt64(value)
		case "stopped":
			stats.SessionsStopped = toInt64(value)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query session stats: %w", err)
	}

	return stats, nil
}

// GetBalanceHistory retrieves the balance curve for a user
func (c *Client) GetBalanceHistory(ctx context.Context, userID string, duration time.Duration) ([]BalancePoint, error) {
	query := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "rewards")
		|> filter(fn: (r) => r.user_id == %q)
		|> filter(fn: (r) => r._field == "balance")
		|> aggregateWindow(every: 15m, fn: last, createEmpty: false)
	`, c.bucket, duration.String(), userID)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance history: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	var points []BalancePoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, BalancePoint{
				Time:    record.Time(),
				Balance: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return points, nil
}

func (c *Client) query(ctx context.Context, flux string, fn func(field string, value any, values map[string]any)) error {
	result, err := c.queryAPI.Query(ctx, flux)
	if err != nil {
		return err
	}
	defer func() {
		_ = result.Close()
	}()

	for result.Next() {
		record := result.Record()
		fn(record.Field(), record.Value(), record.Values())
	}

	if result.Err() != nil {
		return fmt.Errorf("error reading query result: %w", result.Err())
	}
	return nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Data structures

// BalancePoint is a user's balance at a point in time
type BalancePoint struct {
	Time    time.Time `json:"time"`
	Balance float64   `json:"balance"`
}

// MiningStats aggregates a user's mining activity
type MiningStats struct {
	UserID            string  `json:"user_id"`
	Window            string  `json:"window"`
	RewardsCredited   int64   `json:"rewards_credited"`
	CoinsMined        float64 `json:"coins_mined"`
	SessionsStarted   int64   `json:"sessions_started"`
	SessionsCompleted int64   `json:"sessions_completed"`
	SessionsStopped   int64   `json:"sessions_stopped"`
}
