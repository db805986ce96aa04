// Package api exposes session drivers to the UI layer over HTTP and
// websockets.
package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"nhooyr.io/websocket"

	"github.com/bardlex/minesync/internal/database/influx"
	"github.com/bardlex/minesync/internal/database/postgres"
	"github.com/bardlex/minesync/internal/session"
	"github.com/bardlex/minesync/pkg/circuit"
	"github.com/bardlex/minesync/pkg/errors"
	"github.com/bardlex/minesync/pkg/log"
)

const (
	defaultStatsWindow = 24 * time.Hour
	maxStatsWindow     = 30 * 24 * time.Hour
	defaultPageSize    = 50
	maxPageSize        = 200
	requestIDHeader    = "X-Request-ID"
	wsWriteTimeout     = 5 * time.Second
)

// Sessions hands out the driver for a user.
type Sessions interface {
	Get(ctx context.Context, userID string) (*session.Driver, error)
	Release(ctx context.Context, userID string) error
}

// Profiles serves referral and statistics requests.
type Profiles interface {
	RecordReferral(ctx context.Context, referrerID, refereeID string) (*postgres.Profile, error)
	ListReferrals(ctx context.Context, referrerID string, limit, offset int) ([]*postgres.Referral, error)
	GetMiningStats(ctx context.Context, userID string, window time.Duration) (*influx.MiningStats, error)
	GetBalanceHistory(ctx context.Context, userID string, window time.Duration) ([]influx.BalancePoint, error)
}

// RateLimiter throttles session commands per user.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// Options configures a Server. Profiles, Limiter and Health are optional.
type Options struct {
	Sessions Sessions
	Profiles Profiles
	Limiter  RateLimiter
	Health   func(ctx context.Context) error
	Logger   *log.Logger

	// CommandLimit start/stop requests are allowed per user per CommandWindow.
	CommandLimit  int64
	CommandWindow time.Duration

	// AllowedOrigins are passed to the websocket origin check. Empty means
	// same-origin only.
	AllowedOrigins []string
}

// Server routes API requests.
type Server struct {
	opts   Options
	logger *log.Logger
	router *mux.Router
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.CommandLimit <= 0 {
		opts.CommandLimit = 10
	}
	if opts.CommandWindow <= 0 {
		opts.CommandWindow = time.Minute
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger.WithComponent("api"),
		router: mux.NewRouter(),
	}

	s.router.Use(s.logRequests)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	users := s.router.PathPrefix("/v1/users/{user}").Subrouter()
	users.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	users.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	users.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	users.HandleFunc("/session", s.handleRelease).Methods(http.MethodDelete)
	users.HandleFunc("/referrals", s.handleListReferrals).Methods(http.MethodGet)
	users.HandleFunc("/referrals", s.handleRecordReferral).Methods(http.MethodPost)
	users.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	users.HandleFunc("/balance-history", s.handleBalanceHistory).Methods(http.MethodGet)
	users.HandleFunc("/ws", s.handleStream).Methods(http.MethodGet)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type commandResponse struct {
	Changed bool         `json:"changed"`
	State   session.View `json:"state"`
}

type referralRequest struct {
	RefereeID string `json:"refereeId"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	d, ok := s.driver(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, d.State())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, (*session.Driver).Start)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, (*session.Driver).Stop)
}

// handleRelease stops the user's driver once its state is flushed. The next
// request for the user starts a fresh driver from the local store.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Sessions.Release(r.Context(), mux.Vars(r)["user"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, fn func(*session.Driver, context.Context) (bool, error)) {
	if !s.allow(w, r) {
		return
	}
	d, ok := s.driver(w, r)
	if !ok {
		return
	}

	changed, err := fn(d, r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, commandResponse{Changed: changed, State: d.State()})
}

func (s *Server) handleRecordReferral(w http.ResponseWriter, r *http.Request) {
	if s.opts.Profiles == nil {
		s.writeError(w, errors.New(errors.ErrorTypeInternal, "record_referral", "profile store not configured"))
		return
	}
	referrerID := mux.Vars(r)["user"]

	var req referralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrap(err, errors.ErrorTypeValidation, "record_referral", "invalid request body"))
		return
	}
	if req.RefereeID == "" {
		s.writeError(w, errors.New(errors.ErrorTypeValidation, "record_referral", "refereeId is required"))
		return
	}

	profile, err := s.opts.Profiles.RecordReferral(r.Context(), referrerID, req.RefereeID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	remote := profile.Remote()
	d, err := s.opts.Sessions.Get(r.Context(), referrerID)
	if err == nil {
		err = d.ApplyRemote(r.Context(), remote)
	}
	if err != nil {
		// the referral is stored; the driver catches up on its next fetch
		s.logger.WithUser(referrerID).WithError(err).Warn("failed to apply referral to session")
	}
	s.writeJSON(w, http.StatusCreated, remote)
}

func (s *Server) handleListReferrals(w http.ResponseWriter, r *http.Request) {
	if s.opts.Profiles == nil {
		s.writeError(w, errors.New(errors.ErrorTypeInternal, "list_referrals", "profile store not configured"))
		return
	}

	limit, err := intParam(r, "limit", defaultPageSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit = min(max(limit, 1), maxPageSize)

	refs, err := s.opts.Profiles.ListReferrals(r.Context(), mux.Vars(r)["user"], limit, max(offset, 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if refs == nil {
		refs = []*postgres.Referral{}
	}
	s.writeJSON(w, http.StatusOK, refs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Profiles == nil {
		s.writeError(w, errors.New(errors.ErrorTypeInternal, "get_stats", "statistics not configured"))
		return
	}
	window, err := parseWindow(r, "get_stats")
	if err != nil {
		s.writeError(w, err)
		return
	}

	stats, err := s.opts.Profiles.GetMiningStats(r.Context(), mux.Vars(r)["user"], window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBalanceHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.Profiles == nil {
		s.writeError(w, errors.New(errors.ErrorTypeInternal, "get_balance_history", "statistics not configured"))
		return
	}
	window, err := parseWindow(r, "get_balance_history")
	if err != nil {
		s.writeError(w, err)
		return
	}

	points, err := s.opts.Profiles.GetBalanceHistory(r.Context(), mux.Vars(r)["user"], window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if points == nil {
		points = []influx.BalancePoint{}
	}
	s.writeJSON(w, http.StatusOK, points)
}

// parseWindow reads the optional window query parameter.
func parseWindow(r *http.Request, op string) (time.Duration, error) {
	v := r.URL.Query().Get("window")
	if v == "" {
		return defaultStatsWindow, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 || d > maxStatsWindow {
		return 0, errors.New(errors.ErrorTypeValidation, op, "window must be a duration up to 720h").
			WithContext("window", v)
	}
	return d, nil
}

// handleStream sends the current view, then every change until either side
// goes away. Slow readers only see the latest view.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	d, ok := s.driver(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.AllowedOrigins})
	if err != nil {
		s.logger.WithError(err).Debug("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected exit")

	ctx := conn.CloseRead(r.Context())

	updates := make(chan session.View, 1)
	unsubscribe := d.Subscribe(func(v session.View) {
		select {
		case <-updates:
		default:
		}
		updates <- v
	})
	defer unsubscribe()

	if err := s.writeView(ctx, conn, d.State()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.Done():
			conn.Close(websocket.StatusGoingAway, "session closed")
			return
		case v := <-updates:
			if err := s.writeView(ctx, conn, v); err != nil {
				s.logger.WithUser(d.UserID()).WithError(err).Debug("websocket write failed")
				return
			}
		}
	}
}

func (s *Server) writeView(ctx context.Context, conn *websocket.Conn, v session.View) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) driver(w http.ResponseWriter, r *http.Request) (*session.Driver, bool) {
	d, err := s.opts.Sessions.Get(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return d, true
}

// allow applies the per-user command limit. Limiter failures let the
// request through.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.Limiter == nil {
		return true
	}
	userID := mux.Vars(r)["user"]
	ok, err := s.opts.Limiter.CheckRateLimit(r.Context(), "session:"+userID, s.opts.CommandLimit, s.opts.CommandWindow)
	if err != nil {
		s.logger.WithUser(userID).WithError(err).Warn("rate limit check failed")
		return true
	}
	if !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.opts.CommandWindow.Seconds())))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many session commands"})
		return false
	}
	return true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeValidation, "parse_query", fmt.Sprintf("invalid %s", name))
	}
	return n, nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrLocked):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed), circuit.IsOpenError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.IsType(err, errors.ErrorTypeValidation):
		return http.StatusBadRequest
	case errors.IsType(err, errors.ErrorTypeNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	msg := err.Error()
	var se *errors.ServiceError
	if errors.As(err, &se) {
		msg = se.Message
	}
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("request failed", "status", status)
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Debug("failed to write response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// logRequests tags each request with an id, taken from X-Request-ID when the
// caller sent one.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), log.RequestIDKey, reqID)
		if user := mux.Vars(r)["user"]; user != "" {
			ctx = context.WithValue(ctx, log.UserIDKey, user)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		s.logger.WithContext(ctx).Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
		)
	})
}
