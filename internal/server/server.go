// Package server exposes the fleet over HTTP and keeps it at a desired
// size on a cron schedule.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/shinji-kodama/fleetctl/internal/fleet"
	"github.com/shinji-kodama/fleetctl/internal/model"
)

// Fleet is the scaling surface the server drives; *fleet.Scaler
// implements it.
type Fleet interface {
	ScaleUp(ctx context.Context, count int) (*fleet.ScaleUpResult, error)
	ScaleDown(ctx context.Context, count int, policy fleet.Policy) (*fleet.ScaleDownResult, error)
	Reconcile(ctx context.Context, desired int) (*fleet.ReconcileResult, error)
	List(ctx context.Context) ([]model.ManagedWorker, error)
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// CronSpec schedules reconciliation (seconds field included).
	CronSpec string

	// Desired is the initial desired fleet size. Negative disables
	// reconciliation until a size is set over the API.
	Desired int

	// ReconcileTimeout bounds one scheduled reconciliation.
	ReconcileTimeout time.Duration
}

// Server serves the control API.
type Server struct {
	cfg     Config
	fleet   Fleet
	metrics http.Handler
	logger  *zap.Logger

	desired atomic.Int64

	cron *cron.Cron
	http *http.Server
}

// New builds a Server. metrics may be nil, in which case /metrics is not
// routed.
func New(cfg Config, f Fleet, metrics http.Handler, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconcileTimeout <= 0 {
		cfg.ReconcileTimeout = 5 * time.Minute
	}

	s := &Server{
		cfg:     cfg,
		fleet:   f,
		metrics: metrics,
		logger:  logger.Named("server"),
	}
	s.desired.Store(int64(cfg.Desired))

	cl := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)))
	if _, err := s.cron.AddFunc(cfg.CronSpec, s.reconcileTick); err != nil {
		return nil, fmt.Errorf("%w: server.reconcile_cron %q: %v", model.ErrInvalidConfig, cfg.CronSpec, err)
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Desired returns the current desired fleet size; negative means unset.
func (s *Server) Desired() int {
	return int(s.desired.Load())
}

// Router returns the API routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet)
	r.HandleFunc("/workers", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/scale/up", s.handleScaleUp).Methods(http.MethodPost)
	r.HandleFunc("/scale/down", s.handleScaleDown).Methods(http.MethodPost)
	r.HandleFunc("/fleet/desired", s.handleGetDesired).Methods(http.MethodGet)
	r.HandleFunc("/fleet/desired", s.handleSetDesired).Methods(http.MethodPut)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// Run starts the scheduler and the HTTP listener and blocks until ctx is
// cancelled or the listener fails. In-flight requests get a grace period
// on shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("reconcile scheduler started",
		zap.String("cron", s.cfg.CronSpec),
		zap.Int("desired", s.Desired()))

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	<-s.cron.Stop().Done()
	s.logger.Info("server stopped")
	return runErr
}

// reconcileTick is the scheduled job.
func (s *Server) reconcileTick() {
	desired := s.Desired()
	if desired < 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReconcileTimeout)
	defer cancel()

	res, err := s.fleet.Reconcile(ctx, desired)
	switch {
	case errors.Is(err, fleet.ErrBusy):
		s.logger.Debug("reconcile skipped, previous run still active")
	case err != nil:
		s.logger.Error("reconcile failed", zap.Int("desired", desired), zap.Error(err))
	case res.Up != nil || res.Down != nil:
		s.logger.Info("fleet reconciled", zap.Int("desired", desired), zap.Int("before", res.Before))
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	workers, err := s.fleet.List(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) handleScaleUp(w http.ResponseWriter, r *http.Request) {
	count, err := countParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.fleet.ScaleUp(r.Context(), count)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScaleDown(w http.ResponseWriter, r *http.Request) {
	count, err := countParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	// An absent policy leaves the choice to the fleet's configured default.
	var policy fleet.Policy
	if raw := r.URL.Query().Get("policy"); raw != "" {
		if policy, err = fleet.ParsePolicy(raw); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	res, err := s.fleet.ScaleDown(r.Context(), count, policy)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetDesired(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"desired": s.Desired()})
}

// handleSetDesired stores the new size and reconciles right away. A
// negative count turns reconciliation off.
func (s *Server) handleSetDesired(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("count")
	desired, err := strconv.Atoi(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("count must be an integer, got %q", raw))
		return
	}
	if desired < 0 {
		desired = -1
	}
	s.desired.Store(int64(desired))
	s.logger.Info("desired fleet size set", zap.Int("desired", desired))

	if desired < 0 {
		s.writeJSON(w, http.StatusOK, map[string]int{"desired": desired})
		return
	}

	res, err := s.fleet.Reconcile(r.Context(), desired)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// countParam reads the non-negative "count" query parameter.
func countParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("count")
	if raw == "" {
		return 0, errors.New("count is required")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("count must be a non-negative integer, got %q", raw)
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrRuntimeQuery):
		return http.StatusServiceUnavailable
	case errors.Is(err, fleet.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]any{"error": map[string]string{"message": err.Error()}})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
