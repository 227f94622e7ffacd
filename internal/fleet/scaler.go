package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/shinji-kodama/fleetctl/internal/balancer"
	"github.com/shinji-kodama/fleetctl/internal/metrics"
	"github.com/shinji-kodama/fleetctl/internal/model"
	"github.com/shinji-kodama/fleetctl/internal/port"
)

// ErrBusy is returned by Reconcile when another reconcile is still running.
var ErrBusy = errors.New("reconcile already in progress")

// PortClaimer hands out ports; *port.Allocator implements it.
type PortClaimer interface {
	Claim(ctx context.Context) (int, error)
	Release(ctx context.Context, port int) error
}

// Lifecycle launches, probes and removes workers; *worker.Lifecycle
// implements it.
type Lifecycle interface {
	Launch(ctx context.Context, port int) (*model.ManagedWorker, error)
	AwaitReady(ctx context.Context, w *model.ManagedWorker, timeout time.Duration) bool
	Remove(ctx context.Context, id string) error
}

// Registrar announces ports to the balancer; *balancer.Registrar
// implements it.
type Registrar interface {
	Register(ctx context.Context, port int) (bool, error)
	Deregister(ctx context.Context, port int) (bool, error)
}

// StatsSource reports per-port balancer load for PolicyLeastLoaded.
type StatsSource interface {
	Stats(ctx context.Context) (map[int]balancer.PortStats, error)
}

// Config tunes a Scaler.
type Config struct {
	// Prefix is the fleet's worker name prefix.
	Prefix string

	// Parallelism is the number of units provisioned at once. Values
	// below 2 provision strictly one unit after another.
	Parallelism int

	// Policy is the default scale-down eviction policy.
	Policy Policy

	// ReadyTimeout bounds the readiness wait of one unit.
	ReadyTimeout time.Duration

	// LaunchTimeout bounds the runtime launch call of one unit.
	LaunchTimeout time.Duration

	// RemoveTimeout bounds rollback and scale-down removal of one worker.
	RemoveTimeout time.Duration

	// MaxBatch caps the units one ScaleUp provisions, normally the size of
	// the port range. Zero means no cap.
	MaxBatch int
}

// Scaler orchestrates port allocation, worker lifecycle and balancer
// registration to grow or shrink the fleet.
type Scaler struct {
	cfg       Config
	lister    port.Lister
	ports     PortClaimer
	lifecycle Lifecycle
	registrar Registrar
	stats     StatsSource
	metrics   *metrics.Recorder
	logger    *zap.Logger

	// inflight holds workers between launch and their terminal state,
	// keyed by container id. Scale-down never evicts them.
	inflight *xsync.Map[string, *model.ManagedWorker]

	reconcileMu sync.Mutex
}

// Option configures a Scaler.
type Option func(*Scaler)

// WithStats enables PolicyLeastLoaded.
func WithStats(s StatsSource) Option {
	return func(sc *Scaler) { sc.stats = s }
}

// WithMetrics records scaling outcomes.
func WithMetrics(m *metrics.Recorder) Option {
	return func(sc *Scaler) { sc.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(sc *Scaler) { sc.logger = l }
}

// New returns a Scaler.
func New(cfg Config, lister port.Lister, ports PortClaimer, lifecycle Lifecycle, registrar Registrar, opts ...Option) *Scaler {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyNewest
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 60 * time.Second
	}
	if cfg.RemoveTimeout <= 0 {
		cfg.RemoveTimeout = 30 * time.Second
	}

	s := &Scaler{
		cfg:       cfg,
		lister:    lister,
		ports:     ports,
		lifecycle: lifecycle,
		registrar: registrar,
		logger:    zap.NewNop(),
		inflight:  xsync.NewMap[string, *model.ManagedWorker](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("fleet")
	return s
}

// ScaleUpResult reports the outcome of ScaleUp.
type ScaleUpResult struct {
	OpID      string `json:"opId"`
	Requested int    `json:"requested"`

	// Workers are the units that reached StateRegistered, ordered by port.
	Workers []*model.ManagedWorker `json:"workers"`

	// Failures describe every unit that did not, ordered by stage and port.
	Failures []*model.UnitError `json:"failures,omitempty"`
}

// ScaleUp adds count workers to the fleet.
//
// Each unit is allocated, launched, awaited and registered independently;
// a unit that fails after launch is removed again. The result carries only
// units that are both ready and registered, so len(Workers) <= count.
//
// The returned error is non-nil only when the runtime could not be
// queried (model.ErrRuntimeQuery); the remaining units are then skipped.
// Cancelling ctx stops new units from starting, while units already
// launched are still driven to registration or rollback.
func (s *Scaler) ScaleUp(ctx context.Context, count int) (*ScaleUpResult, error) {
	start := time.Now()
	res := &ScaleUpResult{OpID: uuid.NewString(), Requested: count}
	if count <= 0 {
		return res, nil
	}

	log := s.logger.With(zap.String("op_id", res.OpID), zap.String("op", "scale_up"))
	if s.cfg.MaxBatch > 0 && count > s.cfg.MaxBatch {
		log.Warn("scale up capped to port range capacity",
			zap.Int("requested", count), zap.Int("capped", s.cfg.MaxBatch))
		count = s.cfg.MaxBatch
	}
	log.Info("scale up requested", zap.Int("count", count), zap.Int("parallelism", s.cfg.Parallelism))

	var (
		mu          sync.Mutex
		runtimeDown error
		// held are ports whose launch failed. They stay reserved until the
		// batch ends so later units do not claim them again.
		held []int
	)
	hold := func(p int) {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, p)
	}
	record := func(w *model.ManagedWorker, uerr *model.UnitError) {
		mu.Lock()
		defer mu.Unlock()
		if uerr != nil {
			res.Failures = append(res.Failures, uerr)
			if errors.Is(uerr, model.ErrRuntimeQuery) && runtimeDown == nil {
				runtimeDown = uerr.Err
			}
			return
		}
		res.Workers = append(res.Workers, w)
	}
	aborted := func() error {
		mu.Lock()
		defer mu.Unlock()
		return runtimeDown
	}

	pool := pond.NewPool(s.cfg.Parallelism, pond.WithQueueSize(count))
	defer pool.StopAndWait()
	group := pool.NewGroup()

	for range count {
		group.Submit(func() {
			if err := ctx.Err(); err != nil {
				record(nil, &model.UnitError{Stage: model.StageAllocate, Err: err})
				return
			}
			if err := aborted(); err != nil {
				record(nil, &model.UnitError{Stage: model.StageAllocate, Err: err})
				return
			}
			record(s.provision(ctx, log, hold))
		})
	}
	_ = group.Wait()

	for _, p := range held {
		_ = s.ports.Release(context.WithoutCancel(ctx), p)
	}

	sort.Slice(res.Workers, func(i, j int) bool { return res.Workers[i].Port < res.Workers[j].Port })
	sort.SliceStable(res.Failures, func(i, j int) bool { return res.Failures[i].Port < res.Failures[j].Port })

	s.metrics.ObserveScale("up", time.Since(start))
	log.Info("scale up finished",
		zap.Int("requested", count),
		zap.Int("active", len(res.Workers)),
		zap.Int("failed", len(res.Failures)),
		zap.Duration("took", time.Since(start)))

	if err := aborted(); err != nil {
		return res, err
	}
	return res, nil
}

// provision drives one unit to StateRegistered or rolls it back. A port
// whose launch fails is handed to hold instead of being released.
func (s *Scaler) provision(ctx context.Context, log *zap.Logger, hold func(int)) (*model.ManagedWorker, *model.UnitError) {
	p, err := s.ports.Claim(ctx)
	if err != nil {
		log.Warn("port allocation failed", zap.Error(err))
		s.metrics.UnitFailed("up", string(model.StageAllocate))
		return nil, &model.UnitError{Stage: model.StageAllocate, Err: err}
	}

	// From here on the unit must reach a terminal state even if the
	// caller gives up, so it runs detached with explicit timeouts.
	uctx := context.WithoutCancel(ctx)
	launched := false
	defer func() {
		if !launched {
			hold(p)
			return
		}
		_ = s.ports.Release(uctx, p)
	}()

	ulog := log.With(zap.Int("port", p))

	fail := func(stage model.Stage, w *model.ManagedWorker, err error) *model.UnitError {
		uerr := &model.UnitError{Stage: stage, Port: p, Err: err}
		if w != nil {
			uerr.WorkerID = w.ID
			uerr.RolledBack = s.rollback(uctx, w, ulog)
		}
		s.metrics.UnitFailed("up", string(stage))
		ulog.Warn("unit failed",
			zap.String("stage", string(stage)),
			zap.Bool("rolled_back", uerr.RolledBack),
			zap.Error(err))
		return uerr
	}

	launchCtx, cancel := context.WithTimeout(uctx, s.cfg.LaunchTimeout)
	w, err := s.lifecycle.Launch(launchCtx, p)
	cancel()
	if err != nil {
		return nil, fail(model.StageLaunch, nil, err)
	}
	launched = true

	s.inflight.Store(w.ID, w)
	defer s.inflight.Delete(w.ID)
	ulog = ulog.With(zap.String("worker_id", w.ID), zap.String("worker_name", w.Name))

	if !s.lifecycle.AwaitReady(uctx, w, s.cfg.ReadyTimeout) {
		return nil, fail(model.StageReady, w,
			fmt.Errorf("%w within %s", model.ErrReadinessTimeout, s.cfg.ReadyTimeout))
	}

	ok, err := s.registrar.Register(uctx, p)
	s.metrics.BalancerCall("register", ok && err == nil)
	if err != nil {
		return nil, fail(model.StageRegister, w, fmt.Errorf("%w: %v", model.ErrRegistration, err))
	}
	if !ok {
		return nil, fail(model.StageRegister, w, fmt.Errorf("%w: balancer did not accept port %d", model.ErrRegistration, p))
	}

	w.State = model.StateRegistered
	s.metrics.UnitSucceeded("up")
	ulog.Info("worker active")
	return w, nil
}

// rollback removes a partially provisioned worker and reports whether it
// is gone.
func (s *Scaler) rollback(ctx context.Context, w *model.ManagedWorker, log *zap.Logger) bool {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RemoveTimeout)
	defer cancel()

	if err := s.lifecycle.Remove(rctx, w.ID); err != nil {
		s.metrics.Removal("rollback", false)
		log.Error("rollback failed, worker may be orphaned", zap.Error(err))
		return false
	}
	w.State = model.StateRemoved
	s.metrics.Removal("rollback", true)
	return true
}

// ScaleDownResult reports the outcome of ScaleDown.
type ScaleDownResult struct {
	OpID      string `json:"opId"`
	Requested int    `json:"requested"`
	Policy    Policy `json:"policy"`

	// Removed are the workers that were removed.
	Removed []model.ManagedWorker `json:"removed"`

	// Failures describe selected workers that could not be removed.
	Failures []*model.UnitError `json:"failures,omitempty"`
}

// ScaleDown removes up to count running workers chosen by policy (the
// Scaler's default policy when empty).
//
// Each selected worker is deregistered from the balancer and then
// removed. A failed deregistration is logged and does not stop removal;
// a failed removal is recorded and the batch continues. The error is
// non-nil only when the runtime could not be queried.
func (s *Scaler) ScaleDown(ctx context.Context, count int, policy Policy) (*ScaleDownResult, error) {
	start := time.Now()
	if policy == "" {
		policy = s.cfg.Policy
	}
	res := &ScaleDownResult{OpID: uuid.NewString(), Requested: count, Policy: policy}
	if count <= 0 {
		return res, nil
	}

	log := s.logger.With(zap.String("op_id", res.OpID), zap.String("op", "scale_down"))

	live, err := s.running(ctx)
	if err != nil {
		return res, err
	}

	var stats map[int]balancer.PortStats
	if policy == PolicyLeastLoaded {
		stats = s.loadStats(ctx, log)
	}

	victims := selectVictims(live, count, policy, stats)
	log.Info("scale down requested",
		zap.Int("count", count),
		zap.Int("live", len(live)),
		zap.Int("selected", len(victims)),
		zap.String("policy", string(policy)))

	for _, v := range victims {
		if err := ctx.Err(); err != nil {
			log.Warn("scale down cancelled", zap.Int("removed", len(res.Removed)), zap.Error(err))
			break
		}
		if uerr := s.retire(ctx, &v, log); uerr != nil {
			res.Failures = append(res.Failures, uerr)
			continue
		}
		res.Removed = append(res.Removed, v)
	}

	s.metrics.ObserveScale("down", time.Since(start))
	log.Info("scale down finished",
		zap.Int("requested", count),
		zap.Int("removed", len(res.Removed)),
		zap.Int("failed", len(res.Failures)))
	return res, nil
}

// retire deregisters and removes one worker.
func (s *Scaler) retire(ctx context.Context, w *model.ManagedWorker, log *zap.Logger) *model.UnitError {
	uctx := context.WithoutCancel(ctx)
	wlog := log.With(zap.String("worker_id", w.ID), zap.Int("port", w.Port))

	w.State = model.StateDeregistering
	ok, err := s.registrar.Deregister(uctx, w.Port)
	s.metrics.BalancerCall("deregister", ok && err == nil)
	if err != nil || !ok {
		wlog.Warn("deregistration failed, removing anyway", zap.Error(err))
	}

	rctx, cancel := context.WithTimeout(uctx, s.cfg.RemoveTimeout)
	defer cancel()
	if err := s.lifecycle.Remove(rctx, w.ID); err != nil {
		s.metrics.Removal("scale_down", false)
		s.metrics.UnitFailed("down", string(model.StageRemove))
		return &model.UnitError{Stage: model.StageRemove, Port: w.Port, WorkerID: w.ID, Err: err}
	}

	w.State = model.StateRemoved
	s.metrics.Removal("scale_down", true)
	s.metrics.UnitSucceeded("down")
	return nil
}

// Remove deregisters and removes one fleet worker named by container id,
// container name or port. It returns model.ErrWorkerNotFound when no
// fleet worker matches and refuses workers still being provisioned.
func (s *Scaler) Remove(ctx context.Context, ref string) (*model.ManagedWorker, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var target *model.ManagedWorker
	for i := range all {
		w := &all[i]
		if w.ID == ref || w.Name == ref || strconv.Itoa(w.Port) == ref ||
			(len(ref) >= 12 && strings.HasPrefix(w.ID, ref)) {
			target = w
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrWorkerNotFound, ref)
	}
	if _, ok := s.inflight.Load(target.ID); ok {
		return nil, fmt.Errorf("worker %s is still being provisioned", target.Name)
	}

	log := s.logger.With(zap.String("op", "remove"))
	if uerr := s.retire(ctx, target, log); uerr != nil {
		return nil, uerr
	}
	log.Info("worker removed on request", zap.String("worker_name", target.Name))
	return target, nil
}

// loadStats fetches balancer load; nil means unavailable.
func (s *Scaler) loadStats(ctx context.Context, log *zap.Logger) map[int]balancer.PortStats {
	if s.stats == nil {
		log.Warn("least-loaded eviction without a stats source, falling back to newest")
		return nil
	}
	stats, err := s.stats.Stats(ctx)
	if err != nil {
		log.Warn("balancer stats unavailable, falling back to newest", zap.Error(err))
		return nil
	}
	return stats
}

// List returns every fleet container known to the runtime, ordered by
// port. Workers still being provisioned by this process report their
// provisioning state; other running workers are reported as registered.
func (s *Scaler) List(ctx context.Context) ([]model.ManagedWorker, error) {
	containers, err := s.lister.ListWorkers(ctx, s.cfg.Prefix)
	if err != nil {
		return nil, err
	}

	out := make([]model.ManagedWorker, 0, len(containers))
	running := 0
	for _, c := range containers {
		p, _ := port.WorkerPort(s.cfg.Prefix, c)
		w := model.ManagedWorker{
			ID:        c.ContainerID,
			Name:      c.ContainerName,
			Port:      p,
			Status:    c.Status,
			CreatedAt: c.CreatedAt,
		}
		switch inflight, ok := s.inflight.Load(c.ContainerID); {
		case ok:
			w.State = inflight.State
		case c.IsRunning():
			w.State = model.StateRegistered
		default:
			w.State = model.StateRemoved
		}
		if c.IsRunning() {
			running++
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })

	s.metrics.SetWorkers(running)
	return out, nil
}

// running returns running workers that are not mid-provisioning.
func (s *Scaler) running(ctx context.Context) ([]model.ManagedWorker, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, w := range all {
		if w.Status != "running" {
			continue
		}
		if _, ok := s.inflight.Load(w.ID); ok {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// ReconcileResult reports what Reconcile did.
type ReconcileResult struct {
	Desired int              `json:"desired"`
	Before  int              `json:"before"`
	Up      *ScaleUpResult   `json:"up,omitempty"`
	Down    *ScaleDownResult `json:"down,omitempty"`
}

// Reconcile scales the fleet toward desired running workers. Concurrent
// calls do not overlap; a call made while another is running returns
// ErrBusy.
func (s *Scaler) Reconcile(ctx context.Context, desired int) (*ReconcileResult, error) {
	if desired < 0 {
		return nil, fmt.Errorf("desired fleet size must not be negative, got %d", desired)
	}
	if !s.reconcileMu.TryLock() {
		return nil, ErrBusy
	}
	defer s.reconcileMu.Unlock()

	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	live := 0
	for _, w := range all {
		if w.Status == "running" {
			live++
		}
	}

	res := &ReconcileResult{Desired: desired, Before: live}
	switch {
	case live < desired:
		res.Up, err = s.ScaleUp(ctx, desired-live)
	case live > desired:
		res.Down, err = s.ScaleDown(ctx, live-desired, "")
	default:
		s.logger.Debug("fleet at desired size", zap.Int("desired", desired))
	}
	return res, err
}
