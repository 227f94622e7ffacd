// Package worker manages the lifecycle of a single worker container:
// launching it on an assigned port, waiting until it is ready to serve,
// and removing it again.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shinji-kodama/fleetctl/internal/docker"
	"github.com/shinji-kodama/fleetctl/internal/model"
	"github.com/shinji-kodama/fleetctl/internal/retry"
)

// Config describes how workers are launched and probed.
type Config struct {
	Image   string
	Prefix  string
	Network string

	// PortEnv names the variable carrying the bind port.
	PortEnv string

	// HostHintEnv and HostHint inject the upstream host hint. An empty
	// HostHintEnv skips it.
	HostHintEnv string
	HostHint    string

	// ExtraEnv is added to every worker's environment.
	ExtraEnv map[string]string

	// HealthPath is probed with GET once the container runs. Empty means
	// the running state alone counts as ready.
	HealthPath string

	// HealthHost is the host the health endpoint is reached on. Empty
	// means the worker's container name.
	HealthHost string

	// StopTimeout is the grace period before a stopping worker is killed.
	StopTimeout time.Duration

	// Poll spaces out readiness probes.
	Poll retry.Config
}

// Lifecycle launches, probes and removes worker containers.
type Lifecycle struct {
	rt     docker.Runtime
	cfg    Config
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// New returns a Lifecycle. A nil client gets a default client with a short
// per-probe timeout; a nil logger disables logging.
func New(rt docker.Runtime, cfg Config, client *http.Client, logger *zap.Logger) *Lifecycle {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Poll.InitialDelay <= 0 {
		cfg.Poll = retry.Config{
			InitialDelay:  250 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			Multiplier:    2,
			JitterEnabled: true,
		}
	}
	return &Lifecycle{
		rt:     rt,
		cfg:    cfg,
		client: client,
		logger: logger.Named("worker"),
		now:    time.Now,
	}
}

// Spec builds the launch spec for a worker on port.
func (l *Lifecycle) Spec(port int) model.LaunchSpec {
	env := make(map[string]string, len(l.cfg.ExtraEnv)+2)
	for k, v := range l.cfg.ExtraEnv {
		env[k] = v
	}
	if l.cfg.HostHintEnv != "" {
		env[l.cfg.HostHintEnv] = l.cfg.HostHint
	}
	// Set last so ExtraEnv cannot override the bind port.
	env[l.cfg.PortEnv] = strconv.Itoa(port)

	return model.LaunchSpec{
		Image:   l.cfg.Image,
		Name:    model.WorkerName(l.cfg.Prefix, port),
		Port:    port,
		Env:     env,
		Network: l.cfg.Network,
		Labels:  docker.BuildLabels(l.cfg.Prefix, port, l.now()),
	}
}

// Launch starts a worker on port and returns it in StateLaunching.
// Failures wrap model.ErrLaunch; nothing needs to be rolled back.
func (l *Lifecycle) Launch(ctx context.Context, port int) (*model.ManagedWorker, error) {
	spec := l.Spec(port)

	id, err := l.rt.Launch(ctx, spec)
	if err != nil {
		if !errors.Is(err, model.ErrLaunch) {
			err = fmt.Errorf("%w: %v", model.ErrLaunch, err)
		}
		return nil, err
	}

	w := &model.ManagedWorker{
		ID:        id,
		Name:      spec.Name,
		Port:      port,
		State:     model.StateLaunching,
		CreatedAt: l.now(),
	}
	l.logger.Info("worker launched",
		zap.String("worker_id", id),
		zap.String("worker_name", w.Name),
		zap.Int("port", port))
	return w, nil
}

// healthURL is where the worker's health endpoint is reached.
func (l *Lifecycle) healthURL(w *model.ManagedWorker) string {
	host := l.cfg.HealthHost
	if host == "" {
		host = w.Name
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(w.Port)) + l.cfg.HealthPath
}

// AwaitReady polls until the worker is running and its health endpoint
// answers 2xx, or timeout elapses. On success the worker moves to
// StateReady.
//
// It returns false rather than an error on timeout so the caller decides
// about rollback. A container that exits or disappears ends the wait early.
func (l *Lifecycle) AwaitReady(ctx context.Context, w *model.ManagedWorker, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := l.logger.With(zap.String("worker_id", w.ID), zap.Int("port", w.Port))

	for attempt := 1; ; attempt++ {
		ready, done := l.probe(ctx, w, log)
		if ready {
			w.State = model.StateReady
			log.Info("worker ready", zap.Int("probes", attempt))
			return true
		}
		if done {
			return false
		}

		if err := retry.Sleep(ctx, retry.Delay(l.cfg.Poll, attempt)); err != nil {
			log.Warn("worker not ready before timeout",
				zap.Duration("timeout", timeout),
				zap.Int("probes", attempt))
			return false
		}
	}
}

// probe runs one readiness check. done reports that waiting longer cannot
// help.
func (l *Lifecycle) probe(ctx context.Context, w *model.ManagedWorker, log *zap.Logger) (ready, done bool) {
	info, err := l.rt.Inspect(ctx, w.ID)
	if err != nil {
		if errors.Is(err, model.ErrWorkerNotFound) {
			log.Warn("worker disappeared while starting")
			return false, true
		}
		log.Debug("inspect failed, will retry", zap.Error(err))
		return false, false
	}

	switch info.Status {
	case "running":
	case "exited", "dead":
		log.Warn("worker exited while starting", zap.String("status", info.Status))
		return false, true
	default:
		return false, false
	}

	if l.cfg.HealthPath == "" {
		return true, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.healthURL(w), nil)
	if err != nil {
		log.Error("cannot build health request", zap.Error(err))
		return false, true
	}
	resp, err := l.client.Do(req)
	if err != nil {
		log.Debug("health probe failed", zap.Error(err))
		return false, false
	}
	resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, false
}

// Remove stops and deletes the worker with the given id.
//
// Removal is idempotent: an unknown or already removed id is a no-op that
// returns nil. Any other failure wraps model.ErrRemoval; callers log it
// and carry on.
func (l *Lifecycle) Remove(ctx context.Context, id string) error {
	log := l.logger.With(zap.String("worker_id", id))

	stopErr := l.rt.Stop(ctx, id, l.cfg.StopTimeout)
	if errors.Is(stopErr, model.ErrWorkerNotFound) {
		log.Debug("worker already gone")
		return nil
	}
	if stopErr != nil {
		// Force removal below kills the container anyway.
		log.Warn("stop failed, forcing removal", zap.Error(stopErr))
	}

	if err := l.rt.Remove(ctx, id); err != nil {
		if errors.Is(err, model.ErrWorkerNotFound) {
			log.Debug("worker already gone")
			return nil
		}
		if !errors.Is(err, model.ErrRemoval) {
			err = fmt.Errorf("%w: %v", model.ErrRemoval, err)
		}
		log.Warn("worker removal failed", zap.Error(err))
		return err
	}

	log.Info("worker removed")
	return nil
}
