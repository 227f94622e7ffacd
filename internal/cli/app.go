package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shinji-kodama/fleetctl/internal/balancer"
	"github.com/shinji-kodama/fleetctl/internal/config"
	"github.com/shinji-kodama/fleetctl/internal/docker"
	"github.com/shinji-kodama/fleetctl/internal/fleet"
	"github.com/shinji-kodama/fleetctl/internal/logging"
	"github.com/shinji-kodama/fleetctl/internal/metrics"
	"github.com/shinji-kodama/fleetctl/internal/model"
	"github.com/shinji-kodama/fleetctl/internal/port"
	"github.com/shinji-kodama/fleetctl/internal/retry"
	"github.com/shinji-kodama/fleetctl/internal/worker"
)

// app holds the components every command shares, built from the
// configuration and global flags.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Recorder
	scaler  *fleet.Scaler

	docker *docker.Client
	redis  *redis.Client
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidConfig, "failed to load configuration", err)
	}
	switch {
	case logLevel != "":
		cfg.Log.Level = logLevel
	case verbose:
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newApp connects to Docker (and Redis when configured) and wires the
// scaler. The caller must Close the app.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidConfig, "failed to set up logging", err)
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	a.docker, err = docker.NewClient(dockerHost)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.docker.Ping(ctx); err != nil {
		a.Close()
		return nil, err
	}
	VerboseLog("Connected to Docker daemon")

	reservations, err := a.reservations(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	engine := docker.NewEngine(a.docker)

	var opts []port.Option
	if cfg.Ports.ProbeHost {
		opts = append(opts, port.WithHostProbe(port.NewScanner()))
	}
	alloc := port.NewAllocator(engine, cfg.Worker.Prefix, cfg.Ports.Range(), reservations, logger, opts...)

	lifecycle := worker.New(engine, worker.Config{
		Image:       cfg.Worker.Image,
		Prefix:      cfg.Worker.Prefix,
		Network:     cfg.Worker.Network,
		PortEnv:     cfg.Worker.PortEnv,
		HostHintEnv: cfg.Worker.HostHintEnv,
		HostHint:    cfg.Worker.HostHint,
		ExtraEnv:    cfg.Worker.ExtraEnv,
		HealthPath:  cfg.Worker.HealthPath,
		HealthHost:  cfg.Worker.HealthHost,
		StopTimeout: cfg.Worker.StopTimeout.D(),
		Poll: retry.Config{
			InitialDelay: cfg.Readiness.InitialInterval.D(),
			MaxDelay:     cfg.Readiness.MaxInterval.D(),
			Multiplier:   2,
		},
	}, nil, logger)

	registrar, err := balancer.NewRegistrar(balancer.Config{
		URL:            cfg.Balancer.URL,
		RegisterPath:   cfg.Balancer.RegisterPath,
		DeregisterPath: cfg.Balancer.DeregisterPath,
		StatsPath:      cfg.Balancer.StatsPath,
		Timeout:        cfg.Balancer.Timeout.D(),
		Attempts:       cfg.Balancer.RegisterAttempts,
		Backoff:        retry.DefaultConfig(),
	}, nil, logger)
	if err != nil {
		a.Close()
		return nil, model.WrapCLIError(model.ExitInvalidConfig, "invalid balancer configuration", err)
	}

	policy, err := fleet.ParsePolicy(cfg.Scaling.Policy)
	if err != nil {
		a.Close()
		return nil, model.WrapCLIError(model.ExitInvalidConfig, "invalid scaling policy", err)
	}

	a.scaler = fleet.New(fleet.Config{
		Prefix:        cfg.Worker.Prefix,
		Parallelism:   cfg.Scaling.Parallelism,
		Policy:        policy,
		ReadyTimeout:  cfg.Readiness.Timeout.D(),
		LaunchTimeout: cfg.Scaling.LaunchTimeout.D(),
		RemoveTimeout: cfg.Worker.StopTimeout.D() + 20*time.Second,
		MaxBatch:      cfg.Ports.Range().Size(),
	}, engine, alloc, lifecycle, registrar,
		fleet.WithStats(registrar),
		fleet.WithMetrics(a.metrics),
		fleet.WithLogger(logger),
	)
	return a, nil
}

// reservations builds the configured reservation store.
func (a *app) reservations(ctx context.Context) (port.Reservations, error) {
	switch a.cfg.Reservations.Backend {
	case config.BackendRedis:
		rdb, err := port.NewRedisClient(ctx, a.cfg.Reservations.RedisAddr)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitGeneralError, "failed to connect to the reservation store", err)
		}
		a.redis = rdb
		VerboseLog("Using Redis port reservations at %s", a.cfg.Reservations.RedisAddr)
		return port.NewRedisReservations(rdb, a.cfg.Reservations.KeyPrefix, a.cfg.Reservations.TTL.D()), nil
	default:
		return port.NewMemoryReservations(), nil
	}
}

// Close releases connections and flushes the logger.
func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.docker != nil {
		_ = a.docker.Close()
	}
	_ = a.logger.Sync()
}

// scaleError maps a batch error to a CLI exit code.
func scaleError(op string, err error) error {
	if errors.Is(err, model.ErrRuntimeQuery) {
		return model.WrapCLIError(model.ExitDockerNotRunning, fmt.Sprintf("%s aborted: container runtime unavailable", op), err)
	}
	return model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("%s failed", op), err)
}
