// Package config loads and validates fleetctl configuration.
//
// Configuration is read from a YAML file (.yaml/.yml) or a JSON file that
// may contain comments (.json/.jsonc, stripped with github.com/tidwall/jsonc
// before decoding). Every field has a default matching the original
// single-host deployment, and FLEET_* environment variables override file
// values so the same file can be reused across hosts.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/fleetctl/internal/model"
)

// Scale-down eviction policies.
const (
	PolicyNewest      = "newest"
	PolicyOldest      = "oldest"
	PolicyLeastLoaded = "least-loaded"
)

// Reservation backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the root configuration document.
type Config struct {
	Worker       WorkerConfig       `yaml:"worker" json:"worker"`
	Ports        PortsConfig        `yaml:"ports" json:"ports"`
	Balancer     BalancerConfig     `yaml:"balancer" json:"balancer"`
	Readiness    ReadinessConfig    `yaml:"readiness" json:"readiness"`
	Scaling      ScalingConfig      `yaml:"scaling" json:"scaling"`
	Reservations ReservationsConfig `yaml:"reservations" json:"reservations"`
	Server       ServerConfig       `yaml:"server" json:"server"`
	Log          LogConfig          `yaml:"log" json:"log"`
}

// WorkerConfig describes how a worker container is launched and probed.
type WorkerConfig struct {
	// Image is the worker container image.
	Image string `yaml:"image" json:"image"`

	// Prefix is the name prefix; containers are named <prefix>_<port>.
	Prefix string `yaml:"prefix" json:"prefix"`

	// Network is the shared network workers join. Empty means the runtime default.
	Network string `yaml:"network" json:"network"`

	// PortEnv is the environment variable that tells the worker which port to bind.
	PortEnv string `yaml:"port_env" json:"port_env"`

	// HostHintEnv and HostHint inject the upstream host hint.
	HostHintEnv string `yaml:"host_hint_env" json:"host_hint_env"`
	HostHint    string `yaml:"host_hint" json:"host_hint"`

	// ExtraEnv is merged into the worker environment (e.g. unbuffered output).
	ExtraEnv map[string]string `yaml:"extra_env" json:"extra_env"`

	// HealthPath is the readiness endpoint path on the worker.
	HealthPath string `yaml:"health_path" json:"health_path"`

	// HealthHost is the host used to reach the worker's port. Empty means the
	// container name, resolvable on the shared network.
	HealthHost string `yaml:"health_host" json:"health_host"`

	// StopTimeout is the grace period given to a worker before it is killed.
	StopTimeout Duration `yaml:"stop_timeout" json:"stop_timeout"`
}

// PortsConfig bounds the port pool.
type PortsConfig struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`

	// ProbeHost additionally skips ports that are bound on this host by
	// processes outside the fleet.
	ProbeHost bool `yaml:"probe_host" json:"probe_host"`
}

// Range returns the configured port range.
func (p PortsConfig) Range() model.PortRange {
	return model.PortRange{Start: p.Start, End: p.End}
}

// BalancerConfig locates the balancer's registration endpoints.
type BalancerConfig struct {
	URL            string   `yaml:"url" json:"url"`
	RegisterPath   string   `yaml:"register_path" json:"register_path"`
	DeregisterPath string   `yaml:"deregister_path" json:"deregister_path"`
	StatsPath      string   `yaml:"stats_path" json:"stats_path"`
	Timeout        Duration `yaml:"timeout" json:"timeout"`

	// RegisterAttempts bounds registration retries before rollback.
	// 1 means a single attempt.
	RegisterAttempts int `yaml:"register_attempts" json:"register_attempts"`
}

// ReadinessConfig bounds the readiness poll loop.
type ReadinessConfig struct {
	Timeout         Duration `yaml:"timeout" json:"timeout"`
	InitialInterval Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval" json:"max_interval"`
}

// ScalingConfig tunes the scaler.
type ScalingConfig struct {
	// Parallelism is the number of units provisioned concurrently.
	// 1 provisions units strictly one after another.
	Parallelism int `yaml:"parallelism" json:"parallelism"`

	// Policy selects which workers scale-down evicts.
	Policy string `yaml:"policy" json:"policy"`

	// LaunchTimeout bounds a single runtime launch call.
	LaunchTimeout Duration `yaml:"launch_timeout" json:"launch_timeout"`
}

// ReservationsConfig selects where in-flight port claims are recorded.
type ReservationsConfig struct {
	Backend   string   `yaml:"backend" json:"backend"`
	RedisAddr string   `yaml:"redis_addr" json:"redis_addr"`
	KeyPrefix string   `yaml:"key_prefix" json:"key_prefix"`
	TTL       Duration `yaml:"ttl" json:"ttl"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`

	// ReconcileSpec is a cron spec with a seconds field.
	ReconcileSpec string `yaml:"reconcile_spec" json:"reconcile_spec"`

	// Desired is the target fleet size. A negative value disables reconciliation.
	Desired int `yaml:"desired" json:"desired"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level    string `yaml:"level" json:"level"`
	Encoding string `yaml:"encoding" json:"encoding"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Image:       "worker:latest",
			Prefix:      "worker",
			Network:     "",
			PortEnv:     "SERVER_PORT",
			HostHintEnv: "HOST_MACHINE_IP",
			HostHint:    "host.docker.internal",
			ExtraEnv:    map[string]string{"PYTHONUNBUFFERED": "1"},
			HealthPath:  "/health",
			HealthHost:  "",
			StopTimeout: Duration(10 * time.Second),
		},
		Ports: PortsConfig{Start: 8001, End: 9000},
		Balancer: BalancerConfig{
			URL:              "http://nginx:80",
			RegisterPath:     "/register_port",
			DeregisterPath:   "/deregister_port",
			StatsPath:        "/status/port_stats",
			Timeout:          Duration(5 * time.Second),
			RegisterAttempts: 1,
		},
		Readiness: ReadinessConfig{
			Timeout:         Duration(30 * time.Second),
			InitialInterval: Duration(250 * time.Millisecond),
			MaxInterval:     Duration(2 * time.Second),
		},
		Scaling: ScalingConfig{
			Parallelism:   1,
			Policy:        PolicyNewest,
			LaunchTimeout: Duration(60 * time.Second),
		},
		Reservations: ReservationsConfig{
			Backend:   BackendMemory,
			RedisAddr: "localhost:6379",
			KeyPrefix: "fleet:port:",
			TTL:       Duration(2 * time.Minute),
		},
		Server: ServerConfig{
			Addr:          ":8080",
			ReconcileSpec: "*/15 * * * * *",
			Desired:       -1,
		},
		Log: LogConfig{Level: "info", Encoding: "json"},
	}
}

// Load reads the configuration file at path on top of Default, applies
// FLEET_* environment overrides and validates the result. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read %s: %v", model.ErrInvalidConfig, path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %v", model.ErrInvalidConfig, path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode picks the decoder from the file extension.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSONC allows comments and trailing commas; strip them first
		// so encoding/json can parse the result.
		return json.Unmarshal(jsonc.ToJSON(data), cfg)
	case ".yaml", ".yml", "":
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config file extension %q (valid: .yaml, .yml, .json, .jsonc)", filepath.Ext(path))
	}
}

// Validate checks the configuration for values the scaler cannot work with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Worker.Image == "" {
		add("worker.image must not be empty")
	}
	if err := model.ValidatePrefix(c.Worker.Prefix); err != nil {
		add("worker.prefix: %v", err)
	}
	if c.Worker.PortEnv == "" {
		add("worker.port_env must not be empty")
	}
	if !strings.HasPrefix(c.Worker.HealthPath, "/") {
		add("worker.health_path %q must start with /", c.Worker.HealthPath)
	}
	if err := c.Ports.Range().Validate(); err != nil {
		add("ports: %v", err)
	}
	if c.Balancer.URL == "" {
		add("balancer.url must not be empty")
	}
	if c.Balancer.Timeout <= 0 {
		add("balancer.timeout must be positive")
	}
	if c.Balancer.RegisterAttempts < 1 {
		add("balancer.register_attempts must be at least 1")
	}
	if c.Readiness.Timeout <= 0 {
		add("readiness.timeout must be positive")
	}
	if c.Readiness.InitialInterval <= 0 {
		add("readiness.initial_interval must be positive")
	}
	if c.Scaling.Parallelism < 1 {
		add("scaling.parallelism must be at least 1")
	}
	if c.Scaling.LaunchTimeout <= 0 {
		add("scaling.launch_timeout must be positive")
	}
	switch c.Scaling.Policy {
	case PolicyNewest, PolicyOldest, PolicyLeastLoaded:
	default:
		add("scaling.policy %q is unknown (valid: newest, oldest, least-loaded)", c.Scaling.Policy)
	}
	switch c.Reservations.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Reservations.RedisAddr == "" {
			add("reservations.redis_addr is required for the redis backend")
		}
		if c.Reservations.TTL <= 0 {
			add("reservations.ttl must be positive")
		}
	default:
		add("reservations.backend %q is unknown (valid: memory, redis)", c.Reservations.Backend)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", model.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// applyEnv overrides scalar fields from FLEET_* variables. lookup is
// os.LookupEnv outside of tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []string
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q is not a duration", key, v))
				return
			}
			*dst = Duration(d)
		}
	}

	str("FLEET_WORKER_IMAGE", &cfg.Worker.Image)
	str("FLEET_WORKER_PREFIX", &cfg.Worker.Prefix)
	str("FLEET_WORKER_NETWORK", &cfg.Worker.Network)
	str("FLEET_WORKER_HEALTH_HOST", &cfg.Worker.HealthHost)
	num("FLEET_PORTS_START", &cfg.Ports.Start)
	num("FLEET_PORTS_END", &cfg.Ports.End)
	str("FLEET_BALANCER_URL", &cfg.Balancer.URL)
	dur("FLEET_BALANCER_TIMEOUT", &cfg.Balancer.Timeout)
	num("FLEET_BALANCER_REGISTER_ATTEMPTS", &cfg.Balancer.RegisterAttempts)
	dur("FLEET_READINESS_TIMEOUT", &cfg.Readiness.Timeout)
	num("FLEET_SCALING_PARALLELISM", &cfg.Scaling.Parallelism)
	str("FLEET_SCALING_POLICY", &cfg.Scaling.Policy)
	str("FLEET_RESERVATIONS_BACKEND", &cfg.Reservations.Backend)
	str("FLEET_RESERVATIONS_REDIS_ADDR", &cfg.Reservations.RedisAddr)
	str("FLEET_SERVER_ADDR", &cfg.Server.Addr)
	num("FLEET_SERVER_DESIRED", &cfg.Server.Desired)
	str("FLEET_LOG_LEVEL", &cfg.Log.Level)
	str("FLEET_LOG_ENCODING", &cfg.Log.Encoding)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}
