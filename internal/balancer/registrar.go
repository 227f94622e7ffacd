// Package balancer talks to the external load balancer's port
// registration protocol.
//
// The protocol is plain HTTP: a worker's port is announced with
// POST <register path> and withdrawn with POST <deregister path>, both
// carrying the form field port=<int>. Only HTTP 200 counts as success.
// Per-port statistics are read from GET <stats path>.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shinji-kodama/fleetctl/internal/retry"
)

// Config locates the balancer endpoints.
type Config struct {
	// URL is the balancer base URL, e.g. "http://nginx:80".
	URL            string
	RegisterPath   string
	DeregisterPath string
	StatsPath      string

	// Timeout bounds every single HTTP call.
	Timeout time.Duration

	// Attempts is the number of registration attempts before giving up.
	// Values below 1 mean a single attempt.
	Attempts int

	// Backoff spaces out registration attempts. Its MaxRetries is ignored
	// in favor of Attempts.
	Backoff retry.Config
}

// Registrar announces and withdraws worker ports.
type Registrar struct {
	base   *url.URL
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// errRejected marks an expected failure (transport error or non-200
// status) inside the retry loop.
var errRejected = errors.New("balancer rejected request")

// NewRegistrar validates cfg and returns a Registrar. A nil client gets a
// default client; a nil logger disables logging.
func NewRegistrar(cfg Config, client *http.Client, logger *zap.Logger) (*Registrar, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid balancer url %q: %w", cfg.URL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid balancer url %q: scheme must be http or https", cfg.URL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("invalid balancer url %q: missing host", cfg.URL)
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = retry.DefaultConfig()
	}
	cfg.Backoff.MaxRetries = cfg.Attempts

	return &Registrar{
		base:   base,
		cfg:    cfg,
		client: client,
		logger: logger.Named("balancer"),
	}, nil
}

// endpoint joins the base URL and an endpoint path.
func (r *Registrar) endpoint(path string) string {
	u := *r.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String()
}

// Register announces port to the balancer. It returns true only when the
// balancer answered 200, within the configured number of attempts.
//
// Transport errors and non-200 statuses are expected failures: they are
// logged and reported as false. The balancer URL is checked once by
// NewRegistrar, so no request is rejected before it is sent.
func (r *Registrar) Register(ctx context.Context, port int) (bool, error) {
	return r.postPort(ctx, "register", r.cfg.RegisterPath, port, r.cfg.Attempts)
}

// Deregister withdraws port from the balancer with a single attempt. A
// false result means the balancer may still route to the port until its
// own health checks notice.
func (r *Registrar) Deregister(ctx context.Context, port int) (bool, error) {
	return r.postPort(ctx, "deregister", r.cfg.DeregisterPath, port, 1)
}

func (r *Registrar) postPort(ctx context.Context, op, path string, port, attempts int) (bool, error) {
	target := r.endpoint(path)
	form := url.Values{"port": {strconv.Itoa(port)}}.Encode()

	backoff := r.cfg.Backoff
	backoff.MaxRetries = attempts

	err := retry.WithBackoff(ctx, backoff, r.logger, op+" port "+strconv.Itoa(port), func() error {
		return r.send(ctx, op, target, form, port)
	})
	if err != nil {
		r.logger.Warn("balancer "+op+" failed",
			zap.Int("port", port),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return false, nil
	}

	r.logger.Info("balancer "+op+" succeeded", zap.Int("port", port))
	return true, nil
}

func (r *Registrar) send(ctx context.Context, op, target, form string, port int) error {
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, strings.NewReader(form))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errRejected, err)
	}
	defer resp.Body.Close()

	// Read a bounded amount of the body for the log line; the original
	// balancer explains rejections in plain text.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s port %d: status %d: %s",
			errRejected, op, port, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
