package docker

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/docker/docker/client"

	"github.com/shinji-kodama/fleetctl/internal/model"
)

// defaultPingTimeout bounds the daemon health check. Docker Desktop on
// macOS answers noticeably slower than a native Linux daemon.
const defaultPingTimeout = 5 * time.Second

// windowsPipe is the Docker Desktop named pipe on Windows.
const windowsPipe = `//./pipe/docker_engine`

// Client wraps the Docker Engine SDK client. The SDK client is held
// rather than embedded so only Engine reaches the raw API.
type Client struct {
	inner *client.Client
	host  string
}

// NewClient connects to the Docker daemon.
//
// The daemon address is the first of:
//  1. host, when non-empty (configuration or --docker-host)
//  2. the DOCKER_HOST environment variable
//  3. the first platform socket that exists (see socketCandidates)
//
// Failures are returned as model.CLIError with ExitDockerNotRunning.
func NewClient(host string) (*Client, error) {
	resolved, err := resolveHost(host, os.Getenv, detectDockerHost)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "Docker socket not found", err)
	}

	c, err := client.NewClientWithOpts(
		client.WithHost(resolved),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create Docker client for host %q", resolved), err)
	}
	return &Client{inner: c, host: resolved}, nil
}

// Host returns the daemon address the client talks to.
func (c *Client) Host() string {
	return c.host
}

// resolveHost applies the address precedence of NewClient.
func resolveHost(explicit string, getenv func(string) string, detect func() (string, error)) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := getenv("DOCKER_HOST"); env != "" {
		return env, nil
	}
	return detect()
}

// socketCandidates lists the unix socket paths Docker uses on goos, most
// common first. Newer Docker Desktop releases on macOS may only create
// the per-user socket.
func socketCandidates(goos, home string) []string {
	paths := []string{"/var/run/docker.sock"}
	if goos == "darwin" && home != "" {
		paths = append(paths, filepath.Join(home, ".docker", "run", "docker.sock"))
	}
	return paths
}

// detectDockerHost finds the daemon endpoint of the current platform. It
// only checks that the endpoint exists; Ping verifies the daemon answers.
func detectDockerHost() (string, error) {
	switch runtime.GOOS {
	case "linux", "darwin":
		home, _ := os.UserHomeDir()
		return detectUnixSocket(socketCandidates(runtime.GOOS, home))
	case "windows":
		// Named pipes cannot be stat'ed, so probe with a short dial.
		conn, err := net.DialTimeout("pipe", windowsPipe, time.Second)
		if err != nil {
			return "", fmt.Errorf("Docker named pipe not found at %s: %w", windowsPipe, err)
		}
		_ = conn.Close()
		return "npipe://" + windowsPipe, nil
	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// detectUnixSocket returns the unix:// address of the first existing path.
func detectUnixSocket(paths []string) (string, error) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return "unix://" + p, nil
		}
	}
	return "", fmt.Errorf("no Docker socket at %v (is Docker running?)", paths)
}

// Ping checks that the daemon answers within defaultPingTimeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if _, err := c.inner.Ping(ctx); err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("Docker daemon at %s is not responding (is Docker running?)", c.host), err)
	}
	return nil
}

// Close releases the client's connections. It is safe to call more than
// once.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
