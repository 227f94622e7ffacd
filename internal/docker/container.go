// container.go implements worker container operations on top of the
// Docker SDK. Every worker is a single container named <prefix>_<port>,
// publishing container port <port> on host port <port>.
package docker

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/shinji-kodama/fleetctl/internal/model"
)

// Runtime is the container runtime contract the scaler depends on.
// Engine implements it against a Docker daemon; dockertest.Runtime is an
// in-memory implementation for tests.
type Runtime interface {
	// Launch creates and starts a worker container and returns its id.
	// Failures wrap model.ErrLaunch; nothing is left behind on failure.
	Launch(ctx context.Context, spec model.LaunchSpec) (string, error)

	// ListWorkers returns every container, running or stopped, whose name
	// is <prefix>_<port>. Failures wrap model.ErrRuntimeQuery.
	ListWorkers(ctx context.Context, prefix string) ([]model.ContainerInfo, error)

	// Inspect returns the current state of one container. An unknown id
	// wraps model.ErrWorkerNotFound.
	Inspect(ctx context.Context, id string) (model.ContainerInfo, error)

	// Stop stops a container, killing it after timeout. An unknown id
	// wraps model.ErrWorkerNotFound.
	Stop(ctx context.Context, id string, timeout time.Duration) error

	// Remove force-removes a container. An unknown id wraps
	// model.ErrWorkerNotFound.
	Remove(ctx context.Context, id string) error
}

// Engine is the Docker-backed Runtime.
type Engine struct {
	cli *Client
}

var _ Runtime = (*Engine)(nil)

// NewEngine returns a Runtime backed by the given Docker client.
func NewEngine(cli *Client) *Engine {
	return &Engine{cli: cli}
}

// Launch creates the container described by spec and starts it.
//
// If the container is created but fails to start, it is removed again so a
// failed launch never leaves a stopped container holding the worker name.
func (e *Engine) Launch(ctx context.Context, spec model.LaunchSpec) (string, error) {
	cfg, hostCfg, netCfg := launchConfig(spec)

	resp, err := e.cli.inner.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", model.ErrLaunch, spec.Name, err)
	}

	if err := e.cli.inner.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best effort; the start error is the one worth reporting.
		_ = e.cli.inner.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("%w: start %s: %v", model.ErrLaunch, spec.Name, err)
	}

	return resp.ID, nil
}

// launchConfig translates a LaunchSpec into Docker create parameters.
// The container port and the published host port are the same number.
func launchConfig(spec model.LaunchSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	port := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))

	// Sorted so the same spec always yields the same create request.
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       spec.Labels,
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostPort: strconv.Itoa(spec.Port)}},
		},
	}

	netCfg := &network.NetworkingConfig{}
	if spec.Network != "" {
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{
			spec.Network: {},
		}
	}

	return cfg, hostCfg, netCfg
}

// workerNameFilter builds the Docker name filter for a fleet. The daemon
// matches names (which carry a leading "/") against this pattern
// server-side; ParseWorkerName re-checks the result.
func workerNameFilter(prefix string) string {
	return "^/?" + regexp.QuoteMeta(prefix) + "_[0-9]+$"
}

// ListWorkers queries the Docker daemon for every container named
// <prefix>_<port>, including stopped ones.
//
// Selection is by name rather than by label: a stopped container left by
// an earlier run still owns its name, so its port cannot be reused even if
// the container predates fleet labels.
func (e *Engine) ListWorkers(ctx context.Context, prefix string) ([]model.ContainerInfo, error) {
	containers, err := e.cli.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", workerNameFilter(prefix))),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list containers: %v", model.ErrRuntimeQuery, err)
	}

	result := make([]model.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info := summaryToInfo(c)
		if _, ok := model.ParseWorkerName(prefix, info.ContainerName); !ok {
			continue
		}
		result = append(result, info)
	}

	return result, nil
}

// summaryToInfo converts a Docker list entry to a ContainerInfo.
//
// Docker returns names with a leading "/" which is stripped, and reports
// each published port once per address family, so host ports are
// de-duplicated.
func summaryToInfo(c container.Summary) model.ContainerInfo {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}

	var hostPorts []int
	seen := make(map[int]bool)
	for _, p := range c.Ports {
		hp := int(p.PublicPort)
		if hp == 0 || seen[hp] {
			continue
		}
		seen[hp] = true
		hostPorts = append(hostPorts, hp)
	}
	sort.Ints(hostPorts)

	return model.ContainerInfo{
		ContainerID:   c.ID,
		ContainerName: name,
		Status:        string(c.State),
		HostPorts:     hostPorts,
		Labels:        c.Labels,
		CreatedAt:     time.Unix(c.Created, 0).UTC(),
	}
}

// Inspect returns the current state of the container with the given id.
func (e *Engine) Inspect(ctx context.Context, id string) (model.ContainerInfo, error) {
	resp, err := e.cli.inner.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return model.ContainerInfo{}, fmt.Errorf("%w: %s", model.ErrWorkerNotFound, id)
		}
		return model.ContainerInfo{}, fmt.Errorf("%w: inspect %s: %v", model.ErrRuntimeQuery, id, err)
	}
	return inspectToInfo(resp), nil
}

// inspectToInfo converts an inspect response to a ContainerInfo. Every
// nested pointer in the response may be nil on a partially created
// container.
func inspectToInfo(resp container.InspectResponse) model.ContainerInfo {
	var info model.ContainerInfo

	if base := resp.ContainerJSONBase; base != nil {
		info.ContainerID = base.ID
		info.ContainerName = strings.TrimPrefix(base.Name, "/")
		if base.State != nil {
			info.Status = string(base.State.Status)
		}
		if t, err := time.Parse(time.RFC3339Nano, base.Created); err == nil {
			info.CreatedAt = t.UTC()
		}
	}

	if resp.Config != nil {
		info.Labels = resp.Config.Labels
	}

	if resp.NetworkSettings != nil {
		seen := make(map[int]bool)
		for _, bindings := range resp.NetworkSettings.Ports {
			for _, b := range bindings {
				hp, err := strconv.Atoi(b.HostPort)
				if err != nil || seen[hp] {
					continue
				}
				seen[hp] = true
				info.HostPorts = append(info.HostPorts, hp)
			}
		}
		sort.Ints(info.HostPorts)
	}

	return info
}

// Stop stops a running container. Docker sends SIGTERM and, after timeout,
// SIGKILL. A non-positive timeout uses the daemon default.
func (e *Engine) Stop(ctx context.Context, id string, timeout time.Duration) error {
	opts := container.StopOptions{}
	if timeout > 0 {
		secs := int(timeout.Seconds())
		opts.Timeout = &secs
	}

	if err := e.cli.inner.ContainerStop(ctx, id, opts); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", model.ErrWorkerNotFound, id)
		}
		return fmt.Errorf("%w: stop %s: %v", model.ErrRemoval, id, err)
	}
	return nil
}

// Remove force-removes a container, killing it first if it is still running.
func (e *Engine) Remove(ctx context.Context, id string) error {
	if err := e.cli.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", model.ErrWorkerNotFound, id)
		}
		return fmt.Errorf("%w: remove %s: %v", model.ErrRemoval, id, err)
	}
	return nil
}
