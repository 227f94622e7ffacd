// Package dockertest provides an in-memory docker.Runtime for tests.
//
// The fake enforces the same name uniqueness the Docker daemon does and
// lets tests inject failures at each step of a worker's life.
package dockertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shinji-kodama/fleetctl/internal/docker"
	"github.com/shinji-kodama/fleetctl/internal/model"
)

// Runtime is an in-memory container runtime. The zero value is not usable;
// create one with New.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*model.ContainerInfo
	seq        int
	now        func() time.Time

	// LaunchErr, if set, is consulted before every launch. A non-nil
	// return rejects the launch.
	LaunchErr func(spec model.LaunchSpec) error

	// LaunchStatus, if set, decides the status a launched container starts
	// in (e.g. "exited" for a worker that crashes on boot). Defaults to
	// "running".
	LaunchStatus func(spec model.LaunchSpec) string

	// ListErr, if non-nil, fails every ListWorkers call.
	ListErr error

	// RemoveErr, if set, is consulted before every remove.
	RemoveErr func(id string) error

	// Launches and Removes count calls that reached the fake.
	Launches int
	Removes  int
}

var _ docker.Runtime = (*Runtime)(nil)

// New returns an empty fake runtime.
func New() *Runtime {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &Runtime{containers: make(map[string]*model.ContainerInfo)}
	// Strictly increasing creation times keep age ordering deterministic.
	r.now = func() time.Time {
		return base.Add(time.Duration(r.seq) * time.Second)
	}
	return r
}

// Seed adds a pre-existing container and returns its id. Status defaults
// to "running".
func (r *Runtime) Seed(name string, port int, status string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if status == "" {
		status = "running"
	}
	id := r.nextID()
	r.containers[id] = &model.ContainerInfo{
		ContainerID:   id,
		ContainerName: name,
		Status:        status,
		HostPorts:     []int{port},
		Labels:        map[string]string{},
		CreatedAt:     r.now(),
	}
	return id
}

// SetStatus changes the status of a container.
func (r *Runtime) SetStatus(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.Status = status
	}
}

// Containers returns a snapshot of all containers ordered by name.
func (r *Runtime) Containers() []model.ContainerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.ContainerInfo, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerName < out[j].ContainerName })
	return out
}

// nextID must be called with mu held.
func (r *Runtime) nextID() string {
	r.seq++
	return fmt.Sprintf("c%04d", r.seq)
}

// Launch implements docker.Runtime.
func (r *Runtime) Launch(ctx context.Context, spec model.LaunchSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrLaunch, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Launches++

	if r.LaunchErr != nil {
		if err := r.LaunchErr(spec); err != nil {
			return "", fmt.Errorf("%w: %v", model.ErrLaunch, err)
		}
	}
	for _, c := range r.containers {
		if c.ContainerName == spec.Name {
			return "", fmt.Errorf("%w: create %s: name already in use by %s", model.ErrLaunch, spec.Name, c.ContainerID)
		}
	}

	status := "running"
	if r.LaunchStatus != nil {
		status = r.LaunchStatus(spec)
	}

	id := r.nextID()
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	r.containers[id] = &model.ContainerInfo{
		ContainerID:   id,
		ContainerName: spec.Name,
		Status:        status,
		HostPorts:     []int{spec.Port},
		Labels:        labels,
		CreatedAt:     r.now(),
	}
	return id, nil
}

// ListWorkers implements docker.Runtime.
func (r *Runtime) ListWorkers(ctx context.Context, prefix string) ([]model.ContainerInfo, error) {
	if r.ListErr != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrRuntimeQuery, r.ListErr)
	}

	var out []model.ContainerInfo
	for _, c := range r.Containers() {
		if _, ok := model.ParseWorkerName(prefix, c.ContainerName); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Inspect implements docker.Runtime.
func (r *Runtime) Inspect(ctx context.Context, id string) (model.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.containers[id]
	if !ok {
		return model.ContainerInfo{}, fmt.Errorf("%w: %s", model.ErrWorkerNotFound, id)
	}
	return *c, nil
}

// Stop implements docker.Runtime.
func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrWorkerNotFound, id)
	}
	if !strings.EqualFold(c.Status, "exited") {
		c.Status = "exited"
	}
	return nil
}

// Remove implements docker.Runtime.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Removes++

	if r.RemoveErr != nil {
		if err := r.RemoveErr(id); err != nil {
			return fmt.Errorf("%w: remove %s: %v", model.ErrRemoval, id, err)
		}
	}
	if _, ok := r.containers[id]; !ok {
		return fmt.Errorf("%w: %s", model.ErrWorkerNotFound, id)
	}
	delete(r.containers, id)
	return nil
}
