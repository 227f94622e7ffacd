package port

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/shinji-kodama/fleetctl/internal/docker"
	"github.com/shinji-kodama/fleetctl/internal/model"
)

// Lister is the part of the container runtime the allocator needs.
type Lister interface {
	ListWorkers(ctx context.Context, prefix string) ([]model.ContainerInfo, error)
}

// NextFreePort returns the smallest port in r that is not in used.
//
// It is a pure function of its inputs. It never returns a port from used
// or outside r; when every port in r is taken it fails with
// model.ErrPortExhausted.
func NextFreePort(used map[int]struct{}, r model.PortRange) (int, error) {
	for p := r.Start; p <= r.End; p++ {
		if _, taken := used[p]; !taken {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", model.ErrPortExhausted, r)
}

// WorkerPort determines the port a fleet container holds.
//
// The fleet.port label is authoritative. Containers without it (created
// before labels were introduced, or by hand) fall back to their first
// published host port, and finally to the numeric suffix of their name,
// which a stopped container keeps even when it publishes nothing.
func WorkerPort(prefix string, c model.ContainerInfo) (int, bool) {
	if v, ok := c.Labels[docker.LabelPort]; ok {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			return p, true
		}
	}
	if len(c.HostPorts) > 0 {
		return c.HostPorts[0], true
	}
	return model.ParseWorkerName(prefix, c.ContainerName)
}

// Allocator hands out worker ports from a bounded range.
//
// Usage:
//
//	a := port.NewAllocator(runtime, "worker", r, port.NewMemoryReservations(), logger)
//	p, err := a.Claim(ctx)
//	if err != nil { /* ErrPortExhausted or ErrRuntimeQuery */ }
//	defer a.Release(ctx, p) // once the worker exists or was rolled back
type Allocator struct {
	// mu serializes the list-pick-reserve sequence in Claim.
	mu sync.Mutex

	lister       Lister
	prefix       string
	rng          model.PortRange
	reservations Reservations
	probe        HostProbe
	logger       *zap.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithHostProbe makes Claim skip ports that are bound on the host by
// processes outside the fleet.
func WithHostProbe(p HostProbe) Option {
	return func(a *Allocator) { a.probe = p }
}

// NewAllocator creates an Allocator for the fleet with the given name
// prefix. A nil logger disables logging.
func NewAllocator(lister Lister, prefix string, r model.PortRange, reservations Reservations, logger *zap.Logger, opts ...Option) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Allocator{
		lister:       lister,
		prefix:       prefix,
		rng:          r,
		reservations: reservations,
		logger:       logger.Named("port"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Range returns the range ports are drawn from.
func (a *Allocator) Range() model.PortRange {
	return a.rng
}

// UsedPorts queries the runtime for every fleet container, running or
// stopped, and returns the ports they hold. It has no side effects.
// Failures wrap model.ErrRuntimeQuery.
func (a *Allocator) UsedPorts(ctx context.Context) (map[int]struct{}, error) {
	containers, err := a.lister.ListWorkers(ctx, a.prefix)
	if err != nil {
		return nil, err
	}

	used := make(map[int]struct{}, len(containers))
	for _, c := range containers {
		if p, ok := WorkerPort(a.prefix, c); ok {
			used[p] = struct{}{}
		}
	}
	return used, nil
}

// Claim picks the lowest free port and reserves it.
//
// A port is free when no fleet container holds it, no other claim has
// reserved it and, with a host probe configured, nothing on the host is
// listening on it. The whole sequence runs under the allocator's lock, so
// two concurrent claims in one process can never return the same port.
//
// The caller must Release the port once the worker holding it has been
// launched and driven to a terminal state.
func (a *Allocator) Claim(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	used, err := a.UsedPorts(ctx)
	if err != nil {
		return 0, err
	}

	for {
		p, err := NextFreePort(used, a.rng)
		if err != nil {
			return 0, err
		}
		// Whatever happens below, p is not a candidate again.
		used[p] = struct{}{}

		if a.probe != nil && !a.probe.Free(p) {
			a.logger.Debug("port busy on host, skipping", zap.Int("port", p))
			continue
		}

		ok, err := a.reservations.Reserve(ctx, p)
		if err != nil {
			return 0, fmt.Errorf("%w: reserve port %d: %v", model.ErrRuntimeQuery, p, err)
		}
		if !ok {
			a.logger.Debug("port reserved by another claim, skipping", zap.Int("port", p))
			continue
		}

		a.logger.Debug("port claimed", zap.Int("port", p))
		return p, nil
	}
}

// Release drops the reservation taken by Claim.
func (a *Allocator) Release(ctx context.Context, port int) error {
	if err := a.reservations.Release(ctx, port); err != nil {
		a.logger.Warn("failed to release port reservation", zap.Int("port", port), zap.Error(err))
		return fmt.Errorf("release port %d: %w", port, err)
	}
	return nil
}
