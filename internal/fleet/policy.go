package fleet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shinji-kodama/fleetctl/internal/balancer"
	"github.com/shinji-kodama/fleetctl/internal/model"
)

// Policy selects which workers scale-down evicts.
type Policy string

const (
	// PolicyNewest evicts the most recently created workers first.
	PolicyNewest Policy = "newest"

	// PolicyOldest evicts the longest-running workers first.
	PolicyOldest Policy = "oldest"

	// PolicyLeastLoaded evicts the workers with the fewest active
	// connections according to the balancer, newest first among equals.
	PolicyLeastLoaded Policy = "least-loaded"
)

// ParsePolicy converts a string to a Policy. The empty string yields
// PolicyNewest.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(s)); p {
	case "":
		return PolicyNewest, nil
	case PolicyNewest, PolicyOldest, PolicyLeastLoaded:
		return p, nil
	default:
		return "", fmt.Errorf("unknown scale-down policy %q (valid: newest, oldest, least-loaded)", s)
	}
}

// selectVictims orders workers for eviction and returns the first count.
// It never returns more than count workers nor more than it was given.
// stats may be nil; PolicyLeastLoaded then degrades to PolicyNewest.
func selectVictims(workers []model.ManagedWorker, count int, policy Policy, stats map[int]balancer.PortStats) []model.ManagedWorker {
	if count <= 0 || len(workers) == 0 {
		return nil
	}

	ordered := make([]model.ManagedWorker, len(workers))
	copy(ordered, workers)

	newer := func(a, b model.ManagedWorker) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Port > b.Port
	}

	switch {
	case policy == PolicyOldest:
		sort.SliceStable(ordered, func(i, j int) bool { return newer(ordered[j], ordered[i]) })
	case policy == PolicyLeastLoaded && stats != nil:
		sort.SliceStable(ordered, func(i, j int) bool {
			// Ports the balancer does not report on count as idle.
			ci, cj := stats[ordered[i].Port].ActiveConnections, stats[ordered[j].Port].ActiveConnections
			if ci != cj {
				return ci < cj
			}
			return newer(ordered[i], ordered[j])
		})
	default:
		sort.SliceStable(ordered, func(i, j int) bool { return newer(ordered[i], ordered[j]) })
	}

	if count > len(ordered) {
		count = len(ordered)
	}
	return ordered[:count]
}
