package docker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Label key constants define the Docker labels placed on every worker
// container. Together with the deterministic <prefix>_<port> name they are
// the only record of fleet membership; there is no external state file.
//
// All keys share the "fleet." prefix to avoid collisions with labels set by
// other tools (Docker Compose, image metadata, etc.).
const (
	// LabelPrefix is the common prefix for all fleetctl labels.
	LabelPrefix = "fleet."

	// LabelManagedBy identifies containers launched by fleetctl.
	// Key: "fleet.managed-by", Value: always "fleetctl".
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelWorkerPrefix stores the name prefix of the fleet the worker
	// belongs to, so several fleets can share one host.
	// Key: "fleet.prefix", Value: e.g. "worker".
	LabelWorkerPrefix = LabelPrefix + "prefix"

	// LabelPort stores the host port the worker is published on.
	// Key: "fleet.port", Value: e.g. "8001".
	LabelPort = LabelPrefix + "port"

	// LabelCreatedAt stores the RFC3339 timestamp at which fleetctl
	// requested the launch.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the constant value for the LabelManagedBy label.
const ManagedByValue = "fleetctl"

// WorkerLabels is the decoded form of a worker container's fleet labels.
type WorkerLabels struct {
	Prefix    string
	Port      int
	CreatedAt time.Time
}

// BuildLabels constructs the label map for a worker container.
//
//	BuildLabels("worker", 8001, t) →
//	  fleet.managed-by=fleetctl fleet.prefix=worker fleet.port=8001 fleet.created-at=<t>
func BuildLabels(prefix string, port int, createdAt time.Time) map[string]string {
	return map[string]string{
		LabelManagedBy:    ManagedByValue,
		LabelWorkerPrefix: prefix,
		LabelPort:         strconv.Itoa(port),
		// UTC keeps the value independent of the host's timezone.
		LabelCreatedAt: createdAt.UTC().Format(time.RFC3339),
	}
}

// ParseLabels decodes fleet labels from a container's label map. It is the
// inverse of BuildLabels.
//
// All labels are required; missing keys are reported together so the error
// lists every problem at once.
func ParseLabels(labels map[string]string) (WorkerLabels, error) {
	requiredKeys := []string{
		LabelManagedBy,
		LabelWorkerPrefix,
		LabelPort,
		LabelCreatedAt,
	}

	var missing []string
	for _, key := range requiredKeys {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return WorkerLabels{}, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return WorkerLabels{}, fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	port, err := strconv.Atoi(labels[LabelPort])
	if err != nil || port < 1 || port > 65535 {
		return WorkerLabels{}, fmt.Errorf("invalid label %s=%q", LabelPort, labels[LabelPort])
	}

	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return WorkerLabels{}, fmt.Errorf("invalid label %s: %w", LabelCreatedAt, err)
	}

	return WorkerLabels{
		Prefix:    labels[LabelWorkerPrefix],
		Port:      port,
		CreatedAt: createdAt,
	}, nil
}

// FilterLabels returns the label filters that select one fleet's workers
// through the Docker API's container listing endpoint.
func FilterLabels(prefix string) map[string]string {
	return map[string]string{
		LabelManagedBy:    ManagedByValue,
		LabelWorkerPrefix: prefix,
	}
}
