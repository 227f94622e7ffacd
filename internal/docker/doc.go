// Package docker provides Docker Engine API wrappers and container
// lifecycle management for fleetctl.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Fleet label management (labels and deterministic names are the only
//     record of which containers belong to the fleet)
//   - Worker container operations: launch, list, inspect, stop, remove
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
// Port publishing is expressed with github.com/docker/go-connections/nat.
package docker
