package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// WorkerState represents the lifecycle state of a managed worker.
// The state transitions are:
//
//	Launching → Ready → Registered → Deregistering → Removed
//	Launching/Ready → Removed (rollback after a failed provisioning step)
type WorkerState string

const (
	// StateLaunching indicates the runtime accepted the launch request but the
	// worker has not yet passed its readiness check.
	StateLaunching WorkerState = "launching"

	// StateReady indicates the runtime reports the worker running and its
	// health endpoint answered successfully.
	StateReady WorkerState = "ready"

	// StateRegistered indicates the balancer accepted the worker's port.
	// This is the only terminal success state of a scale-up unit.
	StateRegistered WorkerState = "registered"

	// StateDeregistering indicates the worker is being withdrawn from the
	// balancer ahead of removal.
	StateDeregistering WorkerState = "deregistering"

	// StateRemoved indicates the worker's container was stopped and deleted,
	// either by scale-down or by rollback.
	StateRemoved WorkerState = "removed"
)

// String returns the string representation of WorkerState.
func (s WorkerState) String() string {
	return string(s)
}

// IsValid checks whether the WorkerState value is one of the
// predefined valid states.
func (s WorkerState) IsValid() bool {
	switch s {
	case StateLaunching, StateReady, StateRegistered, StateDeregistering, StateRemoved:
		return true
	default:
		return false
	}
}

// IsActive reports whether the worker is both ready and registered.
func (s WorkerState) IsActive() bool {
	return s == StateRegistered
}

// ParseWorkerState converts a string to a WorkerState.
// Returns an error if the string does not match any valid state.
func ParseWorkerState(s string) (WorkerState, error) {
	state := WorkerState(strings.ToLower(s))
	if !state.IsValid() {
		return "", fmt.Errorf("invalid worker state: %q (valid: launching, ready, registered, deregistering, removed)", s)
	}
	return state, nil
}

// ManagedWorker represents one running backend instance: one container,
// bound to one host port, advertised under one balancer registration.
type ManagedWorker struct {
	// ID is the opaque identity assigned by the container runtime.
	ID string `json:"id"`

	// Name is derived deterministically from the port (see WorkerName)
	// and is used for discovery and filtering.
	Name string `json:"name"`

	// Port is unique among all live workers and lies within the
	// configured port range.
	Port int `json:"port"`

	// State is the provisioning state as last observed by this process.
	State WorkerState `json:"state"`

	// Status is the runtime container status (e.g., "running", "exited")
	// when the worker was read from the runtime's live list.
	Status string `json:"status,omitempty"`

	// CreatedAt is when the runtime created the container.
	CreatedAt time.Time `json:"createdAt"`
}

// WorkerName builds the deterministic container name for a port:
//
//	WorkerName("worker", 8001) → "worker_8001"
func WorkerName(prefix string, port int) string {
	return fmt.Sprintf("%s_%d", prefix, port)
}

// ParseWorkerName extracts the port from a worker name built by WorkerName.
// It returns false if the name does not carry the prefix or the suffix is
// not a number.
func ParseWorkerName(prefix, name string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimPrefix(name, "/"), prefix+"_")
	if !ok {
		return 0, false
	}
	port, err := strconv.Atoi(rest)
	if err != nil || port < 1 || port > 65535 {
		return 0, false
	}
	return port, true
}

// prefixRegex validates worker name prefixes. Docker container names allow
// [a-zA-Z0-9][a-zA-Z0-9_.-]; the prefix must produce such a name.
var prefixRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidatePrefix checks that a worker name prefix produces valid container names.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("worker name prefix must not be empty")
	}
	if !prefixRegex.MatchString(prefix) {
		return fmt.Errorf("invalid worker name prefix %q: must start with an alphanumeric character and contain only [a-zA-Z0-9_.-]", prefix)
	}
	return nil
}

// PortRange is an inclusive range of host ports [Start, End] from which
// worker ports are drawn.
type PortRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Validate checks that the range is non-empty and within the valid port space.
func (r PortRange) Validate() error {
	if r.Start < 1 || r.Start > 65535 {
		return fmt.Errorf("port range: start %d out of range (1-65535)", r.Start)
	}
	if r.End < 1 || r.End > 65535 {
		return fmt.Errorf("port range: end %d out of range (1-65535)", r.End)
	}
	if r.Start > r.End {
		return fmt.Errorf("port range: start %d is greater than end %d", r.Start, r.End)
	}
	return nil
}

// Contains reports whether port lies within the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	return r.End - r.Start + 1
}

// String returns "start-end".
func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// LaunchSpec describes one worker container for the runtime to start.
// It is the runtime contract's launch(image, env, name, portBinding, network).
type LaunchSpec struct {
	// Image is the container image reference (e.g., "worker:latest").
	Image string

	// Name is the container name, always WorkerName(prefix, Port).
	Name string

	// Port is both the container port the worker binds and the published
	// host port.
	Port int

	// Env holds the environment injected into the worker: bind port,
	// upstream host hint, and output-buffering flag.
	Env map[string]string

	// Network is the shared network the worker is attached to. Empty means
	// the runtime default.
	Network string

	// Labels are attached to the container for discovery.
	Labels map[string]string
}

// ContainerInfo holds runtime information about a container.
// This data is fetched dynamically from the runtime, not persisted.
type ContainerInfo struct {
	// ContainerID is the unique runtime container identifier.
	ContainerID string `json:"containerId"`

	// ContainerName is the human-readable container name without the
	// leading "/" the Docker API adds.
	ContainerName string `json:"containerName"`

	// Status is the runtime container state (e.g., "running", "exited", "created").
	Status string `json:"status"`

	// HostPorts lists the published host ports of the container.
	HostPorts []int `json:"hostPorts,omitempty"`

	// Labels is the full set of labels on the container.
	Labels map[string]string `json:"labels,omitempty"`

	// CreatedAt is when the container was created.
	CreatedAt time.Time `json:"createdAt"`
}

// IsRunning reports whether the runtime considers the container running.
func (c ContainerInfo) IsRunning() bool {
	return c.Status == "running"
}

// ExitCode defines standard CLI exit codes.
// These codes allow scripts and CI systems to programmatically determine
// the outcome of a command.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitInvalidConfig indicates the configuration file or flags are invalid.
	ExitInvalidConfig ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible
	// or the live container list could not be queried.
	ExitDockerNotRunning ExitCode = 3

	// ExitPortExhausted indicates no port was free in the configured range
	// for any requested unit.
	ExitPortExhausted ExitCode = 4

	// ExitPartialScale indicates fewer units than requested reached the
	// desired state.
	ExitPartialScale ExitCode = 5

	// ExitBalancerUnreachable indicates the balancer could not be contacted.
	ExitBalancerUnreachable ExitCode = 6

	// ExitUserCancelled indicates the user declined a confirmation prompt.
	ExitUserCancelled ExitCode = 7
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
