package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors of the scaling core. Callers match them with errors.Is;
// the concrete failure is always wrapped around one of these.
var (
	// ErrRuntimeQuery means the live container list could not be enumerated.
	// It aborts the current allocation and is surfaced to the batch caller.
	ErrRuntimeQuery = errors.New("runtime query failed")

	// ErrPortExhausted means no free port remains in the configured range.
	ErrPortExhausted = errors.New("no free port in range")

	// ErrLaunch means the runtime rejected the launch spec (name collision,
	// missing image, ...). Nothing was created, so no rollback is needed.
	ErrLaunch = errors.New("worker launch rejected")

	// ErrReadinessTimeout means the worker did not report healthy in time.
	ErrReadinessTimeout = errors.New("worker did not become ready")

	// ErrRegistration means the balancer did not accept the worker's port.
	ErrRegistration = errors.New("balancer registration failed")

	// ErrRemoval means a stop/remove call failed. Removal is best-effort:
	// this error is logged and never aborts a batch.
	ErrRemoval = errors.New("worker removal failed")

	// ErrWorkerNotFound means the runtime has no container with the given id.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrInvalidConfig means the configuration failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Stage names the provisioning step at which a unit failed.
type Stage string

const (
	StageAllocate Stage = "allocate"
	StageLaunch   Stage = "launch"
	StageReady    Stage = "ready"
	StageRegister Stage = "register"
	StageRemove   Stage = "remove"
)

// UnitError describes the failure of a single scale unit. It wraps one of
// the sentinel errors above so errors.Is keeps working through it.
type UnitError struct {
	// Stage is the step that failed.
	Stage Stage

	// Port is the port assigned to the unit, or 0 if allocation failed.
	Port int

	// WorkerID is the runtime id of the container, if one was created.
	WorkerID string

	// RolledBack reports whether the unit's container was removed again.
	RolledBack bool

	// Err is the underlying cause.
	Err error
}

// Error satisfies the error interface.
func (e *UnitError) Error() string {
	if e.Port == 0 {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s port %d: %v", e.Stage, e.Port, e.Err)
}

// Unwrap returns the underlying cause.
func (e *UnitError) Unwrap() error {
	return e.Err
}

// MarshalJSON renders the failure for API and CLI output.
func (e *UnitError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Stage      Stage  `json:"stage"`
		Port       int    `json:"port,omitempty"`
		WorkerID   string `json:"workerId,omitempty"`
		RolledBack bool   `json:"rolledBack"`
		Error      string `json:"error"`
	}{e.Stage, e.Port, e.WorkerID, e.RolledBack, e.Err.Error()})
}
