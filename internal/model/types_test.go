package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWorkerState_IsValid verifies every declared state is valid and an
// unknown value is rejected.
func TestWorkerState_IsValid(t *testing.T) {
	for _, s := range []WorkerState{StateLaunching, StateReady, StateRegistered, StateDeregistering, StateRemoved} {
		assert.True(t, s.IsValid(), "state %q should be valid", s)
	}
	assert.False(t, WorkerState("paused").IsValid())
}

// TestWorkerState_IsActive verifies that only registered workers count as active.
func TestWorkerState_IsActive(t *testing.T) {
	assert.True(t, StateRegistered.IsActive())
	assert.False(t, StateReady.IsActive(), "ready but unregistered is not active")
	assert.False(t, StateLaunching.IsActive())
	assert.False(t, StateRemoved.IsActive())
}

func TestParseWorkerState(t *testing.T) {
	tests := []struct {
		input   string
		want    WorkerState
		wantErr bool
	}{
		{"launching", StateLaunching, false},
		{"READY", StateReady, false},
		{"Registered", StateRegistered, false},
		{"removed", StateRemoved, false},
		{"gone", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseWorkerState(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid worker state")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestWorkerName verifies the deterministic <prefix>_<port> naming convention.
func TestWorkerName(t *testing.T) {
	assert.Equal(t, "worker_8001", WorkerName("worker", 8001))
	assert.Equal(t, "django_server_9000", WorkerName("django_server", 9000))
}

// TestParseWorkerName verifies that ParseWorkerName is the inverse of
// WorkerName and rejects names from other fleets or malformed suffixes.
func TestParseWorkerName(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		input  string
		want   int
		ok     bool
	}{
		{"plain", "worker", "worker_8001", 8001, true},
		{"leading slash from docker api", "worker", "/worker_8002", 8002, true},
		{"prefix with underscore", "django_server", "django_server_8003", 8003, true},
		{"other prefix", "worker", "nginx_80", 0, false},
		{"non-numeric suffix", "worker", "worker_abc", 0, false},
		{"nested suffix", "worker", "worker_x_8001", 0, false},
		{"port out of range", "worker", "worker_70000", 0, false},
		{"missing separator", "worker", "worker8001", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseWorkerName(tt.prefix, tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidatePrefix(t *testing.T) {
	assert.NoError(t, ValidatePrefix("worker"))
	assert.NoError(t, ValidatePrefix("django_server"))
	assert.NoError(t, ValidatePrefix("w.1-a"))

	assert.Error(t, ValidatePrefix(""))
	assert.Error(t, ValidatePrefix("_worker"), "must start alphanumeric")
	assert.Error(t, ValidatePrefix("work er"), "spaces are not allowed")
}

// TestPortRange_Validate covers the boundary checks of the inclusive range.
func TestPortRange_Validate(t *testing.T) {
	tests := []struct {
		name    string
		r       PortRange
		wantErr string
	}{
		{"default range", PortRange{Start: 8001, End: 9000}, ""},
		{"single port", PortRange{Start: 8001, End: 8001}, ""},
		{"start zero", PortRange{Start: 0, End: 10}, "start 0 out of range"},
		{"end too high", PortRange{Start: 8001, End: 70000}, "end 70000 out of range"},
		{"inverted", PortRange{Start: 9000, End: 8001}, "greater than end"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPortRange_ContainsAndSize(t *testing.T) {
	r := PortRange{Start: 8001, End: 8003}

	assert.True(t, r.Contains(8001))
	assert.True(t, r.Contains(8003))
	assert.False(t, r.Contains(8000))
	assert.False(t, r.Contains(8004))
	assert.Equal(t, 3, r.Size())
	assert.Equal(t, "8001-8003", r.String())
}

// TestUnitError_Unwrap verifies that errors.Is reaches the sentinel through
// a UnitError and through further fmt.Errorf wrapping.
func TestUnitError_Unwrap(t *testing.T) {
	unitErr := &UnitError{
		Stage: StageRegister,
		Port:  8001,
		Err:   fmt.Errorf("%w: status 502", ErrRegistration),
	}

	assert.True(t, errors.Is(unitErr, ErrRegistration))
	assert.False(t, errors.Is(unitErr, ErrLaunch))
	assert.Equal(t, "register port 8001: balancer registration failed: status 502", unitErr.Error())

	wrapped := fmt.Errorf("scale up: %w", unitErr)
	var target *UnitError
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, 8001, target.Port)
}

func TestUnitError_NoPort(t *testing.T) {
	unitErr := &UnitError{Stage: StageAllocate, Err: ErrPortExhausted}
	assert.Equal(t, "allocate: no free port in range", unitErr.Error())
}

// TestCLIError verifies message formatting and unwrapping of CLIError.
func TestCLIError(t *testing.T) {
	plain := NewCLIError(ExitPartialScale, "only 1 of 2 workers started")
	assert.Equal(t, "only 1 of 2 workers started", plain.Error())
	assert.Nil(t, plain.Unwrap())

	wrapped := WrapCLIError(ExitDockerNotRunning, "failed to list workers", ErrRuntimeQuery)
	assert.Equal(t, "failed to list workers: runtime query failed", wrapped.Error())
	assert.True(t, errors.Is(wrapped, ErrRuntimeQuery))
	assert.Equal(t, ExitDockerNotRunning, wrapped.Code)
}

func TestUnitError_MarshalJSON(t *testing.T) {
	unitErr := &UnitError{
		Stage:      StageReady,
		Port:       8002,
		WorkerID:   "c0001",
		RolledBack: true,
		Err:        ErrReadinessTimeout,
	}

	data, err := json.Marshal(unitErr)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"ready","port":8002,"workerId":"c0001","rolledBack":true,"error":"worker did not become ready"}`, string(data))
}
