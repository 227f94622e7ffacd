package fleet

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/fleetctl/internal/model"
)

func withParallelism(n int) harnessOption {
	return func(c *Config) { c.Parallelism = n }
}

// gaugeValue reads an unlabelled gauge from the harness registry.
func (h *harness) gaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := h.metrics.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

// TestScaler_UpThenDown walks a fleet from empty to two workers and back
// to one.
func TestScaler_UpThenDown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	up, err := h.scaler.ScaleUp(ctx, 2)
	require.NoError(t, err)
	assert.NotEmpty(t, up.OpID)
	assert.Empty(t, up.Failures)
	require.Len(t, up.Workers, 2)
	assert.Equal(t, []int{8001, 8002}, ports(up.Workers))
	for _, w := range up.Workers {
		assert.Equal(t, model.StateRegistered, w.State)
		assert.Equal(t, model.WorkerName("worker", w.Port), w.Name)
	}
	assert.Equal(t, []int{8001, 8002}, h.lb.Registered())
	assert.Zero(t, h.reservations.Len(), "reservations are released once units settle")

	down, err := h.scaler.ScaleDown(ctx, 1, "")
	require.NoError(t, err)
	assert.Equal(t, PolicyNewest, down.Policy)
	require.Len(t, down.Removed, 1)
	assert.Equal(t, 8002, down.Removed[0].Port)
	assert.Equal(t, model.StateRemoved, down.Removed[0].State)
	assert.Equal(t, []int{8001}, h.lb.Registered())

	live, err := h.scaler.List(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, 8001, live[0].Port)
	assert.Equal(t, model.StateRegistered, live[0].State)
	assert.Equal(t, 1.0, h.gaugeValue(t, "fleet_workers"))

	// The removed worker's port is free again.
	again, err := h.scaler.ScaleUp(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{8002}, ports(again.Workers))
}

func TestScaleUp_ZeroCount(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.scaler.ScaleUp(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, res.Workers)
	assert.Zero(t, h.rt.Launches)
}

// TestScaleUp_SinglePortRange verifies that a one-port range yields one
// worker and one exhausted unit, not an error.
func TestScaleUp_SinglePortRange(t *testing.T) {
	h := newHarness(t, withRange(8001, 8001))

	res, err := h.scaler.ScaleUp(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{8001}, ports(res.Workers))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, model.StageAllocate, res.Failures[0].Stage)
	assert.True(t, errors.Is(res.Failures[0], model.ErrPortExhausted))
}

// TestScaleUp_SkipsOccupiedPorts verifies that ports held by existing
// containers, stopped ones included, are not handed out again.
func TestScaleUp_SkipsOccupiedPorts(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.Seed("worker_8001", 8001, "running")
	h.rt.Seed("worker_8002", 8002, "exited")

	res, err := h.scaler.ScaleUp(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{8003}, ports(res.Workers))
}

func TestScaleUp_ParallelPortsAreDistinct(t *testing.T) {
	h := newHarness(t, nil, withParallelism(4))

	res, err := h.scaler.ScaleUp(context.Background(), 6)
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, []int{8001, 8002, 8003, 8004, 8005, 8006}, ports(res.Workers))
	assert.Len(t, h.rt.Containers(), 6)
	assert.Equal(t, []int{8001, 8002, 8003, 8004, 8005, 8006}, h.lb.Registered())
}

// TestScaleUp_ReadinessFailureRollsBack verifies that a worker that exits
// during startup is removed and never registered.
func TestScaleUp_ReadinessFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.LaunchStatus = func(model.LaunchSpec) string { return "exited" }

	res, err := h.scaler.ScaleUp(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, res.Workers)
	require.Len(t, res.Failures, 2)
	for _, f := range res.Failures {
		assert.Equal(t, model.StageReady, f.Stage)
		assert.True(t, errors.Is(f, model.ErrReadinessTimeout))
		assert.True(t, f.RolledBack)
		assert.NotEmpty(t, f.WorkerID)
	}
	assert.Empty(t, h.rt.Containers(), "no orphaned containers")
	assert.Empty(t, h.lb.Registered())
	assert.Zero(t, h.lb.Calls("/register_port"))
}

func TestScaleUp_RegistrationFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.lb.Reject("/register_port")

	res, err := h.scaler.ScaleUp(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, res.Workers)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, model.StageRegister, res.Failures[0].Stage)
	assert.Equal(t, 8001, res.Failures[0].Port)
	assert.True(t, errors.Is(res.Failures[0], model.ErrRegistration))
	assert.True(t, res.Failures[0].RolledBack)
	assert.Empty(t, h.rt.Containers())
}

// TestScaleUp_RollbackFailureIsReported verifies that a unit whose
// rollback fails is reported as not rolled back.
func TestScaleUp_RollbackFailureIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.lb.Reject("/register_port")
	h.rt.RemoveErr = func(string) error { return fmt.Errorf("daemon busy") }

	res, err := h.scaler.ScaleUp(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.False(t, res.Failures[0].RolledBack)
	assert.Len(t, h.rt.Containers(), 1)
}

// TestScaleUp_LaunchFailure verifies that a rejected launch consumes no
// container and needs no rollback.
func TestScaleUp_LaunchFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.LaunchErr = func(spec model.LaunchSpec) error {
		if spec.Port == 8001 {
			return fmt.Errorf("image not found")
		}
		return nil
	}

	res, err := h.scaler.ScaleUp(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{8002}, ports(res.Workers))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, model.StageLaunch, res.Failures[0].Stage)
	assert.True(t, errors.Is(res.Failures[0], model.ErrLaunch))
	assert.False(t, res.Failures[0].RolledBack)
	assert.Zero(t, h.rt.Removes)
	assert.Zero(t, h.reservations.Len(), "held ports are released when the batch ends")
}

// TestScaleUp_LaunchFailureIsNotRetriedInBatch verifies that one port the
// runtime cannot publish does not sink the rest of a parallel batch.
func TestScaleUp_LaunchFailureIsNotRetriedInBatch(t *testing.T) {
	h := newHarness(t, nil, withParallelism(3))
	h.rt.LaunchErr = func(spec model.LaunchSpec) error {
		if spec.Port == 8001 {
			return fmt.Errorf("port is already allocated")
		}
		return nil
	}

	res, err := h.scaler.ScaleUp(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, []int{8002, 8003, 8004}, ports(res.Workers))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 8001, res.Failures[0].Port)
	assert.Zero(t, h.reservations.Len())

	// The next batch may try the port again.
	h.rt.LaunchErr = nil
	res, err = h.scaler.ScaleUp(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{8001}, ports(res.Workers))
}

// TestScaleUp_CappedToRange verifies that an oversized request provisions
// at most one unit per port in the range.
func TestScaleUp_CappedToRange(t *testing.T) {
	h := newHarness(t, withRange(8001, 8003))

	res, err := h.scaler.ScaleUp(context.Background(), 100000000)
	require.NoError(t, err)
	assert.Equal(t, 100000000, res.Requested)
	assert.Equal(t, []int{8001, 8002, 8003}, ports(res.Workers))
	assert.Empty(t, res.Failures)
	assert.Equal(t, 3, h.rt.Launches)
}

func TestScaleUp_RuntimeQueryError(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.ListErr = errors.New("cannot connect to the docker daemon")

	res, err := h.scaler.ScaleUp(context.Background(), 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrRuntimeQuery))
	assert.Empty(t, res.Workers)
	assert.Len(t, res.Failures, 3)
	assert.Zero(t, h.rt.Launches)
}

func TestScaleUp_Cancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.scaler.ScaleUp(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, res.Workers)
	require.Len(t, res.Failures, 2)
	assert.True(t, errors.Is(res.Failures[0], context.Canceled))
	assert.Zero(t, h.rt.Launches)
}

// TestScaleDown_AtMostLive verifies that asking for more removals than
// there are workers removes all of them and nothing else.
func TestScaleDown_AtMostLive(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.Seed("worker_8001", 8001, "running")
	h.rt.Seed("worker_8002", 8002, "running")
	h.rt.Seed("other_8003", 8003, "running")

	res, err := h.scaler.ScaleDown(context.Background(), 5, "")
	require.NoError(t, err)
	assert.Len(t, res.Removed, 2)
	assert.Empty(t, res.Failures)

	remaining := h.rt.Containers()
	require.Len(t, remaining, 1)
	assert.Equal(t, "other_8003", remaining[0].ContainerName)
}

func TestScaleDown_EmptyFleet(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.scaler.ScaleDown(context.Background(), 2, "")
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.Zero(t, h.lb.Calls("/deregister_port"))
}

func TestScaleDown_SkipsStopped(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.Seed("worker_8001", 8001, "exited")
	running := h.rt.Seed("worker_8002", 8002, "running")

	res, err := h.scaler.ScaleDown(context.Background(), 2, "")
	require.NoError(t, err)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, running, res.Removed[0].ID)
}

// TestScaleDown_DeregisterFailureStillRemoves verifies that a balancer
// that refuses deregistration does not keep the worker alive.
func TestScaleDown_DeregisterFailureStillRemoves(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.Seed("worker_8001", 8001, "running")
	h.lb.Reject("/deregister_port")

	res, err := h.scaler.ScaleDown(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Len(t, res.Removed, 1)
	assert.Empty(t, h.rt.Containers())
	assert.Equal(t, 1, h.lb.Calls("/deregister_port"))
}

func TestScaleDown_RemovalFailureContinues(t *testing.T) {
	h := newHarness(t, nil)
	stuck := h.rt.Seed("worker_8001", 8001, "running")
	h.rt.Seed("worker_8002", 8002, "running")
	h.rt.RemoveErr = func(id string) error {
		if id == stuck {
			return errors.New("device busy")
		}
		return nil
	}

	res, err := h.scaler.ScaleDown(context.Background(), 2, "")
	require.NoError(t, err)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, 8002, res.Removed[0].Port)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, model.StageRemove, res.Failures[0].Stage)
	assert.Equal(t, stuck, res.Failures[0].WorkerID)
	assert.True(t, errors.Is(res.Failures[0], model.ErrRemoval))
}

func TestScaleDown_Policies(t *testing.T) {
	tests := []struct {
		policy Policy
		want   int
	}{
		{PolicyNewest, 8003},
		{PolicyOldest, 8001},
		{PolicyLeastLoaded, 8002},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			h := newHarness(t, nil)
			h.rt.Seed("worker_8001", 8001, "running")
			h.rt.Seed("worker_8002", 8002, "running")
			h.rt.Seed("worker_8003", 8003, "running")
			h.lb.SetConns(8001, 4)
			h.lb.SetConns(8002, 0)
			h.lb.SetConns(8003, 7)

			res, err := h.scaler.ScaleDown(context.Background(), 1, tt.policy)
			require.NoError(t, err)
			require.Len(t, res.Removed, 1)
			assert.Equal(t, tt.want, res.Removed[0].Port)
		})
	}
}

func TestScaleDown_RuntimeQueryError(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.ListErr = errors.New("connection refused")

	_, err := h.scaler.ScaleDown(context.Background(), 1, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrRuntimeQuery))
}

// TestScaleDown_IdempotentRemoval verifies that removing a worker that is
// already gone is not a failure.
func TestScaleDown_IdempotentRemoval(t *testing.T) {
	h := newHarness(t, nil)
	id := h.rt.Seed("worker_8001", 8001, "running")
	require.NoError(t, h.scaler.lifecycle.Remove(context.Background(), id))
	require.NoError(t, h.scaler.lifecycle.Remove(context.Background(), id))
}

func TestList_ReportsStoppedWorkers(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.Seed("worker_8002", 8002, "exited")
	h.rt.Seed("worker_8001", 8001, "running")

	workers, err := h.scaler.List(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, 8001, workers[0].Port)
	assert.Equal(t, model.StateRegistered, workers[0].State)
	assert.Equal(t, "exited", workers[1].Status)
	assert.Equal(t, model.StateRemoved, workers[1].State)
	assert.Equal(t, 1.0, h.gaugeValue(t, "fleet_workers"))
}

func TestReconcile(t *testing.T) {
	h := newHarness(t, nil, withParallelism(2))
	ctx := context.Background()
	h.rt.Seed("worker_8001", 8001, "running")

	res, err := h.scaler.Reconcile(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Before)
	require.NotNil(t, res.Up)
	assert.Len(t, res.Up.Workers, 2)
	assert.Nil(t, res.Down)

	res, err = h.scaler.Reconcile(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, res.Up)
	assert.Nil(t, res.Down)

	res, err = h.scaler.Reconcile(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, res.Down)
	assert.Len(t, res.Down.Removed, 2)
	assert.Len(t, h.rt.Containers(), 1)
}

func TestReconcile_Busy(t *testing.T) {
	h := newHarness(t, nil)
	h.scaler.reconcileMu.Lock()
	defer h.scaler.reconcileMu.Unlock()

	_, err := h.scaler.Reconcile(context.Background(), 1)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestReconcile_NegativeDesired(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.scaler.Reconcile(context.Background(), -1)
	assert.Error(t, err)
}

// TestScaleUp_UnitOutlivesCaller verifies that cancelling the caller after
// a unit launched still drives that unit to a terminal state.
func TestScaleUp_UnitOutlivesCaller(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	launched := make(chan struct{})
	h.rt.LaunchStatus = func(model.LaunchSpec) string {
		close(launched)
		return "created"
	}
	go func() {
		<-launched
		cancel()
	}()

	res, err := h.scaler.ScaleUp(ctx, 1)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, model.StageReady, res.Failures[0].Stage)
	assert.True(t, res.Failures[0].RolledBack)

	require.Eventually(t, func() bool { return len(h.rt.Containers()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestScaler_Remove(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rt.Seed("worker_8001", 8001, "running")
	h.rt.Seed("worker_8002", 8002, "running")

	w, err := h.scaler.Remove(ctx, "8002")
	require.NoError(t, err)
	assert.Equal(t, "worker_8002", w.Name)
	assert.Equal(t, model.StateRemoved, w.State)
	assert.Equal(t, 1, h.lb.Calls("/deregister_port"))

	w, err = h.scaler.Remove(ctx, "worker_8001")
	require.NoError(t, err)
	assert.Equal(t, 8001, w.Port)
	assert.Empty(t, h.rt.Containers())

	_, err = h.scaler.Remove(ctx, "worker_8001")
	assert.ErrorIs(t, err, model.ErrWorkerNotFound)
}
