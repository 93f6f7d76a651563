package evaluator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/eventbus"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/ids"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/queue"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/snapshot"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/transport"
)

func testLogger() arbor.ILogger {
	return arbor.NewLogger().WithConsoleWriter(models.WriterConfiguration{Type: models.LogWriterTypeConsole})
}

// instantDriver completes every submitted job on its first poll, letting
// the evaluator's run loop converge quickly in tests.
type instantDriver struct{}

func (instantDriver) Submit(ctx context.Context, idx ids.QueueIndex, runpath string) error {
	return nil
}
func (instantDriver) Poll(ctx context.Context, idx ids.QueueIndex) (queue.DriverState, error) {
	return queue.DriverDone, nil
}
func (instantDriver) Kill(ctx context.Context, idx ids.QueueIndex) error { return nil }
func (instantDriver) MaxRunning() int                                    { return 0 }
func (instantDriver) SetMaxRunning(n int)                                {}

func TestEvaluatorRunReachesTerminatedOnAllSuccess(t *testing.T) {
	logger := testLogger()
	engine := queue.NewEngine(instantDriver{}, queue.Config{PollInterval: 5 * time.Millisecond}, logger, 8)
	dispatcher := eventbus.NewDispatcher(eventbus.ThrottleConfig{}, logger)
	ts := transport.NewServer("", nil, logger)

	plans := []RealizationPlan{{Index: 0, Runpath: "/tmp/0"}, {Index: 1, Runpath: "/tmp/1"}}

	var terminatedPlans []RealizationPlan
	ev := New("ens_1", 0, plans, []ids.StepID{"step-0"}, 1, engine, dispatcher, ts, logger)
	ev.OnTerminated(func(p []RealizationPlan) { terminatedPlans = p })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		ev.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("evaluator did not terminate in time")
	}

	require.NotNil(t, terminatedPlans)
	assert.Len(t, terminatedPlans, 2)

	snap := ev.ensemble
	assert.Equal(t, ids.RealizationSuccess, snap.Realizations[0].Status)
	assert.Equal(t, ids.JobSuccessWire, snap.Realizations[0].Steps["step-0"].Jobs[0].Status)
}

// failingDriver always reports EXIT, so every node exhausts its submit
// budget and the realization converges to FAILURE (scenario S2).
type failingDriver struct{}

func (failingDriver) Submit(ctx context.Context, idx ids.QueueIndex, runpath string) error {
	return nil
}
func (failingDriver) Poll(ctx context.Context, idx ids.QueueIndex) (queue.DriverState, error) {
	return queue.DriverExit, nil
}
func (failingDriver) Kill(ctx context.Context, idx ids.QueueIndex) error { return nil }
func (failingDriver) MaxRunning() int                                    { return 0 }
func (failingDriver) SetMaxRunning(n int)                                {}

func TestEvaluatorRunReachesTerminatedOnFailure(t *testing.T) {
	logger := testLogger()
	engine := queue.NewEngine(failingDriver{}, queue.Config{MaxSubmit: 1, PollInterval: 5 * time.Millisecond}, logger, 8)
	dispatcher := eventbus.NewDispatcher(eventbus.ThrottleConfig{}, logger)
	ts := transport.NewServer("", nil, logger)

	plans := []RealizationPlan{{Index: 0, Runpath: "/tmp/0"}}
	ev := New("ens_2", 0, plans, []ids.StepID{"step-0"}, 1, engine, dispatcher, ts, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		ev.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("evaluator did not terminate in time")
	}

	assert.Equal(t, ids.RealizationFailure, ev.ensemble.Realizations[0].Status)
	assert.Equal(t, ids.JobFailureWire, ev.ensemble.Realizations[0].Steps["step-0"].Jobs[0].Status)
}

// longRunnerDriver completes realization 0 immediately and keeps
// realization 1 running forever, letting the long-runner killer's
// runtime/avg-completed predicate fire against it (scenarios S3/S6).
type longRunnerDriver struct {
	mu sync.Mutex
}

func (d *longRunnerDriver) Submit(ctx context.Context, idx ids.QueueIndex, runpath string) error {
	return nil
}
func (d *longRunnerDriver) Poll(ctx context.Context, idx ids.QueueIndex) (queue.DriverState, error) {
	if idx == 0 {
		return queue.DriverDone, nil
	}
	return queue.DriverRunning, nil
}
func (d *longRunnerDriver) Kill(ctx context.Context, idx ids.QueueIndex) error { return nil }
func (d *longRunnerDriver) MaxRunning() int                                   { return 0 }
func (d *longRunnerDriver) SetMaxRunning(n int)                               {}

func TestEvaluatorKillsLongRunnerAndStampsTimeoutMessage(t *testing.T) {
	logger := testLogger()
	engine := queue.NewEngine(&longRunnerDriver{}, queue.Config{
		MinRealizationsRequired: 1,
		LongRunningFactor:       1.25,
		PollInterval:            5 * time.Millisecond,
	}, logger, 8)
	dispatcher := eventbus.NewDispatcher(eventbus.ThrottleConfig{}, logger)
	ts := transport.NewServer("", nil, logger)

	plans := []RealizationPlan{{Index: 0, Runpath: "/tmp/0"}, {Index: 1, Runpath: "/tmp/1"}}
	ev := New("ens_3", 0, plans, []ids.StepID{"step-0"}, 1, engine, dispatcher, ts, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		ev.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("evaluator did not terminate in time")
	}

	assert.Equal(t, ids.RealizationFailure, ev.ensemble.Realizations[1].Status)
	job := ev.ensemble.Realizations[1].Steps["step-0"].Jobs[0]
	assert.Equal(t, ids.JobFailureWire, job.Status)
	assert.Equal(t, snapshot.StepTimeoutError, job.Error)
	assert.Equal(t, ids.JobKilled, engine.Snapshot()[1])
}

func TestEvaluatorReconnectSnapshotIsFullSnapshotKind(t *testing.T) {
	logger := testLogger()
	engine := queue.NewEngine(instantDriver{}, queue.Config{PollInterval: 5 * time.Millisecond}, logger, 8)
	dispatcher := eventbus.NewDispatcher(eventbus.ThrottleConfig{}, logger)
	ts := transport.NewServer("", nil, logger)

	plans := []RealizationPlan{{Index: 0, Runpath: "/tmp/0"}}
	ev := New("ens_4", 0, plans, []ids.StepID{"step-0"}, 1, engine, dispatcher, ts, logger)

	env, err := ev.fullSnapshotEnvelope()
	require.NoError(t, err)
	assert.Equal(t, "EE_SNAPSHOT", env.Type)
}
