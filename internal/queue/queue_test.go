package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/ids"
)

func TestDifferReportsFirstObservationAndSubsequentChangesOnly(t *testing.T) {
	d := NewDiffer()

	changes := d.Diff(map[ids.QueueIndex]ids.JobState{0: ids.JobRunning})
	require.Len(t, changes, 1)
	assert.Equal(t, ids.JobRunning, changes[0].To)

	changes = d.Diff(map[ids.QueueIndex]ids.JobState{0: ids.JobRunning})
	assert.Empty(t, changes)

	changes = d.Diff(map[ids.QueueIndex]ids.JobState{0: ids.JobFinished})
	require.Len(t, changes, 1)
	assert.Equal(t, ids.JobRunning, changes[0].From)
	assert.Equal(t, ids.JobFinished, changes[0].To)
}

func TestNodeObserveExitRetriesUntilSubmitBudgetExhausted(t *testing.T) {
	n := NewNode(0, "/tmp/run0", 2)
	n.MarkWaiting()
	n.MarkSubmitted()

	require.NoError(t, n.Observe(DriverExit))
	assert.Equal(t, ids.JobExit, n.State)

	n.MarkSubmitted()
	err := n.Observe(DriverExit)
	assert.ErrorIs(t, err, ErrSubmitExhausted)
}

// fakeDriver is an in-memory Driver used only by engine tests.
type fakeDriver struct {
	mu         sync.Mutex
	maxRunning int
	states     map[ids.QueueIndex]DriverState
	killed     map[ids.QueueIndex]bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{states: map[ids.QueueIndex]DriverState{}, killed: map[ids.QueueIndex]bool{}}
}

func (f *fakeDriver) Submit(ctx context.Context, idx ids.QueueIndex, runpath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[idx] = DriverRunning
	return nil
}

func (f *fakeDriver) Poll(ctx context.Context, idx ids.QueueIndex) (DriverState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[idx], nil
}

func (f *fakeDriver) Kill(ctx context.Context, idx ids.QueueIndex) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[idx] = true
	f.states[idx] = DriverExit
	return nil
}

func (f *fakeDriver) MaxRunning() int      { return f.maxRunning }
func (f *fakeDriver) SetMaxRunning(n int)  { f.maxRunning = n }

func (f *fakeDriver) setState(idx ids.QueueIndex, s DriverState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[idx] = s
}

func testLogger() arbor.ILogger {
	return arbor.NewLogger().WithConsoleWriter(models.WriterConfiguration{Type: models.LogWriterTypeConsole})
}

func TestEngineAdmitsUpToMaxRunning(t *testing.T) {
	driver := newFakeDriver()
	e := NewEngine(driver, Config{MaxRunning: 1, PollInterval: 10 * time.Millisecond}, testLogger(), 8)
	e.Add(0, "/tmp/0")
	e.Add(1, "/tmp/1")

	e.admit(context.Background())

	running := 0
	for _, n := range e.nodes {
		if n.State == ids.JobSubmitted {
			running++
		}
	}
	assert.Equal(t, 1, running)
}

func TestEngineKillsLongRunnerPastThreshold(t *testing.T) {
	driver := newFakeDriver()
	e := NewEngine(driver, Config{MaxRunning: 0, LongRunningFactor: 1.25, MinRealizationsRequired: 1, PollInterval: time.Millisecond}, testLogger(), 8)

	e.Add(0, "/tmp/0")
	e.Add(1, "/tmp/1")
	e.nodes[0].MarkSubmitted()
	past := time.Now().Add(-10 * time.Second)
	e.nodes[0].StartTime = &past
	doneAt := time.Now().Add(-9*time.Second + time.Second)
	e.nodes[0].EndTime = &doneAt
	e.nodes[0].Finish()

	e.nodes[1].MarkSubmitted()
	longAgo := time.Now().Add(-time.Hour)
	e.nodes[1].StartTime = &longAgo
	e.nodes[1].State = ids.JobRunning

	e.killLongRunners()

	assert.True(t, driver.killed[1])
	assert.Equal(t, ids.JobKilled, e.nodes[1].State)
}

func TestEngineSubmitCapNeverExceedsMaxSubmit(t *testing.T) {
	driver := newFakeDriver()
	e := NewEngine(driver, Config{MaxSubmit: 2, PollInterval: time.Millisecond}, testLogger(), 8)
	e.Add(0, "/tmp/0")

	for i := 0; i < 5; i++ {
		e.admit(context.Background())
		observed := e.poll(context.Background())
		if observed[0] == ids.JobRunning {
			driver.setState(0, DriverExit)
		}
	}

	assert.LessOrEqual(t, e.nodes[0].Submits, e.cfg.MaxSubmit)
}

func TestEngineBoundsConcurrencyAtMaxRunning(t *testing.T) {
	driver := newFakeDriver()
	e := NewEngine(driver, Config{MaxRunning: 2, PollInterval: time.Millisecond}, testLogger(), 8)
	for i := 0; i < 5; i++ {
		e.Add(ids.QueueIndex(i), "/tmp/run")
	}

	e.admit(context.Background())

	running := 0
	for _, n := range e.nodes {
		if n.State == ids.JobSubmitted || n.State == ids.JobPending || n.State == ids.JobRunning {
			running++
		}
	}
	assert.LessOrEqual(t, running, 2)
}

func TestKillLongRunnerPredicateRequiresMinimumCompletedSample(t *testing.T) {
	driver := newFakeDriver()
	e := NewEngine(driver, Config{LongRunningFactor: 1.25, MinRealizationsRequired: 2, PollInterval: time.Millisecond}, testLogger(), 8)

	e.Add(0, "/tmp/0")
	e.nodes[0].MarkSubmitted()
	longAgo := time.Now().Add(-time.Hour)
	e.nodes[0].StartTime = &longAgo
	e.nodes[0].State = ids.JobRunning

	// Only zero realizations have completed: MinRealizationsRequired (2) is
	// not met, so the long-runner killer must not fire yet.
	e.killLongRunners()

	assert.False(t, driver.killed[0])
	assert.Equal(t, ids.JobRunning, e.nodes[0].State)
}

func TestKillAllLeavesEveryNodeTerminal(t *testing.T) {
	driver := newFakeDriver()
	e := NewEngine(driver, Config{}, testLogger(), 8)
	e.Add(0, "/tmp/0")
	e.Add(1, "/tmp/1")
	e.nodes[0].MarkSubmitted()
	e.nodes[0].State = ids.JobRunning
	e.nodes[1].MarkWaiting()

	e.KillAll(context.Background())

	for _, n := range e.nodes {
		assert.True(t, n.State.Terminal())
	}
	assert.Equal(t, ids.JobKilled, e.nodes[0].State)
	assert.Equal(t, ids.JobKilled, e.nodes[1].State)
}
