package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/ids"
)

func newTestEnsemble() *Ensemble {
	return New("ens_test", 0, 2, []ids.StepID{"step-0"}, 1)
}

func statusPtr(s ids.JobWireStatus) *ids.JobWireStatus { return &s }

func TestMergeJobUpdateDerivesStepAndRealizationStatus(t *testing.T) {
	e := newTestEnsemble()

	err := e.Merge(&PartialSnapshot{
		Realization: 0,
		Step:        "step-0",
		Job:         0,
		JobUpdate:   &JobFields{Status: statusPtr(ids.JobRunningWire)},
	})
	require.NoError(t, err)

	assert.Equal(t, ids.StepRunning, e.Realizations[0].Steps["step-0"].Status)
	assert.Equal(t, ids.RealizationRunning, e.Realizations[0].Status)
	// untouched realization stays at its seeded state
	assert.Equal(t, ids.RealizationWaiting, e.Realizations[1].Status)
}

func TestMergeIsIdempotent(t *testing.T) {
	e1 := newTestEnsemble()
	e2 := newTestEnsemble()

	update := &PartialSnapshot{
		Realization: 0,
		Step:        "step-0",
		Job:         0,
		JobUpdate:   &JobFields{Status: statusPtr(ids.JobSuccessWire)},
	}

	require.NoError(t, e1.Merge(update))
	require.NoError(t, e2.Merge(update))
	require.NoError(t, e2.Merge(update))

	assert.Equal(t, e1.Realizations[0].Status, e2.Realizations[0].Status)
	assert.Equal(t, e1.Realizations[0].Steps["step-0"].Status, e2.Realizations[0].Steps["step-0"].Status)
}

func TestMergeUnknownRealizationErrors(t *testing.T) {
	e := newTestEnsemble()
	err := e.Merge(&PartialSnapshot{
		Realization: 99,
		Step:        "step-0",
		Job:         0,
		JobUpdate:   &JobFields{Status: statusPtr(ids.JobStart)},
	})
	assert.ErrorIs(t, err, ErrUnknownRealization)
}

func TestDeriveRealizationStatusFailureWins(t *testing.T) {
	e := New("ens_test", 0, 1, []ids.StepID{"a", "b"}, 1)
	require.NoError(t, e.Merge(&PartialSnapshot{Realization: 0, Step: "a", Job: 0, JobUpdate: &JobFields{Status: statusPtr(ids.JobSuccessWire)}}))
	require.NoError(t, e.Merge(&PartialSnapshot{Realization: 0, Step: "b", Job: 0, JobUpdate: &JobFields{Status: statusPtr(ids.JobFailureWire)}}))
	assert.Equal(t, ids.RealizationFailure, e.Realizations[0].Status)
}

func TestProgressGuardsZeroRealizations(t *testing.T) {
	e := &Ensemble{Realizations: map[ids.RealizationIndex]*Realization{}}
	assert.Equal(t, 0.0, Progress(e))
}

func TestProgressCountsTerminalRealizations(t *testing.T) {
	e := newTestEnsemble()
	require.NoError(t, e.Merge(&PartialSnapshot{Realization: 0, Step: "step-0", Job: 0, JobUpdate: &JobFields{Status: statusPtr(ids.JobSuccessWire)}}))
	assert.InDelta(t, 0.5, Progress(e), 0.0001)
}

func TestDiffReportsOnlyChangedRealizations(t *testing.T) {
	old := newTestEnsemble()
	next := newTestEnsemble()
	require.NoError(t, next.Merge(&PartialSnapshot{Realization: 1, Step: "step-0", Job: 0, JobUpdate: &JobFields{Status: statusPtr(ids.JobRunningWire)}}))

	changed := Diff(old, next)
	assert.Equal(t, []ids.RealizationIndex{1}, changed)
}

func TestFromEventMapsJobEventsPerTable(t *testing.T) {
	now := time.Now().UTC()

	p, err := FromEvent(Event{
		Type:   "FM_JOB_START",
		Source: "/ensemble/ens_test/real/0/step/step-0/job/0",
		Time:   now,
		Data:   map[string]any{"stdout": "job.stdout", "stderr": "job.stderr"},
	})
	require.NoError(t, err)
	assert.Equal(t, ids.RealizationIndex(0), p.Realization)
	assert.Equal(t, ids.StepID("step-0"), p.Step)
	assert.Equal(t, ids.JobIndex(0), p.Job)
	require.NotNil(t, p.JobUpdate.Status)
	assert.Equal(t, ids.JobStart, *p.JobUpdate.Status)
	require.NotNil(t, p.JobUpdate.Stdout)
	assert.Equal(t, "job.stdout", *p.JobUpdate.Stdout)

	p, err = FromEvent(Event{Type: "FM_JOB_SUCCESS", Source: "/ensemble/ens_test/real/0/step/step-0/job/0", Time: now})
	require.NoError(t, err)
	assert.Equal(t, ids.JobSuccessWire, *p.JobUpdate.Status)

	p, err = FromEvent(Event{
		Type:   "FM_JOB_FAILURE",
		Source: "/ensemble/ens_test/real/0/step/step-0/job/0",
		Time:   now,
		Data:   map[string]any{"error_msg": "boom"},
	})
	require.NoError(t, err)
	assert.Equal(t, ids.JobFailureWire, *p.JobUpdate.Status)
	assert.Equal(t, "boom", *p.JobUpdate.Error)
}

func TestFromEventStepTimeoutStampsJobsFailure(t *testing.T) {
	e := New("ens_test", 0, 1, []ids.StepID{"step-0"}, 2)
	require.NoError(t, e.Merge(&PartialSnapshot{Realization: 0, Step: "step-0", Job: 0, JobUpdate: &JobFields{Status: statusPtr(ids.JobSuccessWire)}}))
	require.NoError(t, e.Merge(&PartialSnapshot{Realization: 0, Step: "step-0", Job: 1, JobUpdate: &JobFields{Status: statusPtr(ids.JobRunningWire)}}))

	partial, err := FromEvent(Event{
		Type:   "FM_STEP_TIMEOUT",
		Source: "/ensemble/ens_test/real/0/step/step-0",
		Time:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Merge(partial))

	assert.Equal(t, ids.StepFailure, e.Realizations[0].Steps["step-0"].Status)
	// the already-SUCCESS job is left alone...
	assert.Equal(t, ids.JobSuccessWire, e.Realizations[0].Steps["step-0"].Jobs[0].Status)
	// ...but the still-running job is stamped FAILURE with the exact message.
	job1 := e.Realizations[0].Steps["step-0"].Jobs[1]
	assert.Equal(t, ids.JobFailureWire, job1.Status)
	assert.Equal(t, StepTimeoutError, job1.Error)
	assert.Equal(t, ids.RealizationFailure, e.Realizations[0].Status)
}

func TestMergeOutOfOrderJobUpdateKeepsMostAdvancedStatus(t *testing.T) {
	e := newTestEnsemble()
	early := time.Now().Add(-time.Minute)
	late := time.Now()

	require.NoError(t, e.Merge(&PartialSnapshot{
		Realization: 0, Step: "step-0", Job: 0,
		JobUpdate: &JobFields{Status: statusPtr(ids.JobFailureWire), EndTime: &late},
	}))
	// A stale SUCCESS arriving after a FAILURE already landed, timestamped
	// earlier, must not overwrite the terminal FAILURE.
	require.NoError(t, e.Merge(&PartialSnapshot{
		Realization: 0, Step: "step-0", Job: 0,
		JobUpdate: &JobFields{Status: statusPtr(ids.JobSuccessWire), EndTime: &early},
	}))

	assert.Equal(t, ids.JobFailureWire, e.Realizations[0].Steps["step-0"].Jobs[0].Status)
}

func TestMergeNeverRegressesTerminalRealizationStatus(t *testing.T) {
	e := newTestEnsemble()
	require.NoError(t, e.Merge(&PartialSnapshot{Realization: 0, Step: "step-0", Job: 0, JobUpdate: &JobFields{Status: statusPtr(ids.JobFailureWire)}}))
	require.Equal(t, ids.RealizationFailure, e.Realizations[0].Status)

	// A later event for the same realization must not resurrect it out of
	// its terminal FAILURE status.
	require.NoError(t, e.Merge(&PartialSnapshot{Realization: 0, Step: "step-0", Job: 0, JobUpdate: &JobFields{Status: statusPtr(ids.JobRunningWire)}}))
	assert.Equal(t, ids.RealizationFailure, e.Realizations[0].Status)
}

func TestPartialSnapshotMergeIsAssociative(t *testing.T) {
	start := time.Now().Add(-time.Minute)
	end := time.Now()

	a := &PartialSnapshot{Realization: 0, Step: "step-0", Job: 0, JobUpdate: &JobFields{StartTime: &start}}
	b := &PartialSnapshot{Realization: 0, Step: "step-0", Job: 0, JobUpdate: &JobFields{Status: statusPtr(ids.JobRunningWire)}}
	c := &PartialSnapshot{Realization: 0, Step: "step-0", Job: 0, JobUpdate: &JobFields{Status: statusPtr(ids.JobSuccessWire), EndTime: &end}}

	leftFirst := a.Merge(b).Merge(c)
	rightFirst := a.Merge(b.Merge(c))

	assert.Equal(t, leftFirst.JobUpdate.Status, rightFirst.JobUpdate.Status)
	assert.Equal(t, leftFirst.JobUpdate.StartTime, rightFirst.JobUpdate.StartTime)
	assert.Equal(t, leftFirst.JobUpdate.EndTime, rightFirst.JobUpdate.EndTime)
}

func TestPartialSnapshotMergeDataUnionsMaps(t *testing.T) {
	a := &PartialSnapshot{JobUpdate: &JobFields{Data: map[string]any{"max_memory_usage": 100}}}
	b := &PartialSnapshot{JobUpdate: &JobFields{Data: map[string]any{"current_memory_usage": 50}}}

	merged := a.Merge(b)

	assert.Equal(t, 100, merged.JobUpdate.Data["max_memory_usage"])
	assert.Equal(t, 50, merged.JobUpdate.Data["current_memory_usage"])
	// originals untouched
	assert.NotContains(t, a.JobUpdate.Data, "current_memory_usage")
}
