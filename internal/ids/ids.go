// Package ids defines the identifier and state-vocabulary types shared by
// every layer of the evaluator: ensemble/realization/step/job identity and
// the status enums each level of the snapshot tree can hold.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// EnsembleID identifies one ensemble evaluation.
type EnsembleID string

// RealizationIndex is the zero-based position of a realization within an
// ensemble. Stable for the lifetime of the ensemble.
type RealizationIndex int

// StepID identifies a step within a realization's forward model.
type StepID string

// JobIndex is the zero-based position of a job within a step.
type JobIndex int

// QueueIndex is the position of a realization in the queue driver's own
// bookkeeping; distinct from RealizationIndex because the queue may not
// submit every realization (e.g. min_realizations_required bookkeeping).
type QueueIndex int

// NewEnsembleID returns a fresh, globally unique ensemble identifier.
func NewEnsembleID() EnsembleID {
	return EnsembleID("ens_" + uuid.New().String())
}

// RealKey formats the canonical "<iteration>:<realization>" lookup key for
// one realization of one iteration.
func RealKey(iter int, real RealizationIndex) string {
	return fmt.Sprintf("%d:%d", iter, real)
}

// EnsembleStatus is the top-level lifecycle state of an ensemble.
type EnsembleStatus string

const (
	EnsembleUnknown   EnsembleStatus = "UNKNOWN"
	EnsembleStarted   EnsembleStatus = "STARTED"
	EnsembleStopped   EnsembleStatus = "STOPPED"
	EnsembleCancelled EnsembleStatus = "CANCELLED"
	EnsembleFailed    EnsembleStatus = "FAILED"
)

// Terminal reports whether the status can never transition further.
func (s EnsembleStatus) Terminal() bool {
	switch s {
	case EnsembleStopped, EnsembleCancelled, EnsembleFailed:
		return true
	default:
		return false
	}
}

// RealizationStatus is the lifecycle state of one realization, derived from
// the statuses of its steps (see snapshot.DeriveRealizationStatus).
type RealizationStatus string

const (
	RealizationWaiting RealizationStatus = "WAITING"
	RealizationPending RealizationStatus = "PENDING"
	RealizationRunning  RealizationStatus = "RUNNING"
	RealizationSuccess  RealizationStatus = "SUCCESS"
	RealizationFailure  RealizationStatus = "FAILURE"
	RealizationUnknown  RealizationStatus = "UNKNOWN"
)

func (s RealizationStatus) Terminal() bool {
	switch s {
	case RealizationSuccess, RealizationFailure:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of one step, derived from its jobs.
type StepStatus string

const (
	StepWaiting StepStatus = "WAITING"
	StepPending StepStatus = "PENDING"
	StepRunning StepStatus = "RUNNING"
	StepSuccess StepStatus = "SUCCESS"
	StepFailure StepStatus = "FAILURE"
	StepTimeout StepStatus = "TIMEOUT"
	StepUnknown StepStatus = "UNKNOWN"
)

// Normalize collapses TIMEOUT into FAILURE, the terminal status a step
// converges to once its long-runner timeout has been reported upward.
func (s StepStatus) Normalize() StepStatus {
	if s == StepTimeout {
		return StepFailure
	}
	return s
}

func (s StepStatus) Terminal() bool {
	switch s.Normalize() {
	case StepSuccess, StepFailure:
		return true
	default:
		return false
	}
}

// JobState is the node state machine of a single job, matching the queue
// driver's submit/poll/kill lifecycle.
type JobState string

const (
	JobNotActive JobState = "NOT_ACTIVE"
	JobWaiting   JobState = "WAITING"
	JobSubmitted JobState = "SUBMITTED"
	JobPending   JobState = "PENDING"
	JobRunning   JobState = "RUNNING"
	JobDone      JobState = "DONE"
	JobExit      JobState = "EXIT"
	JobFinished  JobState = "FINISHED"
	JobFailed    JobState = "FAILED"
	JobKilled    JobState = "IS_KILLED"
)

func (s JobState) Terminal() bool {
	switch s {
	case JobFinished, JobFailed, JobKilled:
		return true
	default:
		return false
	}
}

// JobWireStatus is the FM_JOB_* event-vocabulary status reported on the bus,
// distinct from JobState: JobState models the queue-local node lifecycle,
// JobWireStatus is what the forward-model process itself reports.
type JobWireStatus string

const (
	JobStart   JobWireStatus = "FM_JOB_START"
	JobRunningWire JobWireStatus = "FM_JOB_RUNNING"
	JobSuccessWire JobWireStatus = "FM_JOB_SUCCESS"
	JobFailureWire JobWireStatus = "FM_JOB_FAILURE"
)
