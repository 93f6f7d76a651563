package queue

import (
	"fmt"
	"time"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/ids"
)

// Node is a single job's queue-local state machine: NOT_ACTIVE -> WAITING ->
// SUBMITTED -> PENDING -> RUNNING -> (DONE|EXIT) -> ... -> FINISHED/FAILED.
// A driver EXIT is retryable up to MaxSubmit attempts before the node is
// marked FAILED.
type Node struct {
	Index      ids.QueueIndex
	Runpath    string
	State      ids.JobState
	Submits    int
	MaxSubmit  int
	SubmitTime *time.Time
	StartTime  *time.Time
	EndTime    *time.Time
}

// NewNode returns a node seeded at NOT_ACTIVE, ready for admission.
func NewNode(idx ids.QueueIndex, runpath string, maxSubmit int) *Node {
	if maxSubmit <= 0 {
		maxSubmit = 2
	}
	return &Node{Index: idx, Runpath: runpath, State: ids.JobNotActive, MaxSubmit: maxSubmit}
}

// ErrSubmitExhausted is returned by Observe on an EXIT once a node has used up its
// submit budget and must be marked FAILED rather than retried.
var ErrSubmitExhausted = fmt.Errorf("queue: submit attempts exhausted")

// MarkWaiting admits a node into the waiting-for-a-submit-slot state.
func (n *Node) MarkWaiting() {
	n.State = ids.JobWaiting
}

// MarkSubmitted records a successful Driver.Submit call.
func (n *Node) MarkSubmitted() {
	now := time.Now()
	n.State = ids.JobSubmitted
	n.Submits++
	n.SubmitTime = &now
}

// Observe advances the node's state in response to a polled DriverState,
// returning ErrSubmitExhausted when an EXIT cannot be retried further.
func (n *Node) Observe(ds DriverState) error {
	switch ds {
	case DriverUnknown:
		// transient: no state change, poll again next cycle
		return nil
	case DriverPending:
		n.State = ids.JobPending
		return nil
	case DriverRunning:
		if n.StartTime == nil {
			now := time.Now()
			n.StartTime = &now
		}
		n.State = ids.JobRunning
		return nil
	case DriverDone:
		now := time.Now()
		n.EndTime = &now
		n.State = ids.JobDone
		return nil
	case DriverExit:
		now := time.Now()
		n.EndTime = &now
		n.State = ids.JobExit
		if n.Submits >= n.MaxSubmit {
			return ErrSubmitExhausted
		}
		return nil
	default:
		return fmt.Errorf("queue: unrecognized driver state %q", ds)
	}
}

// Finish marks a DONE node FINISHED once its outputs have been validated by
// the caller (the engine does not interpret job outputs itself).
func (n *Node) Finish() {
	n.State = ids.JobFinished
}

// Fail marks a node permanently FAILED, the terminal counterpart to Finish.
func (n *Node) Fail() {
	n.State = ids.JobFailed
}

// Kill marks a node IS_KILLED, the terminal status reserved for a node
// stopped externally (long-runner eviction, ensemble cancellation) rather
// than one that failed on its own — §4.4's distinct IS_KILLED branch off
// the EXIT_CALLBACK/FAILED fork.
func (n *Node) Kill() {
	now := time.Now()
	n.EndTime = &now
	n.State = ids.JobKilled
}

// Runtime returns how long the job has been running, or zero if it hasn't
// started yet. Used by the long-runner killer's runtime/avg-completed
// comparison.
func (n *Node) Runtime(now time.Time) time.Duration {
	if n.StartTime == nil {
		return 0
	}
	end := now
	if n.EndTime != nil {
		end = *n.EndTime
	}
	return end.Sub(*n.StartTime)
}
