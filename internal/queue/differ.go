package queue

import (
	"sync"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/ids"
)

// Differ tracks the last-observed JobState per queue index and reports the
// minimal set of indices whose state actually changed on the most recent
// poll cycle, so the engine never re-broadcasts a job that hasn't moved.
type Differ struct {
	mu   sync.Mutex
	last map[ids.QueueIndex]ids.JobState
}

// NewDiffer returns an empty differ.
func NewDiffer() *Differ {
	return &Differ{last: make(map[ids.QueueIndex]ids.JobState)}
}

// Change is one index whose observed state differs from the prior poll.
type Change struct {
	Index ids.QueueIndex
	From  ids.JobState
	To    ids.JobState
}

// Diff compares the given observation against the differ's memory, updates
// its memory to match, and returns the minimal change set. A queue index
// seen for the first time is always reported as a change (From is the zero
// value).
func (d *Differ) Diff(observed map[ids.QueueIndex]ids.JobState) []Change {
	d.mu.Lock()
	defer d.mu.Unlock()

	var changes []Change
	for idx, state := range observed {
		prev, ok := d.last[idx]
		if !ok || prev != state {
			changes = append(changes, Change{Index: idx, From: prev, To: state})
			d.last[idx] = state
		}
	}
	return changes
}

// Forget drops an index from the differ's memory, so the next Diff that
// observes it reports it as seen for the first time.
func (d *Differ) Forget(idx ids.QueueIndex) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, idx)
}
