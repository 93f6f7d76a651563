// Package tracker implements the Evaluator Tracker: it reconstructs a full
// Ensemble snapshot from a stream of full/partial update envelopes and
// exposes it as a lazy sequence of TrackerEvents, with guarded progress
// reporting.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/snapshot"
)

// Kind distinguishes the three events track() can yield.
type Kind int

const (
	FullSnapshotEvent Kind = iota
	SnapshotUpdateEvent
	EndEvent
)

// TrackerEvent is one item of the track() sequence.
type TrackerEvent struct {
	Kind     Kind
	Snapshot *snapshot.Ensemble // set on FullSnapshotEvent/SnapshotUpdateEvent
	Progress float64            // guarded (iter + done_reals/total_reals) / total_iters
	Failed   bool               // set on EndEvent: whether the ensemble ended in failure
	Err      error              // set when Kind carries an error (OUT_OF_ORDER)
}

// ErrOutOfOrder is yielded as a TrackerEvent.Err when a partial update
// arrives before any full snapshot has been observed for its iteration.
var ErrOutOfOrder = fmt.Errorf("tracker: update received before full snapshot")

// WireMessage is the decoded form of a transport.Envelope's Data field for
// the three message shapes the tracker understands.
type WireMessage struct {
	Kind      string          `json:"kind"` // "full_snapshot" | "snapshot_update" | "end"
	Iteration int             `json:"iteration"`
	Ensemble  json.RawMessage `json:"ensemble,omitempty"`
	Update    json.RawMessage `json:"update,omitempty"`
	Failed    bool            `json:"failed,omitempty"` // set on "end"
}

// Tracker reconstructs ensemble state across possibly many iterations,
// each identified by iteration number. currentIter is the tracker's
// own counter of the active iteration, advanced only by a full snapshot
// (the iteration boundary), not the maximum iteration key ever
// observed: using max() here was the bug the original implementation had,
// where a stale update for an old iteration arriving after a newer one
// began could resurrect the wrong "current" progress figure.
type Tracker struct {
	totalIterations int
	ensembles       map[int]*snapshot.Ensemble
	currentIter     int
}

// NewTracker returns a tracker expecting totalIterations iterations.
func NewTracker(totalIterations int) *Tracker {
	return &Tracker{
		totalIterations: totalIterations,
		ensembles:       make(map[int]*snapshot.Ensemble),
	}
}

// Track consumes envelopes from in and yields TrackerEvents on the returned
// channel until in is closed or ctx is cancelled. The channel is closed
// when track() would have raised StopIteration, mirroring the lazy
// generator shape of the original tracker while fitting Go's channel
// idiom.
func (t *Tracker) Track(ctx context.Context, in <-chan WireMessage) <-chan TrackerEvent {
	out := make(chan TrackerEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				evt := t.apply(msg)
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
				if evt.Kind == EndEvent {
					return
				}
			}
		}
	}()
	return out
}

func (t *Tracker) apply(msg WireMessage) TrackerEvent {
	switch msg.Kind {
	case "full_snapshot":
		ens := &snapshot.Ensemble{Iteration: msg.Iteration}
		if len(msg.Ensemble) > 0 {
			_ = json.Unmarshal(msg.Ensemble, ens)
		}
		t.ensembles[msg.Iteration] = ens
		t.currentIter = msg.Iteration
		return TrackerEvent{Kind: FullSnapshotEvent, Snapshot: ens, Progress: t.progress()}

	case "snapshot_update":
		ens, ok := t.ensembles[msg.Iteration]
		if !ok {
			return TrackerEvent{Kind: SnapshotUpdateEvent, Err: ErrOutOfOrder}
		}
		var partial snapshot.PartialSnapshot
		if len(msg.Update) > 0 {
			if err := json.Unmarshal(msg.Update, &partial); err != nil {
				return TrackerEvent{Kind: SnapshotUpdateEvent, Err: err}
			}
		}
		if err := ens.Merge(&partial); err != nil {
			return TrackerEvent{Kind: SnapshotUpdateEvent, Err: err}
		}
		return TrackerEvent{Kind: SnapshotUpdateEvent, Snapshot: ens, Progress: t.progress()}

	case "end":
		return TrackerEvent{Kind: EndEvent, Progress: t.progress(), Failed: msg.Failed}

	default:
		return TrackerEvent{Kind: SnapshotUpdateEvent, Err: fmt.Errorf("tracker: unrecognized message kind %q", msg.Kind)}
	}
}

// progress computes (iter + done_reals/total_reals) / total_iters, guarded
// against zero total_iters and zero total_reals, using t.currentIter
// (never max of observed iteration keys).
func (t *Tracker) progress() float64 {
	if t.totalIterations <= 0 {
		return 0.0
	}
	ens, ok := t.ensembles[t.currentIter]
	if !ok {
		return float64(t.currentIter) / float64(t.totalIterations)
	}
	within := snapshot.Progress(ens)
	return (float64(t.currentIter) + within) / float64(t.totalIterations)
}
