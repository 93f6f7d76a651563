// Package evaluator implements the Ensemble Evaluator façade: it
// orchestrates one ensemble iteration by wiring together the queue engine,
// the snapshot tree, the batching dispatcher, and the transport server,
// and emits EE_TERMINATED once every realization reaches a terminal
// status.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/eventbus"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/ids"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/queue"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/snapshot"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/tracker"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/transport"
)

// ControlEvent is the wire control vocabulary. The façade broadcasts
// EE_SNAPSHOT, EE_SNAPSHOT_UPDATE and EE_TERMINATED over the transport and
// also publishes EE_SNAPSHOT_UPDATE on the dispatcher; EE_USER_CANCEL and
// EE_USER_DONE are defined here but not emitted by the façade.
type ControlEvent string

const (
	EESnapshot       ControlEvent = "EE_SNAPSHOT"
	EESnapshotUpdate ControlEvent = "EE_SNAPSHOT_UPDATE"
	EETerminated     ControlEvent = "EE_TERMINATED"
	EEUserCancel     ControlEvent = "EE_USER_CANCEL"
	EEUserDone       ControlEvent = "EE_USER_DONE"
)

// RealizationPlan is the caller-supplied description of one realization's
// work: where its forward model runs and where it writes outputs. The
// engine treats runpath/outputs as opaque strings; only the queue driver
// and the output-transmitter handoff interpret them.
type RealizationPlan struct {
	Index   ids.RealizationIndex
	Runpath string
	Outputs []string
}

// Evaluator is the top-level façade for one ensemble iteration.
type Evaluator struct {
	ensemble   *snapshot.Ensemble
	engine     *queue.Engine
	dispatcher *eventbus.Dispatcher
	transport  *transport.Server
	logger     arbor.ILogger
	source     string

	resyncCron *cron.Cron

	mu       sync.Mutex
	done     chan struct{}
	doneOnce sync.Once

	onTerminated func(plans []RealizationPlan)
	plans        []RealizationPlan
}

// New wires one evaluator instance around an already-constructed engine,
// dispatcher, and transport server.
func New(
	ensembleID ids.EnsembleID,
	iteration int,
	plans []RealizationPlan,
	stepIDs []ids.StepID,
	jobsPerStep int,
	engine *queue.Engine,
	dispatcher *eventbus.Dispatcher,
	ts *transport.Server,
	logger arbor.ILogger,
) *Evaluator {
	e := &Evaluator{
		ensemble:   snapshot.New(ensembleID, iteration, len(plans), stepIDs, jobsPerStep),
		engine:     engine,
		dispatcher: dispatcher,
		transport:  ts,
		logger:     logger,
		source:     string(ensembleID),
		done:       make(chan struct{}),
		plans:      plans,
	}
	ts.OnReconnectSnapshot(e.fullSnapshotEnvelope)
	return e
}

// OnTerminated registers the callback invoked with every realization's
// declared output locations once the iteration completes, the concrete
// handoff point behind EE_TERMINATED's "payload = serialized output
// transmitters" (the caller is responsible for handing these to the
// spool).
func (e *Evaluator) OnTerminated(fn func(plans []RealizationPlan)) {
	e.onTerminated = fn
}

// Run starts the queue engine, the dispatcher's adaptive flush loop, and a
// periodic full-snapshot resync, then drains engine change batches into
// snapshot updates until every realization reaches a terminal status or
// ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.ensemble.Status = ids.EnsembleStarted

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.engine.Run(ctx) }()
	go func() { defer wg.Done(); e.dispatcher.Run(ctx) }()

	e.startPeriodicResync(ctx)
	defer e.stopPeriodicResync()

	e.broadcastFull()

	for _, plan := range e.plans {
		e.engine.Add(ids.QueueIndex(plan.Index), plan.Runpath)
	}

	for {
		select {
		case <-ctx.Done():
			e.engine.KillAll(context.Background())
			e.finish(ids.EnsembleCancelled)
			wg.Wait()
			return
		case changes, ok := <-e.engine.Changes():
			if !ok {
				wg.Wait()
				return
			}
			e.applyChanges(changes)
			if e.allTerminal() {
				e.finish(ids.EnsembleStopped)
				cancel()
				wg.Wait()
				return
			}
		}
	}
}

// applyChanges translates each queue transition into the FM_JOB_*/FM_STEP_*
// wire events it represents, merges every one through snapshot.FromEvent so
// the job and step levels of the tree are populated (not just a bare
// realization-level overwrite), and broadcasts each resulting partial as a
// tracker.WireMessage update.
func (e *Evaluator) applyChanges(changes []queue.Change) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range changes {
		realIdx := ids.RealizationIndex(c.Index)
		real, ok := e.ensemble.Realizations[realIdx]
		if !ok {
			continue
		}
		for _, evt := range e.eventsForTransition(real, c.To) {
			partial, err := snapshot.FromEvent(evt)
			if err != nil {
				e.logger.Error().Err(err).Str("event", evt.Type).Msg("evaluator: decode event failed")
				continue
			}
			if err := e.ensemble.Merge(partial); err != nil {
				e.logger.Error().Err(err).Int("realization", int(realIdx)).Msg("evaluator: merge failed")
				continue
			}
			e.broadcastUpdate(partial)
		}
	}
}

// eventsForTransition expands one queue-level job-state transition into the
// FM_STEP_*/FM_JOB_* events it implies for every not-yet-terminal step of
// the realization. The queue driver submits and polls a realization's
// forward model as a single process, so its DONE/EXIT/RUNNING transitions
// stand in for the per-job events a real forward-model runner would report
// over the same wire vocabulary.
func (e *Evaluator) eventsForTransition(real *snapshot.Realization, to ids.JobState) []snapshot.Event {
	now := time.Now().UTC()

	stepIDs := make([]ids.StepID, 0, len(real.Steps))
	for id := range real.Steps {
		stepIDs = append(stepIDs, id)
	}
	sort.Slice(stepIDs, func(i, j int) bool { return stepIDs[i] < stepIDs[j] })

	var events []snapshot.Event
	for _, sid := range stepIDs {
		step := real.Steps[sid]
		if step.Status.Terminal() {
			continue
		}

		jobIdxs := make([]ids.JobIndex, 0, len(step.Jobs))
		for idx := range step.Jobs {
			jobIdxs = append(jobIdxs, idx)
		}
		sort.Slice(jobIdxs, func(i, j int) bool { return jobIdxs[i] < jobIdxs[j] })

		switch to {
		case ids.JobPending:
			events = append(events, e.stepEvent(real.Index, sid, "FM_STEP_PENDING", now, nil))

		case ids.JobRunning:
			events = append(events, e.stepEvent(real.Index, sid, "FM_STEP_RUNNING", now, nil))
			for _, jidx := range jobIdxs {
				job := step.Jobs[jidx]
				if job.Status == ids.JobSuccessWire || job.Status == ids.JobFailureWire {
					continue
				}
				if job.Status == "" {
					events = append(events, e.jobEvent(real.Index, sid, jidx, "FM_JOB_START", now, map[string]any{
						"stdout": fmt.Sprintf("real_%d/%s/job_%d.stdout", real.Index, sid, jidx),
						"stderr": fmt.Sprintf("real_%d/%s/job_%d.stderr", real.Index, sid, jidx),
					}))
				}
				events = append(events, e.jobEvent(real.Index, sid, jidx, "FM_JOB_RUNNING", now, nil))
			}

		case ids.JobFinished:
			for _, jidx := range jobIdxs {
				job := step.Jobs[jidx]
				if job.Status == ids.JobFailureWire {
					continue
				}
				events = append(events, e.jobEvent(real.Index, sid, jidx, "FM_JOB_SUCCESS", now, nil))
			}
			events = append(events, e.stepEvent(real.Index, sid, "FM_STEP_SUCCESS", now, nil))

		case ids.JobFailed, ids.JobKilled:
			msg := "job failed"
			if to == ids.JobKilled {
				msg = snapshot.StepTimeoutError
			}
			for _, jidx := range jobIdxs {
				job := step.Jobs[jidx]
				if job.Status == ids.JobSuccessWire {
					continue
				}
				events = append(events, e.jobEvent(real.Index, sid, jidx, "FM_JOB_FAILURE", now, map[string]any{"error_msg": msg}))
			}
			events = append(events, e.stepEvent(real.Index, sid, "FM_STEP_FAILURE", now, nil))
		}
	}
	return events
}

func (e *Evaluator) stepEvent(real ids.RealizationIndex, step ids.StepID, typ string, t time.Time, data map[string]any) snapshot.Event {
	return snapshot.Event{
		Type:   typ,
		Source: fmt.Sprintf("/ensemble/%s/real/%d/step/%s", e.source, real, step),
		Time:   t,
		Data:   data,
	}
}

func (e *Evaluator) jobEvent(real ids.RealizationIndex, step ids.StepID, job ids.JobIndex, typ string, t time.Time, data map[string]any) snapshot.Event {
	return snapshot.Event{
		Type:   typ,
		Source: fmt.Sprintf("/ensemble/%s/real/%d/step/%s/job/%d", e.source, real, step, job),
		Time:   t,
		Data:   data,
	}
}

// broadcastUpdate wraps partial as the tracker.WireMessage shape a tracker
// actually consumes, so the evaluator's own broadcast stream can be
// replayed by tracker.Track instead of merely resembling it.
func (e *Evaluator) broadcastUpdate(partial *snapshot.PartialSnapshot) {
	raw, err := json.Marshal(partial)
	if err != nil {
		e.logger.Error().Err(err).Msg("evaluator: encode partial failed")
		return
	}
	wm := tracker.WireMessage{Kind: "snapshot_update", Iteration: e.ensemble.Iteration, Update: raw}
	env, err := transport.NewEnvelope(e.source, string(EESnapshotUpdate), wm)
	if err != nil {
		return
	}
	e.transport.Broadcast(env)
	e.dispatcher.Publish(context.Background(), eventbus.Event{Type: eventbus.EventType(EESnapshotUpdate), Payload: wm})
}

func (e *Evaluator) allTerminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.ensemble.Realizations {
		if !r.Status.Terminal() {
			return false
		}
	}
	return true
}

func (e *Evaluator) finish(status ids.EnsembleStatus) {
	e.mu.Lock()
	e.ensemble.Status = status
	failed := status != ids.EnsembleStopped
	if !failed {
		for _, r := range e.ensemble.Realizations {
			if r.Status == ids.RealizationFailure {
				failed = true
				break
			}
		}
	}
	iteration := e.ensemble.Iteration
	e.mu.Unlock()

	if env, err := transport.NewEnvelope(e.source, string(EETerminated), e.plans); err == nil {
		e.transport.Broadcast(env)
	}
	wm := tracker.WireMessage{Kind: "end", Iteration: iteration, Failed: failed}
	if env, err := transport.NewEnvelope(e.source, string(EETerminated), wm); err == nil {
		e.transport.Broadcast(env)
	}
	if e.onTerminated != nil {
		e.onTerminated(e.plans)
	}
	e.doneOnce.Do(func() { close(e.done) })
}

// Done returns a channel closed once the iteration reaches a terminal
// ensemble status.
func (e *Evaluator) Done() <-chan struct{} { return e.done }

func (e *Evaluator) broadcastFull() {
	env, err := e.fullSnapshotEnvelope()
	if err != nil {
		return
	}
	e.transport.Broadcast(env)
}

func (e *Evaluator) fullSnapshotEnvelope() (transport.Envelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	raw, err := json.Marshal(e.ensemble)
	if err != nil {
		return transport.Envelope{}, err
	}
	wm := tracker.WireMessage{Kind: "full_snapshot", Iteration: e.ensemble.Iteration, Ensemble: raw}
	return transport.NewEnvelope(e.source, string(EESnapshot), wm)
}

// startPeriodicResync schedules a coarse full-snapshot rebroadcast every
// 30 seconds as a safety net for monitors that join without triggering an
// explicit reconnect event.
func (e *Evaluator) startPeriodicResync(ctx context.Context) {
	e.resyncCron = cron.New(cron.WithSeconds())
	_, _ = e.resyncCron.AddFunc("*/30 * * * * *", func() {
		select {
		case <-ctx.Done():
			return
		default:
			e.broadcastFull()
		}
	})
	e.resyncCron.Start()
}

func (e *Evaluator) stopPeriodicResync() {
	if e.resyncCron != nil {
		stopCtx := e.resyncCron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(time.Second):
		}
	}
}
