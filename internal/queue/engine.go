package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/ids"
)

// Config controls the admission, retry, and long-runner-kill behavior of
// an Engine. Zero values are replaced with the spec's documented defaults
// by NewEngine.
type Config struct {
	MaxSubmit               int           // default 2
	MaxRunning              int           // 0 = unbounded
	MaxRuntime              time.Duration // 0 = disabled
	MinRealizationsRequired int
	LongRunningFactor       float64 // default 1.25
	PollInterval            time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSubmit <= 0 {
		c.MaxSubmit = 2
	}
	if c.LongRunningFactor <= 0 {
		c.LongRunningFactor = 1.25
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Engine is the Job Queue Engine: it admits waiting jobs under the
// max_submit/max_running caps, polls the driver for state transitions,
// retries EXIT up to MaxSubmit times, kills long-running outliers, and
// reports minimal per-tick change sets to its caller. The admission and
// poll loop is a single ticker goroutine, mirroring the worker pool's
// ticker-driven shape; nothing here touches persistent storage, matching
// the engine's no-crash-persistence contract.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	driver Driver
	differ *Differ
	nodes  map[ids.QueueIndex]*Node
	logger arbor.ILogger

	cancel context.CancelFunc
	done   chan struct{}

	changes chan []Change
}

// NewEngine constructs an engine bound to a driver. changesBuf sizes the
// buffered channel of per-tick change batches the caller drains from Run.
func NewEngine(driver Driver, cfg Config, logger arbor.ILogger, changesBuf int) *Engine {
	return &Engine{
		cfg:     cfg.withDefaults(),
		driver:  driver,
		differ:  NewDiffer(),
		nodes:   make(map[ids.QueueIndex]*Node),
		logger:  logger,
		changes: make(chan []Change, changesBuf),
	}
}

// Changes returns the channel of per-tick minimal change batches.
func (e *Engine) Changes() <-chan []Change { return e.changes }

// Add registers a new job for admission, in NOT_ACTIVE/WAITING state.
func (e *Engine) Add(idx ids.QueueIndex, runpath string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := NewNode(idx, runpath, e.cfg.MaxSubmit)
	n.MarkWaiting()
	e.nodes[idx] = n
}

// Run starts the admission/poll/long-runner-kill ticker loop. It returns
// once ctx is cancelled or Stop is called, having drained in-flight ticks.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// Stop cancels the run loop and waits for the current tick to finish,
// giving in-flight driver calls a brief grace period to land before
// returning — the same drain idiom the teacher's worker pool uses.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	time.Sleep(500 * time.Millisecond)
}

func (e *Engine) tick(ctx context.Context) {
	e.admit(ctx)
	observed := e.poll(ctx)
	for idx, state := range e.killLongRunners() {
		observed[idx] = state
	}

	changes := e.differ.Diff(observed)
	if len(changes) > 0 {
		select {
		case e.changes <- changes:
		case <-ctx.Done():
		default:
			e.logger.Warn().Int("dropped", len(changes)).Msg("queue engine: changes channel full, dropping tick")
		}
	}
}

// admit submits waiting jobs while the running count is below MaxRunning
// (0 meaning unbounded), the admission-control rule from §4.5.
func (e *Engine) admit(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	running := 0
	var waiting []*Node
	for _, n := range e.nodes {
		switch n.State {
		case ids.JobSubmitted, ids.JobPending, ids.JobRunning:
			running++
		case ids.JobWaiting:
			waiting = append(waiting, n)
		}
	}

	for _, n := range waiting {
		if e.cfg.MaxRunning > 0 && running >= e.cfg.MaxRunning {
			break
		}
		if err := e.driver.Submit(ctx, n.Index, n.Runpath); err != nil {
			e.logger.Error().Err(err).Int("index", int(n.Index)).Msg("queue engine: submit failed")
			continue
		}
		n.MarkSubmitted()
		running++
	}
}

// poll observes every non-terminal node and advances its state machine,
// retrying EXIT up to MaxSubmit times before failing the node.
func (e *Engine) poll(ctx context.Context) map[ids.QueueIndex]ids.JobState {
	e.mu.Lock()
	targets := make([]*Node, 0, len(e.nodes))
	for _, n := range e.nodes {
		if !n.State.Terminal() && n.State != ids.JobWaiting && n.State != ids.JobNotActive {
			targets = append(targets, n)
		}
	}
	e.mu.Unlock()

	observed := make(map[ids.QueueIndex]ids.JobState, len(targets))
	for _, n := range targets {
		ds, err := e.driver.Poll(ctx, n.Index)
		if err != nil {
			e.logger.Error().Err(err).Int("index", int(n.Index)).Msg("queue engine: poll failed")
			continue
		}
		if err := n.Observe(ds); err != nil {
			// submit budget exhausted: fail permanently
			n.Fail()
		} else if !isTransient(ds) {
			switch ds {
			case DriverExit:
				// retryable: re-admit as waiting for the next tick's admission pass
				n.MarkWaiting()
			case DriverDone:
				n.Finish()
			}
		}
		observed[n.Index] = n.State
	}
	return observed
}

// killLongRunners kills any running node whose runtime exceeds
// LongRunningFactor times the average completed runtime, once at least
// MinRealizationsRequired jobs have completed — the predicate from §4.5's
// long-runner killer and §8's testable property. It returns the post-kill
// state of every node it killed so the caller can fold them into the same
// tick's diff: killing happens outside the poll loop, so without this the
// differ would never observe the IS_KILLED transition.
func (e *Engine) killLongRunners() map[ids.QueueIndex]ids.JobState {
	e.mu.Lock()
	defer e.mu.Unlock()

	var completedTotal time.Duration
	completedCount := 0
	now := time.Now()
	for _, n := range e.nodes {
		if n.State == ids.JobFinished || n.State == ids.JobDone {
			completedTotal += n.Runtime(now)
			completedCount++
		}
	}
	if completedCount < e.cfg.MinRealizationsRequired {
		return nil
	}
	if completedCount == 0 {
		return nil
	}
	avg := completedTotal / time.Duration(completedCount)
	threshold := time.Duration(float64(avg) * e.cfg.LongRunningFactor)
	if e.cfg.MaxRuntime > 0 && e.cfg.MaxRuntime < threshold {
		threshold = e.cfg.MaxRuntime
	}

	var killed map[ids.QueueIndex]ids.JobState
	for _, n := range e.nodes {
		if n.State != ids.JobRunning {
			continue
		}
		if n.Runtime(now) > threshold {
			if err := e.driver.Kill(context.Background(), n.Index); err != nil {
				e.logger.Error().Err(err).Int("index", int(n.Index)).Msg("queue engine: long-runner kill failed")
				continue
			}
			n.Kill()
			if killed == nil {
				killed = make(map[ids.QueueIndex]ids.JobState)
			}
			killed[n.Index] = n.State
			e.logger.Warn().Int("index", int(n.Index)).Dur("runtime", n.Runtime(now)).Dur("threshold", threshold).Msg("queue engine: killed long-running job")
		}
	}
	return killed
}

// KillAll terminates every non-terminal node, the engine half of the
// termination protocol invoked on ensemble cancellation or shutdown. Every
// node stopped this way lands on IS_KILLED, not FAILED: it did not fail on
// its own, the evaluator stopped it.
func (e *Engine) KillAll(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, n := range e.nodes {
		if n.State.Terminal() {
			continue
		}
		if n.State == ids.JobSubmitted || n.State == ids.JobPending || n.State == ids.JobRunning {
			if err := e.driver.Kill(ctx, n.Index); err != nil {
				e.logger.Error().Err(err).Int("index", int(n.Index)).Msg("queue engine: kill-all failed for node")
			}
		}
		n.Kill()
	}
	e.assertComplete()
}

// assertComplete is the termination protocol's final invariant check: once
// every node has been told to stop, every node must actually be in a
// terminal state. A breach here means a node slipped through kill-all
// without reaching a terminal state, which §7 treats as a fatal
// programmer error rather than something to retry around.
func (e *Engine) assertComplete() {
	for _, n := range e.nodes {
		if !n.State.Terminal() {
			panic(fmt.Sprintf("queue engine: assert_complete invariant breach: node %d left in state %s after kill-all", n.Index, n.State))
		}
	}
}

// Snapshot returns a copy of every node's current state, for tests and for
// the façade to seed a fresh full-snapshot broadcast.
func (e *Engine) Snapshot() map[ids.QueueIndex]ids.JobState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[ids.QueueIndex]ids.JobState, len(e.nodes))
	for idx, n := range e.nodes {
		out[idx] = n.State
	}
	return out
}
