// Package snapshot implements the hierarchical Ensemble -> Realization ->
// Step -> Job state tree, its partial-update representation, and the merge,
// diff, and status-derivation rules the rest of the evaluator builds on.
//
// The tree is intentionally a dict-of-dicts (map-keyed) structure rather
// than a struct-of-arrays/columnar one: nothing downstream needs column
// scans, and a map-keyed tree mirrors the wire events 1:1.
package snapshot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/ids"
)

// Job is one forward-model job's current state.
type Job struct {
	Index     ids.JobIndex
	Name      string
	Status    ids.JobWireStatus
	StartTime *time.Time
	EndTime   *time.Time
	Error     string
	Stdout    string
	Stderr    string
	Data      map[string]any
}

// Step is one step's state, aggregating its jobs.
type Step struct {
	ID        ids.StepID
	Status    ids.StepStatus
	StartTime *time.Time
	EndTime   *time.Time
	Jobs      map[ids.JobIndex]*Job
}

// Realization is one ensemble member's state, aggregating its steps.
type Realization struct {
	Index  ids.RealizationIndex
	Status ids.RealizationStatus
	Steps  map[ids.StepID]*Step
}

// Ensemble is the full tree for one ensemble evaluation.
type Ensemble struct {
	ID           ids.EnsembleID
	Iteration    int
	Status       ids.EnsembleStatus
	Realizations map[ids.RealizationIndex]*Realization
	Metadata     map[string]string
}

// New builds an empty ensemble tree with the given realization/step/job
// shape pre-populated: realizations and steps in WAITING, jobs with no
// status yet, mirroring how a fresh evaluation is seeded before any job has
// reported in.
func New(id ids.EnsembleID, iteration int, realizations int, stepIDs []ids.StepID, jobsPerStep int) *Ensemble {
	e := &Ensemble{
		ID:           id,
		Iteration:    iteration,
		Status:       ids.EnsembleUnknown,
		Realizations: make(map[ids.RealizationIndex]*Realization, realizations),
		Metadata:     map[string]string{},
	}
	for r := 0; r < realizations; r++ {
		real := &Realization{
			Index:  ids.RealizationIndex(r),
			Status: ids.RealizationWaiting,
			Steps:  make(map[ids.StepID]*Step, len(stepIDs)),
		}
		for _, sid := range stepIDs {
			step := &Step{
				ID:     sid,
				Status: ids.StepWaiting,
				Jobs:   make(map[ids.JobIndex]*Job, jobsPerStep),
			}
			for j := 0; j < jobsPerStep; j++ {
				step.Jobs[ids.JobIndex(j)] = &Job{Index: ids.JobIndex(j)}
			}
			real.Steps[sid] = step
		}
		e.Realizations[ids.RealizationIndex(r)] = real
	}
	return e
}

// JobFields is the subset of Job that a single update event can carry.
// Pointer/zero-value fields that are unset are left untouched by Merge.
type JobFields struct {
	Name      *string
	Status    *ids.JobWireStatus
	StartTime *time.Time
	EndTime   *time.Time
	Error     *string
	Stdout    *string
	Stderr    *string
	Data      map[string]any
}

// StepFields is the subset of Step a single update event can carry. Timeout
// marks an `FM_STEP_TIMEOUT` event specifically: beyond setting the step's
// own status, it triggers stamping every not-yet-FINISHED job in the step
// as FAILURE (see Merge).
type StepFields struct {
	Status    *ids.StepStatus
	StartTime *time.Time
	EndTime   *time.Time
	Timeout   bool
}

// RealizationFields is the subset of Realization a single update can carry.
type RealizationFields struct {
	Status *ids.RealizationStatus
}

// EnsembleFields is the subset of Ensemble a single update can carry.
type EnsembleFields struct {
	Status   *ids.EnsembleStatus
	Metadata map[string]string
}

// PartialSnapshot carries exactly one addressed update: it targets one of
// job/step/realization/ensemble level, never more than one at a time. This
// mirrors the wire vocabulary's one-event-per-level design (FM_JOB_*,
// FM_STEP_*, ENSEMBLE_*) instead of a generic map[string]any payload.
type PartialSnapshot struct {
	Realization ids.RealizationIndex
	Step        ids.StepID
	Job         ids.JobIndex

	JobUpdate         *JobFields
	StepUpdate        *StepFields
	RealizationUpdate *RealizationFields
	EnsembleUpdate    *EnsembleFields
}

// ErrUnknownRealization / ErrUnknownStep / ErrUnknownJob are returned by
// Merge when an update addresses a coordinate the tree was not seeded with.
var (
	ErrUnknownRealization = fmt.Errorf("snapshot: unknown realization")
	ErrUnknownStep        = fmt.Errorf("snapshot: unknown step")
	ErrUnknownJob         = fmt.Errorf("snapshot: unknown job")
)

// StepTimeoutError is the exact error string §4.1/S3 require every
// not-yet-FINISHED job in a timed-out step to be stamped with.
const StepTimeoutError = "cancelled due to reaching MAX_RUNTIME"

// isTerminalJobWire reports whether a job's wire status is one of the two
// the event→state table maps to a terminal snapshot state (SUCCESS,
// FAILURE).
func isTerminalJobWire(s ids.JobWireStatus) bool {
	return s == ids.JobSuccessWire || s == ids.JobFailureWire
}

// Merge applies a PartialSnapshot to the ensemble tree in place, then
// re-derives every status above the addressed level. Merge is idempotent
// (applying the same update twice leaves the tree unchanged after the
// first application).
//
// Two edge cases are handled explicitly, per §4.1:
//   - Out-of-order job events (e.g. a SUCCESS delivered after a FAILURE
//     already landed): once a job's wire status is terminal, a further
//     terminal update only replaces it when its EndTime is not earlier
//     than the one already recorded — the "most semantically advanced
//     status, timestamps as tie-break" rule.
//   - Once a realization's derived status is terminal (SUCCESS/FAILURE),
//     further merges still update the addressed job/step fields (for the
//     record) but never regress the realization's own status.
func (e *Ensemble) Merge(p *PartialSnapshot) error {
	if p.EnsembleUpdate != nil {
		if p.EnsembleUpdate.Status != nil {
			e.Status = *p.EnsembleUpdate.Status
		}
		for k, v := range p.EnsembleUpdate.Metadata {
			e.Metadata[k] = v
		}
		return nil
	}

	real, ok := e.Realizations[p.Realization]
	if !ok {
		return ErrUnknownRealization
	}

	if p.RealizationUpdate != nil {
		if p.RealizationUpdate.Status != nil && !real.Status.Terminal() {
			real.Status = *p.RealizationUpdate.Status
		}
		return nil
	}

	step, ok := real.Steps[p.Step]
	if !ok {
		return ErrUnknownStep
	}

	if p.StepUpdate != nil {
		u := p.StepUpdate
		if u.Status != nil {
			step.Status = *u.Status
		}
		if u.StartTime != nil {
			step.StartTime = u.StartTime
		}
		if u.EndTime != nil {
			step.EndTime = u.EndTime
		}
		if u.Timeout {
			stampStepTimeout(step, u.EndTime)
		}
		if !real.Status.Terminal() {
			real.Status = DeriveRealizationStatus(real)
		}
		return nil
	}

	job, ok := step.Jobs[p.Job]
	if !ok {
		return ErrUnknownJob
	}

	u := p.JobUpdate
	if u == nil {
		return nil
	}
	applyJobFields(job, u)

	if !real.Status.Terminal() {
		step.Status = DeriveStepStatus(step)
		real.Status = DeriveRealizationStatus(real)
	}
	return nil
}

// applyJobFields overwrites job with the set fields of u, honoring the
// out-of-order terminal-status rule described on Merge.
func applyJobFields(job *Job, u *JobFields) {
	if u.Name != nil {
		job.Name = *u.Name
	}
	if u.Status != nil {
		apply := true
		if isTerminalJobWire(job.Status) {
			apply = isTerminalJobWire(*u.Status) && !(job.EndTime != nil && u.EndTime != nil && u.EndTime.Before(*job.EndTime))
		}
		if apply {
			job.Status = *u.Status
		}
	}
	if u.StartTime != nil {
		job.StartTime = u.StartTime
	}
	if u.EndTime != nil {
		job.EndTime = u.EndTime
	}
	if u.Error != nil {
		job.Error = *u.Error
	}
	if u.Stdout != nil {
		job.Stdout = *u.Stdout
	}
	if u.Stderr != nil {
		job.Stderr = *u.Stderr
	}
	for k, v := range u.Data {
		if job.Data == nil {
			job.Data = map[string]any{}
		}
		job.Data[k] = v
	}
}

// stampStepTimeout implements §4.1's FM_STEP_TIMEOUT side effect: every job
// in the step not already FINISHED (SUCCESS) is stamped FAILURE with the
// documented error string.
func stampStepTimeout(step *Step, end *time.Time) {
	for _, j := range step.Jobs {
		if j.Status == ids.JobSuccessWire {
			continue
		}
		j.Status = ids.JobFailureWire
		j.Error = StepTimeoutError
		if end != nil {
			j.EndTime = end
		}
	}
}

// DeriveStepStatus computes a step's status purely from its jobs' wire
// statuses, with no back-pointer from job to step: a single pure function
// keeps the derivation testable in isolation and avoids the dangling
// back-reference problem flagged against the naive port.
func DeriveStepStatus(step *Step) ids.StepStatus {
	if len(step.Jobs) == 0 {
		return step.Status
	}
	sawRunning, sawFailure, sawStarted, allSuccess := false, false, false, true
	for _, j := range step.Jobs {
		switch j.Status {
		case ids.JobFailureWire:
			sawFailure = true
			allSuccess = false
		case ids.JobSuccessWire:
			// counts toward allSuccess
		case ids.JobRunningWire:
			sawRunning = true
			sawStarted = true
			allSuccess = false
		case ids.JobStart:
			sawStarted = true
			allSuccess = false
		default:
			allSuccess = false
		}
	}
	switch {
	case sawFailure:
		return ids.StepFailure
	case allSuccess:
		return ids.StepSuccess
	case sawRunning:
		return ids.StepRunning
	case sawStarted:
		return ids.StepPending
	default:
		return ids.StepWaiting
	}
}

// DeriveRealizationStatus computes a realization's status from its steps.
func DeriveRealizationStatus(real *Realization) ids.RealizationStatus {
	if len(real.Steps) == 0 {
		return real.Status
	}
	sawRunning, sawFailure, sawPending, allSuccess := false, false, false, true
	for _, s := range real.Steps {
		switch s.Status.Normalize() {
		case ids.StepFailure:
			sawFailure = true
			allSuccess = false
		case ids.StepSuccess:
			// counts toward allSuccess
		case ids.StepRunning:
			sawRunning = true
			allSuccess = false
		case ids.StepPending:
			sawPending = true
			allSuccess = false
		default:
			allSuccess = false
		}
	}
	switch {
	case sawFailure:
		return ids.RealizationFailure
	case allSuccess:
		return ids.RealizationSuccess
	case sawRunning:
		return ids.RealizationRunning
	case sawPending:
		return ids.RealizationPending
	default:
		return ids.RealizationWaiting
	}
}

// Diff returns the set of realizations whose derived status changed
// between two observations of the same ensemble.
func Diff(old, next *Ensemble) []ids.RealizationIndex {
	var changed []ids.RealizationIndex
	for idx, newReal := range next.Realizations {
		oldReal, ok := old.Realizations[idx]
		if !ok || oldReal.Status != newReal.Status {
			changed = append(changed, idx)
		}
	}
	return changed
}

// Progress returns the fraction of realizations in the current iteration
// that have reached a terminal status, guarded against division by zero.
func Progress(e *Ensemble) float64 {
	total := len(e.Realizations)
	if total == 0 {
		return 0.0
	}
	done := 0
	for _, r := range e.Realizations {
		if r.Status.Terminal() {
			done++
		}
	}
	return float64(done) / float64(total)
}

// Event is the decoded form of one wire event (FM_JOB_*, FM_STEP_*,
// ENSEMBLE_*): the input to FromEvent. Source follows the CloudEvents-style
// path from §6: "/ensemble/{E}/real/{R}/step/{S}/job/{J}".
type Event struct {
	Type   string
	Source string
	Time   time.Time
	Data   map[string]any
}

var stepEventStatus = map[string]ids.StepStatus{
	"FM_STEP_WAITING": ids.StepWaiting,
	"FM_STEP_PENDING": ids.StepPending,
	"FM_STEP_RUNNING": ids.StepRunning,
	"FM_STEP_SUCCESS": ids.StepSuccess,
	"FM_STEP_FAILURE": ids.StepFailure,
	"FM_STEP_TIMEOUT": ids.StepTimeout,
	"FM_STEP_UNKNOWN": ids.StepUnknown,
}

var ensembleEventStatus = map[string]ids.EnsembleStatus{
	"ENSEMBLE_STARTED":   ids.EnsembleStarted,
	"ENSEMBLE_STOPPED":   ids.EnsembleStopped,
	"ENSEMBLE_CANCELLED": ids.EnsembleCancelled,
	"ENSEMBLE_FAILED":    ids.EnsembleFailed,
}

// FromEvent translates one wire event into a PartialSnapshot, encapsulating
// the event-type -> state mapping table of §6: job events set the job's
// status to the event's own FM_JOB_* value (FM_JOB_SUCCESS standing for the
// finished state); step events are identity over the step enum with
// TIMEOUT->FAILURE (plus the job-stamping side effect, see Merge); ensemble
// events are identity.
func FromEvent(evt Event) (*PartialSnapshot, error) {
	switch {
	case strings.HasPrefix(evt.Type, "FM_JOB_"):
		real, step, job, err := parseJobSource(evt.Source)
		if err != nil {
			return nil, err
		}
		return fromJobEvent(evt, real, step, job)
	case strings.HasPrefix(evt.Type, "FM_STEP_"):
		real, step, err := parseStepSource(evt.Source)
		if err != nil {
			return nil, err
		}
		return fromStepEvent(evt, real, step)
	case strings.HasPrefix(evt.Type, "ENSEMBLE_"):
		return fromEnsembleEvent(evt)
	default:
		return nil, fmt.Errorf("snapshot: unrecognized event type %q", evt.Type)
	}
}

func fromJobEvent(evt Event, real ids.RealizationIndex, step ids.StepID, job ids.JobIndex) (*PartialSnapshot, error) {
	t := evt.Time
	fields := &JobFields{}
	switch evt.Type {
	case "FM_JOB_START":
		status := ids.JobStart
		fields.Status = &status
		fields.StartTime = &t
		if s, ok := evt.Data["stdout"].(string); ok {
			fields.Stdout = &s
		}
		if s, ok := evt.Data["stderr"].(string); ok {
			fields.Stderr = &s
		}
	case "FM_JOB_RUNNING":
		status := ids.JobRunningWire
		fields.Status = &status
		fields.Data = evt.Data
	case "FM_JOB_SUCCESS":
		status := ids.JobSuccessWire
		fields.Status = &status
		fields.EndTime = &t
	case "FM_JOB_FAILURE":
		status := ids.JobFailureWire
		fields.Status = &status
		fields.EndTime = &t
		if msg, ok := evt.Data["error_msg"].(string); ok {
			fields.Error = &msg
		}
	default:
		return nil, fmt.Errorf("snapshot: unrecognized job event type %q", evt.Type)
	}
	return &PartialSnapshot{Realization: real, Step: step, Job: job, JobUpdate: fields}, nil
}

func fromStepEvent(evt Event, real ids.RealizationIndex, step ids.StepID) (*PartialSnapshot, error) {
	status, ok := stepEventStatus[evt.Type]
	if !ok {
		return nil, fmt.Errorf("snapshot: unrecognized step event type %q", evt.Type)
	}
	t := evt.Time
	stored := status.Normalize()
	fields := &StepFields{Status: &stored}
	switch status {
	case ids.StepTimeout:
		fields.Timeout = true
		fields.EndTime = &t
	case ids.StepRunning:
		fields.StartTime = &t
	case ids.StepSuccess, ids.StepFailure:
		fields.EndTime = &t
	}
	return &PartialSnapshot{Realization: real, Step: step, StepUpdate: fields}, nil
}

func fromEnsembleEvent(evt Event) (*PartialSnapshot, error) {
	status, ok := ensembleEventStatus[evt.Type]
	if !ok {
		return nil, fmt.Errorf("snapshot: unrecognized ensemble event type %q", evt.Type)
	}
	return &PartialSnapshot{EnsembleUpdate: &EnsembleFields{Status: &status}}, nil
}

// parseJobSource extracts /real/{r}/step/{s}/job/{j} segments from a job
// event's source path.
func parseJobSource(source string) (ids.RealizationIndex, ids.StepID, ids.JobIndex, error) {
	segs, err := parseSource(source)
	if err != nil {
		return 0, "", 0, err
	}
	jobStr, ok := segs["job"]
	if !ok {
		return 0, "", 0, fmt.Errorf("snapshot: job event source %q missing job segment", source)
	}
	n, err := strconv.Atoi(jobStr)
	if err != nil {
		return 0, "", 0, fmt.Errorf("snapshot: invalid job segment %q: %w", jobStr, err)
	}
	real, step, err := parseStepSource(source)
	if err != nil {
		return 0, "", 0, err
	}
	return real, step, ids.JobIndex(n), nil
}

// parseStepSource extracts /real/{r}/step/{s} segments from a step or job
// event's source path.
func parseStepSource(source string) (ids.RealizationIndex, ids.StepID, error) {
	segs, err := parseSource(source)
	if err != nil {
		return 0, "", err
	}
	realStr, ok := segs["real"]
	if !ok {
		return 0, "", fmt.Errorf("snapshot: event source %q missing real segment", source)
	}
	n, err := strconv.Atoi(realStr)
	if err != nil {
		return 0, "", fmt.Errorf("snapshot: invalid real segment %q: %w", realStr, err)
	}
	step, ok := segs["step"]
	if !ok {
		return 0, "", fmt.Errorf("snapshot: event source %q missing step segment", source)
	}
	return ids.RealizationIndex(n), ids.StepID(step), nil
}

func parseSource(source string) (map[string]string, error) {
	parts := strings.Split(strings.Trim(source, "/"), "/")
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("snapshot: malformed event source %q", source)
	}
	segs := make(map[string]string, len(parts)/2)
	for i := 0; i+1 < len(parts); i += 2 {
		segs[parts[i]] = parts[i+1]
	}
	return segs, nil
}

func earliestTime(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if b.Before(*a) {
		return b
	}
	return a
}

func latestTime(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if b.After(*a) {
		return b
	}
	return a
}

func cloneEnsembleFields(f *EnsembleFields) *EnsembleFields {
	c := &EnsembleFields{Metadata: map[string]string{}}
	if f == nil {
		return c
	}
	c.Status = f.Status
	for k, v := range f.Metadata {
		c.Metadata[k] = v
	}
	return c
}

func cloneRealizationFields(f *RealizationFields) *RealizationFields {
	if f == nil {
		return &RealizationFields{}
	}
	c := *f
	return &c
}

func cloneStepFields(f *StepFields) *StepFields {
	if f == nil {
		return &StepFields{}
	}
	c := *f
	return &c
}

func cloneJobFields(f *JobFields) *JobFields {
	c := &JobFields{}
	if f == nil {
		return c
	}
	*c = *f
	if f.Data != nil {
		c.Data = make(map[string]any, len(f.Data))
		for k, v := range f.Data {
			c.Data[k] = v
		}
	}
	return c
}

// Merge combines p with other into a single delta addressing the same
// coordinate, right-biased: other's set fields win, except StartTime/
// EndTime which stay monotonic (earliest start, latest end) so that two
// deltas for the same job/step can be folded together — the batching
// dispatcher's "multiple events for the same key within one batch are
// collapsed" rule — without losing timing information. Associative: folding
// left-to-right or right-to-left produces the same result, since every
// field combinator (overwrite, min, max, map union) is itself associative.
func (p *PartialSnapshot) Merge(other *PartialSnapshot) *PartialSnapshot {
	if other == nil {
		return p
	}
	if p == nil {
		return other
	}

	merged := *p

	if other.EnsembleUpdate != nil {
		eu := cloneEnsembleFields(merged.EnsembleUpdate)
		if other.EnsembleUpdate.Status != nil {
			eu.Status = other.EnsembleUpdate.Status
		}
		for k, v := range other.EnsembleUpdate.Metadata {
			eu.Metadata[k] = v
		}
		merged.EnsembleUpdate = eu
		return &merged
	}

	merged.Realization = other.Realization

	if other.RealizationUpdate != nil {
		ru := cloneRealizationFields(merged.RealizationUpdate)
		if other.RealizationUpdate.Status != nil {
			ru.Status = other.RealizationUpdate.Status
		}
		merged.RealizationUpdate = ru
		return &merged
	}

	merged.Step = other.Step

	if other.StepUpdate != nil {
		su := cloneStepFields(merged.StepUpdate)
		if other.StepUpdate.Status != nil {
			su.Status = other.StepUpdate.Status
		}
		su.StartTime = earliestTime(su.StartTime, other.StepUpdate.StartTime)
		su.EndTime = latestTime(su.EndTime, other.StepUpdate.EndTime)
		su.Timeout = su.Timeout || other.StepUpdate.Timeout
		merged.StepUpdate = su
		return &merged
	}

	merged.Job = other.Job

	if other.JobUpdate != nil {
		ju := cloneJobFields(merged.JobUpdate)
		if other.JobUpdate.Name != nil {
			ju.Name = other.JobUpdate.Name
		}
		if other.JobUpdate.Status != nil {
			ju.Status = other.JobUpdate.Status
		}
		ju.StartTime = earliestTime(ju.StartTime, other.JobUpdate.StartTime)
		ju.EndTime = latestTime(ju.EndTime, other.JobUpdate.EndTime)
		if other.JobUpdate.Error != nil {
			ju.Error = other.JobUpdate.Error
		}
		if other.JobUpdate.Stdout != nil {
			ju.Stdout = other.JobUpdate.Stdout
		}
		if other.JobUpdate.Stderr != nil {
			ju.Stderr = other.JobUpdate.Stderr
		}
		for k, v := range other.JobUpdate.Data {
			if ju.Data == nil {
				ju.Data = map[string]any{}
			}
			ju.Data[k] = v
		}
		merged.JobUpdate = ju
	}
	return &merged
}
