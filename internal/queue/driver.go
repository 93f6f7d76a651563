package queue

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/ids"
)

// DriverState is what a queue driver reports for a submitted job. UNKNOWN
// is distinct from EXIT: the core treats UNKNOWN as transient (poll again
// later) and EXIT as a retryable submit failure, never the other way
// around.
type DriverState string

const (
	DriverUnknown DriverState = "UNKNOWN"
	DriverPending DriverState = "PENDING"
	DriverRunning DriverState = "RUNNING"
	DriverDone    DriverState = "DONE"
	DriverExit    DriverState = "EXIT"
)

// Driver abstracts an external compute-queue scheduler (local process,
// LSF, PBS, SLURM, Torque, ...). The core never depends on a concrete
// scheduler, only on this contract.
type Driver interface {
	Submit(ctx context.Context, idx ids.QueueIndex, runpath string) error
	Poll(ctx context.Context, idx ids.QueueIndex) (DriverState, error)
	Kill(ctx context.Context, idx ids.QueueIndex) error
	MaxRunning() int
	SetMaxRunning(n int)
}

// DriverOptions is the opaque, driver-specific sub-option block read from
// the `queue_driver` configuration section. Concrete drivers decode it into
// their own shape; the core treats it as a pass-through.
type DriverOptions map[string]any

// DecodeDriverOptions unmarshals a YAML sub-document into DriverOptions,
// the representation used for LSF/PBS/SLURM/Torque-specific settings that
// the core has no typed opinion about.
func DecodeDriverOptions(raw []byte) (DriverOptions, error) {
	var opts DriverOptions
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return nil, fmt.Errorf("queue: decode driver options: %w", err)
	}
	return opts, nil
}

// LocalDriver runs each job as a forked child process on the local host,
// polling its completion via an on-disk status-file triad
// (status.txt/ERROR/EXIT) — the same convention the original job_queue
// implementation uses for its local backend. An ERROR or EXIT file in the
// run path means the job exited; otherwise the last line of status.txt
// decides ("OK" is done, "EXIT" is exited, anything else is pending).
type LocalDriver struct {
	maxRunning int
	limiter    *rate.Limiter
	jobs       map[ids.QueueIndex]*localJob
}

type localJob struct {
	cmd     *exec.Cmd
	runpath string
}

// NewLocalDriver returns a local driver whose poll calls are capped at
// pollQPS per second, so a misconfigured tick interval cannot hammer the
// filesystem.
func NewLocalDriver(maxRunning int, pollQPS float64) *LocalDriver {
	if pollQPS <= 0 {
		pollQPS = 10
	}
	return &LocalDriver{
		maxRunning: maxRunning,
		limiter:    rate.NewLimiter(rate.Limit(pollQPS), 1),
		jobs:       make(map[ids.QueueIndex]*localJob),
	}
}

func (d *LocalDriver) Submit(ctx context.Context, idx ids.QueueIndex, runpath string) error {
	script := filepath.Join(runpath, "job_script.sh")
	cmd := exec.CommandContext(ctx, "/bin/sh", script)
	cmd.Dir = runpath
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("queue: local submit %d: %w", idx, err)
	}
	d.jobs[idx] = &localJob{cmd: cmd, runpath: runpath}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

func (d *LocalDriver) Poll(ctx context.Context, idx ids.QueueIndex) (DriverState, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return DriverUnknown, err
	}
	job, ok := d.jobs[idx]
	if !ok {
		return DriverUnknown, nil
	}
	for _, name := range []string{"ERROR", "EXIT"} {
		if _, err := os.Stat(filepath.Join(job.runpath, name)); err == nil {
			return DriverExit, nil
		}
	}
	statusPath := filepath.Join(job.runpath, "status.txt")
	f, err := os.Open(statusPath)
	if err != nil {
		if os.IsNotExist(err) {
			if job.cmd.ProcessState != nil && !job.cmd.ProcessState.Success() {
				return DriverExit, nil
			}
			return DriverRunning, nil
		}
		return DriverUnknown, nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	last := ""
	for scanner.Scan() {
		last = scanner.Text()
	}
	switch last {
	case "OK":
		return DriverDone, nil
	case "EXIT":
		return DriverExit, nil
	default:
		return DriverPending, nil
	}
}

func (d *LocalDriver) Kill(ctx context.Context, idx ids.QueueIndex) error {
	job, ok := d.jobs[idx]
	if !ok {
		return nil
	}
	if job.cmd.Process == nil {
		return nil
	}
	return job.cmd.Process.Kill()
}

func (d *LocalDriver) MaxRunning() int { return d.maxRunning }

func (d *LocalDriver) SetMaxRunning(n int) { d.maxRunning = n }

// isTransient reports whether a driver state means "ask again later"
// rather than a terminal outcome, used by the engine's poll loop.
func isTransient(s DriverState) bool {
	switch s {
	case DriverUnknown, DriverPending, DriverRunning:
		return true
	default:
		return false
	}
}
