// Package runctl implements the Run Controller: the single entry point
// that starts a backup run across every configured subvolume, enforces
// that at most one run is active at a time, and rolls up each
// subvolume's outcome into the Run's overall outcome.
package runctl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arkvolt/arkvolt/internal/apperror"
	"github.com/arkvolt/arkvolt/internal/btrfs"
	"github.com/arkvolt/arkvolt/internal/chainlock"
	"github.com/arkvolt/arkvolt/internal/lineage"
	"github.com/arkvolt/arkvolt/internal/logging"
	"github.com/arkvolt/arkvolt/internal/pipeline"
	"github.com/arkvolt/arkvolt/internal/policy"
	"github.com/arkvolt/arkvolt/internal/remote"
	"github.com/arkvolt/arkvolt/internal/streamcrypt"
)

// State is the Run's current lifecycle state.
type State uint

const (
	StatePending State = 1 << iota
	StateRunning
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// SubvolumeSpec is one entry of the configured backup set.
type SubvolumeSpec struct {
	Subvolume     btrfs.Subvolume
	ForceFull     bool
	PolicyParams  policy.Params
	CompressLevel int
}

// RunRecorder is the narrow Lineage Store capability the controller needs
// for Run bookkeeping (distinct from Committer, which the Pipeline Runner
// uses for ArchiveObject rows).
type RunRecorder interface {
	MarkRun(run lineage.Run) error
}

// SnapshotManager is the narrow btrfs capability the controller needs to
// take a snapshot before handing it to the Pipeline Runner. *btrfs.Manager
// satisfies this; tests substitute a fake that never shells out.
type SnapshotManager interface {
	CreateSnapshot(ctx context.Context, sv btrfs.Subvolume) (btrfs.Snapshot, error)
	SnapshotPath(subvolume string, ts time.Time) string
}

// Status is a point-in-time snapshot of a Run, safe to copy and return to
// callers without holding the controller's lock.
type Status struct {
	RunID               string
	State               State
	StartedAt           time.Time
	FinishedAt          *time.Time
	SubvolumeOrder      []string
	PerSubvolumeOutcome []lineage.SubvolumeOutcome
}

// Controller gates backup runs so at most one is active at a time and
// tracks the currently active (or most recently finished) run's status.
type Controller struct {
	mtx      chainlock.L
	runner   *pipeline.Runner
	engine   *policy.Engine
	btrfsM   SnapshotManager
	recorder RunRecorder
	key      []byte
	metrics  RunMetrics
	channel  remote.Channel
	layout   remote.Layout

	current    *runState
	cancelFunc context.CancelFunc
}

// RunMetrics is the narrow metrics.Registry slice the controller updates.
// Left nil by New; SetMetrics wires a real *metrics.Registry in at daemon
// startup, keeping internal/runctl free of a direct dependency on
// internal/metrics for its unit tests.
type RunMetrics interface {
	ObserveRun(outcome string)
	ObserveSubvolume(mode, outcome string)
	AddBytesWritten(subvolume string, n int64)
	SetLastRunTimestamp(unixSeconds float64)
}

// SetMetrics wires m into the controller; passing nil disables metrics
// recording (the default).
func (c *Controller) SetMetrics(m RunMetrics) {
	c.mtx.HoldWhile(func() { c.metrics = m })
}

type runState struct {
	status Status
}

// New constructs a Controller. key is the symmetric encryption key shared
// by every archive this process writes (streamcrypt.LoadOrCreateKey).
// channel and layout are used only to rewrite the .verification liveness
// marker after a Run finishes (spec.md §6); a nil channel disables this.
func New(runner *pipeline.Runner, engine *policy.Engine, btrfsM SnapshotManager, recorder RunRecorder, key []byte, channel remote.Channel, layout remote.Layout) *Controller {
	return &Controller{runner: runner, engine: engine, btrfsM: btrfsM, recorder: recorder, key: key, channel: channel, layout: layout}
}

// Start launches a run across specs in order, returning the new run's ID
// immediately. It returns an error without starting anything if a run is
// already active (spec: "at most one active run per client").
func (c *Controller) Start(ctx context.Context, clientID string, mode string, specs []SubvolumeSpec) (string, error) {
	runID := uuid.NewString()
	order := make([]string, len(specs))
	for i, s := range specs {
		order[i] = s.Subvolume.Name
	}

	runCtx, cancel := context.WithCancel(ctx)
	state := &runState{status: Status{
		RunID:          runID,
		State:          StateRunning,
		StartedAt:      time.Now().UTC(),
		SubvolumeOrder: order,
	}}

	var alreadyRunning bool
	c.mtx.HoldWhile(func() {
		if c.current != nil && c.current.status.State == StateRunning {
			alreadyRunning = true
			return
		}
		c.current = state
		c.cancelFunc = cancel
	})
	if alreadyRunning {
		cancel()
		return "", &apperror.Precondition{Op: "start run", Err: fmt.Errorf("a run is already active")}
	}

	go c.execute(runCtx, runID, clientID, mode, specs, state)
	return runID, nil
}

// Cancel requests cooperative cancellation of the active run, if any, and
// if its RunID matches runID. Cancelling a run that has already finished is
// a no-op; an unknown runID is an error.
func (c *Controller) Cancel(runID string) error {
	var cancel context.CancelFunc
	var known bool
	c.mtx.HoldWhile(func() {
		if c.current != nil && c.current.status.RunID == runID {
			known = true
			if c.current.status.State == StateRunning {
				cancel = c.cancelFunc
			}
		}
	})
	if !known {
		return fmt.Errorf("no run with id %s", runID)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Status returns the current (or last completed) run's snapshot, or the
// zero Status if no run has ever been started.
func (c *Controller) Status() Status {
	var out Status
	c.mtx.HoldWhile(func() {
		if c.current != nil {
			out = c.current.status
		}
	})
	return out
}

func (c *Controller) execute(ctx context.Context, runID, clientID, mode string, specs []SubvolumeSpec, state *runState) {
	log := logging.GetLogger(ctx, logging.SubsysRunctl).With("run_id", runID)
	log.Info("run started", "mode", mode, "subvolumes", len(specs))

	var outcomes []lineage.SubvolumeOutcome
	for _, spec := range specs {
		select {
		case <-ctx.Done():
			outcomes = append(outcomes, lineage.SubvolumeOutcome{
				Subvolume: spec.Subvolume.Name, Success: false, Error: "cancelled",
			})
			continue
		default:
		}
		outcome := c.runOne(ctx, clientID, mode, spec, log)
		outcomes = append(outcomes, outcome)
	}

	finishedAt := time.Now().UTC()
	overall := rollup(outcomes, ctx.Err() != nil)

	if c.metrics != nil {
		c.metrics.ObserveRun(string(overall))
		c.metrics.SetLastRunTimestamp(float64(finishedAt.Unix()))
	}

	run := lineage.Run{
		RunID: runID, StartedAt: state.status.StartedAt, FinishedAt: &finishedAt,
		Mode: mode, Outcome: overall, SubvolumeOrder: state.status.SubvolumeOrder,
		PerSubvolumeOutcome: outcomes,
	}
	if err := c.recorder.MarkRun(run); err != nil {
		log.Error("failed to persist run record", "err", err.Error())
	}

	if c.channel != nil && (overall == lineage.OutcomeSuccess || overall == lineage.OutcomePartial) {
		if err := c.channel.WriteVerificationMarker(ctx, c.layout, clientID); err != nil {
			log.Warn("failed to rewrite verification marker", "err", err.Error())
		}
	}

	c.mtx.HoldWhile(func() {
		c.current.status.State = runStateFromOutcome(overall)
		c.current.status.FinishedAt = &finishedAt
		c.current.status.PerSubvolumeOutcome = outcomes
	})
	log.Info("run finished", "outcome", overall)
}

func (c *Controller) runOne(ctx context.Context, clientID, mode string, spec SubvolumeSpec, log *slog.Logger) lineage.SubvolumeOutcome {
	sv := spec.Subvolume.Name
	outcome := lineage.SubvolumeOutcome{Subvolume: sv}

	decision, err := c.engine.Decide(ctx, sv, spec.ForceFull, spec.PolicyParams,
		func(subvolume string, ts time.Time) bool {
			return policy.LocalSnapshotExistsOnDisk(c.btrfsM.SnapshotPath(subvolume, ts))
		})
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Kind = decision.Mode
	outcome.Advisory = decision.Advisory

	snap, err := c.btrfsM.CreateSnapshot(ctx, spec.Subvolume)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}

	var parentSnap *btrfs.Snapshot
	if decision.Mode == lineage.KindIncremental && decision.Parent != nil {
		ts := decision.Parent.SnapshotTimestamp
		s := btrfs.Snapshot{Subvolume: sv, Timestamp: ts}
		parentSnap = &s
	}

	req := pipeline.Request{
		ClientID: clientID, Subvolume: sv, Mode: decision.Mode,
		Snapshot: snap, Parent: parentSnap, ParentArchive: decision.Parent,
		CompressAlgo: streamcrypt.AlgoZstd, CompressLevel: spec.CompressLevel,
		Key: c.key,
	}
	archive, err := c.runner.Run(ctx, req)
	if err != nil {
		outcome.Error = err.Error()
		log.Warn("subvolume archive failed", "subvolume", sv, "err", err.Error())
		if c.metrics != nil {
			c.metrics.ObserveSubvolume(string(decision.Mode), "failed")
		}
		return outcome
	}

	outcome.Success = true
	if c.metrics != nil {
		c.metrics.ObserveSubvolume(string(decision.Mode), "success")
		c.metrics.AddBytesWritten(sv, archive.BytesWritten)
	}
	return outcome
}

func rollup(outcomes []lineage.SubvolumeOutcome, cancelled bool) lineage.RunOutcome {
	if cancelled {
		return lineage.OutcomeCancelled
	}
	success, failure := 0, 0
	for _, o := range outcomes {
		if o.Success {
			success++
		} else {
			failure++
		}
	}
	switch {
	case failure == 0:
		return lineage.OutcomeSuccess
	case success == 0:
		return lineage.OutcomeFailed
	default:
		return lineage.OutcomePartial
	}
}

func runStateFromOutcome(o lineage.RunOutcome) State {
	switch o {
	case lineage.OutcomeSuccess, lineage.OutcomePartial:
		return StateDone
	case lineage.OutcomeCancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}
