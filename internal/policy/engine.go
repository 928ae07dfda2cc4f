// Package policy decides, per subvolume, whether a run is full or
// incremental and which archive to use as parent (spec.md §4.6, component
// C6).
package policy

import (
	"context"
	"os"
	"time"

	"github.com/arkvolt/arkvolt/internal/lineage"
	"github.com/arkvolt/arkvolt/internal/logging"
)

// Open question in spec.md §9: the original uses the calendar "1st of
// month" trigger in local time; this implementation decides LOCAL time,
// since the config's schedule_time/schedule_days are specified in local
// time elsewhere in the system and a mixed-timezone full trigger would be
// a surprising inconsistency for an operator reading the same config.
// See DESIGN.md "Open Question: full-of-month timezone".
var nowLocal = func() time.Time { return time.Now() }

// LineageQuerier is the narrow slice of the Lineage Store the Policy Engine
// needs - a capability interface per spec.md §9, so tests can substitute a
// fake without standing up a real store.
type LineageQuerier interface {
	LatestFull(subvolume string) (*lineage.ArchiveObject, error)
	FindParentCandidate(subvolume, mode string) (*lineage.ArchiveObject, error)
	ChainLength(subvolume string) (int, error)
}

// Params configures a single subvolume's policy evaluation, drawn from
// config.Config.
type Params struct {
	FullIntervalDays     int
	DailyIncrementalDays int
}

// Decision is the outcome of evaluating one subvolume.
type Decision struct {
	Mode     lineage.ArchiveKind
	Parent   *lineage.ArchiveObject
	Advisory string // non-empty when a silent downgrade to full occurred
}

// Engine evaluates Decisions against a LineageQuerier.
type Engine struct {
	store LineageQuerier
}

func New(store LineageQuerier) *Engine { return &Engine{store: store} }

// LocalSnapshotExists reports whether subvolume still has a local snapshot
// at ts - the parent snapshot is required on disk to produce a relative
// send stream (spec.md §4.6).
type LocalSnapshotExists func(subvolume string, ts time.Time) bool

// Decide evaluates the policy for one subvolume.
func (e *Engine) Decide(ctx context.Context, subvolume string, forceFull bool,
	params Params, localSnapshotExists LocalSnapshotExists,
) (Decision, error) {
	log := logging.GetLogger(ctx, logging.SubsysPolicy)

	if forceFull {
		return Decision{Mode: lineage.KindFull}, nil
	}
	if isFirstOfMonth(nowLocal()) {
		return Decision{Mode: lineage.KindFull}, nil
	}

	latestFull, err := e.store.LatestFull(subvolume)
	if err != nil {
		return Decision{}, err
	}
	if latestFull == nil {
		return Decision{Mode: lineage.KindFull}, nil
	}
	if params.FullIntervalDays > 0 {
		age := time.Since(latestFull.SnapshotTimestamp)
		if age > time.Duration(params.FullIntervalDays)*24*time.Hour {
			return Decision{Mode: lineage.KindFull}, nil
		}
	}
	if params.DailyIncrementalDays > 0 {
		chainLen, err := e.store.ChainLength(subvolume)
		if err != nil {
			return Decision{}, err
		}
		if chainLen >= params.DailyIncrementalDays {
			return Decision{Mode: lineage.KindFull}, nil
		}
	}

	parent, err := e.store.FindParentCandidate(subvolume, "incremental")
	if err != nil {
		return Decision{}, err
	}
	if parent == nil {
		return Decision{Mode: lineage.KindFull}, nil
	}

	if localSnapshotExists != nil && !localSnapshotExists(subvolume, parent.SnapshotTimestamp) {
		log.Warn("parent snapshot missing locally, downgrading to full",
			"subvolume", subvolume, "parent_timestamp", parent.SnapshotTimestamp)
		return Decision{
			Mode:     lineage.KindFull,
			Advisory: "parent snapshot missing locally; upgraded to full",
		}, nil
	}

	return Decision{Mode: lineage.KindIncremental, Parent: parent}, nil
}

func isFirstOfMonth(t time.Time) bool { return t.Day() == 1 }

// LocalSnapshotExistsOnDisk reports whether path exists on the local
// filesystem. The Run Controller builds the production LocalSnapshotExists
// check from it, passing the path returned by btrfs.Manager.SnapshotPath.
func LocalSnapshotExistsOnDisk(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
