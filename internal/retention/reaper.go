// Package retention prunes local snapshots and remote archives that have
// aged out of their configured retention window, while refusing to break
// lineage: a snapshot or archive that is still the parent of a committed
// incremental is never destroyed regardless of age.
package retention

import (
	"context"
	"time"

	"github.com/arkvolt/arkvolt/internal/btrfs"
	"github.com/arkvolt/arkvolt/internal/lineage"
	"github.com/arkvolt/arkvolt/internal/logging"
	"github.com/arkvolt/arkvolt/internal/remote"
)

// LineageQuerier is the narrow Lineage Store capability the Reaper needs to
// avoid breaking the pinning invariant: a snapshot or archive named as the
// parent of a still-committed incremental must survive until that
// incremental (or a fresh full superseding it) is pruned first.
type LineageQuerier interface {
	IsParentOfCommitted(subvolume string, ts time.Time) (bool, error)
	ListCommitted(subvolume string) ([]lineage.ArchiveObject, error)
	DeleteRecord(subvolume string, ts time.Time) error
}

// LocalManager is the narrow btrfs capability the Reaper needs.
type LocalManager interface {
	ListSnapshots(subvolume string) ([]btrfs.Snapshot, error)
	DeleteSnapshot(ctx context.Context, snap btrfs.Snapshot) error
}

// Params configures how long local snapshots and remote archives are kept
// for one subvolume, drawn from config.Config.
type Params struct {
	LocalRetentionDays int

	// MonthsToKeep bounds the remote month_bucket horizon (spec.md §4.7):
	// any bucket older than this many calendar months is pruned wholesale,
	// both full and incremental archives alike. 0 disables this pass.
	MonthsToKeep int
	// DailyIncrementalDays bounds the incremental chain inside a retained
	// month: incrementals older than this many days are pruned (full
	// archives are untouched by this pass; they only go with their whole
	// bucket). 0 disables this pass.
	DailyIncrementalDays int
}

// DeletionMetrics is the narrow metrics.Registry slice the Reaper updates.
type DeletionMetrics interface {
	ObserveRetentionDeletion(target string)
}

// Reaper runs the two retention passes described for one client: local
// snapshot cleanup and remote archive cleanup.
type Reaper struct {
	local   LocalManager
	lineage LineageQuerier
	channel remote.Channel
	metrics DeletionMetrics
}

func New(local LocalManager, querier LineageQuerier, channel remote.Channel) *Reaper {
	return &Reaper{local: local, lineage: querier, channel: channel}
}

// SetMetrics wires m into the Reaper; nil (the default) disables recording.
func (r *Reaper) SetMetrics(m DeletionMetrics) { r.metrics = m }

// Report summarizes one subvolume's pass for status reporting.
type Report struct {
	Subvolume     string
	LocalDeleted  []time.Time
	LocalSkipped  []time.Time // pinned, retained past retention age
	RemoteDeleted []string
	RemoteSkipped []string
}

// RunLocal destroys every local snapshot of subvolume older than
// params.LocalRetentionDays, except ones currently pinned as the parent of
// a committed incremental (invariant 4).
func (r *Reaper) RunLocal(ctx context.Context, subvolume string, params Params) (Report, error) {
	report := Report{Subvolume: subvolume}
	log := logging.GetLogger(ctx, logging.SubsysRetention).With("subvolume", subvolume)

	if params.LocalRetentionDays <= 0 {
		return report, nil
	}
	cutoff := time.Now().Add(-time.Duration(params.LocalRetentionDays) * 24 * time.Hour)

	snaps, err := r.local.ListSnapshots(subvolume)
	if err != nil {
		return report, err
	}
	for _, snap := range snaps {
		if !snap.Timestamp.Before(cutoff) {
			continue
		}
		pinned, err := r.lineage.IsParentOfCommitted(subvolume, snap.Timestamp)
		if err != nil {
			return report, err
		}
		if pinned {
			report.LocalSkipped = append(report.LocalSkipped, snap.Timestamp)
			log.Debug("retaining pinned snapshot past retention age", "timestamp", snap.Timestamp)
			continue
		}
		if err := r.local.DeleteSnapshot(ctx, snap); err != nil {
			return report, err
		}
		report.LocalDeleted = append(report.LocalDeleted, snap.Timestamp)
		if r.metrics != nil {
			r.metrics.ObserveRetentionDeletion("local")
		}
		log.Info("deleted aged-out local snapshot", "timestamp", snap.Timestamp)
	}
	return report, nil
}

// RunRemote enforces spec.md §4.7's two-pass remote policy for subvolume:
// first, every archive (full or incremental) in a month_bucket older than
// params.MonthsToKeep is deleted wholesale; second, inside the retained
// months, incrementals older than params.DailyIncrementalDays are deleted.
// Either pass is skipped for an archive that is still the parent of a
// surviving committed incremental (invariant 1) - the check is re-queried
// against the live store immediately before each deletion, so the order
// candidates are considered in never matters: a parent is never removed
// before the child that depends on it, because at that point the child
// still makes it pinned.
func (r *Reaper) RunRemote(ctx context.Context, subvolume string, params Params) (Report, error) {
	report := Report{Subvolume: subvolume}
	log := logging.GetLogger(ctx, logging.SubsysRetention).With("subvolume", subvolume)

	all, err := r.lineage.ListCommitted(subvolume)
	if err != nil {
		return report, err
	}
	now := time.Now().UTC()

	var candidates []lineage.ArchiveObject
	if params.MonthsToKeep > 0 {
		for _, a := range all {
			if monthsAgo(a.MonthBucket, now) >= params.MonthsToKeep {
				candidates = append(candidates, a)
			}
		}
	}
	if params.DailyIncrementalDays > 0 {
		cutoff := now.Add(-time.Duration(params.DailyIncrementalDays) * 24 * time.Hour)
		for _, a := range all {
			if a.Kind != lineage.KindIncremental {
				continue
			}
			if monthsAgo(a.MonthBucket, now) >= params.MonthsToKeep && params.MonthsToKeep > 0 {
				continue // already queued by the whole-month pass above
			}
			if a.SnapshotTimestamp.Before(cutoff) {
				candidates = append(candidates, a)
			}
		}
	}

	for _, a := range candidates {
		pinned, err := r.lineage.IsParentOfCommitted(subvolume, a.SnapshotTimestamp)
		if err != nil {
			return report, err
		}
		if pinned {
			report.RemoteSkipped = append(report.RemoteSkipped, a.RemotePath)
			log.Debug("retaining archive pinned by a surviving incremental", "remote_path", a.RemotePath)
			continue
		}
		if err := r.channel.Delete(ctx, a.RemotePath); err != nil {
			return report, err
		}
		if err := r.lineage.DeleteRecord(subvolume, a.SnapshotTimestamp); err != nil {
			return report, err
		}
		report.RemoteDeleted = append(report.RemoteDeleted, a.RemotePath)
		if r.metrics != nil {
			r.metrics.ObserveRetentionDeletion("remote")
		}
		log.Info("deleted aged-out remote archive", "remote_path", a.RemotePath)
	}
	return report, nil
}

// monthsAgo returns how many whole calendar months bucket (YYYYMM) precedes
// now's month. A malformed bucket is treated as infinitely old so it is
// always a deletion candidate rather than pinned forever by a parse error.
func monthsAgo(bucket string, now time.Time) int {
	t, err := time.Parse("200601", bucket)
	if err != nil {
		return 1 << 30
	}
	ny, nm, _ := now.Date()
	by, bm := t.Year(), t.Month()
	return (ny-by)*12 + int(nm-bm)
}
