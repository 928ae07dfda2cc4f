package btrfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// PinChecker reports whether deleting the local snapshot for (subvolume,
// ts) would violate invariant 4 in spec.md §3: a snapshot named as parent
// of a committed record must not be deleted unless a fresh full has since
// committed for that subvolume. Implemented by internal/lineage.
type PinChecker func(subvolume string, ts time.Time) bool

// Manager creates, enumerates and destroys local btrfs snapshots and
// produces their native send streams. It has no knowledge of remote state
// or lineage beyond the narrow PinChecker capability it is given.
type Manager struct {
	snapshotDir string
	run         runner
	pinned      PinChecker
}

// NewManager constructs a Manager rooted at snapshotDir. pinned may be nil,
// in which case no snapshot is ever considered pinned (used by tests that
// don't exercise invariant 4).
func NewManager(snapshotDir string, pinned PinChecker) *Manager {
	if pinned == nil {
		pinned = func(string, time.Time) bool { return false }
	}
	return &Manager{snapshotDir: snapshotDir, run: execRunner{}, pinned: pinned}
}

func (m *Manager) pathFor(snap Snapshot) string {
	return filepath.Join(m.snapshotDir, snap.Name())
}

// SnapshotPath returns the local path a snapshot of subvolume taken at ts
// would have, without requiring a full Snapshot value. Used by the Policy
// Engine's LocalSnapshotExists check to test for a parent snapshot's
// on-disk presence.
func (m *Manager) SnapshotPath(subvolume string, ts time.Time) string {
	return m.pathFor(Snapshot{Subvolume: subvolume, Timestamp: ts})
}

// CreateSnapshot invokes `btrfs subvolume snapshot -r` against sv.SourcePath.
func (m *Manager) CreateSnapshot(ctx context.Context, sv Subvolume) (Snapshot, error) {
	if err := Namecheck(sv.Name); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Subvolume: sv.Name,
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
	path := m.pathFor(snap)
	if _, err := os.Stat(path); err == nil {
		return Snapshot{}, &SnapshotCreateError{
			Subvolume: sv.Name, Path: path,
			Err: fmt.Errorf("snapshot path already exists"),
		}
	}
	if err := os.MkdirAll(m.snapshotDir, 0o755); err != nil {
		return Snapshot{}, &SnapshotCreateError{Subvolume: sv.Name, Path: path, Err: err}
	}
	if _, err := m.run.Run(ctx, "subvolume", "snapshot", "-r", sv.SourcePath, path); err != nil {
		return Snapshot{}, &SnapshotCreateError{Subvolume: sv.Name, Path: path, Err: err}
	}
	snap.LocalPath = path
	snap.TakenAt = time.Now().UTC()
	return snap, nil
}

// ListSnapshots enumerates the local snapshot directory for subvolume,
// ordered by timestamp descending.
func (m *Manager) ListSnapshots(subvolume string) ([]Snapshot, error) {
	entries, err := os.ReadDir(m.snapshotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	var out []Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sv, ts, err := ParseSnapshotName(e.Name())
		if err != nil || sv != subvolume {
			continue
		}
		out = append(out, Snapshot{
			Subvolume: sv,
			Timestamp: ts,
			LocalPath: filepath.Join(m.snapshotDir, e.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// DeleteSnapshot destroys snap locally, refusing if it is pinned under
// invariant 4.
func (m *Manager) DeleteSnapshot(ctx context.Context, snap Snapshot) error {
	if m.pinned(snap.Subvolume, snap.Timestamp) {
		return fmt.Errorf("snapshot %s is pinned as a committed archive's parent, refusing to delete", snap.Name())
	}
	path := snap.LocalPath
	if path == "" {
		path = m.pathFor(snap)
	}
	if _, err := m.run.Run(ctx, "subvolume", "delete", path); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", snap.Name(), err)
	}
	return nil
}

// StreamSend yields the canonical btrfs send stream for snap, relative to
// parent when non-nil (an incremental send). The returned ReadCloser is
// finite and non-restartable; callers must Close it even on error paths to
// release the underlying process.
func (m *Manager) StreamSend(ctx context.Context, snap Snapshot, parent *Snapshot) (io.ReadCloser, error) {
	args := []string{"send"}
	if parent != nil {
		ppath := parent.LocalPath
		if ppath == "" {
			ppath = m.pathFor(*parent)
		}
		args = append(args, "-p", ppath)
	}
	path := snap.LocalPath
	if path == "" {
		path = m.pathFor(snap)
	}
	args = append(args, path)
	return newSendStream(ctx, m.run, snap.Subvolume, args)
}

// StreamReceive applies r, the decoded send stream produced by StreamSend,
// into targetDir via `btrfs receive`. It is the final stage of the
// restore-side inverse pipeline (spec.md §6 StartRestore): fetch ->
// decrypt -> decompress -> receive.
func (m *Manager) StreamReceive(ctx context.Context, targetDir string, r io.Reader) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create restore target dir: %w", err)
	}
	_, err := m.run.RunWithStdin(ctx, r, "receive", targetDir)
	return err
}
