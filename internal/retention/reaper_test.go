package retention

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkvolt/arkvolt/internal/btrfs"
	"github.com/arkvolt/arkvolt/internal/lineage"
	"github.com/arkvolt/arkvolt/internal/remote"
)

type fakeLocalManager struct {
	snaps   []btrfs.Snapshot
	deleted []time.Time
}

func (f *fakeLocalManager) ListSnapshots(string) ([]btrfs.Snapshot, error) { return f.snaps, nil }

func (f *fakeLocalManager) DeleteSnapshot(_ context.Context, snap btrfs.Snapshot) error {
	f.deleted = append(f.deleted, snap.Timestamp)
	return nil
}

func openTestLineage(t *testing.T) *lineage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := lineage.Open(dir + "/lineage.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLocalSkipsPinnedSnapshot(t *testing.T) {
	now := time.Now().UTC()
	old := now.Add(-40 * 24 * time.Hour)
	older := now.Add(-50 * 24 * time.Hour)

	store := openTestLineage(t)
	require.NoError(t, store.RecordCommit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: older,
	}))
	require.NoError(t, store.RecordCommit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindIncremental, SnapshotTimestamp: old,
		ParentSnapshotTimestamp: &older,
	}))

	local := &fakeLocalManager{snaps: []btrfs.Snapshot{
		{Subvolume: "root", Timestamp: older},
		{Subvolume: "root", Timestamp: old},
	}}
	reaper := New(local, store, remote.NewMemChannel())

	report, err := reaper.RunLocal(t.Context(), "root", Params{LocalRetentionDays: 30})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{old}, report.LocalDeleted)
	assert.Equal(t, []time.Time{older}, report.LocalSkipped)
	assert.Equal(t, []time.Time{old}, local.deleted)
}

func TestRunLocalNoopWhenRetentionDisabled(t *testing.T) {
	store := openTestLineage(t)
	local := &fakeLocalManager{}
	reaper := New(local, store, remote.NewMemChannel())

	report, err := reaper.RunLocal(t.Context(), "root", Params{})
	require.NoError(t, err)
	assert.Empty(t, report.LocalDeleted)
}

func TestRunRemoteDeletesWholeAgedOutMonthBucket(t *testing.T) {
	now := time.Now().UTC()
	aged := now.AddDate(0, -8, 0)
	fresh := now.Add(-1 * time.Hour)

	store := openTestLineage(t)
	require.NoError(t, store.RecordCommit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: aged,
		MonthBucket: aged.Format("200601"), RemotePath: "/archive/client/agedfull",
	}))
	require.NoError(t, store.RecordCommit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: fresh,
		MonthBucket: fresh.Format("200601"), RemotePath: "/archive/client/freshfull",
	}))

	channel := remote.NewMemChannel()
	require.NoError(t, channel.EnsureDir(t.Context(), "/archive/client"))
	_, _, err := channel.WriteStream(t.Context(), "/archive/client/agedfull", strings.NewReader("data"))
	require.NoError(t, err)

	reaper := New(&fakeLocalManager{}, store, channel)
	report, err := reaper.RunRemote(t.Context(), "root", Params{MonthsToKeep: 6})
	require.NoError(t, err)
	assert.Equal(t, []string{"/archive/client/agedfull"}, report.RemoteDeleted)

	all, err := store.ListCommitted("root")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, fresh, all[0].SnapshotTimestamp)
}

func TestRunRemoteSkipsMonthBucketPinnedByFreshIncremental(t *testing.T) {
	now := time.Now().UTC()
	agedFull := now.AddDate(0, -8, 0)
	freshIncremental := now.Add(-1 * time.Hour)

	store := openTestLineage(t)
	require.NoError(t, store.RecordCommit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: agedFull,
		MonthBucket: agedFull.Format("200601"), RemotePath: "/archive/client/agedfull",
	}))
	require.NoError(t, store.RecordCommit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindIncremental, SnapshotTimestamp: freshIncremental,
		MonthBucket: freshIncremental.Format("200601"),
		ParentSnapshotTimestamp: &agedFull, RemotePath: "/archive/client/freshincr",
	}))

	channel := remote.NewMemChannel()
	reaper := New(&fakeLocalManager{}, store, channel)

	report, err := reaper.RunRemote(t.Context(), "root", Params{MonthsToKeep: 6})
	require.NoError(t, err)
	assert.Empty(t, report.RemoteDeleted)
	assert.Equal(t, []string{"/archive/client/agedfull"}, report.RemoteSkipped)

	all, err := store.ListCommitted("root")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRunRemoteDeletesAgedIncrementalWithinRetainedMonth(t *testing.T) {
	now := time.Now().UTC()
	full := now.Add(-40 * 24 * time.Hour)
	agedIncr := now.Add(-35 * 24 * time.Hour)

	store := openTestLineage(t)
	require.NoError(t, store.RecordCommit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: full,
		MonthBucket: full.Format("200601"), RemotePath: "/archive/client/full",
	}))
	require.NoError(t, store.RecordCommit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindIncremental, SnapshotTimestamp: agedIncr,
		MonthBucket: agedIncr.Format("200601"), ParentSnapshotTimestamp: &full,
		RemotePath: "/archive/client/agedincr",
	}))

	channel := remote.NewMemChannel()
	reaper := New(&fakeLocalManager{}, store, channel)

	report, err := reaper.RunRemote(t.Context(), "root", Params{MonthsToKeep: 6, DailyIncrementalDays: 30})
	require.NoError(t, err)
	assert.Equal(t, []string{"/archive/client/agedincr"}, report.RemoteDeleted)

	all, err := store.ListCommitted("root")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, lineage.KindFull, all[0].Kind)
}
