package restore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkvolt/arkvolt/internal/btrfs"
	"github.com/arkvolt/arkvolt/internal/lineage"
	"github.com/arkvolt/arkvolt/internal/pipeline"
	"github.com/arkvolt/arkvolt/internal/remote"
	"github.com/arkvolt/arkvolt/internal/streamcrypt"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	return bytes.Repeat([]byte{0x7a}, streamcrypt.KeySize)
}

func openTestStore(t *testing.T) *lineage.Store {
	t.Helper()
	s, err := lineage.Open(filepath.Join(t.TempDir(), "lineage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestResolveChainWalksBackToFull(t *testing.T) {
	store := openTestStore(t)
	full := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	inc1 := time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)
	inc2 := time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordCommit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: full, RemotePath: "full",
	}))
	require.NoError(t, store.RecordCommit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindIncremental, SnapshotTimestamp: inc1,
		ParentSnapshotTimestamp: &full, RemotePath: "inc1",
	}))
	require.NoError(t, store.RecordCommit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindIncremental, SnapshotTimestamp: inc2,
		ParentSnapshotTimestamp: &inc1, RemotePath: "inc2",
	}))

	chain, err := ResolveChain(store, "root", inc2)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "full", chain[0].RemotePath)
	assert.Equal(t, "inc1", chain[1].RemotePath)
	assert.Equal(t, "inc2", chain[2].RemotePath)
}

func TestResolveChainFailsClosedOnMissingLink(t *testing.T) {
	store := openTestStore(t)
	full := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	inc1 := time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordCommit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: full, RemotePath: "full",
	}))
	require.NoError(t, store.RecordCommit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindIncremental, SnapshotTimestamp: inc1,
		ParentSnapshotTimestamp: &full, RemotePath: "inc1",
	}))
	require.NoError(t, store.DeleteRecord("root", full))

	_, err := ResolveChain(store, "root", inc1)
	require.Error(t, err)
	var chainErr *ErrChainBroken
	assert.ErrorAs(t, err, &chainErr)
}

// fakeSnapshotSource hands back the registered plaintext for a timestamp,
// standing in for a real btrfs send stream the way pipeline's own tests do.
type fakeSnapshotSource struct {
	data map[time.Time][]byte
}

func (f *fakeSnapshotSource) StreamSend(_ context.Context, snap btrfs.Snapshot, _ *btrfs.Snapshot) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data[snap.Timestamp])), nil
}

// fakeReceiver records each applied stream's decoded bytes instead of
// shelling out to `btrfs receive`.
type fakeReceiver struct {
	applied [][]byte
}

func (f *fakeReceiver) StreamReceive(_ context.Context, targetDir string, r io.Reader) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.applied = append(f.applied, buf)
	return nil
}

func TestRunnerRestoreAppliesFullAndIncrementalInOrder(t *testing.T) {
	fullTS := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	incTS := time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)
	fullPayload := bytes.Repeat([]byte("full-send-stream-"), 5000)
	incPayload := bytes.Repeat([]byte("incremental-send-stream-"), 5000)

	channel := remote.NewMemChannel()
	store := openTestStore(t)
	layout := remote.Layout{BasePath: "/archive", ClientID: "client-a"}
	key := testKey(t)

	source := &fakeSnapshotSource{data: map[time.Time][]byte{fullTS: fullPayload, incTS: incPayload}}
	runner := pipeline.NewRunner(source, channel, store, layout, nil)

	fullArchive, err := runner.Run(t.Context(), pipeline.Request{
		ClientID: "client-a", Subvolume: "root", Mode: lineage.KindFull,
		Snapshot:     btrfs.Snapshot{Subvolume: "root", Timestamp: fullTS},
		CompressAlgo: streamcrypt.AlgoZstd, CompressLevel: 1, Key: key,
	})
	require.NoError(t, err)

	incArchive, err := runner.Run(t.Context(), pipeline.Request{
		ClientID: "client-a", Subvolume: "root", Mode: lineage.KindIncremental,
		Snapshot:      btrfs.Snapshot{Subvolume: "root", Timestamp: incTS},
		Parent:        &btrfs.Snapshot{Subvolume: "root", Timestamp: fullTS},
		ParentArchive: &fullArchive,
		CompressAlgo:  streamcrypt.AlgoZstd, CompressLevel: 1, Key: key,
	})
	require.NoError(t, err)

	receiver := &fakeReceiver{}
	restoreRunner := NewRunner(channel, receiver, key)
	targetDir := filepath.Join(t.TempDir(), "restore-target")
	err = restoreRunner.Restore(t.Context(), store, "root", incArchive.SnapshotTimestamp, targetDir)
	require.NoError(t, err)

	require.Len(t, receiver.applied, 2)
	assert.Equal(t, fullPayload, receiver.applied[0])
	assert.Equal(t, incPayload, receiver.applied[1])
}

func TestRunnerRestoreFailsClosedOnDigestMismatch(t *testing.T) {
	fullTS := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	channel := remote.NewMemChannel()
	store := openTestStore(t)
	key := testKey(t)

	require.NoError(t, store.RecordCommit(lineage.ArchiveObject{
		Subvolume: "root", Kind: lineage.KindFull, SnapshotTimestamp: fullTS,
		RemotePath: "/archive/client-a/202607/full/root.zst.ark", Digest: "deadbeef",
	}))
	_, _, err := channel.WriteStream(t.Context(), "/archive/client-a/202607/full/root.zst.ark",
		bytes.NewReader([]byte("not the right bytes")))
	require.NoError(t, err)

	receiver := &fakeReceiver{}
	restoreRunner := NewRunner(channel, receiver, key)
	err = restoreRunner.Restore(t.Context(), store, "root", fullTS, t.TempDir())
	require.Error(t, err)
	var mismatch *ErrDigestMismatch
	assert.ErrorAs(t, err, &mismatch)
	assert.Empty(t, receiver.applied)
}
