package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkvolt/arkvolt/internal/lineage"
)

type fakeQuerier struct {
	latestFull      *lineage.ArchiveObject
	parentCandidate *lineage.ArchiveObject
	chainLength     int
}

func (f *fakeQuerier) LatestFull(string) (*lineage.ArchiveObject, error) { return f.latestFull, nil }
func (f *fakeQuerier) FindParentCandidate(_, mode string) (*lineage.ArchiveObject, error) {
	if mode == "full" {
		return nil, nil
	}
	return f.parentCandidate, nil
}
func (f *fakeQuerier) ChainLength(string) (int, error) { return f.chainLength, nil }

func withFixedNow(t *testing.T, when time.Time) {
	t.Helper()
	old := nowLocal
	nowLocal = func() time.Time { return when }
	t.Cleanup(func() { nowLocal = old })
}

func TestDecideFirstEverRunForcesFull(t *testing.T) {
	withFixedNow(t, time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC))
	e := New(&fakeQuerier{})
	d, err := e.Decide(t.Context(), "root", false, Params{}, nil)
	require.NoError(t, err)
	assert.Equal(t, lineage.KindFull, d.Mode)
}

func TestDecideForceFullOverridesEverything(t *testing.T) {
	withFixedNow(t, time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC))
	parentTS := time.Now().Add(-time.Hour)
	q := &fakeQuerier{
		latestFull:      &lineage.ArchiveObject{Kind: lineage.KindFull, SnapshotTimestamp: parentTS},
		parentCandidate: &lineage.ArchiveObject{Kind: lineage.KindFull, SnapshotTimestamp: parentTS},
	}
	e := New(q)
	d, err := e.Decide(t.Context(), "root", true, Params{FullIntervalDays: 30, DailyIncrementalDays: 30}, nil)
	require.NoError(t, err)
	assert.Equal(t, lineage.KindFull, d.Mode)
}

func TestDecideFirstOfMonthForcesFull(t *testing.T) {
	withFixedNow(t, time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	q := &fakeQuerier{
		latestFull:      &lineage.ArchiveObject{Kind: lineage.KindFull, SnapshotTimestamp: time.Now().Add(-time.Hour)},
		parentCandidate: &lineage.ArchiveObject{Kind: lineage.KindFull, SnapshotTimestamp: time.Now().Add(-time.Hour)},
	}
	e := New(q)
	d, err := e.Decide(t.Context(), "root", false, Params{FullIntervalDays: 30, DailyIncrementalDays: 30}, nil)
	require.NoError(t, err)
	assert.Equal(t, lineage.KindFull, d.Mode)
}

func TestDecideNormalIncremental(t *testing.T) {
	withFixedNow(t, time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC))
	parentTS := time.Now().Add(-24 * time.Hour)
	q := &fakeQuerier{
		latestFull:      &lineage.ArchiveObject{Kind: lineage.KindFull, SnapshotTimestamp: parentTS},
		parentCandidate: &lineage.ArchiveObject{Kind: lineage.KindFull, SnapshotTimestamp: parentTS},
	}
	e := New(q)
	d, err := e.Decide(t.Context(), "root", false, Params{FullIntervalDays: 30, DailyIncrementalDays: 30},
		func(string, time.Time) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, lineage.KindIncremental, d.Mode)
	require.NotNil(t, d.Parent)
}

func TestDecideUpgradesWhenFullIntervalExceeded(t *testing.T) {
	withFixedNow(t, time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC))
	oldFull := time.Now().Add(-40 * 24 * time.Hour)
	q := &fakeQuerier{
		latestFull:      &lineage.ArchiveObject{Kind: lineage.KindFull, SnapshotTimestamp: oldFull},
		parentCandidate: &lineage.ArchiveObject{Kind: lineage.KindFull, SnapshotTimestamp: oldFull},
	}
	e := New(q)
	d, err := e.Decide(t.Context(), "root", false, Params{FullIntervalDays: 30}, nil)
	require.NoError(t, err)
	assert.Equal(t, lineage.KindFull, d.Mode)
}

func TestDecideUpgradesWhenChainTooLong(t *testing.T) {
	withFixedNow(t, time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC))
	parentTS := time.Now().Add(-24 * time.Hour)
	q := &fakeQuerier{
		latestFull:      &lineage.ArchiveObject{Kind: lineage.KindFull, SnapshotTimestamp: parentTS},
		parentCandidate: &lineage.ArchiveObject{Kind: lineage.KindFull, SnapshotTimestamp: parentTS},
		chainLength:     30,
	}
	e := New(q)
	d, err := e.Decide(t.Context(), "root", false, Params{DailyIncrementalDays: 30}, nil)
	require.NoError(t, err)
	assert.Equal(t, lineage.KindFull, d.Mode)
}

func TestDecideDowngradesWhenParentSnapshotMissingLocally(t *testing.T) {
	withFixedNow(t, time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC))
	parentTS := time.Now().Add(-24 * time.Hour)
	q := &fakeQuerier{
		latestFull:      &lineage.ArchiveObject{Kind: lineage.KindFull, SnapshotTimestamp: parentTS},
		parentCandidate: &lineage.ArchiveObject{Kind: lineage.KindFull, SnapshotTimestamp: parentTS},
	}
	e := New(q)
	d, err := e.Decide(t.Context(), "home", false, Params{FullIntervalDays: 30, DailyIncrementalDays: 30},
		func(string, time.Time) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, lineage.KindFull, d.Mode)
	assert.NotEmpty(t, d.Advisory)
}
