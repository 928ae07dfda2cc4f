package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkvolt/arkvolt/internal/apperror"
	"github.com/arkvolt/arkvolt/internal/lineage"
	"github.com/arkvolt/arkvolt/internal/restore"
	"github.com/arkvolt/arkvolt/internal/runctl"
)

type fakeRunner struct {
	startCalls int
	refuse     bool
	status     runctl.Status
	cancelled  string
}

func (f *fakeRunner) Start(_ context.Context, _ string, _ string, _ []runctl.SubvolumeSpec) (string, error) {
	f.startCalls++
	if f.refuse {
		return "", &apperror.Precondition{Op: "start run", Err: assert.AnError}
	}
	return "run-1", nil
}

func (f *fakeRunner) Cancel(runID string) error {
	f.cancelled = runID
	return nil
}

func (f *fakeRunner) Status() runctl.Status { return f.status }

type fakeLister struct {
	runs     []lineage.Run
	archives []lineage.ArchiveObject
}

func (f *fakeLister) ListRuns(limit, offset int, filter lineage.RunFilter) ([]lineage.Run, error) {
	return f.runs, nil
}

func (f *fakeLister) ListAllCommitted() ([]lineage.ArchiveObject, error) {
	return f.archives, nil
}

type fakeRestorer struct {
	called bool
}

func (f *fakeRestorer) Restore(_ context.Context, _ restore.LineageQuerier, _ string, _ time.Time, _ string) error {
	f.called = true
	return nil
}

func newTestServer() (*Server, *fakeRunner, *fakeLister, *fakeRestorer) {
	runner := &fakeRunner{}
	lister := &fakeLister{}
	restorer := &fakeRestorer{}
	buildSpecs := func(forceFull bool, only []string) ([]runctl.SubvolumeSpec, error) {
		return []runctl.SubvolumeSpec{{ForceFull: forceFull}}, nil
	}
	s := New("client-a", runner, lister, nil, restorer, buildSpecs, nil)
	return s, runner, lister, restorer
}

func TestHandleStartBackupReturnsRunDescriptor(t *testing.T) {
	s, runner, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader([]byte(`{"mode":"auto"}`)))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, runner.startCalls)
	var got runDescriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.RunID)
}

func TestHandleStartBackupConflictWhenAlreadyRunning(t *testing.T) {
	s, runner, _, _ := newTestServer()
	runner.refuse = true
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleBackupStatusNullWhenNoRunEver(t *testing.T) {
	s, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/current", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())
}

func TestHandleBrowseArchivesGroupsByMonth(t *testing.T) {
	s, _, lister, _ := newTestServer()
	lister.archives = []lineage.ArchiveObject{
		{Subvolume: "root", MonthBucket: "202607"},
		{Subvolume: "root", MonthBucket: "202606"},
		{Subvolume: "home", MonthBucket: "202607"},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/archives", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.ElementsMatch(t, []string{"202607", "202606"}, body["months"])
}

func TestHandleBrowseArchivesFiltersByMonth(t *testing.T) {
	s, _, lister, _ := newTestServer()
	lister.archives = []lineage.ArchiveObject{
		{Subvolume: "root", MonthBucket: "202607"},
		{Subvolume: "root", MonthBucket: "202606"},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/archives?month=202607", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	var body struct {
		Entries []lineage.ArchiveObject `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "202607", body.Entries[0].MonthBucket)
}

func TestHandleStartRestoreAccepted(t *testing.T) {
	s, _, _, restorer := newTestServer()
	payload := `{"subvolume":"root","snapshot_timestamp":"2026-07-31T12:00:00Z","target_dir":"/mnt/restore"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/restore", bytes.NewReader([]byte(payload)))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return restorer.called }, time.Second, time.Millisecond)
}

func TestHandleCancelBackupRejectsWhenNoActiveRun(t *testing.T) {
	s, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/current/cancel", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
