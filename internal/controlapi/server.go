// Package controlapi exposes the control-plane HTTP API (spec.md §6): it
// starts and cancels runs, reports live progress over a websocket, lists
// run history, browses committed archives, and kicks off a restore.
// Routing follows the mux.Router conventions used elsewhere in this
// codebase's HTTP surfaces.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/arkvolt/arkvolt/internal/apperror"
	"github.com/arkvolt/arkvolt/internal/lineage"
	"github.com/arkvolt/arkvolt/internal/logging"
	"github.com/arkvolt/arkvolt/internal/pipeline"
	"github.com/arkvolt/arkvolt/internal/restore"
	"github.com/arkvolt/arkvolt/internal/runctl"
)

// RunStarter is the narrow runctl.Controller capability the server drives a
// backup run through.
type RunStarter interface {
	Start(ctx context.Context, clientID string, mode string, specs []runctl.SubvolumeSpec) (string, error)
	Cancel(runID string) error
	Status() runctl.Status
}

// RunLister is the narrow Lineage Store capability behind ListRuns and
// BrowseArchives.
type RunLister interface {
	ListRuns(limit, offset int, filter lineage.RunFilter) ([]lineage.Run, error)
	ListAllCommitted() ([]lineage.ArchiveObject, error)
}

// Restorer is the narrow restore.Runner capability behind StartRestore.
type Restorer interface {
	Restore(ctx context.Context, q restore.LineageQuerier, subvolume string, ts time.Time, targetDir string) error
}

// SpecBuilder turns a StartBackup request's optional subvolume filter into
// the ordered []runctl.SubvolumeSpec to run, applying each subvolume's
// configured policy parameters. Supplied by the daemon at wiring time so
// this package carries no direct dependency on internal/config.
type SpecBuilder func(forceFull bool, only []string) ([]runctl.SubvolumeSpec, error)

// ProgressRecorder stashes the most recent pipeline.Sample so it can be
// read from a different goroutine than the one producing it. It is
// constructed independently of Server so the Pipeline Runner (built before
// the control API, since the API needs the Run Controller the Runner feeds)
// can be wired to record into it from the start.
type ProgressRecorder struct {
	latest atomic.Value // pipeline.Sample
}

// Observe is suitable for use as the pipeline.Runner's onProgress callback.
func (p *ProgressRecorder) Observe(sample pipeline.Sample) { p.latest.Store(sample) }

func (p *ProgressRecorder) get() (pipeline.Sample, bool) {
	v, ok := p.latest.Load().(pipeline.Sample)
	return v, ok
}

// Server implements spec.md §6's control-plane API.
type Server struct {
	router     *mux.Router
	runner     RunStarter
	store      RunLister
	restorer   Restorer
	lineageQ   restore.LineageQuerier
	buildSpecs SpecBuilder
	clientID   string
	progress   *ProgressRecorder

	upgrader websocket.Upgrader
}

// New constructs a Server. lineageQ resolves restore chains; it is usually
// the same *lineage.Store passed as store. progress may be nil, in which
// case BackupStatus and the progress stream never report a live sample.
func New(clientID string, runner RunStarter, store RunLister, lineageQ restore.LineageQuerier,
	restorer Restorer, buildSpecs SpecBuilder, progress *ProgressRecorder,
) *Server {
	s := &Server{
		clientID:   clientID,
		runner:     runner,
		store:      store,
		lineageQ:   lineageQ,
		restorer:   restorer,
		buildSpecs: buildSpecs,
		progress:   progress,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/api/v1/runs", s.handleStartBackup).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/runs", s.handleListRuns).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/runs/current", s.handleBackupStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/runs/current/cancel", s.handleCancelBackup).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/archives", s.handleBrowseArchives).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/restore", s.handleStartRestore).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/progress", s.handleProgressStream).Methods(http.MethodGet)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var precond *apperror.Precondition
	var conflict *apperror.Conflict
	switch {
	case errors.As(err, &precond):
		status = http.StatusPreconditionFailed
	case errors.As(err, &conflict):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type startBackupRequest struct {
	Mode       string   `json:"mode"`
	ForceFull  bool     `json:"force_full"`
	Subvolumes []string `json:"subvolumes"`
}

type runDescriptor struct {
	RunID string `json:"run_id"`
}

// handleStartBackup implements StartBackup(mode?, force_full?, subvolumes?)
// -> RunDescriptor. A run already in progress surfaces as 409 Conflict
// (spec.md §4: "StartBackup under contention returns exactly one
// RunDescriptor and N-1 AlreadyRunning errors for N concurrent callers").
func (s *Server) handleStartBackup(w http.ResponseWriter, r *http.Request) {
	var req startBackupRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("decode request: %w", err))
			return
		}
	}
	specs, err := s.buildSpecs(req.ForceFull, req.Subvolumes)
	if err != nil {
		writeError(w, err)
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = "auto"
	}
	runID, err := s.runner.Start(r.Context(), s.clientID, mode, specs)
	if err != nil {
		var precond *apperror.Precondition
		if errors.As(err, &precond) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "a run is already active"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runDescriptor{RunID: runID})
}

func (s *Server) handleCancelBackup(w http.ResponseWriter, r *http.Request) {
	status := s.runner.Status()
	if status.RunID == "" {
		writeError(w, fmt.Errorf("no run has ever been started"))
		return
	}
	if err := s.runner.Cancel(status.RunID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// progressSample is what BackupStatus and the websocket stream serialize:
// the controller's Status plus the most recent pipeline.Sample, if any.
type progressSample struct {
	runctl.Status
	Stage      pipeline.Stage `json:"stage,omitempty"`
	BytesIn    int64          `json:"bytes_in,omitempty"`
	BytesOut   int64          `json:"bytes_out,omitempty"`
	SinceStart time.Duration  `json:"since_start,omitempty"`
}

func (s *Server) snapshot() progressSample {
	out := progressSample{Status: s.runner.Status()}
	if s.progress != nil {
		if v, ok := s.progress.get(); ok {
			out.Stage = v.Stage
			out.BytesIn = v.BytesIn
			out.BytesOut = v.BytesOut
			out.SinceStart = v.SinceStart
		}
	}
	return out
}

// handleBackupStatus implements BackupStatus() -> ProgressSample?.
func (s *Server) handleBackupStatus(w http.ResponseWriter, r *http.Request) {
	status := s.runner.Status()
	if status.RunID == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

// handleListRuns implements ListRuns(limit, offset, status?) -> [Run].
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), 50)
	offset := parseIntDefault(q.Get("offset"), 0)
	filter := lineage.RunFilter{Outcome: lineage.RunOutcome(q.Get("status"))}
	runs, err := s.store.ListRuns(limit, offset, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}

// handleBrowseArchives implements BrowseArchives(month?) ->
// {months?, entries?}: with no month filter it returns the distinct set of
// month buckets that have at least one committed archive; with a month
// filter it returns that month's entries.
func (s *Server) handleBrowseArchives(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.ListAllCommitted()
	if err != nil {
		writeError(w, err)
		return
	}
	month := r.URL.Query().Get("month")
	if month == "" {
		seen := map[string]bool{}
		var months []string
		for _, a := range all {
			if !seen[a.MonthBucket] {
				seen[a.MonthBucket] = true
				months = append(months, a.MonthBucket)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"months": months})
		return
	}
	var entries []lineage.ArchiveObject
	for _, a := range all {
		if a.MonthBucket == month {
			entries = append(entries, a)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type startRestoreRequest struct {
	Subvolume         string `json:"subvolume"`
	SnapshotTimestamp string `json:"snapshot_timestamp"`
	TargetDir         string `json:"target_dir"`
}

type restoreDescriptor struct {
	Accepted bool `json:"accepted"`
}

// handleStartRestore implements StartRestore(archive_selector, target) ->
// RestoreDescriptor. The restore itself runs in the background; failures
// (including a broken chain or digest mismatch) are only visible in the
// daemon log, matching the spec's note that restore's UI plumbing is out
// of scope.
func (s *Server) handleStartRestore(w http.ResponseWriter, r *http.Request) {
	var req startRestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode request: %w", err))
		return
	}
	ts, err := time.Parse(time.RFC3339, req.SnapshotTimestamp)
	if err != nil {
		writeError(w, fmt.Errorf("parse snapshot_timestamp: %w", err))
		return
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		log := logging.GetLogger(ctx, logging.SubsysControl)
		if err := s.restorer.Restore(ctx, s.lineageQ, req.Subvolume, ts, req.TargetDir); err != nil {
			log.Error("restore failed", "subvolume", req.Subvolume, "err", err.Error())
		}
	}()
	writeJSON(w, http.StatusAccepted, restoreDescriptor{Accepted: true})
}

// handleProgressStream upgrades to a websocket and pushes the current
// progressSample roughly four times a second, matching the Pipeline
// Reporter's own sampling rate.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := logging.GetLogger(r.Context(), logging.SubsysControl)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.snapshot()); err != nil {
				log.Debug("progress stream write failed, closing", "err", err.Error())
				return
			}
		}
	}
}
