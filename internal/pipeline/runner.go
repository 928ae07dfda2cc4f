// Package pipeline wires the four-stage streaming pipeline - subvolume
// snapshot stream, compression, symmetric encryption, remote write - as
// one failure-atomic unit with progress reporting.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arkvolt/arkvolt/internal/apperror"
	"github.com/arkvolt/arkvolt/internal/btrfs"
	"github.com/arkvolt/arkvolt/internal/envconst"
	"github.com/arkvolt/arkvolt/internal/lineage"
	"github.com/arkvolt/arkvolt/internal/logging"
	"github.com/arkvolt/arkvolt/internal/remote"
	"github.com/arkvolt/arkvolt/internal/streamcrypt"
)

// SnapshotSource produces the canonical send stream for a snapshot,
// optionally relative to a parent. *btrfs.Manager satisfies this; tests
// substitute a deterministic in-memory fake for round-trip coverage.
type SnapshotSource interface {
	StreamSend(ctx context.Context, snap btrfs.Snapshot, parent *btrfs.Snapshot) (io.ReadCloser, error)
}

// Committer is the narrow Lineage Store capability the runner needs.
type Committer interface {
	RecordCommit(a lineage.ArchiveObject) error
}

// StageMetrics is the narrow metrics.Registry capability the runner uses to
// record per-stage timing. A nil StageMetrics (the default) disables
// recording.
type StageMetrics interface {
	ObserveStageSeconds(stage string, seconds float64)
}

// Request describes one (subvolume, mode, parent?) triple to archive.
type Request struct {
	ClientID      string
	Subvolume     string
	Mode          lineage.ArchiveKind
	Snapshot      btrfs.Snapshot
	Parent        *btrfs.Snapshot        // local parent snapshot, required iff Mode == incremental
	ParentArchive *lineage.ArchiveObject // the committed archive Parent corresponds to

	CompressAlgo  streamcrypt.Algo
	CompressLevel int
	Key           []byte // streamcrypt.KeySize bytes
}

// Runner drives one Request through the pipeline.
type Runner struct {
	source     SnapshotSource
	channel    remote.Channel
	store      Committer
	layout     remote.Layout
	pool       *Pool
	onProgress func(Sample)
	metrics    StageMetrics
}

// SetMetrics wires m into the Runner; passing nil disables stage-timing
// metrics recording (the default).
func (r *Runner) SetMetrics(m StageMetrics) { r.metrics = m }

// NumChunks bounds how many ChunkSize buffers may be in flight on each
// inter-stage pipe at once. Overridable for operators tuning memory vs.
// throughput on a constrained host without a config edit.
var NumChunks = envconst.Int("ARKVOLT_PIPELINE_NUM_CHUNKS", 8)

func NewRunner(source SnapshotSource, channel remote.Channel, store Committer,
	layout remote.Layout, onProgress func(Sample),
) *Runner {
	return &Runner{
		source:     source,
		channel:    channel,
		store:      store,
		layout:     layout,
		pool:       NewPool(),
		onProgress: onProgress,
	}
}

// cryptExt is the filename extension recorded for the encryption stage.
const cryptExt = "ark"

// Run executes the full pipeline for req and, on success, commits the
// resulting ArchiveObject to the Lineage Store - the linearization point
// at which the archive becomes visible.
func (r *Runner) Run(ctx context.Context, req Request) (lineage.ArchiveObject, error) {
	log := logging.GetLogger(ctx, logging.SubsysPipeline).With(
		"subvolume", req.Subvolume, "mode", req.Mode)

	if req.Mode == lineage.KindIncremental && req.Parent == nil {
		return lineage.ArchiveObject{}, &apperror.MissingParent{Subvolume: req.Subvolume}
	}

	ext := req.CompressAlgo.Ext() + "." + cryptExt
	var parentTS *time.Time
	if req.ParentArchive != nil {
		t := req.ParentArchive.SnapshotTimestamp
		parentTS = &t
	}
	remotePath := r.layout.ArchivePath(req.Subvolume, req.Mode, req.Snapshot.Timestamp, parentTS, ext)

	if conflict, err := r.pathExists(ctx, remotePath); err != nil {
		return lineage.ArchiveObject{}, fmt.Errorf("check remote conflict: %w", err)
	} else if conflict {
		return lineage.ArchiveObject{}, apperror.NewConflict(remotePath)
	}

	if err := r.channel.EnsureDir(ctx, path.Dir(remotePath)); err != nil {
		return lineage.ArchiveObject{}, fmt.Errorf("ensure remote dir: %w", err)
	}

	log.Info("starting pipeline", "remote_path", remotePath)

	bytesWritten, digest, err := r.stream(ctx, req, remotePath)
	if err != nil {
		log.Warn("pipeline failed, cleaning up", "err", err.Error())
		return lineage.ArchiveObject{}, err
	}

	ok, err := r.channel.VerifyObject(ctx, remotePath, bytesWritten)
	if err != nil {
		return lineage.ArchiveObject{}, fmt.Errorf("verify committed object: %w", err)
	}
	if !ok {
		_ = r.channel.Delete(ctx, remotePath)
		return lineage.ArchiveObject{}, fmt.Errorf("verify_object failed for %s after write", remotePath)
	}

	archive := lineage.ArchiveObject{
		ClientID:                req.ClientID,
		Subvolume:               req.Subvolume,
		MonthBucket:             req.Snapshot.Timestamp.UTC().Format("200601"),
		Kind:                    req.Mode,
		SnapshotTimestamp:       req.Snapshot.Timestamp,
		ParentSnapshotTimestamp: parentTS,
		RemotePath:              remotePath,
		BytesWritten:            bytesWritten,
		Digest:                  digest,
		CompressAlgo:            string(req.CompressAlgo),
	}
	if err := r.store.RecordCommit(archive); err != nil {
		// The remote object is correct and verified, but lineage refused the
		// row (e.g. a racing run committed the same key first). Clean up our
		// copy: it must never be mistaken for the authoritative one.
		_ = r.channel.Delete(ctx, remotePath)
		return lineage.ArchiveObject{}, fmt.Errorf("record commit: %w", err)
	}
	log.Info("committed", "remote_path", remotePath, "bytes", bytesWritten, "digest", digest)
	return archive, nil
}

func (r *Runner) pathExists(ctx context.Context, remotePath string) (bool, error) {
	entries, err := r.channel.List(ctx, path.Dir(remotePath))
	if err != nil {
		return false, err
	}
	base := path.Base(remotePath)
	for _, e := range entries {
		if e.Name == base {
			return true, nil
		}
	}
	return false, nil
}

// stream runs the snapshot -> compress -> encrypt -> remote-write chain
// concurrently, propagating the first fatal error from any stage and
// cancelling the others. On any failure the partially written .part file
// is removed by the Remote Channel itself (WriteStream's contract); stream
// additionally guarantees no Lineage Store row is ever written for a
// failed attempt, by simply not calling RecordCommit.
func (r *Runner) stream(ctx context.Context, req Request, remotePath string) (bytesWritten int64, digest string, err error) {
	sendStream, err := r.source.StreamSend(ctx, req.Snapshot, req.Parent)
	if err != nil {
		return 0, "", fmt.Errorf("open send stream: %w", err)
	}
	defer sendStream.Close()

	g, gctx := errgroup.WithContext(ctx)
	pipe := newChunkPipe(gctx, r.pool, NumChunks)

	bytesIn := newCountingReader(sendStream)
	bytesOut := newCountingReader(pipe.Reader())

	var reporter *Reporter
	if r.onProgress != nil {
		reporter = NewReporter(bytesIn, bytesOut, r.onProgress)
		go reporter.Run()
		defer reporter.Stop()
	}

	g.Go(func() error {
		stageStart := time.Now()
		if reporter != nil {
			reporter.SetStage(StageCompress)
		}
		enc, encErr := streamcrypt.EncryptWriter(pipe, req.Key)
		if encErr != nil {
			return fmt.Errorf("init encryptor: %w", encErr)
		}
		comp, compErr := streamcrypt.CompressWriter(enc, req.CompressAlgo, req.CompressLevel)
		if compErr != nil {
			return fmt.Errorf("init compressor: %w", compErr)
		}
		_, copyErr := io.Copy(comp, bytesIn)
		closeCompErr := comp.Close()
		closeEncErr := enc.Close()
		if r.metrics != nil {
			r.metrics.ObserveStageSeconds(string(StageCompress), time.Since(stageStart).Seconds())
		}
		cause := firstNonNil(copyErr, closeCompErr, closeEncErr)
		return pipe.CloseWrite(cause)
	})

	var writeN int64
	var writeDigest string
	g.Go(func() error {
		stageStart := time.Now()
		if reporter != nil {
			reporter.SetStage(StageRemoteWrite)
		}
		n, dg, werr := r.channel.WriteStream(gctx, remotePath, bytesOut)
		writeN, writeDigest = n, dg
		if r.metrics != nil {
			r.metrics.ObserveStageSeconds(string(StageRemoteWrite), time.Since(stageStart).Seconds())
		}
		return werr
	})

	if err := g.Wait(); err != nil {
		return 0, "", classifyStreamError(err)
	}
	return writeN, writeDigest, nil
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// classifyStreamError maps a raw stage error onto the error taxonomy: once
// WriteStream has been invoked, any failure is fatal to that archive - no
// mid-stream resume, no retry.
func classifyStreamError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "context canceled") {
		return &apperror.Cancelled{Stage: "pipeline"}
	}
	return &apperror.TransientIO{Op: "pipeline stream", Err: err}
}
