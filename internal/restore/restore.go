// Package restore implements the inverse of the backup pipeline (spec.md
// §6 StartRestore, §8 "round-trip" property): resolve a committed chain
// back to its full ancestor, fetch each archive, verify its digest,
// decrypt, decompress and apply it with `btrfs receive`.
package restore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/arkvolt/arkvolt/internal/lineage"
	"github.com/arkvolt/arkvolt/internal/logging"
	"github.com/arkvolt/arkvolt/internal/remote"
	"github.com/arkvolt/arkvolt/internal/streamcrypt"
)

// ErrChainBroken is returned when a restore chain cannot be fully resolved
// back to a full archive - some link was removed by retention after being
// committed. Per spec.md §9's open question, arkvolt fails the restore
// outright rather than attempting a partial application.
type ErrChainBroken struct {
	Subvolume string
	MissingAt time.Time
}

func (e *ErrChainBroken) Error() string {
	return fmt.Sprintf("restore chain for %s is broken: no committed archive at parent timestamp %s",
		e.Subvolume, e.MissingAt.Format(time.RFC3339))
}

// ErrDigestMismatch is returned when a fetched archive's recomputed digest
// does not match its committed LineageRecord.digest.
type ErrDigestMismatch struct {
	RemotePath string
	Want, Got  string
}

func (e *ErrDigestMismatch) Error() string {
	return fmt.Sprintf("digest mismatch for %s: want %s got %s", e.RemotePath, e.Want, e.Got)
}

// LineageQuerier is the narrow Lineage Store capability the chain resolver
// needs.
type LineageQuerier interface {
	Get(subvolume string, ts time.Time) (*lineage.ArchiveObject, error)
}

// Receiver is the narrow btrfs capability Runner applies decoded streams
// to. *btrfs.Manager satisfies this.
type Receiver interface {
	StreamReceive(ctx context.Context, targetDir string, r io.Reader) error
}

// ResolveChain walks backward from the archive committed at (subvolume,
// ts), following ParentSnapshotTimestamp links, and returns the chain in
// apply order: the full ancestor first, the requested archive last.
func ResolveChain(q LineageQuerier, subvolume string, ts time.Time) ([]lineage.ArchiveObject, error) {
	var reversed []lineage.ArchiveObject
	cur := ts
	for {
		a, err := q.Get(subvolume, cur)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, &ErrChainBroken{Subvolume: subvolume, MissingAt: cur}
		}
		reversed = append(reversed, *a)
		if a.Kind == lineage.KindFull {
			break
		}
		if !a.HasParent() {
			return nil, &ErrChainBroken{Subvolume: subvolume, MissingAt: cur}
		}
		cur = *a.ParentSnapshotTimestamp
	}
	chain := make([]lineage.ArchiveObject, len(reversed))
	for i, a := range reversed {
		chain[len(reversed)-1-i] = a
	}
	return chain, nil
}

// Runner drives a restore of one resolved chain.
type Runner struct {
	channel  remote.Channel
	receiver Receiver
	key      []byte
}

func NewRunner(channel remote.Channel, receiver Receiver, key []byte) *Runner {
	return &Runner{channel: channel, receiver: receiver, key: key}
}

// Restore resolves and applies the full chain ending at (subvolume, ts)
// into targetDir, in order, failing the whole operation (and applying
// nothing further) the moment any archive's digest fails to verify or any
// stage errors.
func (r *Runner) Restore(ctx context.Context, q LineageQuerier, subvolume string, ts time.Time, targetDir string) error {
	log := logging.GetLogger(ctx, logging.SubsysRestore).With("subvolume", subvolume)

	chain, err := ResolveChain(q, subvolume, ts)
	if err != nil {
		return err
	}
	log.Info("resolved restore chain", "length", len(chain))

	for _, archive := range chain {
		if err := r.applyOne(ctx, archive, targetDir); err != nil {
			return fmt.Errorf("restore %s@%s: %w", subvolume, archive.SnapshotTimestamp, err)
		}
		log.Info("applied archive", "remote_path", archive.RemotePath, "kind", archive.Kind)
	}
	return nil
}

// applyOne fetches archive's encrypted+compressed bytes to a local
// spool file, verifies the digest against the committed record (failing
// closed before anything is applied - spec.md §9 supplement), then
// decrypts, decompresses and receives it.
func (r *Runner) applyOne(ctx context.Context, archive lineage.ArchiveObject, targetDir string) error {
	spool, err := r.spoolToDisk(ctx, archive)
	if err != nil {
		return err
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek spool: %w", err)
	}
	dr, err := streamcrypt.DecryptReader(spool, r.key)
	if err != nil {
		return fmt.Errorf("init decryptor: %w", err)
	}
	defer dr.Close()

	algo := streamcrypt.Algo(archive.CompressAlgo)
	cr, err := streamcrypt.DecompressReader(dr, algo)
	if err != nil {
		return fmt.Errorf("init decompressor: %w", err)
	}
	defer cr.Close()

	return r.receiver.StreamReceive(ctx, targetDir, cr)
}

func (r *Runner) spoolToDisk(ctx context.Context, archive lineage.ArchiveObject) (*os.File, error) {
	fetched, err := r.channel.FetchStream(ctx, archive.RemotePath)
	if err != nil {
		return nil, fmt.Errorf("fetch_stream %s: %w", archive.RemotePath, err)
	}
	defer fetched.Close()

	spool, err := os.CreateTemp("", "arkvolt-restore-*.spool")
	if err != nil {
		return nil, fmt.Errorf("create restore spool file: %w", err)
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(spool, hasher), fetched); err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, fmt.Errorf("fetch %s: %w", archive.RemotePath, err)
	}

	got := hex.EncodeToString(hasher.Sum(nil))
	if got != archive.Digest {
		spool.Close()
		os.Remove(spool.Name())
		return nil, &ErrDigestMismatch{RemotePath: archive.RemotePath, Want: archive.Digest, Got: got}
	}
	return spool, nil
}
