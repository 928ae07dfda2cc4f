package lineage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/arkvolt/arkvolt/internal/apperror"
)

var (
	bucketArchives = []byte("snapshots_sent")
	bucketRuns     = []byte("runs")
)

// Store is a small transactional store with two logical tables -
// snapshots_sent and runs - backed by a single bbolt file (spec.md §4.1,
// §9 "Lineage Store choice"). All writes are durable on return: bbolt
// fsyncs on every Update transaction by default.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the lineage database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open lineage store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketArchives); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init lineage store buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func archiveKey(subvolume string, ts time.Time) []byte {
	return []byte(subvolume + "\x00" + ts.UTC().Format(time.RFC3339Nano))
}

func archiveKeyPrefix(subvolume string) []byte {
	return []byte(subvolume + "\x00")
}

// RecordCommit atomically persists a committed ArchiveObject. It rejects
// duplicates by (subvolume, snapshot_timestamp) and rejects incrementals
// whose parent is not already committed (invariant 1, spec.md §3).
func (s *Store) RecordCommit(a ArchiveObject) error {
	a.Status = StatusCommitted
	if a.CommittedAt.IsZero() {
		a.CommittedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketArchives)
		key := archiveKey(a.Subvolume, a.SnapshotTimestamp)
		if b.Get(key) != nil {
			return &apperror.LineageViolation{
				Reason: fmt.Sprintf("duplicate commit for %s@%s", a.Subvolume, a.SnapshotTimestamp),
			}
		}
		if a.Kind == KindIncremental {
			if a.ParentSnapshotTimestamp == nil {
				return &apperror.LineageViolation{Reason: "incremental commit missing parent timestamp"}
			}
			parentKey := archiveKey(a.Subvolume, *a.ParentSnapshotTimestamp)
			parentRaw := b.Get(parentKey)
			if parentRaw == nil {
				return &apperror.LineageViolation{
					Reason: fmt.Sprintf("parent %s@%s is not committed", a.Subvolume, *a.ParentSnapshotTimestamp),
				}
			}
			var parent ArchiveObject
			if err := json.Unmarshal(parentRaw, &parent); err != nil {
				return fmt.Errorf("decode parent record: %w", err)
			}
			if parent.Status != StatusCommitted {
				return &apperror.LineageViolation{Reason: "parent record is not in committed status"}
			}
		}
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode archive record: %w", err)
		}
		return b.Put(key, raw)
	})
}

// Get returns the committed archive for (subvolume, ts), or nil if no such
// archive is committed - used by the restore chain walker to resolve each
// parent link one hop at a time.
func (s *Store) Get(subvolume string, ts time.Time) (*ArchiveObject, error) {
	var out *ArchiveObject
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketArchives).Get(archiveKey(subvolume, ts))
		if raw == nil {
			return nil
		}
		var a ArchiveObject
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("decode archive record: %w", err)
		}
		out = &a
		return nil
	})
	return out, err
}

// LatestCommitted returns the most recently committed archive for
// subvolume, or nil if none exists.
func (s *Store) LatestCommitted(subvolume string) (*ArchiveObject, error) {
	var latest *ArchiveObject
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketArchives).Cursor()
		prefix := archiveKeyPrefix(subvolume)
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var a ArchiveObject
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode archive record: %w", err)
			}
			if latest == nil || a.SnapshotTimestamp.After(latest.SnapshotTimestamp) {
				aCopy := a
				latest = &aCopy
			}
		}
		return nil
	})
	return latest, err
}

// FindParentCandidate returns the most recent committed archive of any
// kind for subvolume when mode is "incremental". Returns nil for "full"
// (invariant 3: an in_progress record is never a candidate, enforced by
// RecordCommit never persisting non-committed rows).
func (s *Store) FindParentCandidate(subvolume, mode string) (*ArchiveObject, error) {
	if mode == "full" {
		return nil, nil
	}
	return s.LatestCommitted(subvolume)
}

// LatestFull returns the most recently committed full archive for
// subvolume, or nil if none exists.
func (s *Store) LatestFull(subvolume string) (*ArchiveObject, error) {
	all, err := s.ListCommitted(subvolume)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Kind == KindFull {
			return &all[i], nil
		}
	}
	return nil, nil
}

// ChainLength returns the number of committed incrementals since the most
// recent full for subvolume (0 if there is no full yet, in which case the
// caller should force a full anyway).
func (s *Store) ChainLength(subvolume string) (int, error) {
	all, err := s.ListCommitted(subvolume) // newest first
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range all {
		if a.Kind == KindFull {
			break
		}
		n++
	}
	return n, nil
}

// ListCommitted returns every committed archive for subvolume, newest
// first. Used by the Retention Reaper to walk lineage.
func (s *Store) ListCommitted(subvolume string) ([]ArchiveObject, error) {
	var out []ArchiveObject
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketArchives).Cursor()
		prefix := archiveKeyPrefix(subvolume)
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var a ArchiveObject
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode archive record: %w", err)
			}
			out = append(out, a)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].SnapshotTimestamp.After(out[j].SnapshotTimestamp)
	})
	return out, err
}

// ListAllCommitted returns every committed archive across every subvolume,
// newest first. Used by the control API's BrowseArchives to group entries
// by month bucket without needing a separate subvolume registry.
func (s *Store) ListAllCommitted() ([]ArchiveObject, error) {
	var out []ArchiveObject
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArchives).ForEach(func(_, v []byte) error {
			var a ArchiveObject
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode archive record: %w", err)
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SnapshotTimestamp.After(out[j].SnapshotTimestamp) })
	return out, nil
}

// IsParentOfCommitted reports whether (subvolume, ts) is named as the
// parent of any currently committed incremental - the query behind
// invariant 4 and the Retention Reaper's "skip if it would break lineage"
// rule.
func (s *Store) IsParentOfCommitted(subvolume string, ts time.Time) (bool, error) {
	all, err := s.ListCommitted(subvolume)
	if err != nil {
		return false, err
	}
	for _, a := range all {
		if a.HasParent() && a.ParentSnapshotTimestamp.Equal(ts) {
			return true, nil
		}
	}
	return false, nil
}

// DeleteRecord removes the committed row for (subvolume, ts). Used by the
// Retention Reaper after verifying the deletion would not break invariant
// 1.
func (s *Store) DeleteRecord(subvolume string, ts time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArchives).Delete(archiveKey(subvolume, ts))
	})
}

// MarkRun upserts a Run's terminal outcome and error message.
func (s *Store) MarkRun(run Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(run.RunID), raw)
	})
}

// ListRuns returns up to limit Run records matching filter, most recent
// first, skipping the first offset matches.
func (s *Store) ListRuns(limit, offset int, filter RunFilter) ([]Run, error) {
	var all []Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var r Run
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode run record: %w", err)
			}
			if filter.Outcome == "" || r.Outcome == filter.Outcome {
				all = append(all, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

var ErrNotFound = errors.New("lineage: record not found")
