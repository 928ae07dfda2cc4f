package btrfs

import (
	"fmt"
	"regexp"
	"time"
)

// Subvolume is a named filesystem subtree selected for backup.
type Subvolume struct {
	Name       string `yaml:"name" validate:"required"`
	SourcePath string `yaml:"source_path" validate:"required"`
}

// nameRE matches the entity-naming rules applied to subvolume names and the
// snapshot basenames derived from them: no path separators, no leading dot,
// restricted to a conservative charset so derived remote paths never need
// escaping.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Namecheck rejects subvolume/snapshot names that would produce unsafe
// local or remote paths.
func Namecheck(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if !nameRE.MatchString(name) {
		return fmt.Errorf("name %q contains characters not allowed in a subvolume name", name)
	}
	return nil
}

// Snapshot is a read-only, point-in-time view of a Subvolume.
type Snapshot struct {
	Subvolume string
	Timestamp time.Time // UTC, second precision
	LocalPath string
	TakenAt   time.Time
}

// Name returns the on-disk basename of the snapshot, matching the
// <subvolume>-<YYYYMMDD-HHMMSS> convention from spec.md §4.2.
func (s Snapshot) Name() string {
	return fmt.Sprintf("%s-%s", s.Subvolume, s.Timestamp.Format(tsLayout))
}

const tsLayout = "20060102-150405"

// ParseSnapshotName recovers subvolume and timestamp from a basename
// produced by Name, used when enumerating the snapshot directory.
func ParseSnapshotName(basename string) (subvol string, ts time.Time, err error) {
	idx := lastDash(basename)
	if idx < 0 {
		return "", time.Time{}, fmt.Errorf("snapshot name %q does not match <subvolume>-<timestamp>", basename)
	}
	subvol = basename[:idx]
	tsStr := basename[idx+1:]
	ts, err = time.ParseInLocation(tsLayout, tsStr, time.UTC)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse timestamp in %q: %w", basename, err)
	}
	return subvol, ts, nil
}

// lastDash finds the separator between subvolume name and the 15-char
// dense timestamp suffix (YYYYMMDD-HHMMSS), tolerating dashes inside the
// subvolume name itself.
func lastDash(s string) int {
	const suffixLen = len(tsLayout) // "20060102-150405" has same length as rendered value
	if len(s) <= suffixLen {
		return -1
	}
	idx := len(s) - suffixLen - 1
	if s[idx] != '-' {
		return -1
	}
	return idx
}

// SnapshotCreateError is returned by Manager.CreateSnapshot when the
// snapshot cannot be created: the target path already exists (name
// collision within the same second), the snapshot directory cannot be
// created, or the btrfs snapshot command fails.
type SnapshotCreateError struct {
	Subvolume string
	Path      string
	Err       error
}

func (e *SnapshotCreateError) Error() string {
	return fmt.Sprintf("create snapshot for %q at %q: %v", e.Subvolume, e.Path, e.Err)
}
func (e *SnapshotCreateError) Unwrap() error { return e.Err }

// StreamError wraps a fault in the send stream reader.
type StreamError struct {
	Subvolume string
	Err       error
}

func (e *StreamError) Error() string { return fmt.Sprintf("send stream for %q: %v", e.Subvolume, e.Err) }
func (e *StreamError) Unwrap() error { return e.Err }
