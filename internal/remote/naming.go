// Package remote implements the Remote Channel (spec.md §4.3, component
// C3): an authenticated session to the archival host that streams, lists
// and deletes remote objects under the namespace defined in spec.md §6.
package remote

import (
	"fmt"
	"path"
	"time"

	"github.com/arkvolt/arkvolt/internal/lineage"
)

// Layout builds remote paths under base_path/<client_id>/... exactly as
// specified in spec.md §6.
type Layout struct {
	BasePath string
	ClientID string
}

func (l Layout) clientRoot() string { return path.Join(l.BasePath, l.ClientID) }

// VerificationPath returns the liveness-marker path, rewritten after every
// successful Run.
func (l Layout) VerificationPath() string { return path.Join(l.clientRoot(), ".verification") }

func monthBucket(t time.Time) string { return t.UTC().Format("200601") }

// ArchivePath builds the remote path for a full or incremental archive.
// ext is "<compress-ext>.<crypt-ext>" e.g. "zst.ark".
func (l Layout) ArchivePath(subvolume string, kind lineage.ArchiveKind, snapTS time.Time,
	parentTS *time.Time, ext string,
) string {
	bucket := monthBucket(snapTS)
	basename := fmt.Sprintf("%s_%s", subvolume, snapTS.UTC().Format("20060102-150405"))
	if kind == lineage.KindIncremental && parentTS != nil {
		basename += fmt.Sprintf("__from_%s", parentTS.UTC().Format("20060102-150405"))
	}
	return path.Join(l.clientRoot(), bucket, string(kind), basename+"."+ext)
}

// MonthDir returns the remote directory holding all archives for bucket
// (YYYYMM), used by the Retention Reaper to delete an entire aged-out
// month at once.
func (l Layout) MonthDir(bucket string) string {
	return path.Join(l.clientRoot(), bucket)
}

// KindDir returns the remote directory for a given month bucket and kind.
func (l Layout) KindDir(bucket string, kind lineage.ArchiveKind) string {
	return path.Join(l.clientRoot(), bucket, string(kind))
}
