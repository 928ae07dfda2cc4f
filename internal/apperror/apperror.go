// Package apperror defines the error taxonomy used across the backup
// orchestration engine. Kinds are distinguished by type, not string
// matching, so callers use errors.As.
package apperror

import "fmt"

// Precondition errors are surfaced synchronously from StartBackup; the Run
// never enters Running. Examples: missing keyfile, unreachable remote,
// absent source path.
type Precondition struct {
	Op  string
	Err error
}

func (e *Precondition) Error() string { return fmt.Sprintf("precondition: %s: %v", e.Op, e.Err) }
func (e *Precondition) Unwrap() error { return e.Err }

// TransientIO marks an I/O failure on the stream or the remote link. The
// Pipeline Runner returns it for failures in the middle of a stream, which
// are not retried; the Remote Channel's small bounded retry runs only
// before any byte has been committed to a .part file.
type TransientIO struct {
	Op  string
	Err error
}

func (e *TransientIO) Error() string { return fmt.Sprintf("transient i/o: %s: %v", e.Op, e.Err) }
func (e *TransientIO) Unwrap() error { return e.Err }

// LineageViolation marks an attempted commit that would break one of the
// invariants in spec.md §3.
type LineageViolation struct {
	Reason string
}

func (e *LineageViolation) Error() string { return "lineage violation: " + e.Reason }

// Conflict marks a remote path that already existed at allocation time.
type Conflict struct {
	RemotePath string
}

func (e *Conflict) Error() string { return "conflict: remote path already exists: " + e.RemotePath }

// Cancelled marks cooperative cancellation. Not surfaced as an operator
// error; the Run terminates in the Cancelled state.
type Cancelled struct {
	Stage string
}

func (e *Cancelled) Error() string { return "cancelled during stage " + e.Stage }

// Fatal marks corruption or resource exhaustion from which the Run cannot
// recover but the process continues serving status.
type Fatal struct {
	Op  string
	Err error
}

func (e *Fatal) Error() string { return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err) }
func (e *Fatal) Unwrap() error { return e.Err }

// MissingParent is the defence-in-depth check in the Pipeline Runner: mode
// is incremental but no parent was supplied. Policy Engine is expected to
// have already upgraded such runs to full.
type MissingParent struct {
	Subvolume string
}

func (e *MissingParent) Error() string {
	return "incremental run for " + e.Subvolume + " requested without a parent"
}

// NewConflict is returned by the Pipeline Runner when the remote path
// already exists at allocation time.
func NewConflict(remotePath string) error { return &Conflict{RemotePath: remotePath} }
