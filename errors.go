package mirrorsync

import "fmt"

// Outcome is the result of one Master.SyncMirrors round.
type Outcome int

const (
	// OutcomeAlreadySynced means every candidate mirror denied the
	// round: no backing-queue work was done.
	OutcomeAlreadySynced Outcome = iota
	// OutcomeOK means the round completed and surviving mirrors now
	// carry an up to date ack-map.
	OutcomeOK
	// OutcomeSyncDied means the syncer crashed mid-round.
	OutcomeSyncDied
	// OutcomeShutdown means the surrounding queue process is tearing
	// down.
	OutcomeShutdown
	// OutcomeCancelled means an external caller cancelled the round.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAlreadySynced:
		return "already_synced"
	case OutcomeOK:
		return "ok"
	case OutcomeSyncDied:
		return "sync_died"
	case OutcomeShutdown:
		return "shutdown"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// SyncDiedError reports that the syncer exited abnormally mid-round.
// The caller may retry the whole round with a fresh Ref.
type SyncDiedError struct{ Reason error }

func (e *SyncDiedError) Error() string      { return fmt.Sprintf("sync_died: %v", e.Reason) }
func (e *SyncDiedError) Unwrap() error      { return e.Reason }
func (e *SyncDiedError) Outcome() Outcome   { return OutcomeSyncDied }

// ShutdownError reports that the surrounding queue process asked the
// round to stop because it is itself shutting down. Not retryable.
type ShutdownError struct{ Reason error }

func (e *ShutdownError) Error() string    { return fmt.Sprintf("shutdown: %v", e.Reason) }
func (e *ShutdownError) Unwrap() error    { return e.Reason }
func (e *ShutdownError) Outcome() Outcome { return OutcomeShutdown }

// CancelledError reports that an external caller invoked Cancel.
type CancelledError struct{ Reason string }

func (e *CancelledError) Error() string    { return fmt.Sprintf("cancelled: %s", e.Reason) }
func (e *CancelledError) Outcome() Outcome { return OutcomeCancelled }

// MirrorOutcome is the result of one Replica.Sync invocation.
type MirrorOutcome int

const (
	// MirrorDenied means the mirror had nothing to sync (depth 0).
	MirrorDenied MirrorOutcome = iota
	// MirrorOK means the mirror absorbed the round to completion.
	MirrorOK
	// MirrorFailed means the syncer went down mid-round; the mirror has
	// purged itself and is recoverable by a later round.
	MirrorFailed
	// MirrorStopped means the mirror's parent process exited, or it was
	// torn down by an out-of-band master-termination cast.
	MirrorStopped
)

func (o MirrorOutcome) String() string {
	switch o {
	case MirrorDenied:
		return "denied"
	case MirrorOK:
		return "ok"
	case MirrorFailed:
		return "failed"
	case MirrorStopped:
		return "stop"
	default:
		return "unknown"
	}
}
