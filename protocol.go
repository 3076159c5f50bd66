package mirrorsync

import (
	"time"

	"github.com/fluxmq/mirrorsync/bq"
)

// MirrorID identifies a candidate mirror for monitoring, credit
// accounting and ack-map bookkeeping.
type MirrorID string

// -- master <-> syncer -------------------------------------------------

// toSyncerKind discriminates the messages the master sends its syncer.
type toSyncerKind int

const (
	toSyncerMsgs toSyncerKind = iota
	toSyncerDone
	toSyncerCancel
)

type toSyncer struct {
	kind   toSyncerKind
	batch  []bq.Record // toSyncerMsgs
	reason string      // toSyncerCancel
}

// fromSyncerKind discriminates the messages the syncer sends its
// master.
type fromSyncerKind int

const (
	fromSyncerReady fromSyncerKind = iota
	fromSyncerNext
)

// fromSyncer carries the syncer's in-round replies to its master. Exit
// notifications (normal or abnormal) travel on a separate channel; see
// syncer.exited.
type fromSyncer struct {
	kind fromSyncerKind
}

// -- syncer <-> mirror ---------------------------------------------------

// AdminCastKind discriminates the administrative casts a mirror (and,
// for SetMaximumSinceUse, the master) must apply inline with its sync
// loop.
type AdminCastKind int

const (
	AdminSetMaximumSinceUse AdminCastKind = iota
	AdminSetRamDurationTarget
	AdminInvoke
)

// AdminCast is one administrative cast, delivered out of band from the
// sync protocol itself but interleaved with it at the same receive
// point.
type AdminCast struct {
	Kind              AdminCastKind
	MaxSinceUse       time.Duration
	RamDurationTarget time.Duration
	Invoke            func(bq.Queue)
}

// envelopeKind discriminates the messages placed on a Replica's
// long-lived inbox. Only one round can be in flight against a given
// supervising queue at a time, but a Replica's inbox is itself
// long-lived across rounds, so every round-scoped entry carries the
// Ref it belongs to and is dropped by Replica.Sync if it doesn't match
// the round currently being serviced.
type envelopeKind int

const (
	envSyncMsgs envelopeKind = iota
	envSyncComplete
	envSyncerDown
	envBumpCredit
	envAdminCast
	envRamTick
	envMasterTerminate
)

// envelope is the sum of message kinds a Replica's inbox carries.
type envelope struct {
	kind envelopeKind
	ref  Ref // zero value for kinds that are not round-scoped

	batch      []bq.Record // envSyncMsgs
	syncerErr  error       // envSyncerDown
	bumpN      int         // envBumpCredit
	admin      AdminCast   // envAdminCast
	termReason string      // envMasterTerminate
}

// mirrorEventKind discriminates the messages a Replica sends back to
// its syncer during negotiation and the relay loop.
type mirrorEventKind int

const (
	mirrorEventReady mirrorEventKind = iota // sync_ready
	mirrorEventDeny                          // sync_deny
	mirrorEventBumpCredit
	mirrorEventDown // mirror's Sync loop exited abnormally mid-round
)

type mirrorEvent struct {
	kind mirrorEventKind
	id   MirrorID
	n    int // mirrorEventBumpCredit
}
