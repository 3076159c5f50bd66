package mirrorsync

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/fluxmq/mirrorsync/bq"
	"github.com/fluxmq/mirrorsync/credit"
)

// Replica is a mirror's sync-path state: a long-lived inbox that
// survives across rounds, plus the small bookkeeping a mirror needs to
// carry between the batches it receives and the acks it owes upstream.
type Replica struct {
	id    MirrorID
	inbox chan envelope

	// creditMgr tracks the mirror's own outstanding credit for whatever
	// flow-controlled traffic it forwards on the syncer's behalf; see
	// DESIGN.md for why bump_credit lands here rather than being a
	// no-op. It starts with a single unit of credit, matching the one
	// credit per acknowledged batch the mirror itself extends upstream.
	creditMgr *credit.Manager

	log *logrus.Entry
}

// NewReplica returns a Replica identified by id, with an inbox large
// enough to never block a well-behaved syncer.
func NewReplica(id MirrorID) *Replica {
	var r = &Replica{
		id:        id,
		inbox:     make(chan envelope, 32),
		creditMgr: credit.NewManager(1),
		log:       logrus.WithField("mirror", string(id)),
	}
	r.creditMgr.Track("syncer")
	return r
}

// ID returns the Replica's identity, used by the syncer for monitoring
// and credit accounting.
func (r *Replica) ID() MirrorID { return r.id }

// -- external plug points -------------------------------------------------
//
// These are called by the surrounding queue process, which owns the
// ram-duration timer, administrative control-plane, and the mirror's
// own supervised lifetime; none of them are gated on any particular
// round's Ref.

// ApplyAdminCast applies an administrative cast (set-maximum-since-use,
// set-ram-duration-target, or a run-backing-queue hook) to whatever
// round is currently being serviced, interleaved with the sync loop.
func (r *Replica) ApplyAdminCast(cast AdminCast) {
	r.inbox <- envelope{kind: envAdminCast, admin: cast}
}

// NotifyRamDurationTick signals that the ram-duration timer fired and
// should be refreshed via the closure supplied to Sync.
func (r *Replica) NotifyRamDurationTick() {
	r.inbox <- envelope{kind: envRamTick}
}

// NotifyMasterTerminate delivers an out-of-band master-termination
// cast: the mirror must delete-and-terminate its backing queue and
// stop.
func (r *Replica) NotifyMasterTerminate(reason string) {
	r.inbox <- envelope{kind: envMasterTerminate, termReason: reason}
}

// -- sync loop ------------------------------------------------------------

// Sync runs one sync round to completion. depth is the mirror's own
// backing-queue depth at entry; if zero the mirror denies the round
// immediately and makes no backing-queue calls. toSyncer is the
// channel this Replica reports sync_ready/sync_deny/bump_credit on.
// refreshRamTimer is invoked whenever a ram-duration tick is observed.
//
// Sync purges the backing queue before entering its receive loop: a
// half-finished prior sync can leave content nearer the queue head
// than a new master's tail messages, and the only correct recovery is
// a full purge before replaying.
func (r *Replica) Sync(
	ctx context.Context,
	ref Ref,
	depth int,
	queue bq.Queue,
	toSyncer chan<- mirrorEvent,
	refreshRamTimer func(),
) (MirrorOutcome, AckMap, error) {
	if depth == 0 {
		toSyncer <- mirrorEvent{kind: mirrorEventDeny, id: r.id}
		return MirrorDenied, nil, nil
	}

	toSyncer <- mirrorEvent{kind: mirrorEventReady, id: r.id}

	if _, err := queue.Purge(); err != nil {
		return MirrorFailed, nil, err
	}
	if err := queue.PurgeAcks(); err != nil {
		return MirrorFailed, nil, err
	}

	var ma AckMap
	for {
		select {
		case <-ctx.Done():
			// Parent-process exit, modeled on Go's native cancellation
			// signal rather than a synthetic envelope.
			return MirrorStopped, ma, ctx.Err()

		case env := <-r.inbox:
			if isRoundScoped(env.kind) && env.ref != ref {
				continue // stale-ref messages from a prior or future round are dropped.
			}

			switch env.kind {
			case envSyncerDown:
				_, _ = queue.Purge()
				_ = queue.PurgeAcks()
				r.log.WithField("ref", ref).Warn("syncer down, purged and failing round")
				return MirrorFailed, AckMap{}, env.syncerErr

			case envBumpCredit:
				r.creditMgr.Bump("syncer", env.bumpN)

			case envSyncComplete:
				return MirrorOK, ma, nil

			case envAdminCast:
				applyAdminCast(queue, env.admin)

			case envRamTick:
				refreshRamTimer()

			case envSyncMsgs:
				if err := applyBatch(queue, env.batch, &ma); err != nil {
					return MirrorFailed, ma, err
				}
				// Acknowledge one credit to the syncer for this absorbed batch.
				toSyncer <- mirrorEvent{kind: mirrorEventBumpCredit, id: r.id, n: 1}

			case envMasterTerminate:
				_ = queue.DeleteAndTerminate(env.termReason)
				return MirrorStopped, AckMap{}, nil
			}
		}
	}
}

func isRoundScoped(kind envelopeKind) bool {
	switch kind {
	case envSyncMsgs, envSyncComplete, envSyncerDown:
		return true
	default:
		return false
	}
}

func applyAdminCast(queue bq.Queue, cast AdminCast) {
	switch cast.Kind {
	case AdminSetMaximumSinceUse:
		// Max-since-use belongs to the file-handle cache the surrounding
		// queue process owns; applying it here is a no-op plug point for
		// that process to hook.
	case AdminSetRamDurationTarget:
		queue.SetRamDurationTarget(cast.RamDurationTarget)
	case AdminInvoke:
		if cast.Invoke != nil {
			queue.Invoke(cast.Invoke)
		}
	}
}
