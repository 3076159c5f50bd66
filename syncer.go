package mirrorsync

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"github.com/fluxmq/mirrorsync/bq"
	"github.com/fluxmq/mirrorsync/credit"
	"github.com/fluxmq/mirrorsync/membership"
)

// mirrorSession is one candidate mirror's state for the duration of a
// round, from the syncer's point of view. Results are written directly
// onto the shared MirrorBinding so the caller can read them back once
// Master.SyncMirrors returns.
type mirrorSession struct {
	binding *MirrorBinding
}

// syncer is the short-lived intermediary of one sync round: it negotiates a
// round against a set of candidate mirrors, then relays batches handed
// to it by the master under credit-based flow control until told the
// round is done or cancelled.
type syncer struct {
	ref      Ref
	bus      membership.Bus
	bindings []*MirrorBinding

	toMaster   chan fromSyncer // syncer -> master
	fromMaster chan toSyncer   // master -> syncer
	exited     chan error      // closed-over single send, see run()

	events chan mirrorEvent // shared fan-in from every mirror session

	creditMgr *credit.Manager
	log       *logrus.Entry
	tr        trace.Trace
}

func newSyncer(ref Ref, bus membership.Bus, bindings []*MirrorBinding, creditWindow int, tr trace.Trace) *syncer {
	return &syncer{
		ref:        ref,
		bus:        bus,
		bindings:   bindings,
		toMaster:   make(chan fromSyncer),
		fromMaster: make(chan toSyncer),
		exited:     make(chan error, 1),
		events:     make(chan mirrorEvent, 16),
		creditMgr:  credit.NewManager(creditWindow),
		log:        logrus.WithField("component", "mirrorsync.syncer").WithField("ref", string(ref)),
		tr:         tr,
	}
}

// run drives the full syncer lifecycle: negotiation, then relay. It
// sends exactly once on exited before returning, with a nil error for
// every expected exit (no mirrors accepted, cancelled, or completed)
// and a non-nil error only for a genuine failure a master should treat
// as sync_died.
func (s *syncer) run(ctx context.Context) {
	var runErr error
	defer func() { s.exited <- runErr }()

	var active = s.negotiate(ctx)
	if len(active) == 0 {
		s.log.Info("no mirror accepted the round")
		return
	}

	select {
	case s.toMaster <- fromSyncer{kind: fromSyncerReady}:
	case <-ctx.Done():
		return
	}

	runErr = s.relay(ctx, active)
}

// negotiate registers every candidate on the membership bus, broadcasts
// sync_start (the per-sender delivery-ordering guarantee lives in the bus
// implementation, not here), and -- only once a candidate actually
// observes its own sync_start -- launches that candidate's Sync loop.
// It waits for every candidate to either accept, deny, or die before
// the first batch.
func (s *syncer) negotiate(ctx context.Context) map[MirrorID]*mirrorSession {
	var active = make(map[MirrorID]*mirrorSession, len(s.bindings))
	var unregister = make([]func(), 0, len(s.bindings))
	var ids = make([]membership.MirrorID, len(s.bindings))

	for i, b := range s.bindings {
		ids[i] = membership.MirrorID(b.Replica.id)

		var sess = &mirrorSession{binding: b}
		active[b.Replica.id] = sess
		s.creditMgr.Track(string(b.Replica.id))

		var busInbox = make(chan membership.SyncStart, 1)
		unregister = append(unregister, s.bus.Register(membership.MirrorID(b.Replica.id), busInbox))
		go s.awaitStart(ctx, sess, busInbox)
	}

	if err := s.bus.Broadcast(ctx, string(s.ref), ids); err != nil {
		s.log.WithError(err).Warn("membership broadcast failed")
	}

	var decided = make(map[MirrorID]bool, len(active))
	for len(decided) < len(s.bindings) {
		select {
		case ev := <-s.events:
			switch ev.kind {
			case mirrorEventReady:
				decided[ev.id] = true
				s.traceLazyPrintf("mirror %s: sync_ready", ev.id)
			case mirrorEventDeny:
				decided[ev.id] = true
				delete(active, ev.id)
				s.traceLazyPrintf("mirror %s: sync_deny", ev.id)
			case mirrorEventDown:
				if !decided[ev.id] {
					decided[ev.id] = true
				}
				delete(active, ev.id)
				s.traceLazyPrintf("mirror %s: down during negotiation", ev.id)
			case mirrorEventBumpCredit:
				// cannot arrive before a first batch; ignore defensively.
			}
		case <-ctx.Done():
			goto done
		}
	}

done:
	for _, u := range unregister {
		u()
	}
	s.traceLazyPrintf("negotiation done: %d/%d mirror(s) active", len(active), len(s.bindings))
	return active
}

// traceLazyPrintf annotates the round's trace.Trace, if one was
// supplied; safe to call with a nil tr (eg from tests that construct a
// syncer directly).
func (s *syncer) traceLazyPrintf(format string, a ...interface{}) {
	if s.tr != nil {
		s.tr.LazyPrintf(format, a...)
	}
}

// awaitStart blocks until this candidate observes its own sync_start
// over the membership bus, then runs its Sync loop. A broadcast for a
// stale round (possible if a bus implementation redelivers on
// reconnect) is ignored.
func (s *syncer) awaitStart(ctx context.Context, sess *mirrorSession, busInbox <-chan membership.SyncStart) {
	select {
	case start := <-busInbox:
		if Ref(start.Ref) != s.ref {
			return
		}
	case <-ctx.Done():
		return
	}
	s.runMirror(ctx, sess)
}

// runMirror invokes one candidate's Sync loop and, if it exits
// abnormally mid-round, reports it to the syncer as a mirror-down
// event. A graceful MirrorOK (sync_complete absorbed) or an explicit
// MirrorDenied needs no extra notification: the syncer already knows
// about both from the mirror's own sync_ready/sync_deny/sync_complete
// handshake.
func (s *syncer) runMirror(ctx context.Context, sess *mirrorSession) {
	var b = sess.binding
	b.Outcome, b.AckMap, b.Err = b.Replica.Sync(
		ctx, s.ref, b.Depth, b.Queue, s.events, b.RefreshRamTimer)

	if b.Outcome == MirrorFailed || b.Outcome == MirrorStopped {
		select {
		case s.events <- mirrorEvent{kind: mirrorEventDown, id: sess.binding.Replica.id}:
		case <-ctx.Done():
		}
	}
}

// relay implements the master-driven phase of a sync round: wait for a
// batch/cancel/done, forward batches to every live mirror under
// credit and confirm with `next`, repeat.
func (s *syncer) relay(ctx context.Context, active map[MirrorID]*mirrorSession) error {
	for {
		msg, err := s.awaitFromMaster(ctx, active)
		if err != nil {
			return err
		}

		switch msg.kind {
		case toSyncerMsgs:
			if err := s.broadcastBatch(ctx, active, msg.batch); err != nil {
				return err
			}
			select {
			case s.toMaster <- fromSyncer{kind: fromSyncerNext}:
			case <-ctx.Done():
				return ctx.Err()
			}
		case toSyncerCancel:
			s.log.WithField("reason", msg.reason).Info("cancelled by master")
			s.broadcastSyncerDown(ctx, active, &CancelledError{Reason: msg.reason})
			return nil
		case toSyncerDone:
			s.broadcastComplete(ctx, active)
			return nil
		}
	}
}

// awaitFromMaster waits for the master's next instruction, meanwhile
// draining mirror-side bump_credit/mirror-down events so credit
// accounting and the live-mirror set stay current even between
// batches.
func (s *syncer) awaitFromMaster(ctx context.Context, active map[MirrorID]*mirrorSession) (toSyncer, error) {
	for {
		select {
		case msg := <-s.fromMaster:
			return msg, nil
		case ev := <-s.events:
			s.handleEvent(ev, active)
		case <-ctx.Done():
			return toSyncer{}, ctx.Err()
		}
	}
}

func (s *syncer) handleEvent(ev mirrorEvent, active map[MirrorID]*mirrorSession) {
	switch ev.kind {
	case mirrorEventBumpCredit:
		s.creditMgr.Bump(string(ev.id), ev.n)
	case mirrorEventDown:
		delete(active, ev.id)
		s.creditMgr.PeerDown(string(ev.id))
	}
}

// broadcastBatch forwards one flushed batch to every currently live
// mirror, first parking in a dedicated wait state if the credit
// manager reports the syncer blocked -- at most the credit window's worth
// of batches per mirror (one, by default) is ever outstanding at a time.
func (s *syncer) broadcastBatch(ctx context.Context, active map[MirrorID]*mirrorSession, batch []bq.Record) error {
	if s.creditMgr.Blocked() {
		s.traceLazyPrintf("credit blocked: parking before batch of %d", len(batch))
		for s.creditMgr.Blocked() {
			select {
			case ev := <-s.events:
				s.handleEvent(ev, active)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s.traceLazyPrintf("credit unblocked: resuming")
	}

	for id, sess := range active {
		select {
		case sess.binding.Replica.inbox <- envelope{kind: envSyncMsgs, ref: s.ref, batch: batch}:
			s.creditMgr.Send(string(id))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *syncer) broadcastComplete(ctx context.Context, active map[MirrorID]*mirrorSession) {
	for _, sess := range active {
		select {
		case sess.binding.Replica.inbox <- envelope{kind: envSyncComplete, ref: s.ref}:
		case <-ctx.Done():
			return
		}
	}
}

// broadcastSyncerDown tells every still-live mirror that its syncer is
// going away mid-round -- cancellation unwinds the same way a genuine
// syncer crash would. Each mirror purges itself on receipt;
// see Replica.Sync's envSyncerDown case.
func (s *syncer) broadcastSyncerDown(ctx context.Context, active map[MirrorID]*mirrorSession, reason error) {
	for _, sess := range active {
		select {
		case sess.binding.Replica.inbox <- envelope{kind: envSyncerDown, ref: s.ref, syncerErr: reason}:
		case <-ctx.Done():
			return
		}
	}
}
