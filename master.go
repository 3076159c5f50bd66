package mirrorsync

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"github.com/fluxmq/mirrorsync/bq"
	"github.com/fluxmq/mirrorsync/membership"
)

// Stats is the progress counter reported through both stats hooks.
type Stats struct {
	// Syncing is the number of messages handed to the syncer so far
	// this round.
	Syncing int
	// CreditOutstanding is a snapshot of each live mirror's outstanding
	// credit at the time the stats were emitted, keyed by MirrorID.
	CreditOutstanding map[string]int
}

// Hooks are the observability plug-points a Master reports through.
type Hooks struct {
	// EmitStats is invoked at round start and whenever the monotonic
	// delta since the last emission exceeds MasterConfig.ProgressInterval.
	EmitStats func(Stats)
	// HandleInfo is invoked once per flushed batch.
	HandleInfo func(Stats)
	// Log is invoked alongside every EmitStats call with the same count.
	Log func(count int)
	// ApplyMaxSinceUse applies a drained set-maximum-since-use cast to
	// the master's own file-handle cache: this cast is mirrored on both
	// master and mirror.
	ApplyMaxSinceUse func(age time.Duration)
}

func (h Hooks) emitStats(s Stats) {
	if h.EmitStats != nil {
		h.EmitStats(s)
	}
	if h.Log != nil {
		h.Log(s.Syncing)
	}
}

func (h Hooks) handleInfo(s Stats) {
	if h.HandleInfo != nil {
		h.HandleInfo(s)
	}
}

// MasterConfig parametrizes a Master's rounds.
type MasterConfig struct {
	// BatchSize is the flush threshold.
	BatchSize int
	// ProgressInterval is the minimum monotonic-time gap between
	// progress stats emissions. Defaults to one second.
	ProgressInterval time.Duration
	// CreditWindow is the per-mirror credit the syncer's credit.Manager
	// grants. Defaults to 1, so the syncer never has more than one
	// batch outstanding per mirror at a time.
	CreditWindow int
}

func (c MasterConfig) withDefaults() MasterConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = time.Second
	}
	if c.CreditWindow <= 0 {
		c.CreditWindow = 1
	}
	return c
}

// MirrorBinding pairs a Replica with the mirror-local resources its
// Sync loop needs -- its backing queue, its current depth, and the
// closure that refreshes its ram-duration timer. These are private to
// the mirror and are supplied by whatever drives that mirror's side of
// the round; a Master never reaches into one directly.
type MirrorBinding struct {
	Replica         *Replica
	Queue           bq.Queue
	Depth           int
	RefreshRamTimer func()

	// Outcome, AckMap and Err are filled in by the syncer's Sync call
	// against this binding's Replica once the round completes (or this
	// mirror drops out of it). They are safe to read only after
	// Master.SyncMirrors has returned.
	Outcome MirrorOutcome
	AckMap  AckMap
	Err     error
}

// Master owns the authoritative queue and drives one sync round at a
// time against a set of candidate mirrors.
type Master struct {
	queue bq.Queue
	bus   membership.Bus
	hooks Hooks
	cfg   MasterConfig
	log   *logrus.Entry

	mu          sync.Mutex
	cancelReq   chan cancelRequest
	roundDone   chan struct{}
	pendingMSU  *time.Duration
}

// SetMaximumSinceUse queues a set-maximum-since-use administrative
// cast, applied the next time a round reaches a flush boundary --
// this avoids a priority inversion on the file-handle cache by never
// applying it mid-batch.
func (m *Master) SetMaximumSinceUse(age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingMSU = &age
}

// drainMaxSinceUse applies and clears any pending cast; called at each
// flush boundary.
func (m *Master) drainMaxSinceUse() {
	m.mu.Lock()
	var pending = m.pendingMSU
	m.pendingMSU = nil
	m.mu.Unlock()

	if pending != nil && m.hooks.ApplyMaxSinceUse != nil {
		m.hooks.ApplyMaxSinceUse(*pending)
	}
}

type cancelRequest struct {
	reason string
	reply  chan struct{}
}

// NewMaster returns a Master over queue, using bus for the membership
// broadcast its syncer issues each round.
func NewMaster(queue bq.Queue, bus membership.Bus, hooks Hooks, cfg MasterConfig) *Master {
	return &Master{
		queue: queue,
		bus:   bus,
		hooks: hooks,
		cfg:   cfg.withDefaults(),
		log:   logrus.WithField("component", "mirrorsync.master"),
	}
}

// Cancel synchronously requests cancellation of the round currently in
// flight, if any, and blocks until the syncer has been stopped. It is a
// no-op if no round is active.
func (m *Master) Cancel(reason string) {
	m.mu.Lock()
	var cancelCh = m.cancelReq
	var done = m.roundDone
	m.mu.Unlock()

	if done == nil {
		return
	}

	var reply = make(chan struct{})
	select {
	case cancelCh <- cancelRequest{reason: reason, reply: reply}:
		select {
		case <-reply:
		case <-done:
		}
	case <-done:
	}
}

// SyncMirrors executes one sync round against bindings, tagged with a
// freshly minted Ref, and returns one of the round's five outcomes.
func (m *Master) SyncMirrors(ctx context.Context, bindings []*MirrorBinding) (Outcome, error) {
	var ref = NewRef()

	m.mu.Lock()
	m.cancelReq = make(chan cancelRequest)
	m.roundDone = make(chan struct{})
	var cancelCh = m.cancelReq
	var done = m.roundDone
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.cancelReq = nil
		m.roundDone = nil
		m.mu.Unlock()
		close(done)
	}()

	var tr = trace.New("mirrorsync.round", string(ref))
	defer tr.Finish()
	tr.LazyPrintf("starting round over %d candidate mirrors", len(bindings))

	var log = m.log.WithField("ref", string(ref))

	var s = newSyncer(ref, m.bus, bindings, m.cfg.CreditWindow, tr)
	go s.run(ctx)

	// -- prepare phase -----------------------------------------------
	select {
	case ev := <-s.toMaster:
		switch ev.kind {
		case fromSyncerReady:
			// fall through to fold phase
		default:
			log.Warn("unexpected syncer event during prepare phase")
			return OutcomeSyncDied, &SyncDiedError{Reason: errors.New("unexpected prepare-phase event")}
		}
	case err := <-s.exited:
		if err == nil {
			tr.LazyPrintf("syncer exited without any mirror accepting the round")
			return OutcomeAlreadySynced, nil
		}
		log.WithError(err).Warn("syncer died during prepare phase")
		return OutcomeSyncDied, &SyncDiedError{Reason: err}
	case <-ctx.Done():
		return OutcomeShutdown, &ShutdownError{Reason: ctx.Err()}
	}

	var sent int
	var lastStats = time.Now()
	m.hooks.emitStats(Stats{Syncing: 0, CreditOutstanding: s.creditMgr.Snapshot()})
	tr.LazyPrintf("ready: at least one of %d candidate mirror(s) accepted the round", len(bindings))

	var acc = foldAcc{batch: nil}
	_, foldErr := m.queue.Fold(func(msg bq.Msg, props bq.Props, unacked bool, raw interface{}) (bool, interface{}, error) {
		var a = raw.(foldAcc)
		a.curr++
		a.batch = append([]bq.Record{{Msg: msg, Props: props, Unacked: unacked}}, a.batch...)

		if a.curr != a.len && a.curr%m.cfg.BatchSize != 0 {
			return true, a, nil
		}

		sent += len(a.batch)
		if time.Since(lastStats) > m.cfg.ProgressInterval {
			m.hooks.emitStats(Stats{Syncing: sent, CreditOutstanding: s.creditMgr.Snapshot()})
			lastStats = time.Now()
		}
		m.hooks.handleInfo(Stats{Syncing: sent, CreditOutstanding: s.creditMgr.Snapshot()})
		m.drainMaxSinceUse()

		var reversed = reverseRecords(a.batch)
		tr.LazyPrintf("flushing batch of %d (curr=%d len=%d)", len(reversed), a.curr, a.len)

		select {
		case s.fromMaster <- toSyncer{kind: toSyncerMsgs, batch: reversed}:
		case <-ctx.Done():
			return false, a, &ShutdownError{Reason: ctx.Err()}
		}

		a.batch = nil

		select {
		case ev := <-s.toMaster:
			if ev.kind != fromSyncerNext {
				return false, a, &SyncDiedError{Reason: errors.New("unexpected syncer event awaiting next")}
			}
			return true, a, nil
		case cr := <-cancelCh:
			// The syncer may still be about to confirm the batch in flight;
			// drain that `next` so it can go back to reading instructions.
			var stopped = false
			for !stopped {
				select {
				case s.fromMaster <- toSyncer{kind: toSyncerCancel, reason: cr.reason}:
					<-s.exited
					stopped = true
				case <-s.toMaster:
				case <-s.exited:
					stopped = true
				}
			}
			close(cr.reply)
			return false, a, &CancelledError{Reason: cr.reason}
		case <-ctx.Done():
			return false, a, &ShutdownError{Reason: ctx.Err()}
		case err := <-s.exited:
			return false, a, &SyncDiedError{Reason: err}
		}
	}, foldAcc{len: m.queue.Depth()})

	if foldErr != nil {
		switch e := foldErr.(type) {
		case *CancelledError:
			return OutcomeCancelled, e
		case *ShutdownError:
			return OutcomeShutdown, e
		case *SyncDiedError:
			return OutcomeSyncDied, e
		default:
			return OutcomeSyncDied, &SyncDiedError{Reason: foldErr}
		}
	}
	_ = acc

	// -- completion ----------------------------------------------------
	//
	// The last flush's per-batch wait (above) already consumed the
	// syncer's `next` confirmation for the final batch -- if the queue
	// was empty, no batch was ever sent and no confirmation is expected
	// either way. Either way the syncer is now idle, waiting on its next
	// instruction.
	select {
	case s.fromMaster <- toSyncer{kind: toSyncerDone}:
	case <-ctx.Done():
		return OutcomeShutdown, &ShutdownError{Reason: ctx.Err()}
	}

	if err := <-s.exited; err != nil {
		return OutcomeSyncDied, &SyncDiedError{Reason: err}
	}

	tr.LazyPrintf("round completed: sent=%d", sent)
	log.WithField("sent", sent).Info("sync round completed")
	return OutcomeOK, nil
}

type foldAcc struct {
	curr  int
	len   int
	batch []bq.Record
}

func reverseRecords(in []bq.Record) []bq.Record {
	var out = make([]bq.Record, len(in))
	for i, r := range in {
		out[len(in)-1-i] = r
	}
	return out
}
