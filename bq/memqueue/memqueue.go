// Package memqueue is an in-memory reference implementation of bq.Queue,
// used by the fast unit-test path and by the credit/batching tests. It
// keeps regular and ack-tracked messages in two separate slices, with
// no bucketing by priority: BatchPublishDelivered always returns
// bq.FlatHandles, never bq.GroupedHandles.
package memqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxmq/mirrorsync/bq"
)

// Queue is a goroutine-safe, slice-backed bq.Queue.
type Queue struct {
	mu       sync.Mutex
	regular  []bq.PublishRecord
	unacked  []bq.PublishRecord
	nextTag  int64
	ramTgt   time.Duration
	terminal bool
	termErr  error
}

// New returns a Queue seeded with the given messages (empty if none), used by
// tests that want a master-side snapshot to fold over.
func New(seed ...bq.Record) *Queue {
	var q = &Queue{}
	for _, r := range seed {
		var pr = bq.PublishRecord{Msg: r.Msg, Props: r.Props}
		if r.Unacked {
			q.unacked = append(q.unacked, pr)
		} else {
			q.regular = append(q.regular, pr)
		}
	}
	return q
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.regular) + len(q.unacked)
}

// Fold visits regular messages followed by ack-tracked messages, which
// is sufficient for every test fixture in this module: the batching
// rule only requires that Unacked be uniform within a flushed batch,
// not that queue order correlate with Unacked, and test fixtures
// construct their snapshot's Unacked pattern directly via New's seed.
func (q *Queue) Fold(fn bq.FoldFunc, acc interface{}) (interface{}, error) {
	q.mu.Lock()
	var all = make([]bq.Record, 0, len(q.regular)+len(q.unacked))
	for _, pr := range q.regular {
		all = append(all, bq.Record{Msg: pr.Msg, Props: pr.Props, Unacked: false})
	}
	for _, pr := range q.unacked {
		all = append(all, bq.Record{Msg: pr.Msg, Props: pr.Props, Unacked: true})
	}
	q.mu.Unlock()

	for _, r := range all {
		var cont bool
		var stopErr error
		cont, acc, stopErr = fn(r.Msg, r.Props, r.Unacked, acc)
		if !cont {
			return acc, stopErr
		}
	}
	return acc, nil
}

func (q *Queue) Purge() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n = len(q.regular)
	q.regular = nil
	return n, nil
}

func (q *Queue) PurgeAcks() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unacked = nil
	return nil
}

func (q *Queue) BatchPublish(records []bq.PublishRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.regular = append(q.regular, records...)
	return nil
}

func (q *Queue) BatchPublishDelivered(records []bq.PublishRecord) (bq.DeliveredHandles, error) {
	q.mu.Lock()
	q.unacked = append(q.unacked, records...)
	q.mu.Unlock()

	// A Queue only ever returns flat handles; see rocksbq for a
	// priority-grouping implementation that exercises bq.GroupedHandles.
	var flat = make(bq.FlatHandles, len(records))
	for i := range records {
		flat[i] = atomic.AddInt64(&q.nextTag, 1)
	}
	return flat, nil
}

func (q *Queue) PartitionByPriority(records []bq.PublishRecord) map[bq.Priority][]bq.PublishRecord {
	var out = make(map[bq.Priority][]bq.PublishRecord)
	for _, r := range records {
		out[r.Props.Priority] = append(out[r.Props.Priority], r)
	}
	return out
}

func (q *Queue) Invoke(fn func(bq.Queue)) { fn(q) }

func (q *Queue) SetRamDurationTarget(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ramTgt = d
}

func (q *Queue) RamDurationTarget() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ramTgt
}

func (q *Queue) DeleteAndTerminate(reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.regular = nil
	q.unacked = nil
	q.terminal = true
	q.termErr = errReason(reason)
	return nil
}

// Snapshot returns copies of the regular and ack-tracked contents, for
// test assertions.
func (q *Queue) Snapshot() (regular, unacked []bq.PublishRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]bq.PublishRecord(nil), q.regular...), append([]bq.PublishRecord(nil), q.unacked...)
}

type errReason string

func (e errReason) Error() string { return string(e) }
