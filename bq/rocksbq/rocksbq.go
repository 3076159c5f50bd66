// Package rocksbq is a durable bq.Queue backed by RocksDB. Regular and
// ack-tracked messages live in separate column families; ack-tracked
// messages are further split one column family per priority, so
// BatchPublishDelivered has a genuine reason to return
// bq.GroupedHandles instead of bq.FlatHandles -- the two ack-handle
// shapes aren't a simulated branch here, they fall directly out of
// having (or not having) priority classes.
package rocksbq

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	rocks "github.com/tecbot/gorocksdb"

	"github.com/fluxmq/mirrorsync/bq"
)

const regularCF = "regular"

func priorityCF(p bq.Priority) string { return fmt.Sprintf("unacked.%d", p) }

// Queue is a bq.Queue backed by a RocksDB database with one column
// family per priority class observed so far, plus one for regular
// messages.
type Queue struct {
	mu       sync.Mutex
	db       *rocks.DB
	opts     *rocks.Options
	wo       *rocks.WriteOptions
	ro       *rocks.ReadOptions
	cfHandle map[string]*rocks.ColumnFamilyHandle
	cfOpts   *rocks.Options
	path     string
	nextSeq  uint64
	nextTag  int64
	ramTgt   time.Duration
}

// Open opens (or creates) a RocksDB-backed queue at path.
func Open(path string) (*Queue, error) {
	var opts = rocks.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetCreateIfMissingColumnFamilies(true)

	var q = &Queue{
		opts:     opts,
		cfOpts:   rocks.NewDefaultOptions(),
		wo:       rocks.NewDefaultWriteOptions(),
		ro:       rocks.NewDefaultReadOptions(),
		cfHandle: make(map[string]*rocks.ColumnFamilyHandle),
		path:     path,
	}

	names, err := rocks.ListColumnFamilies(opts, path)
	if err != nil {
		// Fresh database: "default" plus our regular column family.
		names = []string{"default", regularCF}
	} else {
		var seen = map[string]bool{}
		for _, n := range names {
			seen[n] = true
		}
		if !seen[regularCF] {
			names = append(names, regularCF)
		}
	}

	var cfOpts = make([]*rocks.Options, len(names))
	for i := range names {
		cfOpts[i] = q.cfOpts
	}

	db, handles, err := rocks.OpenDbColumnFamilies(opts, path, names, cfOpts)
	if err != nil {
		return nil, err
	}
	q.db = db
	for i, n := range names {
		q.cfHandle[n] = handles[i]
	}
	return q, nil
}

// cfFor returns the column family handle for name, creating it in
// RocksDB if this is the first time the priority has been seen.
func (q *Queue) cfFor(name string) (*rocks.ColumnFamilyHandle, error) {
	if h, ok := q.cfHandle[name]; ok {
		return h, nil
	}
	h, err := q.db.CreateColumnFamily(q.cfOpts, name)
	if err != nil {
		return nil, err
	}
	q.cfHandle[name] = h
	return h, nil
}

func seqKey(seq uint64) []byte {
	var b = make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	for name, h := range q.cfHandle {
		if name == "default" {
			continue
		}
		it := q.db.NewIteratorCF(q.ro, h)
		for it.SeekToFirst(); it.Valid(); it.Next() {
			n++
		}
		it.Close()
	}
	return n
}

func (q *Queue) Fold(fn bq.FoldFunc, acc interface{}) (interface{}, error) {
	q.mu.Lock()
	var names = make([]string, 0, len(q.cfHandle))
	for n := range q.cfHandle {
		if n != "default" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	q.mu.Unlock()

	for _, name := range names {
		h := q.cfHandle[name]
		it := q.db.NewIteratorCF(q.ro, h)
		for it.SeekToFirst(); it.Valid(); it.Next() {
			var rec = decodeRecord(it.Value().Data(), name != regularCF)
			var cont bool
			var stopErr error
			cont, acc, stopErr = fn(rec.Msg, rec.Props, rec.Unacked, acc)
			if !cont {
				it.Close()
				return acc, stopErr
			}
		}
		it.Close()
	}
	return acc, nil
}

func (q *Queue) Purge() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, err := q.cfFor(regularCF)
	if err != nil {
		return 0, err
	}
	return q.dropCF(h)
}

func (q *Queue) PurgeAcks() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for name, h := range q.cfHandle {
		if name == "default" || name == regularCF {
			continue
		}
		if _, err := q.dropCF(h); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) dropCF(h *rocks.ColumnFamilyHandle) (int, error) {
	var n int
	it := q.db.NewIteratorCF(q.ro, h)
	wb := rocks.NewWriteBatch()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		wb.DeleteCF(h, it.Key().Data())
		n++
	}
	it.Close()
	var err = q.db.Write(q.wo, wb)
	wb.Destroy()
	return n, err
}

func (q *Queue) BatchPublish(records []bq.PublishRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, err := q.cfFor(regularCF)
	if err != nil {
		return err
	}
	wb := rocks.NewWriteBatch()
	defer wb.Destroy()
	for _, r := range records {
		r.Props.Delivered = true
		r.Props.NeedsConfirming = false
		q.nextSeq++
		wb.PutCF(h, seqKey(q.nextSeq), encodeRecord(r))
	}
	return q.db.Write(q.wo, wb)
}

func (q *Queue) BatchPublishDelivered(records []bq.PublishRecord) (bq.DeliveredHandles, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var groups = q.partitionLocked(records)
	if len(groups) <= 1 {
		// Only one priority class observed: still return grouped shape so
		// ack-tag zipping always goes through the same priority-aware path
		// once a queue has opted into priorities at all.
	}

	var out = make(bq.GroupedHandles, len(groups))
	for prio, group := range groups {
		h, err := q.cfFor(priorityCF(prio))
		if err != nil {
			return nil, err
		}
		wb := rocks.NewWriteBatch()
		var tags = make([]bq.AckTag, len(group))
		for i, r := range group {
			r.Props.NeedsConfirming = false
			q.nextTag++
			tags[i] = q.nextTag
			wb.PutCF(h, seqKey(uint64(q.nextTag)), encodeRecord(r))
		}
		var err2 = q.db.Write(q.wo, wb)
		wb.Destroy()
		if err2 != nil {
			return nil, err2
		}
		out[prio] = tags
	}
	return out, nil
}

func (q *Queue) PartitionByPriority(records []bq.PublishRecord) map[bq.Priority][]bq.PublishRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.partitionLocked(records)
}

func (q *Queue) partitionLocked(records []bq.PublishRecord) map[bq.Priority][]bq.PublishRecord {
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

func (q *Queue) DeleteAndTerminate(reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for name, h := range q.cfHandle {
		if name == "default" {
			continue
		}
		_, _ = q.dropCF(h)
	}
	q.db.Close()
	return nil
}

// encodeRecord/decodeRecord use a trivial length-prefixed layout; the
// point of this package is exercising RocksDB column families and
// write batches, not a wire format, so no attempt is made at a compact
// encoding.
func encodeRecord(r bq.PublishRecord) []byte {
	var id = []byte(r.Msg.ID)
	var out = make([]byte, 0, 2+len(id)+4+len(r.Msg.Payload)+2)
	out = append(out, byte(len(id)>>8), byte(len(id)))
	out = append(out, id...)
	out = append(out, byte(r.Props.Priority))
	var flags byte
	if r.Props.Delivered {
		flags |= 1
	}
	if r.Props.NeedsConfirming {
		flags |= 2
	}
	out = append(out, flags)
	var plen = make([]byte, 4)
	binary.BigEndian.PutUint32(plen, uint32(len(r.Msg.Payload)))
	out = append(out, plen...)
	out = append(out, r.Msg.Payload...)
	return out
}

func decodeRecord(b []byte, unacked bool) bq.Record {
	var idLen = int(b[0])<<8 | int(b[1])
	var id = string(b[2 : 2+idLen])
	var rest = b[2+idLen:]
	var prio = bq.Priority(rest[0])
	var flags = rest[1]
	var plen = binary.BigEndian.Uint32(rest[2:6])
	var payload = rest[6 : 6+plen]
	return bq.Record{
		Msg: bq.Msg{ID: bq.MsgID(id), Payload: payload},
		Props: bq.Props{
			Priority:        prio,
			Delivered:       flags&1 != 0,
			NeedsConfirming: flags&2 != 0,
		},
		Unacked: unacked,
	}
}
