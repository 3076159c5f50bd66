package mirrorsync

import (
	"fmt"
	"sort"

	"github.com/fluxmq/mirrorsync/bq"
)

var errUnknownHandleShape = fmt.Errorf("mirrorsync: backing queue returned an unrecognized DeliveredHandles shape")

func errMismatchedHandles(records, handles int) error {
	return fmt.Errorf("mirrorsync: backing queue returned %d ack handles for %d records", handles, records)
}

// AckMapEntry is one (msg_id, ack_tag) pair recorded by a mirror for a
// message it republished into the delivered-but-unacked state. On
// promotion to master, these entries let the new master honor acks
// that were outstanding against the old master.
type AckMapEntry struct {
	MsgID  bq.MsgID
	AckTag bq.AckTag
}

// AckMap is the ordered sequence of AckMapEntry a mirror accumulates
// across a round (and, in the real system, across its lifetime as a
// mirror).
type AckMap []AckMapEntry

// ResolveAckTag looks up the ack handle recorded for id, for use during
// a promoted-mirror-to-master transition. It is a pure lookup: the
// wire protocol gains no new messages from it.
func (m AckMap) ResolveAckTag(id bq.MsgID) (bq.AckTag, bool) {
	// Walk from the tail: a message can only appear once per round, but
	// across a mirror's lifetime the most recent entry is the one that
	// matters if a msg_id were ever reused by the backing queue.
	for i := len(m) - 1; i >= 0; i-- {
		if m[i].MsgID == id {
			return m[i].AckTag, true
		}
	}
	return nil, false
}

// zipAckTags zips the batch of PublishRecord passed to
// BatchPublishDelivered against the DeliveredHandles it returned,
// producing the (msg_id, ack_tag) pairs to append to MA.
//
// FlatHandles zip element-wise against the outgoing batch, in order.
// GroupedHandles were returned bucketed by priority, so the original
// batch is re-partitioned by priority with the same helper the backing
// queue used internally, and each group is zipped pairwise against its
// matching handle bucket.
func zipAckTags(q bq.Queue, batch []bq.PublishRecord, handles bq.DeliveredHandles) ([]AckMapEntry, error) {
	switch h := handles.(type) {
	case bq.FlatHandles:
		if len(h) != len(batch) {
			return nil, errMismatchedHandles(len(batch), len(h))
		}
		var out = make([]AckMapEntry, len(batch))
		for i, r := range batch {
			out[i] = AckMapEntry{MsgID: r.Msg.ID, AckTag: h[i]}
		}
		return out, nil

	case bq.GroupedHandles:
		var groups = q.PartitionByPriority(batch)
		var priorities = make([]bq.Priority, 0, len(groups))
		for prio := range groups {
			priorities = append(priorities, prio)
		}
		sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })

		var out []AckMapEntry
		for _, prio := range priorities {
			var recs = groups[prio]
			var tags = h[prio]
			if len(tags) != len(recs) {
				return nil, errMismatchedHandles(len(recs), len(tags))
			}
			for i, r := range recs {
				out = append(out, AckMapEntry{MsgID: r.Msg.ID, AckTag: tags[i]})
			}
		}
		return out, nil

	default:
		return nil, errUnknownHandleShape
	}
}
