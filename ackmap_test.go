package mirrorsync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxmq/mirrorsync/bq"
)

// priorityPartitioner is a minimal bq.Queue stand-in exposing only
// PartitionByPriority, which is all zipAckTags needs from its GroupedHandles
// branch.
type priorityPartitioner struct{ bq.Queue }

func (priorityPartitioner) PartitionByPriority(records []bq.PublishRecord) map[bq.Priority][]bq.PublishRecord {
	var out = make(map[bq.Priority][]bq.PublishRecord)
	for _, r := range records {
		out[r.Props.Priority] = append(out[r.Props.Priority], r)
	}
	return out
}

func TestZipAckTagsFlat(t *testing.T) {
	var batch = []bq.PublishRecord{
		{Msg: msg("m1")},
		{Msg: msg("m2")},
		{Msg: msg("m3")},
	}
	var handles bq.DeliveredHandles = bq.FlatHandles{int64(1), int64(2), int64(3)}

	var entries, err = zipAckTags(priorityPartitioner{}, batch, handles)
	require.NoError(t, err)
	require.Equal(t, []AckMapEntry{
		{MsgID: "m1", AckTag: int64(1)},
		{MsgID: "m2", AckTag: int64(2)},
		{MsgID: "m3", AckTag: int64(3)},
	}, entries)
}

func TestZipAckTagsFlatMismatchedLength(t *testing.T) {
	var batch = []bq.PublishRecord{{Msg: msg("m1")}, {Msg: msg("m2")}}
	var handles bq.DeliveredHandles = bq.FlatHandles{"only-one"}

	var _, err = zipAckTags(priorityPartitioner{}, batch, handles)
	require.Error(t, err)
}

// Priority-queue ack-tag zipping: messages at
// priorities [hi, lo, hi] must resolve to the correct handle from each
// priority's own handle bucket, in scanned order, regardless of map
// iteration order.
func TestZipAckTagsGroupedByPriority(t *testing.T) {
	const hi, lo bq.Priority = 9, 1

	var batch = []bq.PublishRecord{
		{Msg: msg("m-hi-1"), Props: bq.Props{Priority: hi}},
		{Msg: msg("m-lo-1"), Props: bq.Props{Priority: lo}},
		{Msg: msg("m-hi-2"), Props: bq.Props{Priority: hi}},
	}
	var handles bq.DeliveredHandles = bq.GroupedHandles{
		hi: {"hi-handle-1", "hi-handle-2"},
		lo: {"lo-handle-1"},
	}

	var entries, err = zipAckTags(priorityPartitioner{}, batch, handles)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var byID = make(map[bq.MsgID]bq.AckTag, len(entries))
	for _, e := range entries {
		byID[e.MsgID] = e.AckTag
	}
	require.Equal(t, bq.AckTag("hi-handle-1"), byID["m-hi-1"])
	require.Equal(t, bq.AckTag("hi-handle-2"), byID["m-hi-2"])
	require.Equal(t, bq.AckTag("lo-handle-1"), byID["m-lo-1"])

	// Deterministic priority-ascending iteration: lo's single entry sorts
	// before hi's pair.
	require.Equal(t, bq.MsgID("m-lo-1"), entries[0].MsgID)
}

