package memqueue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxmq/mirrorsync/bq"
)

func TestFoldVisitsSeedInOrder(t *testing.T) {
	var q = New(
		bq.Record{Msg: bq.Msg{ID: "r1"}, Unacked: false},
		bq.Record{Msg: bq.Msg{ID: "r2"}, Unacked: false},
		bq.Record{Msg: bq.Msg{ID: "u1"}, Unacked: true},
	)
	require.Equal(t, 3, q.Depth())

	var seen []bq.MsgID
	_, err := q.Fold(func(m bq.Msg, _ bq.Props, _ bool, acc interface{}) (bool, interface{}, error) {
		seen = append(seen, m.ID)
		return true, acc, nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []bq.MsgID{"r1", "r2", "u1"}, seen)
}

func TestFoldEarlyStop(t *testing.T) {
	var q = New(
		bq.Record{Msg: bq.Msg{ID: "r1"}},
		bq.Record{Msg: bq.Msg{ID: "r2"}},
	)
	var visited int
	_, err := q.Fold(func(bq.Msg, bq.Props, bool, interface{}) (bool, interface{}, error) {
		visited++
		return false, nil, assertErr
	}, nil)
	require.ErrorIs(t, err, assertErr)
	require.Equal(t, 1, visited)
}

var assertErr = errStop("stop")

type errStop string

func (e errStop) Error() string { return string(e) }

func TestPurgeClearsOnlyRegular(t *testing.T) {
	var q = New(
		bq.Record{Msg: bq.Msg{ID: "r1"}, Unacked: false},
		bq.Record{Msg: bq.Msg{ID: "u1"}, Unacked: true},
	)
	n, err := q.Purge()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, q.Depth())

	require.NoError(t, q.PurgeAcks())
	require.Equal(t, 0, q.Depth())
}

func TestBatchPublishDeliveredReturnsUniqueFlatHandles(t *testing.T) {
	var q = New()
	handles, err := q.BatchPublishDelivered([]bq.PublishRecord{
		{Msg: bq.Msg{ID: "a"}},
		{Msg: bq.Msg{ID: "b"}},
	})
	require.NoError(t, err)

	flat, ok := handles.(bq.FlatHandles)
	require.True(t, ok)
	require.Len(t, flat, 2)
	require.NotEqual(t, flat[0], flat[1])
}

func TestPartitionByPriorityPreservesOrder(t *testing.T) {
	var q = New()
	var records = []bq.PublishRecord{
		{Msg: bq.Msg{ID: "a"}, Props: bq.Props{Priority: 1}},
		{Msg: bq.Msg{ID: "b"}, Props: bq.Props{Priority: 2}},
		{Msg: bq.Msg{ID: "c"}, Props: bq.Props{Priority: 1}},
	}
	var groups = q.PartitionByPriority(records)
	require.Len(t, groups[1], 2)
	require.Equal(t, bq.MsgID("a"), groups[1][0].Msg.ID)
	require.Equal(t, bq.MsgID("c"), groups[1][1].Msg.ID)
	require.Len(t, groups[2], 1)
}

func TestDeleteAndTerminateClearsQueue(t *testing.T) {
	var q = New(bq.Record{Msg: bq.Msg{ID: "r1"}})
	require.NoError(t, q.DeleteAndTerminate("shutting down"))
	require.Equal(t, 0, q.Depth())
}
