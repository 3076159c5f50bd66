// +build rocksdb

package rocksbq

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxmq/mirrorsync/bq"
)

// newTestQueue opens a Queue rooted at a fresh temp directory, cleaned
// up via DeleteAndTerminate (which also closes the underlying
// *rocks.DB) when the test ends.
func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	var dir, err = os.MkdirTemp("", "rocksbq-test-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	var q, openErr = Open(dir)
	require.NoError(t, openErr)
	t.Cleanup(func() { _ = q.DeleteAndTerminate("test teardown") })
	return q
}

func TestBatchPublishRoundTripsThroughFold(t *testing.T) {
	var q = newTestQueue(t)

	require.NoError(t, q.BatchPublish([]bq.PublishRecord{
		{Msg: bq.Msg{ID: "m1", Payload: []byte("one")}},
		{Msg: bq.Msg{ID: "m2", Payload: []byte("two")}},
	}))
	require.Equal(t, 2, q.Depth())

	var seen []bq.MsgID
	_, err := q.Fold(func(msg bq.Msg, props bq.Props, unacked bool, acc interface{}) (bool, interface{}, error) {
		require.False(t, unacked)
		require.True(t, props.Delivered)
		require.False(t, props.NeedsConfirming)
		seen = append(seen, msg.ID)
		return true, acc, nil
	}, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []bq.MsgID{"m1", "m2"}, seen)
}

// TestBatchPublishDeliveredReturnsGroupedHandles exercises the column-
// family-per-priority storage layout directly: two priority classes
// published in one call land in two separate RocksDB column families,
// and BatchPublishDelivered reports a bq.GroupedHandles bucketed the
// same way.
func TestBatchPublishDeliveredReturnsGroupedHandles(t *testing.T) {
	var q = newTestQueue(t)
	const hi, lo bq.Priority = 9, 1

	var handles, err = q.BatchPublishDelivered([]bq.PublishRecord{
		{Msg: bq.Msg{ID: "hi-1"}, Props: bq.Props{Priority: hi}},
		{Msg: bq.Msg{ID: "lo-1"}, Props: bq.Props{Priority: lo}},
		{Msg: bq.Msg{ID: "hi-2"}, Props: bq.Props{Priority: hi}},
	})
	require.NoError(t, err)

	var grouped, ok = handles.(bq.GroupedHandles)
	require.True(t, ok)
	require.Len(t, grouped[hi], 2)
	require.Len(t, grouped[lo], 1)

	require.Equal(t, 3, q.Depth())

	var byPriority = map[bq.Priority]int{}
	_, err = q.Fold(func(msg bq.Msg, props bq.Props, unacked bool, acc interface{}) (bool, interface{}, error) {
		require.True(t, unacked)
		byPriority[props.Priority]++
		return true, acc, nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, byPriority[hi])
	require.Equal(t, 1, byPriority[lo])

	require.NoError(t, q.PurgeAcks())
	require.Equal(t, 0, q.Depth())
}

func TestPurgeOnlyClearsRegularMessages(t *testing.T) {
	var q = newTestQueue(t)

	require.NoError(t, q.BatchPublish([]bq.PublishRecord{{Msg: bq.Msg{ID: "regular"}}}))
	_, err := q.BatchPublishDelivered([]bq.PublishRecord{{Msg: bq.Msg{ID: "unacked"}}})
	require.NoError(t, err)
	require.Equal(t, 2, q.Depth())

	count, err := q.Purge()
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, 1, q.Depth())
}
