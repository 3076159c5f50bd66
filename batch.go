package mirrorsync

import "github.com/fluxmq/mirrorsync/bq"

// applyBatch is the mirror-side application of one flushed batch. It
// partitions batch consecutively by Unacked -- never by scatter, so
// publish order within each partition is preserved -- and dispatches
// each partition through the backing queue's matching fast path,
// appending any returned ack handles to ma.
//
// The source builds each same-Unacked run by prepending onto an
// accumulator as it scans (an O(1) cons in a list-based language) and
// then reverses the run before applying it; operating on a slice we
// can select the run with a sub-slice directly; the two are
// equivalent, both yield the run in its original, scanned order.
func applyBatch(q bq.Queue, batch []bq.Record, ma *AckMap) error {
	for i := 0; i < len(batch); {
		var unacked = batch[i].Unacked
		var j = i + 1
		for j < len(batch) && batch[j].Unacked == unacked {
			j++
		}
		if err := applyRun(q, batch[i:j], unacked, ma); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func applyRun(q bq.Queue, run []bq.Record, unacked bool, ma *AckMap) error {
	var records = make([]bq.PublishRecord, len(run))
	for i, r := range run {
		records[i] = bq.PublishRecord{Msg: r.Msg, Props: r.Props}
	}

	if !unacked {
		for i := range records {
			records[i].Props.Delivered = true
			records[i].Props.NeedsConfirming = false
		}
		return q.BatchPublish(records)
	}

	handles, err := q.BatchPublishDelivered(records)
	if err != nil {
		return err
	}
	entries, err := zipAckTags(q, records, handles)
	if err != nil {
		return err
	}
	*ma = append(*ma, entries...)
	return nil
}
