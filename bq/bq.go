// Package bq describes the backing-queue capability that a mirror-queue
// sync round is built on top of. It is a duck-typed interface over
// whatever storage engine a queue replica actually uses (see
// bq/memqueue for an in-memory reference implementation used by tests,
// and bq/rocksbq for a RocksDB-backed one).
//
// None of the concrete storage semantics belong to the sync protocol
// itself -- the protocol only ever reads and writes through this
// interface, so it can run unmodified against any Queue implementation.
package bq

import "time"

// MsgID is an immutable message identifier, stable across publish and
// redelivery.
type MsgID string

// Priority is the priority class a message was published at. Priority
// queues group delivered-ack handles by this value; flat queues ignore
// it.
type Priority uint8

// Msg is the immutable identifier/payload pair carried by a message.
type Msg struct {
	ID      MsgID
	Payload []byte
}

// Props carries delivery metadata attached to a message as it moves
// through the sync path.
type Props struct {
	Priority        Priority
	Delivered       bool
	NeedsConfirming bool
}

// Record is a single message as observed by the sync path: its
// identity/payload, its delivery metadata, and whether the master held
// it delivered-but-unacknowledged (Unacked) versus as a plain enqueued
// message.
type Record struct {
	Msg     Msg
	Props   Props
	Unacked bool
}

// PublishRecord is a Record with Unacked already implied by which batch
// operation it is passed to.
type PublishRecord struct {
	Msg   Msg
	Props Props
}

// AckTag is the backing queue's opaque handle for a delivered-but-
// unacknowledged message. Two concrete shapes are returned by
// BatchPublishDelivered, see DeliveredHandles.
type AckTag interface{}

// DeliveredHandles is the result of BatchPublishDelivered. Exactly one
// of FlatHandles or GroupedHandles is the dynamic type; callers use a
// type switch to discover which, mirroring the backing queue's own
// ability to return either a flat, flat backing queue (array-backed)
// or a priority queue (one group of handles per priority class).
type DeliveredHandles interface {
	handles()
}

// FlatHandles is returned by backing queues with no priority
// structure: one handle per input record, in input order.
type FlatHandles []AckTag

func (FlatHandles) handles() {}

// GroupedHandles is returned by priority-queue backing queues: handles
// bucketed per priority, each bucket in the order its priority's
// records were passed to BatchPublishDelivered.
type GroupedHandles map[Priority][]AckTag

func (GroupedHandles) handles() {}

// FoldFunc is invoked once per message visited by Fold, in queue order.
// A FoldFunc is free to block (eg to apply the master's one-batch-in-
// flight flow control) before returning. Returning cont=false aborts
// the fold; if stopErr is non-nil it is returned from Fold, otherwise
// Fold returns nil having stopped early by request.
type FoldFunc func(msg Msg, props Props, unacked bool, acc interface{}) (cont bool, acc2 interface{}, stopErr error)

// Queue is the set of backing-queue operations the sync protocol
// consumes.
type Queue interface {
	// Depth returns the current message count, used as the fold's |len|.
	Depth() int

	// Fold walks a point-in-time snapshot of the queue, invoking fn once
	// per message. It returns the final accumulator and, if fn requested
	// early termination, the error it supplied.
	Fold(fn FoldFunc, acc interface{}) (acc2 interface{}, err error)

	// Purge discards all regular (non-ack-tracked) messages, returning
	// the count removed.
	Purge() (count int, err error)

	// PurgeAcks discards all ack-tracked (delivered-but-unacked)
	// messages.
	PurgeAcks() error

	// BatchPublish enqueues regular messages in order. Used for
	// Unacked == false batches; every record must already carry
	// Delivered == true and NeedsConfirming == false.
	BatchPublish(records []PublishRecord) error

	// BatchPublishDelivered republishes messages directly into the
	// delivered-but-unacked state, returning ack handles for each.
	// Used for Unacked == true batches.
	BatchPublishDelivered(records []PublishRecord) (DeliveredHandles, error)

	// PartitionByPriority buckets records by Props.Priority, preserving
	// the relative order of records sharing a priority. Used to zip
	// GroupedHandles back to their originating records.
	PartitionByPriority(records []PublishRecord) map[Priority][]PublishRecord

	// Invoke runs an arbitrary backing-queue hook (the administrative
	// "run-backing-queue" cast) against the live queue.
	Invoke(fn func(Queue))

	// SetRamDurationTarget applies the ram-duration administrative cast.
	SetRamDurationTarget(d time.Duration)

	// DeleteAndTerminate tears the queue down irrecoverably, eg in
	// response to an out-of-band master termination cast.
	DeleteAndTerminate(reason string) error
}
