// Package membership describes the membership bus used to kick off a
// sync round: a single broadcast operation with the guarantee that a
// broadcast is delivered to every candidate mirror ordered behind
// every prior broadcast from the same sender. See membership/inproc
// for a channel-based implementation used by unit tests, and
// membership/etcdbus for an Etcd-backed one.
package membership

import "context"

// MirrorID identifies a candidate mirror to the bus.
type MirrorID string

// SyncStart is the payload of a sync_start broadcast: just the round
// token, identified as a string so implementations never need to
// depend on the core package's Ref type.
type SyncStart struct {
	Ref string
}

// Bus is the membership broadcast capability the syncer depends on.
type Bus interface {
	// Register subscribes inbox to receive SyncStart broadcasts
	// targeting id. The returned func unregisters it.
	Register(id MirrorID, inbox chan<- SyncStart) (unregister func())

	// Broadcast publishes a sync_start for the given candidates. It
	// returns once the broadcast is durably ordered behind every prior
	// broadcast from this Bus -- for membership/inproc that's
	// immediate, for membership/etcdbus that's after the Etcd put
	// commits.
	Broadcast(ctx context.Context, ref string, candidates []MirrorID) error
}
