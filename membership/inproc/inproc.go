// Package inproc implements membership.Bus with plain Go channels, for
// single-process tests and the demo binary. Go channels already
// guarantee FIFO delivery from a single sender to a single receiver,
// which is exactly the ordering membership.Bus promises, so there is no
// sequencing machinery to get wrong here -- unlike membership/etcdbus,
// which has to earn that guarantee from Etcd's revision ordering.
package inproc

import (
	"context"
	"sync"

	"github.com/fluxmq/mirrorsync/membership"
)

// Bus is an in-memory membership.Bus.
type Bus struct {
	mu      sync.Mutex
	inboxes map[membership.MirrorID]chan<- membership.SyncStart
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{inboxes: make(map[membership.MirrorID]chan<- membership.SyncStart)}
}

func (b *Bus) Register(id membership.MirrorID, inbox chan<- membership.SyncStart) func() {
	b.mu.Lock()
	b.inboxes[id] = inbox
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.inboxes, id)
		b.mu.Unlock()
	}
}

func (b *Bus) Broadcast(ctx context.Context, ref string, candidates []membership.MirrorID) error {
	b.mu.Lock()
	var targets = make([]chan<- membership.SyncStart, 0, len(candidates))
	for _, id := range candidates {
		if ch, ok := b.inboxes[id]; ok {
			targets = append(targets, ch)
		}
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- membership.SyncStart{Ref: ref}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
