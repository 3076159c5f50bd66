// Package etcdbus implements membership.Bus atop Etcd. A sync_start
// broadcast is a Put to a single per-queue key; Etcd totally orders
// every write to that key by revision, so watchers necessarily observe
// broadcasts in the same order the master issued them, without a
// bespoke sequencer.
package etcdbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/fluxmq/mirrorsync/membership"
)

// Bus is a membership.Bus backed by an Etcd cluster. All candidate
// mirrors for a given queue share one broadcast key, keyed by |prefix|.
type Bus struct {
	client *clientv3.Client
	prefix string

	mu      sync.Mutex
	cancels map[membership.MirrorID]context.CancelFunc
}

// New returns a Bus broadcasting sync_start announcements for one queue
// under prefix (eg "/queues/<name>/sync").
func New(client *clientv3.Client, prefix string) *Bus {
	return &Bus{
		client:  client,
		prefix:  prefix,
		cancels: make(map[membership.MirrorID]context.CancelFunc),
	}
}

func (b *Bus) key() string { return b.prefix }

// Register starts a watch on the broadcast key and forwards every
// observed sync_start to inbox until unregistered.
func (b *Bus) Register(id membership.MirrorID, inbox chan<- membership.SyncStart) func() {
	var ctx, cancel = context.WithCancel(context.Background())

	b.mu.Lock()
	b.cancels[id] = cancel
	b.mu.Unlock()

	go func() {
		var watch = b.client.Watch(ctx, b.key())
		for resp := range watch {
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				select {
				case inbox <- membership.SyncStart{Ref: string(ev.Kv.Value)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return func() {
		b.mu.Lock()
		delete(b.cancels, id)
		b.mu.Unlock()
		cancel()
	}
}

// Broadcast publishes ref to the broadcast key and waits for Etcd to
// commit it, so the call only returns once delivery ordering is
// guaranteed.
func (b *Bus) Broadcast(ctx context.Context, ref string, candidates []membership.MirrorID) error {
	if _, err := b.client.Put(ctx, b.key(), ref); err != nil {
		return errors.Wrap(err, fmt.Sprintf("etcdbus: put sync_start for %d candidates", len(candidates)))
	}
	return nil
}
