// +build etcd

package etcdbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/fluxmq/mirrorsync/membership"
)

// newTestClient dials the Etcd endpoint named by ETCDBUS_TEST_ENDPOINT
// (default "localhost:2379"), skipping the test if no cluster answers
// -- this package has no embedded-Etcd test harness available, so the
// broadcast-ordering guarantee is exercised against a real cluster
// rather than simulated.
func newTestClient(t *testing.T) *clientv3.Client {
	t.Helper()
	var endpoint = os.Getenv("ETCDBUS_TEST_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:2379"
	}

	var client, err = clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Skipf("dialing etcd at %s: %v", endpoint, err)
	}

	var ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, endpoint); err != nil {
		client.Close()
		t.Skipf("no etcd cluster reachable at %s: %v", endpoint, err)
	}

	t.Cleanup(func() { client.Close() })
	return client
}

// TestBroadcastDeliversToEveryRegisteredCandidate exercises Register
// and Broadcast end to end against a real Etcd cluster: every
// candidate registered before the broadcast observes the same Ref.
func TestBroadcastDeliversToEveryRegisteredCandidate(t *testing.T) {
	var client = newTestClient(t)
	var bus = New(client, "/mirrorsync-test/broadcast/"+time.Now().UTC().Format(time.RFC3339Nano))

	var inboxA = make(chan membership.SyncStart, 1)
	var inboxB = make(chan membership.SyncStart, 1)
	var unregA = bus.Register("a", inboxA)
	var unregB = bus.Register("b", inboxB)
	defer unregA()
	defer unregB()

	// Give the watches time to establish before the write they must see.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, bus.Broadcast(context.Background(), "round-1", []membership.MirrorID{"a", "b"}))

	for _, inbox := range []chan membership.SyncStart{inboxA, inboxB} {
		select {
		case start := <-inbox:
			require.Equal(t, "round-1", start.Ref)
		case <-time.After(2 * time.Second):
			t.Fatal("candidate never observed the broadcast sync_start")
		}
	}
}

// TestUnregisterStopsDelivery confirms the returned unregister func
// actually tears down the watch: a broadcast issued afterward is never
// observed by that candidate.
func TestUnregisterStopsDelivery(t *testing.T) {
	var client = newTestClient(t)
	var bus = New(client, "/mirrorsync-test/unregister/"+time.Now().UTC().Format(time.RFC3339Nano))

	var inbox = make(chan membership.SyncStart, 1)
	var unreg = bus.Register("a", inbox)
	time.Sleep(200 * time.Millisecond)
	unreg()

	require.NoError(t, bus.Broadcast(context.Background(), "round-1", []membership.MirrorID{"a"}))

	select {
	case <-inbox:
		t.Fatal("unregistered candidate still observed a broadcast")
	case <-time.After(500 * time.Millisecond):
	}
}
