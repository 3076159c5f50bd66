package credit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerSendBump(t *testing.T) {
	var m = NewManager(2)
	m.Track("a")
	require.False(t, m.Blocked())

	m.Send("a")
	require.False(t, m.Blocked())
	m.Send("a")
	require.True(t, m.Blocked())

	m.Bump("a", 1)
	require.False(t, m.Blocked())
}

func TestManagerBumpCapsAtWindow(t *testing.T) {
	var m = NewManager(1)
	m.Track("a")
	m.Bump("a", 5)
	require.Equal(t, 1, m.Snapshot()["a"])
}

func TestManagerPeerDownExcludedFromBlocked(t *testing.T) {
	var m = NewManager(1)
	m.Track("a")
	m.Track("b")
	m.Send("a")
	require.True(t, m.Blocked())

	m.PeerDown("a")
	require.False(t, m.Blocked())
	require.NotContains(t, m.Snapshot(), "a")
}

func TestManagerBlockedConsidersEveryTrackedPeer(t *testing.T) {
	var m = NewManager(1)
	m.Track("a")
	m.Track("b")
	m.Send("a")
	require.True(t, m.Blocked(), "b still has credit, but a is exhausted")
}
