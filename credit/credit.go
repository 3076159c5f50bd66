// Package credit implements the bidirectional, token-bucket credit-flow
// accounting a syncer needs against its mirrors: send(peer), ack(peer),
// blocked(), handle_bump(msg), peer_down(peer). It has no knowledge of
// the sync protocol itself; it is a small accounting structure any
// sender with multiple flow-controlled peers can embed.
package credit

import "sync"

// Manager tracks outstanding credit per peer. A peer starts with
// |window| credit; Send charges one credit, Bump restores it. Blocked
// reports true so long as any tracked, live peer has exhausted its
// credit -- the syncer broadcasts one batch to every live mirror at
// once, so it can make forward progress only when none of them are
// starved.
type Manager struct {
	mu      sync.Mutex
	window  int
	credit  map[string]int
	down    map[string]bool
}

// NewManager returns a Manager that grants |window| credit to every
// newly tracked peer.
func NewManager(window int) *Manager {
	if window <= 0 {
		window = 1
	}
	return &Manager{
		window: window,
		credit: make(map[string]int),
		down:   make(map[string]bool),
	}
}

// Track begins accounting for peer, granting it a full window of
// credit.
func (m *Manager) Track(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit[peer] = m.window
	delete(m.down, peer)
}

// Send charges one credit against peer, for one unit of flow-
// controlled traffic (eg one forwarded batch). It is a programming
// error to call Send for a peer that was never Tracked or that is
// PeerDown; callers in this module always Track before the first Send.
func (m *Manager) Send(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit[peer]--
}

// Bump restores n credit to peer in response to an observed
// bump_credit/credit-ack notification.
func (m *Manager) Bump(peer string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credit[peer]; !ok {
		return
	}
	m.credit[peer] += n
	if m.credit[peer] > m.window {
		m.credit[peer] = m.window
	}
}

// PeerDown stops accounting for peer; a down peer can never itself
// cause Blocked to report true.
func (m *Manager) PeerDown(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credit, peer)
	m.down[peer] = true
}

// Blocked reports whether any tracked, live peer has exhausted its
// credit.
func (m *Manager) Blocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.credit {
		if c <= 0 {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of outstanding credit per live, tracked peer,
// for use by stats and trace reporting hooks.
func (m *Manager) Snapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out = make(map[string]int, len(m.credit))
	for k, v := range m.credit {
		out[k] = v
	}
	return out
}
