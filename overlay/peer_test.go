package overlay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavemesh/overlay/internal/identity"
)

func newTestConnection(kind TransportKind, direction Direction) *Connection {
	a, _ := newFakePair()
	return NewConnection(kind, direction, a, ConnHandlers{})
}

func TestPeerStateIsMonotonicJoin(t *testing.T) {
	p := NewPeer(time.Minute)
	assert.Equal(t, PeerDisconnected, p.State())

	c := newTestConnection(Direct, Outbound)
	p.SetDirectConnection(c)
	c.SetState(StateWaitingForIdentity, identity.ID{})
	assert.Equal(t, PeerConnecting, p.State())

	c.SetState(StateConnected, testIdentity(0x03))
	assert.Equal(t, PeerConnected, p.State())

	c.Close(nil)
	assert.Equal(t, PeerDisconnected, p.State())
}

func TestPeerSetConnectionClosesDisplaced(t *testing.T) {
	p := NewPeer(time.Minute)
	first := newTestConnection(Direct, Outbound)
	second := newTestConnection(Direct, Outbound)

	p.SetDirectConnection(first)
	prev := p.SetDirectConnection(second)

	require.Equal(t, first, prev)
	assert.Equal(t, StateDisconnected, first.State())
	assert.Equal(t, second, p.ConnectionFor(Direct))
}

func TestPeerKnownPeersIdempotentAndEventFiring(t *testing.T) {
	p := NewPeer(time.Minute)
	id := testIdentity(0x04)

	fired := 0
	p.SubscribeKnownPeersChanged(func() { fired++ })

	p.AddKnownPeer(id, false)
	assert.True(t, p.HasKnownPeer(id))
	assert.Equal(t, 1, fired)

	p.AddKnownPeer(id, false) // idempotent: no second event
	assert.Equal(t, 1, fired)

	p.RemoveKnownPeer(id, false)
	assert.False(t, p.HasKnownPeer(id))
	assert.Equal(t, 2, fired)

	p.RemoveKnownPeer(id, false) // idempotent
	assert.Equal(t, 2, fired)
}

func TestPeerAddKnownPeerSuppressed(t *testing.T) {
	p := NewPeer(time.Minute)
	fired := 0
	p.SubscribeKnownPeersChanged(func() { fired++ })
	p.AddKnownPeer(testIdentity(0x05), true)
	assert.Equal(t, 0, fired)
}

func TestPeerEligibleForDisposal(t *testing.T) {
	p := NewPeer(time.Minute)
	lookup := func(identity.ID) (*Peer, bool) { return nil, false }

	// Fresh, disconnected, retry not yet exhausted: not eligible.
	assert.False(t, p.EligibleForDisposal(lookup))

	p.RetryFor(Direct).NeverRetryConnecting()
	assert.True(t, p.EligibleForDisposal(lookup))
}

func TestPeerEligibleForDisposalBlockedByConnectedKnownPeer(t *testing.T) {
	p := NewPeer(time.Minute)
	p.RetryFor(Direct).NeverRetryConnecting()

	neighbourID := testIdentity(0x06)
	p.AddKnownPeer(neighbourID, true)

	neighbour := NewPeer(time.Minute)
	c := newTestConnection(Direct, Outbound)
	neighbour.SetDirectConnection(c)
	c.SetState(StateWaitingForIdentity, identity.ID{})
	c.SetState(StateConnected, neighbourID)

	lookup := func(id identity.ID) (*Peer, bool) {
		if id == neighbourID {
			return neighbour, true
		}
		return nil, false
	}
	assert.False(t, p.EligibleForDisposal(lookup))

	c.Close(nil)
	assert.True(t, p.EligibleForDisposal(lookup))
}

func TestPeerDisposeClearsSubscriptionsAndKnownPeers(t *testing.T) {
	p := NewPeer(time.Minute)
	p.AddKnownPeer(testIdentity(0x07), true)
	calls := 0
	p.SubscribeStateChanged(func(PeerState) { calls++ })

	p.Dispose()

	assert.True(t, p.Disposed())
	assert.Empty(t, p.KnownPeers())
	p.notifyStateChanged(PeerDisconnected)
	assert.Equal(t, 0, calls)
}

func TestPeerDisplayName(t *testing.T) {
	p := NewPeer(time.Minute)
	p.Address = "10.0.0.1"
	p.Port = 4242
	assert.Equal(t, "10.0.0.1:4242", p.DisplayName())

	p.setIdentity(testIdentity(0x08))
	p.Name = "alice"
	assert.Contains(t, p.DisplayName(), "alice@")
}
