package overlay

import (
	"fmt"
	"sync"
	"time"

	"github.com/weavemesh/overlay/internal/identity"
)

// PeerState is the monotonic join of a peer's connections' states (§3).
type PeerState int

const (
	PeerDisconnected PeerState = iota
	PeerConnecting
	PeerConnected
)

func (s PeerState) String() string {
	switch s {
	case PeerDisconnected:
		return "DISCONNECTED"
	case PeerConnecting:
		return "CONNECTING"
	case PeerConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// DisconnectWindow records a disconnect request's reason and expiry.
type DisconnectWindow struct {
	Reason DisconnectReason
	Until  time.Time
}

// Active reports whether the window is still in effect at now.
func (w DisconnectWindow) Active(now time.Time) bool {
	return !w.Until.IsZero() && now.Before(w.Until)
}

// Peer aggregates at most one connection of each transport kind for a
// single remote identity, runs the per-peer state machine, and tracks the
// identities it has learned are connected to the remote side (§4.D).
type Peer struct {
	mu sync.Mutex

	id    identity.ID
	hasID bool

	Name          string
	Address       string
	Port          uint16
	Version       Version
	IsWorker      bool
	IsWhitelisted bool

	LocalRequestedDisconnect DisconnectWindow
	PeerRequestedDisconnect  DisconnectWindow

	knownPeers map[identity.ID]struct{}

	directRetry   *RetryState
	assistedRetry *RetryState

	direct   *Connection
	assisted *Connection

	disposed  bool
	createdAt time.Time

	onStateChanged      []func(PeerState)
	onKnownPeersChanged []func()
}

// NewPeer creates a fresh, as-yet-unidentified peer record.
func NewPeer(backoffCeiling time.Duration) *Peer {
	return &Peer{
		knownPeers:    make(map[identity.ID]struct{}),
		directRetry:   NewRetryState(false, backoffCeiling),
		assistedRetry: NewRetryState(false, backoffCeiling),
		createdAt:     time.Now(),
	}
}

// Identity returns the peer's identity, if known.
func (p *Peer) Identity() (identity.ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id, p.hasID
}

// setIdentity assigns the peer's identity. Internal: called only by the
// manager once a handshake authenticates it (I1).
func (p *Peer) setIdentity(id identity.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id = id
	p.hasID = true
}

// DisplayName is the stable human label used only in diagnostics:
// "name@identity[0..7]" when identified (just "identity[0..7]" if no name
// is known), else "address:port".
func (p *Peer) DisplayName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasID {
		short := p.id.String()
		if len(short) > 8 {
			short = short[:8]
		}
		if p.Name != "" {
			return fmt.Sprintf("%s@%s", p.Name, short)
		}
		return short
	}
	return fmt.Sprintf("%s:%d", p.Address, p.Port)
}

// RetryFor returns the retry state for the given transport kind.
func (p *Peer) RetryFor(kind TransportKind) *RetryState {
	if kind == Direct {
		return p.directRetry
	}
	return p.assistedRetry
}

// ConnectionFor returns the currently installed connection for kind, if any.
func (p *Peer) ConnectionFor(kind TransportKind) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kind == Direct {
		return p.direct
	}
	return p.assisted
}

// SetDirectConnection installs c in the direct slot, closing and
// returning any connection it displaces (I3).
func (p *Peer) SetDirectConnection(c *Connection) *Connection {
	p.mu.Lock()
	prev := p.direct
	p.direct = c
	p.mu.Unlock()
	if prev != nil && prev != c {
		prev.Close(protocolErr("replaced", ErrSlotOccupied))
	}
	return prev
}

// SetAssistedConnection installs c in the assisted slot, closing and
// returning any connection it displaces (I3).
func (p *Peer) SetAssistedConnection(c *Connection) *Connection {
	p.mu.Lock()
	prev := p.assisted
	p.assisted = c
	p.mu.Unlock()
	if prev != nil && prev != c {
		prev.Close(protocolErr("replaced", ErrSlotOccupied))
	}
	return prev
}

// ClearConnection removes c from whichever slot holds it, leaving the
// slot empty. Used when migrating a connection to a different peer record.
func (p *Peer) ClearConnection(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.direct == c {
		p.direct = nil
	}
	if p.assisted == c {
		p.assisted = nil
	}
}

// State computes the peer's state as the monotonic join of its
// connections' states (§3).
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Peer) stateLocked() PeerState {
	anyLive := false
	for _, c := range [...]*Connection{p.direct, p.assisted} {
		if c == nil {
			continue
		}
		switch c.State() {
		case StateConnected:
			return PeerConnected
		case StateDisconnected:
			// not live
		default:
			anyLive = true
		}
	}
	if anyLive {
		return PeerConnecting
	}
	return PeerDisconnected
}

// IsIdle reports both connection slots are empty or disconnected (I4).
func (p *Peer) IsIdle() bool {
	return p.State() == PeerDisconnected
}

// Close closes every live connection on this peer.
func (p *Peer) Close(reason error) {
	p.mu.Lock()
	d, a := p.direct, p.assisted
	p.mu.Unlock()
	if d != nil {
		d.Close(reason)
	}
	if a != nil {
		a.Close(reason)
	}
}

// AddKnownPeer records that the remote side told us it knows id.
// Idempotent; fires onKnownPeersChanged unless suppressed.
func (p *Peer) AddKnownPeer(id identity.ID, suppress bool) {
	p.mu.Lock()
	_, existed := p.knownPeers[id]
	if !existed {
		p.knownPeers[id] = struct{}{}
	}
	subs := p.onKnownPeersChanged
	p.mu.Unlock()
	if !existed && !suppress {
		for _, fn := range subs {
			fn()
		}
	}
}

// RemoveKnownPeer removes id from the known-peers set. Idempotent; fires
// onKnownPeersChanged unless suppressed.
func (p *Peer) RemoveKnownPeer(id identity.ID, suppress bool) {
	p.mu.Lock()
	_, existed := p.knownPeers[id]
	delete(p.knownPeers, id)
	subs := p.onKnownPeersChanged
	p.mu.Unlock()
	if existed && !suppress {
		for _, fn := range subs {
			fn()
		}
	}
}

// KnownPeers returns a snapshot of the identities this peer has told us
// it's connected to.
func (p *Peer) KnownPeers() []identity.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]identity.ID, 0, len(p.knownPeers))
	for id := range p.knownPeers {
		out = append(out, id)
	}
	return out
}

// HasKnownPeer reports whether id is in this peer's known-peers set.
func (p *Peer) HasKnownPeer(id identity.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.knownPeers[id]
	return ok
}

// HasConnectedKnownPeer is used by the disposal rule: true if any
// identity in knownPeers currently resolves (via the supplied lookup) to
// a CONNECTED peer.
func (p *Peer) HasConnectedKnownPeer(lookup func(identity.ID) (*Peer, bool)) bool {
	for _, id := range p.KnownPeers() {
		if other, ok := lookup(id); ok && other.State() == PeerConnected {
			return true
		}
	}
	return false
}

// SubscribeStateChanged registers fn to be called on every peer state
// transition, until Dispose clears all subscriptions.
func (p *Peer) SubscribeStateChanged(fn func(PeerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStateChanged = append(p.onStateChanged, fn)
}

// SubscribeKnownPeersChanged registers fn to be called whenever
// knownPeers gains or loses an edge (unless the mutation suppressed the
// event for bulk updates).
func (p *Peer) SubscribeKnownPeersChanged(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onKnownPeersChanged = append(p.onKnownPeersChanged, fn)
}

// notifyStateChanged invokes every onStateChanged subscriber. Called by
// the manager after a connection event changes this peer's derived state.
func (p *Peer) notifyStateChanged(s PeerState) {
	p.mu.Lock()
	subs := p.onStateChanged
	p.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// Dispose clears every neighbour edge and releases all event
// subscriptions in one step (§4.D). After Dispose the record must not
// appear in any registry.
func (p *Peer) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disposed = true
	p.knownPeers = make(map[identity.ID]struct{})
	p.onStateChanged = nil
	p.onKnownPeersChanged = nil
}

// Disposed reports whether Dispose has run.
func (p *Peer) Disposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// EligibleForDisposal implements the lifecycle rule from §3: a peer is
// disposed only when it is DISCONNECTED, has no CONNECTED neighbour in
// knownPeers, and its primary (direct) transport retry is neverRetry.
func (p *Peer) EligibleForDisposal(lookup func(identity.ID) (*Peer, bool)) bool {
	if p.State() != PeerDisconnected {
		return false
	}
	if p.HasConnectedKnownPeer(lookup) {
		return false
	}
	return p.directRetry.NeverRetry()
}
