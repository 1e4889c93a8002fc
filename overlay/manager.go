// Package overlay implements the Peer Manager: peer lifecycle, the
// per-connection state machine, identity handshaking, duplicate-connection
// arbitration, signal relaying for assisted NAT-traversal sessions, and
// gossip of the connected-peer graph. The manager is single-threaded by
// discipline (§5): every mutation to peer records, retry states, and the
// identity routing table happens on one goroutine, reached only through
// the run() and post() helpers below, so the package needs no locks of its own beyond
// those already owned by Connection and Peer.
package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/weavemesh/overlay/internal/config"
	"github.com/weavemesh/overlay/internal/identity"
)

// Manager is the Peer Manager: the sole owner of the peer set and the
// identity routing table (§9 "global state: there is none at the core
// level; a Peer Manager instance owns everything").
type Manager struct {
	cfg   *config.Config
	local *LocalPeer
	mtx   *Metrics

	actions chan func()
	quit    chan struct{}
	wg      sync.WaitGroup

	peers           []*Peer
	identifiedPeers map[identity.ID]*Peer

	// assistedBrokers records which peer is carrying signalling for an
	// assisted Connection, so outbound signals (onConnSignal) go back out
	// through the same broker a session was opened with rather than a
	// freshly re-randomized pick.
	assistedBrokers map[*Connection]*Peer

	onConnect               []func(*Peer)
	onDisconnect            []func(*Peer)
	onMessage               []func(*Peer, Message)
	onConnectedPeersChanged []func()
	onKnownPeersChanged     []func(*Peer)

	started bool
}

// NewManager constructs a Peer Manager for the given local identity and
// configuration. Call Start before dialling or accepting any connections.
func NewManager(cfg *config.Config, local *LocalPeer, mtx *Metrics) *Manager {
	if mtx == nil {
		mtx = NewMetrics()
	}
	return &Manager{
		cfg:             cfg,
		local:           local,
		mtx:             mtx,
		actions:         make(chan func(), 256),
		quit:            make(chan struct{}),
		identifiedPeers: make(map[identity.ID]*Peer),
		assistedBrokers: make(map[*Connection]*Peer),
	}
}

// run posts fn to the manager's single event loop and blocks until it has
// run to completion. Every exported operation goes through run; internal
// handlers (already executing on the loop goroutine) call their lowercase
// counterparts directly instead of recursing through run, which would
// deadlock against an unbuffered wait.
func (m *Manager) run(fn func()) {
	done := make(chan struct{})
	select {
	case m.actions <- func() { fn(); close(done) }:
	case <-m.quit:
		return
	}
	select {
	case <-done:
	case <-m.quit:
	}
}

// post enqueues fn to run on the loop without waiting for it, for use by
// transport callbacks that must not block the transport's own goroutine.
func (m *Manager) post(fn func()) {
	select {
	case m.actions <- fn:
	case <-m.quit:
	}
}

// Start launches the event loop and the two periodic tasks: peer-list
// broadcast and the disposal sweep (§4.F).
func (m *Manager) Start(ctx context.Context) {
	if m.started {
		return
	}
	m.started = true
	m.quit = make(chan struct{})
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop disconnects every known peer with reason ShuttingDown and halts the
// event loop and periodic tasks exactly once.
func (m *Manager) Stop() {
	if !m.started {
		return
	}
	until := time.Now().Add(365 * 24 * time.Hour)
	m.run(func() {
		for _, p := range append([]*Peer(nil), m.peers...) {
			m.disconnectLocked(p, ReasonShuttingDown, until)
		}
	})
	close(m.quit)
	m.wg.Wait()
	m.started = false
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	broadcast := time.NewTicker(m.cfg.BroadcastInterval)
	dispose := time.NewTicker(m.cfg.DisposeInterval)
	defer broadcast.Stop()
	defer dispose.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			// Drain whatever the shutdown disconnects just posted (e.g.
			// disposal bookkeeping from onConnStateChanged) before exiting.
			for {
				select {
				case fn := <-m.actions:
					fn()
				default:
					return
				}
			}
		case fn := <-m.actions:
			fn()
		case <-broadcast.C:
			m.broadcastPeerList()
		case <-dispose.C:
			m.disposePeers()
		}
	}
}

// ---- peer registry -------------------------------------------------------

// lookupByIdentity returns the identified peer for id, if any.
func (m *Manager) lookupByIdentity(id identity.ID) (*Peer, bool) {
	p, ok := m.identifiedPeers[id]
	return p, ok
}

// newPeer allocates and registers a fresh, as-yet-unidentified peer.
func (m *Manager) newPeer() *Peer {
	p := NewPeer(m.cfg.BackoffCeiling)
	m.peers = append(m.peers, p)
	return p
}

// removePeer drops p from the flat registry (not from identifiedPeers;
// callers must do that themselves when appropriate).
func (m *Manager) removePeer(p *Peer) {
	for i, q := range m.peers {
		if q == p {
			m.peers = append(m.peers[:i], m.peers[i+1:]...)
			return
		}
	}
}

// identify registers the connection's authenticated identity on p,
// performing the merge described in §4.F "Identifying and merging". It
// returns the peer that now owns the connection: either p itself, or the
// incumbent record the connection was migrated onto.
func (m *Manager) identify(p *Peer, id identity.ID, c *Connection) *Peer {
	incumbent, exists := m.identifiedPeers[id]
	if !exists || incumbent == p {
		p.setIdentity(id)
		m.identifiedPeers[id] = p
		m.notifyConnect(p)
		return p
	}

	// Another record already owns this identity: transfer the live
	// connection onto it and dispose the duplicate, preserving the
	// incumbent's object identity for outside holders (I2).
	switch c.Kind {
	case Direct:
		incumbent.SetDirectConnection(c)
	case Assisted:
		incumbent.SetAssistedConnection(c)
	}
	p.ClearConnection(c)
	p.RetryFor(Direct).NeverRetryConnecting()
	p.RetryFor(Assisted).NeverRetryConnecting()
	m.tryDispose(p)
	m.notifyConnect(incumbent)
	return incumbent
}

// tryDispose disposes p if it is eligible per the lifecycle rule in §3,
// removing it from both the flat list and identifiedPeers.
func (m *Manager) tryDispose(p *Peer) {
	if p.Disposed() {
		return
	}
	if !p.EligibleForDisposal(m.lookupByIdentity) {
		return
	}
	if id, ok := p.Identity(); ok {
		if m.identifiedPeers[id] == p {
			delete(m.identifiedPeers, id)
		}
	}
	m.removePeer(p)
	p.Dispose()
	m.mtx.DisposalsTotal.Inc()
}

// disposePeers is the periodic sweep (§4.F): attempt to dispose every
// peer per the lifecycle rule.
func (m *Manager) disposePeers() {
	for _, p := range append([]*Peer(nil), m.peers...) {
		m.tryDispose(p)
	}
}

// ---- connection wiring ----------------------------------------------------

// wireConnection builds the ConnHandlers that make a Connection's events
// hop onto the manager's single event loop (§5's "transport callbacks are
// posted to the same loop").
func (m *Manager) wireConnection(p *Peer, c *Connection) ConnHandlers {
	return ConnHandlers{
		OnStateChanged: func(c *Connection, prev, next ConnState) {
			m.post(func() { m.onConnStateChanged(p, c, prev, next) })
		},
		OnMessage: func(c *Connection, frame []byte) {
			m.post(func() { m.onConnMessage(p, c, frame) })
		},
		OnSignal: func(c *Connection, payload []byte) {
			m.post(func() { m.onConnSignal(p, c, payload) })
		},
		OnReady: func(c *Connection) {
			m.post(func() { m.onConnReady(p, c) })
		},
	}
}

// onConnReady fires once an assisted handle's underlying session finishes
// negotiating and is ready to carry frames. It is the assisted path's
// equivalent of a direct dial simply returning successfully: it drives
// SIGNALING -> WAITING_FOR_IDENTITY and sends our identity frame, the same
// two steps connectViaDirectLocked and AcceptInboundDirect perform
// synchronously right after the transport handle is created.
func (m *Manager) onConnReady(p *Peer, c *Connection) {
	if c.State() != StateSignaling {
		return
	}
	c.SetState(StateWaitingForIdentity, identity.ID{})
	m.sendIdentity(p, c)
}

func (m *Manager) onConnStateChanged(p *Peer, c *Connection, prev, next ConnState) {
	if next == StateConnected {
		m.mtx.ConnectsTotal.WithLabelValues(c.Kind.String(), c.Direction.String()).Inc()
	}
	if next == StateDisconnected {
		m.mtx.DisconnectsTotal.WithLabelValues(c.Kind.String()).Inc()
		kind := c.Kind
		if kind == Direct {
			p.RetryFor(Direct).RecordFailure(time.Now())
		} else {
			p.RetryFor(Assisted).RecordFailure(time.Now())
			delete(m.assistedBrokers, c)
		}
	}
	p.notifyStateChanged(p.State())
	if p.State() == PeerDisconnected {
		m.notifyDisconnect(p)
		m.tryDispose(p)
	}
	m.refreshConnectedGauge()
}

func (m *Manager) onConnMessage(p *Peer, c *Connection, frame []byte) {
	m.handleFrame(p, c, frame)
}

func (m *Manager) onConnSignal(p *Peer, c *Connection, payload []byte) {
	id, ok := p.Identity()
	if !ok {
		slog.Debug("overlay: signal from unidentified peer dropped", "peer", p.DisplayName())
		return
	}
	broker, ok := m.assistedBrokers[c]
	if !ok {
		broker, ok = m.selectBrokerFor(p)
	}
	if !ok {
		slog.Debug("overlay: no broker to carry outbound signal", "peer", p.DisplayName())
		return
	}
	nonce, ciphertext, err := m.local.Crypto.Box(payload, id)
	if err != nil {
		slog.Debug("overlay: failed to box outbound signal", "peer", p.DisplayName(), "error", err)
		return
	}
	nonceStr, sigStr := encodeSignalNonceAndCiphertext(nonce, ciphertext)
	m.sendEnvelopeTo(broker, TypeSignal, SignalPayload{
		SourceIdentity:      m.local.Identity.String(),
		DestinationIdentity: id.String(),
		Nonce:               nonceStr,
		Signal:              sigStr,
	})
}

func (m *Manager) refreshConnectedGauge() {
	connected := 0
	for _, p := range m.peers {
		if p.State() == PeerConnected {
			connected++
		}
	}
	m.mtx.ConnectedPeers.Set(float64(connected))
	m.mtx.IdentifiedPeers.Set(float64(len(m.identifiedPeers)))
}

// ---- dial admission --------------------------------------------------

// canDial implements the five-part admission predicate from §4.F.
func (m *Manager) canDial(p *Peer, kind TransportKind) error {
	if len(m.connectedPeers()) >= m.cfg.TargetPeers && p.State() == PeerDisconnected {
		return policyErr("canDial", ErrDialNotAdmitted)
	}
	if p.PeerRequestedDisconnect.Active(time.Now()) {
		return policyErr("canDial", ErrLocalDisconnectActive)
	}
	if p.ConnectionFor(kind) != nil {
		return policyErr("canDial", ErrSlotOccupied)
	}
	if !p.RetryFor(kind).CanConnect(time.Now()) {
		return policyErr("canDial", ErrDialNotAdmitted)
	}
	if kind == Direct {
		if p.Address == "" {
			return policyErr("canDial", ErrNoAddress)
		}
	} else {
		if _, ok := p.Identity(); !ok {
			return policyErr("canDial", ErrNoIdentity)
		}
	}
	return nil
}

func (m *Manager) connectedPeers() []*Peer {
	var out []*Peer
	for _, p := range m.peers {
		if p.State() == PeerConnected {
			out = append(out, p)
		}
	}
	return out
}

// selectBrokerFor implements broker selection for assisted dials (§4.F).
func (m *Manager) selectBrokerFor(target *Peer) (*Peer, bool) {
	if target.State() == PeerConnected {
		return target, true
	}
	targetID, ok := target.Identity()
	if !ok {
		return nil, false
	}
	var candidates []*Peer
	for _, known := range target.KnownPeers() {
		c, ok := m.lookupByIdentity(known)
		if !ok || c.State() != PeerConnected {
			continue
		}
		if c.HasKnownPeer(targetID) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[rand.IntN(len(candidates))], true
}

// ---- public operations -----------------------------------------------

// ConnectToAddress creates a peer for address:port and attempts a direct
// outbound dial to it.
func (m *Manager) ConnectToAddress(address string, port uint16) *Peer {
	var result *Peer
	m.run(func() {
		p := m.newPeer()
		p.Address = address
		p.Port = port
		for _, w := range m.cfg.Whitelisted {
			if w == address {
				p.IsWhitelisted = true
				p.directRetry = NewRetryState(true, m.cfg.BackoffCeiling)
				p.assistedRetry = NewRetryState(true, m.cfg.BackoffCeiling)
				break
			}
		}
		result = p
		m.connectViaDirectLocked(p)
	})
	return result
}

// ConnectViaDirect dials p's configured address over the direct transport,
// subject to canDial.
func (m *Manager) ConnectViaDirect(p *Peer) bool {
	var ok bool
	m.run(func() { ok = m.connectViaDirectLocked(p) })
	return ok
}

func (m *Manager) connectViaDirectLocked(p *Peer) bool {
	if err := m.canDial(p, Direct); err != nil {
		slog.Debug("overlay: direct dial not admitted", "peer", p.DisplayName(), "error", err)
		return false
	}
	handle, err := m.local.Direct.Dial(context.Background(), p.Address, p.Port)
	if err != nil {
		p.RetryFor(Direct).RecordFailure(time.Now())
		slog.Debug("overlay: direct dial failed", "peer", p.DisplayName(), "error", err)
		return false
	}
	c := NewConnection(Direct, Outbound, handle, ConnHandlers{})
	c.handlers = m.wireConnection(p, c)
	p.SetDirectConnection(c)
	c.SetState(StateWaitingForIdentity, identity.ID{})
	m.sendIdentity(p, c)
	return true
}

// ConnectViaAssisted opens an assisted-transport session to p through a
// broker, per the initiator-assignment rule in §4.F.
func (m *Manager) ConnectViaAssisted(p *Peer) bool {
	var ok bool
	m.run(func() { ok = m.connectViaAssistedLocked(p) })
	return ok
}

func (m *Manager) connectViaAssistedLocked(p *Peer) bool {
	if err := m.canDial(p, Assisted); err != nil {
		slog.Debug("overlay: assisted dial not admitted", "peer", p.DisplayName(), "error", err)
		return false
	}
	targetID, ok := p.Identity()
	if !ok {
		return false
	}

	if !canInitiate(m.local.Identity, targetID) {
		broker, ok := m.selectBrokerFor(p)
		if !ok {
			slog.Debug("overlay: no broker available for assisted dial", "peer", p.DisplayName())
			return false
		}
		m.requestSignalingLocked(p, broker)
		m.sendEnvelopeTo(broker, TypeSignalRequest, SignalRequestPayload{
			SourceIdentity:      m.local.Identity.String(),
			DestinationIdentity: targetID.String(),
		})
		return true
	}

	broker, ok := m.selectBrokerFor(p)
	if !ok {
		slog.Debug("overlay: no broker available for assisted dial", "peer", p.DisplayName())
		return false
	}
	return m.openAssisted(p, broker, true)
}

// pendingAssistedHandle occupies a Connection's transport-handle slot while
// it sits in REQUEST_SIGNALING (§3): we have asked a broker to relay a
// SignalRequest to the peer, but no real assisted session exists yet, since
// creating one requires knowing which side is the WebRTC-style offerer.
// Send and Close are never meaningfully reachable through it — Connection
// only admits Send in WAITING_FOR_IDENTITY/CONNECTED, and Close is replaced
// by the real handle's Close once beginSignalingLocked swaps it in — but
// both must still satisfy TransportHandle.
type pendingAssistedHandle struct{}

func (pendingAssistedHandle) Send([]byte) error              { return ErrSlotOccupied }
func (pendingAssistedHandle) Close() error                   { return nil }
func (pendingAssistedHandle) SetReceiveHandler(func([]byte)) {}
func (pendingAssistedHandle) SetCloseHandler(func(error))    {}

// requestSignalingLocked occupies p's assisted slot with a REQUEST_SIGNALING
// connection for the duration of an outbound SignalRequest, so (a) canDial
// refuses to send a second one while the first is outstanding and (b) the
// state the spec models for this window has a live Connection to observe.
// It is promoted to a real session by beginSignalingLocked once the
// initiator's first Signal arrives back through the broker.
func (m *Manager) requestSignalingLocked(p, broker *Peer) {
	c := NewConnection(Assisted, Outbound, pendingAssistedHandle{}, ConnHandlers{})
	c.handlers = m.wireConnection(p, c)
	p.SetAssistedConnection(c)
	if broker != nil {
		m.assistedBrokers[c] = broker
	}
	c.SetState(StateRequestSignaling, identity.ID{})
}

// openAssisted creates the local half of a fresh assisted session to p,
// using broker to carry signalling, with this side as initiator or
// responder. Used when no prior REQUEST_SIGNALING placeholder exists:
// either we are the initiator ourselves, or an unsolicited Signal arrived
// for a peer we had not yet requested signalling with.
func (m *Manager) openAssisted(p, broker *Peer, initiator bool) bool {
	handle, err := m.local.Assisted.Create(initiator)
	if err != nil {
		slog.Debug("overlay: failed to create assisted handle", "peer", p.DisplayName(), "error", err)
		return false
	}
	c := NewConnection(Assisted, directionFor(initiator), handle, ConnHandlers{})
	c.handlers = m.wireConnection(p, c)
	p.SetAssistedConnection(c)
	if broker != nil {
		m.assistedBrokers[c] = broker
	}
	c.SetState(StateSignaling, identity.ID{})
	return true
}

// beginSignalingLocked swaps a REQUEST_SIGNALING connection's placeholder
// handle for a real assisted-transport handle now that signalling has
// actually begun, and advances REQUEST_SIGNALING -> SIGNALING.
func (m *Manager) beginSignalingLocked(c *Connection, p *Peer, initiator bool) bool {
	handle, err := m.local.Assisted.Create(initiator)
	if err != nil {
		slog.Debug("overlay: failed to create assisted handle", "peer", p.DisplayName(), "error", err)
		return false
	}
	c.attachHandle(handle)
	c.SetState(StateSignaling, identity.ID{})
	return true
}

func directionFor(initiator bool) Direction {
	if initiator {
		return Outbound
	}
	return Inbound
}

// AcceptInboundDirect wraps an accepted inbound transport session into a
// fresh peer record and begins its handshake.
func (m *Manager) AcceptInboundDirect(handle TransportHandle, address string) *Peer {
	var result *Peer
	m.run(func() {
		p := m.newPeer()
		p.Address = address
		result = p
		c := NewConnection(Direct, Inbound, handle, ConnHandlers{})
		c.handlers = m.wireConnection(p, c)
		p.SetDirectConnection(c)
		c.SetState(StateWaitingForIdentity, identity.ID{})
		m.sendIdentity(p, c)
	})
	return result
}

// Disconnect sets p's local-requested-disconnect window, notifies every
// live connection that can still transmit, then closes p.
func (m *Manager) Disconnect(p *Peer, reason DisconnectReason, until time.Time) {
	m.run(func() { m.disconnectLocked(p, reason, until) })
}

func (m *Manager) disconnectLocked(p *Peer, reason DisconnectReason, until time.Time) {
	p.LocalRequestedDisconnect = DisconnectWindow{Reason: reason, Until: until}
	for _, kind := range [...]TransportKind{Direct, Assisted} {
		c := p.ConnectionFor(kind)
		if c == nil {
			continue
		}
		if id, ok := p.Identity(); ok {
			m.sendFrameOn(c, TypeDisconnecting, DisconnectingPayload{
				SourceIdentity:      m.local.Identity.String(),
				DestinationIdentity: strPtr(id.String()),
				Reason:              reason,
				DisconnectUntil:     until.UnixMilli(),
			})
		}
	}
	p.Close(policyErr("disconnect", fmt.Errorf("local disconnect: %s", reason)))
}

// SendTo delivers an application-layer message to p over whichever
// connection is ready. Returns false if neither slot is admitted.
func (m *Manager) SendTo(p *Peer, msg Message) bool {
	var ok bool
	m.run(func() {
		for _, kind := range [...]TransportKind{Direct, Assisted} {
			c := p.ConnectionFor(kind)
			if c == nil {
				continue
			}
			raw, err := encodeEnvelope(msg.Type, rawMessage(msg.Payload))
			if err != nil {
				continue
			}
			if c.Send(raw) {
				ok = true
				return
			}
			m.mtx.DroppedFramesTotal.WithLabelValues(kind.String()).Inc()
		}
	})
	return ok
}

// Broadcast delivers msg to every CONNECTED peer.
func (m *Manager) Broadcast(msg Message) {
	m.run(func() {
		for _, p := range m.connectedPeers() {
			for _, kind := range [...]TransportKind{Direct, Assisted} {
				c := p.ConnectionFor(kind)
				if c == nil || c.State() != StateConnected {
					continue
				}
				raw, err := encodeEnvelope(msg.Type, rawMessage(msg.Payload))
				if err != nil {
					continue
				}
				if !c.Send(raw) {
					m.mtx.DroppedFramesTotal.WithLabelValues(kind.String()).Inc()
				}
			}
		}
	})
}

// ---- event subscriptions ----------------------------------------------

func (m *Manager) OnConnect(fn func(*Peer))           { m.onConnect = append(m.onConnect, fn) }
func (m *Manager) OnDisconnect(fn func(*Peer))        { m.onDisconnect = append(m.onDisconnect, fn) }
func (m *Manager) OnMessage(fn func(*Peer, Message))  { m.onMessage = append(m.onMessage, fn) }
func (m *Manager) OnConnectedPeersChanged(fn func())  { m.onConnectedPeersChanged = append(m.onConnectedPeersChanged, fn) }
func (m *Manager) OnKnownPeersChanged(fn func(*Peer)) { m.onKnownPeersChanged = append(m.onKnownPeersChanged, fn) }

func (m *Manager) notifyConnect(p *Peer) {
	for _, fn := range m.onConnect {
		fn(p)
	}
	m.notifyConnectedPeersChanged()
}

func (m *Manager) notifyDisconnect(p *Peer) {
	for _, fn := range m.onDisconnect {
		fn(p)
	}
	m.notifyConnectedPeersChanged()
}

func (m *Manager) notifyConnectedPeersChanged() {
	for _, fn := range m.onConnectedPeersChanged {
		fn()
	}
}

func (m *Manager) notifyKnownPeersChanged(p *Peer) {
	for _, fn := range m.onKnownPeersChanged {
		fn(p)
	}
}

func (m *Manager) notifyMessage(p *Peer, msg Message) {
	for _, fn := range m.onMessage {
		fn(p, msg)
	}
}

// ---- wire helpers -------------------------------------------------------

func (m *Manager) sendIdentity(p *Peer, c *Connection) {
	raw, err := encodeEnvelope(TypeIdentity, m.local.identityPayload())
	if err != nil {
		slog.Debug("overlay: failed to encode identity frame", "error", err)
		return
	}
	c.Send(raw)
}

func (m *Manager) sendEnvelopeTo(p *Peer, t InternalType, payload any) {
	for _, kind := range [...]TransportKind{Direct, Assisted} {
		c := p.ConnectionFor(kind)
		if c == nil {
			continue
		}
		m.sendFrameOn(c, t, payload)
		return
	}
}

func (m *Manager) sendFrameOn(c *Connection, t InternalType, payload any) {
	raw, err := encodeEnvelope(t, payload)
	if err != nil {
		slog.Debug("overlay: failed to encode frame", "type", t, "error", err)
		return
	}
	if !c.Send(raw) {
		m.mtx.DroppedFramesTotal.WithLabelValues(c.Kind.String()).Inc()
	}
}

func strPtr(s string) *string { return &s }

// rawMessage wraps an application payload so it round-trips through the
// envelope's json.RawMessage field without double-encoding.
func rawMessage(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}
