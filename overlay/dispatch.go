package overlay

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/weavemesh/overlay/internal/identity"
)

// handleMessage is the post-handshake dispatch switch from §4.F.
func (m *Manager) handleMessage(p *Peer, c *Connection, env Envelope) {
	switch env.Type {
	case TypeIdentity:
		// Identify while already identified: defensive close.
		slog.Debug("overlay: unexpected identity frame after handshake", "peer", p.DisplayName())
		c.Close(protocolErr("dispatch", ErrNotIdentified))

	case TypeDisconnecting:
		m.handleDisconnecting(p, c, env)

	case TypeSignalRequest:
		m.handleSignalRequest(p, c, env)

	case TypeSignal:
		m.handleSignal(p, c, env)

	case TypePeerList:
		m.handlePeerList(p, c, env)

	default:
		if _, ok := p.Identity(); !ok {
			c.Close(protocolErr("dispatch", ErrNotIdentified))
			return
		}
		m.notifyMessage(p, Message{Type: env.Type, Payload: []byte(env.Payload)})
	}
}

// isCongested reports whether we are at capacity for a new assisted
// session from source, per the SignalRequest/Signal congestion rule.
func (m *Manager) isCongested(sourceID identity.ID) bool {
	source, ok := m.lookupByIdentity(sourceID)
	alreadyConnected := ok && source.State() == PeerConnected
	return len(m.connectedPeers()) >= m.cfg.MaxPeers && !alreadyConnected
}

func (m *Manager) rejectCongested(c *Connection, sourceID identity.ID) {
	until := time.Now().Add(m.cfg.CongestionWindow)
	m.sendFrameOn(c, TypeDisconnecting, DisconnectingPayload{
		SourceIdentity:      m.local.Identity.String(),
		DestinationIdentity: strPtr(sourceID.String()),
		Reason:              ReasonCongested,
		DisconnectUntil:     until.UnixMilli(),
	})
}

// relayTarget validates the shared relay precondition (§4.F "relay
// rules"): the claimed source must equal the sending connection's
// identity, and the destination must be a known identified peer. Returns
// (target, forUs, admitted): (nil, true, true) when the message is
// addressed to us, (dest, false, true) when it is to be forwarded to dest,
// and admitted=false when it is to be dropped.
func (m *Manager) relayTarget(c *Connection, sourceIdentity, destinationIdentity string) (*Peer, bool, bool) {
	senderID, ok := c.Identity()
	if !ok {
		return nil, false, false
	}
	if sourceIdentity != senderID.String() {
		slog.Debug("overlay: spoofed relay source dropped", "claimed", sourceIdentity, "actual", senderID)
		return nil, false, false
	}
	if destinationIdentity == m.local.Identity.String() {
		return nil, true, true
	}
	destID, err := identity.Parse(destinationIdentity)
	if err != nil {
		return nil, false, false
	}
	dest, ok := m.lookupByIdentity(destID)
	if !ok {
		return nil, false, false
	}
	return dest, false, true
}

func (m *Manager) handleDisconnecting(p *Peer, c *Connection, env Envelope) {
	var payload DisconnectingPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.Close(protocolErr("disconnecting", err))
		return
	}
	dest := ""
	if payload.DestinationIdentity != nil {
		dest = *payload.DestinationIdentity
	}
	target, forUs, admitted := m.relayTarget(c, payload.SourceIdentity, dest)
	if !admitted {
		return
	}
	if !forUs {
		m.sendEnvelopeTo(target, TypeDisconnecting, payload)
		m.mtx.RelayedTotal.WithLabelValues(string(TypeDisconnecting)).Inc()
		return
	}
	p.PeerRequestedDisconnect = DisconnectWindow{
		Reason: payload.Reason,
		Until:  time.UnixMilli(payload.DisconnectUntil),
	}
	p.Close(policyErr("disconnecting", nil))
}

func (m *Manager) handleSignalRequest(p *Peer, c *Connection, env Envelope) {
	var payload SignalRequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.Close(protocolErr("signalRequest", err))
		return
	}
	target, forUs, admitted := m.relayTarget(c, payload.SourceIdentity, payload.DestinationIdentity)
	if !admitted {
		return
	}
	if !forUs {
		m.sendEnvelopeTo(target, TypeSignalRequest, payload)
		m.mtx.RelayedTotal.WithLabelValues(string(TypeSignalRequest)).Inc()
		return
	}

	sourceID, err := identity.Parse(payload.SourceIdentity)
	if err != nil {
		return
	}

	// If our own canInitiate says the source should have dialled us
	// directly instead of requesting signalling, drop.
	if canInitiate(sourceID, m.local.Identity) {
		slog.Debug("overlay: signalRequest from expected initiator dropped", "source", sourceID)
		return
	}

	if m.isCongested(sourceID) {
		m.rejectCongested(c, sourceID)
		return
	}

	source, ok := m.lookupByIdentity(sourceID)
	if !ok {
		source = m.newPeer()
		source.setIdentity(sourceID)
		m.identifiedPeers[sourceID] = source
	}
	if senderID, ok := c.Identity(); ok {
		source.AddKnownPeer(senderID, false)
		m.notifyKnownPeersChanged(source)
	}

	if source.ConnectionFor(Assisted) == nil {
		if broker, ok := c.Identity(); ok {
			brokerPeer, _ := m.lookupByIdentity(broker)
			m.openAssisted(source, brokerPeer, true)
		}
	}
}

func (m *Manager) handleSignal(p *Peer, c *Connection, env Envelope) {
	var payload SignalPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.Close(protocolErr("signal", err))
		return
	}
	target, forUs, admitted := m.relayTarget(c, payload.SourceIdentity, payload.DestinationIdentity)
	if !admitted {
		return
	}
	if !forUs {
		m.sendEnvelopeTo(target, TypeSignal, payload)
		m.mtx.RelayedTotal.WithLabelValues(string(TypeSignal)).Inc()
		return
	}

	sourceID, err := identity.Parse(payload.SourceIdentity)
	if err != nil {
		return
	}
	if m.isCongested(sourceID) {
		m.rejectCongested(c, sourceID)
		return
	}

	source, ok := m.lookupByIdentity(sourceID)
	if !ok {
		source = m.newPeer()
		source.setIdentity(sourceID)
		m.identifiedPeers[sourceID] = source
	}
	switch existing := source.ConnectionFor(Assisted); {
	case existing == nil:
		if brokerID, ok := c.Identity(); ok {
			brokerPeer, _ := m.lookupByIdentity(brokerID)
			m.openAssisted(source, brokerPeer, false)
		}
	case existing.State() == StateRequestSignaling:
		// We asked a broker to relay a SignalRequest for this peer and the
		// first Signal back means the other side took up the initiator
		// role, per the rule in connectViaAssistedLocked. Promote our
		// placeholder into a real responder session.
		m.beginSignalingLocked(existing, source, false)
	}

	nonce, ciphertext, err := decodeSignalNonceAndCiphertext(payload.Nonce, payload.Signal)
	if err != nil {
		source.Close(networkErr("signal", err))
		return
	}
	plaintext, err := m.local.Crypto.Unbox(ciphertext, nonce, sourceID)
	if err != nil {
		source.Close(networkErr("signal", err))
		return
	}

	ac := source.ConnectionFor(Assisted)
	if ac == nil {
		return
	}
	if err := ac.Signal(plaintext); err != nil {
		ac.Close(networkErr("signal", err))
	}
}
