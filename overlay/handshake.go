package overlay

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/weavemesh/overlay/internal/identity"
)

// handleFrame is the single entry point for every byte frame a Connection
// delivers. A fresh connection is always WAITING_FOR_IDENTITY; any other
// state routes to the post-handshake dispatcher in dispatch.go.
func (m *Manager) handleFrame(p *Peer, c *Connection, frame []byte) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		slog.Debug("overlay: malformed frame", "peer", p.DisplayName(), "error", err)
		c.Close(protocolErr("decode", err))
		return
	}

	if c.State() == StateWaitingForIdentity {
		m.handleHandshake(p, c, env)
		return
	}

	m.handleMessage(p, c, env)
}

// handleHandshake implements the ten-step procedure in §4.F. Any
// non-identity frame closes the connection outright.
func (m *Manager) handleHandshake(p *Peer, c *Connection, env Envelope) {
	if env.Type != TypeIdentity {
		slog.Debug("overlay: non-identity frame before handshake", "peer", p.DisplayName(), "type", env.Type)
		c.Close(protocolErr("handshake", ErrNotIdentified))
		return
	}
	var payload IdentityPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.Close(protocolErr("handshake", err))
		return
	}

	// 1. Validate identity format.
	if !isValidIdentity(payload.Identity) {
		p.RetryFor(c.Kind).RecordFailure(time.Now())
		c.Close(protocolErr("handshake", ErrInvalidIdentity))
		return
	}
	remoteID, err := identity.Parse(payload.Identity)
	if err != nil {
		p.RetryFor(c.Kind).RecordFailure(time.Now())
		c.Close(protocolErr("handshake", ErrInvalidIdentity))
		return
	}

	// 2. Version compatibility.
	remoteVersion, err := ParseVersion(payload.Version)
	if err != nil || !m.local.Version.CompatibleWith(remoteVersion) {
		p.RetryFor(c.Kind).RecordFailure(time.Now())
		c.Close(protocolErr("handshake", ErrVersionIncompatible))
		return
	}

	// 3. Name length.
	if len(payload.Name) > m.cfg.NameMaxLen {
		p.RetryFor(c.Kind).RecordFailure(time.Now())
		c.Close(protocolErr("handshake", ErrNameTooLong))
		return
	}

	// 4. Self-dial.
	if remoteID == m.local.Identity {
		p.Address = ""
		p.RetryFor(Direct).NeverRetryConnecting()
		p.RetryFor(Assisted).NeverRetryConnecting()
		c.Close(networkErr("handshake", ErrSelfDial))
		m.tryDispose(p)
		return
	}

	// 5. Identity-change migration: this connection's peer record already
	// had a different identity.
	if existingID, hasID := p.Identity(); hasID && existingID != remoteID {
		p.ClearConnection(c)
		p.RetryFor(Direct).NeverRetryConnecting()
		p.RetryFor(Assisted).NeverRetryConnecting()

		target, ok := m.lookupByIdentity(remoteID)
		if !ok {
			target = m.newPeer()
		}
		if c.Kind == Direct {
			target.Address = p.Address
			target.Port = p.Port
			target.SetDirectConnection(c)
		} else {
			target.SetAssistedConnection(c)
		}
		p = target
	}

	// 6. Duplicate-connection arbitration: canKeepDuplicate resolves which
	// direction was the "expected" one for this identity pair, and the
	// connection with that direction survives. On a tie, the incumbent
	// connection wins.
	expectedDirection := Outbound
	if canKeepDuplicate(remoteID, m.local.Identity) {
		expectedDirection = Inbound
	}
	if incumbent, ok := m.lookupByIdentity(remoteID); ok {
		if existing := incumbent.ConnectionFor(c.Kind); existing != nil && existing != c && existing.State() == StateConnected {
			if existing.Direction == expectedDirection {
				c.Close(protocolErr("handshake", ErrDuplicateConnection))
				return
			}
			existing.Close(protocolErr("handshake", ErrDuplicateConnection))
		}
	}

	// 7. Inbound direct sessions adopt the advertised port.
	if c.Kind == Direct && c.Direction == Inbound && payload.Port != nil {
		p.Port = *payload.Port
	}

	// 8. Populate name/version/isWorker.
	p.Name = payload.Name
	p.Version = remoteVersion
	p.IsWorker = payload.IsWorker

	// 9. Honor an outstanding local-requested-disconnect window.
	if p.LocalRequestedDisconnect.Active(time.Now()) {
		m.sendFrameOn(c, TypeDisconnecting, DisconnectingPayload{
			SourceIdentity:      m.local.Identity.String(),
			DestinationIdentity: strPtr(remoteID.String()),
			Reason:              p.LocalRequestedDisconnect.Reason,
			DisconnectUntil:     p.LocalRequestedDisconnect.Until.UnixMilli(),
		})
		c.Close(policyErr("handshake", ErrLocalDisconnectActive))
		return
	}

	// 10. Authenticated.
	c.SetState(StateConnected, remoteID)
	p.RetryFor(c.Kind).RecordSuccess()
	m.identify(p, remoteID, c)
}
