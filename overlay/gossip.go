package overlay

import (
	"encoding/json"
	"log/slog"

	"github.com/weavemesh/overlay/internal/identity"
)

// handlePeerList merges incoming gossip into sender's knownPeers, recording
// each sender<->neighbour edge on both peer records, per §4.F "PeerList
// handler".
func (m *Manager) handlePeerList(sender *Peer, c *Connection, env Envelope) {
	if sender.State() != PeerConnected {
		return
	}
	if m.local.IsWorker {
		return
	}
	var payload PeerListPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		slog.Debug("overlay: malformed peerList", "peer", sender.DisplayName(), "error", err)
		return
	}

	seen := make(map[identity.ID]struct{}, len(payload.ConnectedPeers))
	changed := false

	for _, entry := range payload.ConnectedPeers {
		id, err := identity.Parse(entry.Identity)
		if err != nil || id == m.local.Identity {
			continue
		}
		seen[id] = struct{}{}
		if sender.HasKnownPeer(id) {
			continue
		}
		neighbour, ok := m.lookupByIdentity(id)
		if !ok {
			neighbour = m.newPeer()
			neighbour.setIdentity(id)
			m.identifiedPeers[id] = neighbour
		}
		if entry.Name != "" {
			neighbour.Name = entry.Name
		}
		if entry.Address != nil {
			neighbour.Address = *entry.Address
		}
		if entry.Port != nil {
			neighbour.Port = *entry.Port
		}
		sender.AddKnownPeer(id, true)
		if senderID, ok := sender.Identity(); ok {
			neighbour.AddKnownPeer(senderID, true)
		}
		changed = true
	}

	for _, id := range sender.KnownPeers() {
		if _, ok := seen[id]; ok {
			continue
		}
		sender.RemoveKnownPeer(id, true)
		changed = true
		if neighbour, ok := m.lookupByIdentity(id); ok {
			if senderID, ok2 := sender.Identity(); ok2 {
				neighbour.RemoveKnownPeer(senderID, true)
			}
			m.tryDispose(neighbour)
		}
	}

	m.tryDispose(sender)

	if changed {
		m.notifyKnownPeersChanged(sender)
	}
}

// broadcastPeerList is the periodic gossip task (§4.F): every
// BroadcastInterval, emit a PeerList to each CONNECTED peer listing every
// other CONNECTED peer (excluding workers unless BroadcastWorkers is set,
// and always excluding self and the recipient's own entry — a peer is
// never told about itself).
func (m *Manager) broadcastPeerList() {
	connected := m.connectedPeers()
	if len(connected) == 0 {
		return
	}

	entries := make([]PeerListEntry, 0, len(connected))
	for _, p := range connected {
		if p.IsWorker && !m.cfg.BroadcastWorkers {
			continue
		}
		id, ok := p.Identity()
		if !ok {
			continue
		}
		entries = append(entries, peerListEntry(id, p))
	}

	for _, recipient := range connected {
		recipientID, ok := recipient.Identity()
		if !ok {
			continue
		}
		filtered := make([]PeerListEntry, 0, len(entries))
		for _, e := range entries {
			if e.Identity == recipientID.String() {
				continue
			}
			filtered = append(filtered, e)
		}
		m.sendEnvelopeTo(recipient, TypePeerList, PeerListPayload{ConnectedPeers: filtered})
	}
}

func peerListEntry(id identity.ID, p *Peer) PeerListEntry {
	e := PeerListEntry{Identity: id.String(), Name: p.Name}
	if p.Address != "" {
		addr := p.Address
		e.Address = &addr
	}
	if p.Port != 0 {
		port := p.Port
		e.Port = &port
	}
	return e
}
