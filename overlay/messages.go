package overlay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// InternalType enumerates the overlay-control message kinds (§6).
type InternalType string

const (
	TypeIdentity      InternalType = "identity"
	TypePeerList      InternalType = "peerList"
	TypeSignalRequest InternalType = "signalRequest"
	TypeSignal        InternalType = "signal"
	TypeDisconnecting InternalType = "disconnecting"
)

// Envelope is the outer shape every overlay-control message shares.
type Envelope struct {
	Type    InternalType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message is any application-layer payload not handled internally; it is
// delivered verbatim to onMessage subscribers.
type Message struct {
	Type    InternalType
	Payload []byte
}

// IdentityPayload is the handshake frame sent on a fresh connection.
type IdentityPayload struct {
	Identity string  `json:"identity"`
	Version  string  `json:"version"`
	Port     *uint16 `json:"port,omitempty"`
	Name     string  `json:"name,omitempty"`
	IsWorker bool    `json:"isWorker,omitempty"`
}

// PeerListEntry describes one connected peer as gossiped to others.
type PeerListEntry struct {
	Identity string  `json:"identity"`
	Name     string  `json:"name,omitempty"`
	Address  *string `json:"address"`
	Port     *uint16 `json:"port"`
}

// PeerListPayload is the gossip frame broadcast every BroadcastInterval.
type PeerListPayload struct {
	ConnectedPeers []PeerListEntry `json:"connectedPeers"`
}

// SignalRequestPayload asks the broker to forward a request to initiate
// assisted signalling to destinationIdentity.
type SignalRequestPayload struct {
	SourceIdentity      string `json:"sourceIdentity"`
	DestinationIdentity string `json:"destinationIdentity"`
}

// SignalPayload carries a boxed native signalling payload between the two
// ends of an assisted session, relayed through a broker.
type SignalPayload struct {
	SourceIdentity      string `json:"sourceIdentity"`
	DestinationIdentity string `json:"destinationIdentity"`
	Nonce               string `json:"nonce"`  // base64
	Signal              string `json:"signal"` // base64 ciphertext
}

// DisconnectReason classifies why a Disconnecting notice was sent.
type DisconnectReason string

const (
	ReasonShuttingDown DisconnectReason = "ShuttingDown"
	ReasonCongested    DisconnectReason = "Congested"
	ReasonBadHandshake DisconnectReason = "BadHandshake"
	ReasonUnknown      DisconnectReason = "Unknown"
)

// DisconnectingPayload notifies a peer (or, via relay, a third peer) that
// it should not attempt to reconnect until DisconnectUntil.
type DisconnectingPayload struct {
	SourceIdentity      string           `json:"sourceIdentity"`
	DestinationIdentity *string          `json:"destinationIdentity"`
	Reason              DisconnectReason `json:"reason"`
	DisconnectUntil     int64            `json:"disconnectUntil"` // ms since epoch
}

func encodeEnvelope(t InternalType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func encodeSignalNonceAndCiphertext(nonce, ciphertext []byte) (nonceStr, sigStr string) {
	return base64.StdEncoding.EncodeToString(nonce), base64.StdEncoding.EncodeToString(ciphertext)
}

func decodeSignalNonceAndCiphertext(nonceStr, sigStr string) (nonce, ciphertext []byte, err error) {
	nonce, err = base64.StdEncoding.DecodeString(nonceStr)
	if err != nil {
		return nil, nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err = base64.StdEncoding.DecodeString(sigStr)
	if err != nil {
		return nil, nil, fmt.Errorf("decode signal ciphertext: %w", err)
	}
	return nonce, ciphertext, nil
}
