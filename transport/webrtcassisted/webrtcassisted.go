// Package webrtcassisted is the default overlay.AssistedTransport: one
// RTCPeerConnection and a single ordered, reliable data channel per session,
// with ICE candidates and the offer/answer pair carried as JSON-encoded
// signalling payloads through the overlay.AssistedHandle contract. Grounded
// on pion/webrtc's public PeerConnection/DataChannel API.
package webrtcassisted

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/weavemesh/overlay/overlay"
)

// dataChannelLabel names the single data channel every session opens.
const dataChannelLabel = "overlay"

var errHandleClosed = errors.New("webrtcassisted: handle closed")

// signalKind tags the three shapes a signalling payload can take.
type signalKind string

const (
	signalOffer     signalKind = "offer"
	signalAnswer    signalKind = "answer"
	signalCandidate signalKind = "candidate"
)

// signalMessage is the JSON envelope carried over Signal/SetSignalHandler.
type signalMessage struct {
	Kind      signalKind               `json:"kind"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Transport creates one RTCPeerConnection per assisted session. Construct
// one per local node and pass it as overlay.LocalPeer.Assisted.
type Transport struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// New builds a Transport configured with the given STUN/TURN server URLs.
func New(iceServers []string) *Transport {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Transport{
		api:    webrtc.NewAPI(),
		config: cfg,
	}
}

// Create implements overlay.AssistedTransport. The initiator side opens the
// data channel and produces the offer; the responder waits for the data
// channel pion hands back via OnDataChannel and answers.
func (t *Transport) Create(initiator bool) (overlay.AssistedHandle, error) {
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("webrtcassisted: new peer connection: %w", err)
	}

	h := &handle{pc: pc, initiator: initiator}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-candidates marker, nothing to signal
		}
		init := c.ToJSON()
		h.emitSignal(signalMessage{Kind: signalCandidate, Candidate: &init})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			h.finish(fmt.Errorf("webrtcassisted: peer connection state %s", s))
		}
	})

	if initiator {
		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("webrtcassisted: create data channel: %w", err)
		}
		h.wireDataChannel(dc)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("webrtcassisted: create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("webrtcassisted: set local description: %w", err)
		}
		h.emitSignal(signalMessage{Kind: signalOffer, SDP: offer.SDP})
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			h.wireDataChannel(dc)
		})
	}

	return h, nil
}

// handle wraps one RTCPeerConnection/DataChannel pair as an
// overlay.AssistedHandle. Frames sent before the data channel opens are
// dropped by Connection.Send (it only admits WAITING_FOR_IDENTITY or
// CONNECTED); onOpen tells the overlay package when that moment arrives so
// it can advance the connection out of SIGNALING in the first place.
type handle struct {
	pc        *webrtc.PeerConnection
	initiator bool

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	onReceive func([]byte)
	onClose   func(error)
	onSignal  func([]byte)
	onOpen    func()
	closed    bool
	finished  bool
}

func (h *handle) wireDataChannel(dc *webrtc.DataChannel) {
	h.mu.Lock()
	h.dc = dc
	h.mu.Unlock()

	dc.OnOpen(func() {
		h.mu.Lock()
		cb := h.onOpen
		h.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		h.mu.Lock()
		cb := h.onReceive
		h.mu.Unlock()
		if cb != nil {
			cb(msg.Data)
		}
	})
	dc.OnClose(func() {
		h.finish(errors.New("webrtcassisted: data channel closed"))
	})
	dc.OnError(func(err error) {
		h.finish(fmt.Errorf("webrtcassisted: data channel error: %w", err))
	})
}

func (h *handle) emitSignal(msg signalMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	cb := h.onSignal
	h.mu.Unlock()
	if cb != nil {
		cb(payload)
	}
}

func (h *handle) finish(err error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	cb := h.onClose
	h.mu.Unlock()

	_ = h.Close()
	if cb != nil {
		cb(err)
	}
}

// Send implements overlay.TransportHandle.
func (h *handle) Send(frame []byte) error {
	h.mu.Lock()
	dc := h.dc
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return errHandleClosed
	}
	if dc == nil {
		return errors.New("webrtcassisted: data channel not yet open")
	}
	return dc.Send(frame)
}

// Close implements overlay.TransportHandle. Safe to call more than once.
func (h *handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	dc := h.dc
	h.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	return h.pc.Close()
}

// SetReceiveHandler implements overlay.TransportHandle.
func (h *handle) SetReceiveHandler(fn func([]byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onReceive = fn
}

// SetCloseHandler implements overlay.TransportHandle.
func (h *handle) SetCloseHandler(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = fn
}

// SetSignalHandler implements overlay.AssistedHandle.
func (h *handle) SetSignalHandler(fn func([]byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSignal = fn
}

// SetOpenHandler implements overlay.AssistedHandle. Callers wire this
// immediately after Create returns, before negotiation can plausibly
// finish, the same way SetReceiveHandler and SetCloseHandler are wired.
func (h *handle) SetOpenHandler(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onOpen = fn
}

// Signal implements overlay.AssistedHandle, feeding in a remote offer,
// answer, or ICE candidate produced by the peer's own handle.
func (h *handle) Signal(payload []byte) error {
	var msg signalMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("webrtcassisted: decode signal: %w", err)
	}

	switch msg.Kind {
	case signalOffer:
		if err := h.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  msg.SDP,
		}); err != nil {
			return fmt.Errorf("webrtcassisted: set remote offer: %w", err)
		}
		answer, err := h.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("webrtcassisted: create answer: %w", err)
		}
		if err := h.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("webrtcassisted: set local answer: %w", err)
		}
		h.emitSignal(signalMessage{Kind: signalAnswer, SDP: answer.SDP})
		return nil

	case signalAnswer:
		if err := h.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  msg.SDP,
		}); err != nil {
			return fmt.Errorf("webrtcassisted: set remote answer: %w", err)
		}
		return nil

	case signalCandidate:
		if msg.Candidate == nil {
			return errors.New("webrtcassisted: candidate signal missing candidate")
		}
		if err := h.pc.AddICECandidate(*msg.Candidate); err != nil {
			return fmt.Errorf("webrtcassisted: add ice candidate: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("webrtcassisted: unknown signal kind %q", msg.Kind)
	}
}
