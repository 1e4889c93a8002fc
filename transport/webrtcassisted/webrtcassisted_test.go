package webrtcassisted

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalMessageOfferRoundTrip(t *testing.T) {
	msg := signalMessage{Kind: signalOffer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var got signalMessage
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, msg.Kind, got.Kind)
	assert.Equal(t, msg.SDP, got.SDP)
	assert.Nil(t, got.Candidate)
}

func TestSignalMessageCandidateRoundTrip(t *testing.T) {
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 203.0.113.9 54321 typ host"}
	msg := signalMessage{Kind: signalCandidate, Candidate: &cand}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var got signalMessage
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, signalCandidate, got.Kind)
	require.NotNil(t, got.Candidate)
	assert.Equal(t, cand.Candidate, got.Candidate.Candidate)
}

func TestSignalMessageUnknownKindRejectedBySignal(t *testing.T) {
	h := &handle{}
	raw, err := json.Marshal(signalMessage{Kind: "bogus"})
	require.NoError(t, err)

	// handle.Signal dereferences h.pc only in the offer, answer and
	// candidate branches, so an unknown kind reaches the default branch
	// without needing a live RTCPeerConnection.
	err = h.Signal(raw)
	assert.Error(t, err)
}

func TestSignalRejectsGarbageJSON(t *testing.T) {
	h := &handle{}
	err := h.Signal([]byte("not json"))
	assert.Error(t, err)
}

func TestSendBeforeDataChannelOpenFails(t *testing.T) {
	h := &handle{}
	err := h.Send([]byte("hello"))
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	api := webrtc.NewAPI()
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	h := &handle{pc: pc}

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	err = h.Send([]byte("hello"))
	assert.ErrorIs(t, err, errHandleClosed)
}
