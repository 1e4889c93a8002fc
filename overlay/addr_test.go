package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeerURIRoundTrip(t *testing.T) {
	uri := BuildPeerURI("203.0.113.9", 4242)
	address, port, err := ParsePeerURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", address)
	assert.Equal(t, uint16(4242), port)
}

func TestParsePeerURIIPv6(t *testing.T) {
	uri := BuildPeerURI("2001:db8::1", 51820)
	address, port, err := ParsePeerURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", address)
	assert.Equal(t, uint16(51820), port)
}

func TestParsePeerURIRejectsMissingPort(t *testing.T) {
	_, _, err := ParsePeerURI("/ip4/203.0.113.9")
	assert.Error(t, err)
}

func TestParsePeerURIRejectsGarbage(t *testing.T) {
	_, _, err := ParsePeerURI("not a multiaddr")
	assert.Error(t, err)
}
