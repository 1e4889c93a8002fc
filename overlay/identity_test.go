package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCompatibleWith(t *testing.T) {
	a := Version{Agent: "overlayd", ProtocolVersion: "3", Client: "go"}
	b := Version{Agent: "other", ProtocolVersion: "3", Client: "rust"}
	c := Version{Agent: "overlayd", ProtocolVersion: "4", Client: "go"}

	assert.True(t, a.CompatibleWith(b))
	assert.False(t, a.CompatibleWith(c))
}

func TestVersionRoundTrip(t *testing.T) {
	v := Version{Agent: "overlayd", ProtocolVersion: "3", Client: "go"}
	parsed, err := ParseVersion(v.String())
	require.NoError(t, err)
	assert.Equal(t, v, parsed)
}

func TestParseVersionMalformed(t *testing.T) {
	_, err := ParseVersion("not-a-version")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedVersion)
}

func TestCanInitiateIsTotalOrder(t *testing.T) {
	a := testIdentity(0x01)
	b := testIdentity(0x02)

	assert.NotEqual(t, canInitiate(a, b), canInitiate(b, a))
	assert.False(t, canInitiate(a, a))
}

func TestCanKeepDuplicateAgreesWithCanInitiate(t *testing.T) {
	a := testIdentity(0x01)
	b := testIdentity(0x02)

	// canKeepDuplicate(x, y) and canInitiate(x, y) share the same order.
	assert.Equal(t, canInitiate(a, b), canKeepDuplicate(a, b))
}
