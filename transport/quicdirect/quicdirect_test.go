package quicdirect

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"identity","payload":{}}`)

	require.NoError(t, writeFrame(&buf, payload))

	got, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameRoundTripMultiple(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, f := range frames {
		require.NoError(t, writeFrame(&buf, f))
	}

	r := bufio.NewReader(&buf)
	for _, want := range frames {
		got, err := readFrame(r)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, make([]byte, 10)))
	// Corrupt the length prefix to claim an oversized frame.
	data := buf.Bytes()
	data[0] = 0xFF
	_, err := readFrame(bufio.NewReader(bytes.NewReader(data)))
	assert.Error(t, err)
}

func TestContainsALPN(t *testing.T) {
	assert.True(t, containsALPN([]string{"h3", ALPNProtocol}, ALPNProtocol))
	assert.False(t, containsALPN([]string{"h3"}, ALPNProtocol))
}
