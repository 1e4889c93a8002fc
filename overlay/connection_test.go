package overlay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavemesh/overlay/internal/identity"
)

func TestConnectionSendDroppedBeforeAdmitted(t *testing.T) {
	h, _ := newFakePair()
	c := NewConnection(Direct, Outbound, h, ConnHandlers{})

	assert.False(t, c.Send([]byte("hello")))
	assert.Equal(t, uint64(1), c.dropped)
}

func TestConnectionSendAdmittedWhenWaitingOrConnected(t *testing.T) {
	h, peer := newFakePair()
	var received [][]byte
	peer.SetReceiveHandler(func(f []byte) { received = append(received, f) })

	c := NewConnection(Direct, Outbound, h, ConnHandlers{})
	c.SetState(StateWaitingForIdentity, identity.ID{})
	assert.True(t, c.Send([]byte("identity frame")))

	c.SetState(StateConnected, testIdentity(0x01))
	assert.True(t, c.Send([]byte("app frame")))

	require.Len(t, received, 2)
}

func TestConnectionSetStateRejectsIllegalTransition(t *testing.T) {
	h, _ := newFakePair()
	c := NewConnection(Direct, Outbound, h, ConnHandlers{})

	defer func() {
		r := recover()
		require.NotNil(t, r)
		oe, ok := r.(*OverlayError)
		require.True(t, ok)
		assert.Equal(t, FatalError, oe.Kind)
		assert.True(t, errors.Is(oe, ErrIllegalTransition))
	}()
	c.SetState(StateConnected, testIdentity(0x01)) // CONNECTING -> CONNECTED is illegal
}

func TestConnectionSetStateRejectsSelfTransition(t *testing.T) {
	h, _ := newFakePair()
	c := NewConnection(Direct, Outbound, h, ConnHandlers{})
	c.SetState(StateWaitingForIdentity, identity.ID{})

	defer func() {
		r := recover()
		require.NotNil(t, r)
	}()
	c.SetState(StateWaitingForIdentity, identity.ID{})
}

func TestConnectionCloseIsIdempotentAndFiresOnce(t *testing.T) {
	h, _ := newFakePair()
	fired := 0
	var lastPrev, lastNext ConnState
	c := NewConnection(Direct, Outbound, h, ConnHandlers{
		OnStateChanged: func(c *Connection, prev, next ConnState) {
			fired++
			lastPrev, lastNext = prev, next
		},
	})
	c.SetState(StateWaitingForIdentity, identity.ID{})

	c.Close(nil)
	c.Close(nil) // idempotent

	assert.Equal(t, 1, fired)
	assert.Equal(t, StateWaitingForIdentity, lastPrev)
	assert.Equal(t, StateDisconnected, lastNext)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectionOnStateChangedFiresOnEveryLegalTransition(t *testing.T) {
	h, _ := newFakePair()
	var seen []ConnState
	c := NewConnection(Direct, Outbound, h, ConnHandlers{
		OnStateChanged: func(c *Connection, prev, next ConnState) { seen = append(seen, next) },
	})
	c.SetState(StateWaitingForIdentity, identity.ID{})
	c.SetState(StateConnected, testIdentity(0x02))

	require.Len(t, seen, 2)
	assert.Equal(t, StateWaitingForIdentity, seen[0])
	assert.Equal(t, StateConnected, seen[1])

	id, ok := c.Identity()
	require.True(t, ok)
	assert.Equal(t, testIdentity(0x02), id)
}

func TestConnectionSignalOnlyForAssistedHandles(t *testing.T) {
	h, _ := newFakePair() // fakeHandle implements AssistedHandle
	c := NewConnection(Assisted, Outbound, h, ConnHandlers{})
	assert.NoError(t, c.Signal([]byte("offer")))
}

func TestConnectionOnSignalOutHopsToHandlers(t *testing.T) {
	h, _ := newFakePair()
	var got []byte
	_ = NewConnection(Assisted, Outbound, h, ConnHandlers{
		OnSignal: func(c *Connection, payload []byte) { got = payload },
	})
	// The handle's signal handler was wired to the connection in
	// NewConnection; driving it exercises onSignalOut end to end.
	h.onSignal([]byte("ice-candidate"))
	assert.Equal(t, []byte("ice-candidate"), got)
}
