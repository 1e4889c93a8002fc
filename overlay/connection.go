package overlay

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/weavemesh/overlay/internal/identity"
)

// Direction is which side dialed a connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// TransportKind distinguishes the two transport classes a peer may hold
// at most one connection of each.
type TransportKind int

const (
	Direct TransportKind = iota
	Assisted
)

func (k TransportKind) String() string {
	if k == Direct {
		return "direct"
	}
	return "assisted"
}

// ConnState is one variant of the per-connection state machine (§3).
type ConnState int

const (
	StateConnecting ConnState = iota
	StateWaitingForIdentity
	StateRequestSignaling
	StateSignaling
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateWaitingForIdentity:
		return "WAITING_FOR_IDENTITY"
	case StateRequestSignaling:
		return "REQUEST_SIGNALING"
	case StateSignaling:
		return "SIGNALING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// validNextStates is the transition table from §3. All other transitions
// are forbidden and are invariant violations (assertValidTransition panics).
var validNextStates = map[ConnState]map[ConnState]bool{
	StateConnecting: {
		StateWaitingForIdentity: true,
		StateSignaling:          true,
		StateRequestSignaling:   true,
		StateDisconnected:       true,
	},
	StateRequestSignaling: {
		StateSignaling:    true,
		StateDisconnected: true,
	},
	StateSignaling: {
		StateWaitingForIdentity: true,
		StateDisconnected:       true,
	},
	StateWaitingForIdentity: {
		StateConnected:    true,
		StateDisconnected: true,
	},
	StateConnected: {
		StateDisconnected: true,
	},
}

// assertValidTransition panics on an illegal transition — per §7 a FatalError
// marks an invariant violation, not a peer's misbehavior, and is used only
// for assertions.
func assertValidTransition(from, to ConnState) {
	if from == to {
		panic(&OverlayError{Kind: FatalError, Op: "setState", Err: ErrIllegalTransition})
	}
	if !validNextStates[from][to] {
		panic(&OverlayError{Kind: FatalError, Op: "setState", Err: ErrIllegalTransition})
	}
}

// ConnHandlers are the small, fixed set of typed signals a Connection
// emits (§9 "event bus without callback graphs"). All four run
// synchronously from whatever goroutine triggers them; implementations
// are expected to hop onto the Peer Manager's single event loop rather
// than touch shared state directly.
type ConnHandlers struct {
	OnStateChanged func(c *Connection, prev, next ConnState)
	OnMessage      func(c *Connection, frame []byte)
	OnSignal       func(c *Connection, payload []byte)
	OnReady        func(c *Connection)
}

// Connection owns one transport session and runs its state machine (§4.B).
type Connection struct {
	Kind      TransportKind
	Direction Direction

	// SessionID is a per-connection diagnostic correlation ID, logged on
	// send failure and on close so two log lines recorded far apart can be
	// tied back to the same underlying transport session.
	SessionID string

	mu       sync.Mutex
	state    ConnState
	id       identity.ID
	hasID    bool
	handle   TransportHandle
	handlers ConnHandlers
	closed   bool

	dropped uint64 // frames dropped because the connection wasn't ready
}

// NewConnection wraps handle in a fresh Connection starting in CONNECTING,
// wiring the transport's callbacks to the connection's internal delivery
// methods.
func NewConnection(kind TransportKind, direction Direction, handle TransportHandle, h ConnHandlers) *Connection {
	c := &Connection{
		Kind:      kind,
		Direction: direction,
		SessionID: uuid.NewString(),
		state:     StateConnecting,
		handle:    handle,
		handlers:  h,
	}
	c.wireHandle(handle)
	return c
}

// attachHandle replaces the connection's transport handle and rewires its
// callbacks, the way NewConnection wires the original one. Used when a
// REQUEST_SIGNALING connection's placeholder handle (see
// pendingAssistedHandle in manager.go) is swapped for the real assisted
// session handle once signalling actually begins.
func (c *Connection) attachHandle(handle TransportHandle) {
	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()
	c.wireHandle(handle)
}

func (c *Connection) wireHandle(handle TransportHandle) {
	handle.SetReceiveHandler(c.onReceive)
	handle.SetCloseHandler(c.onTransportClosed)
	if ah, ok := handle.(AssistedHandle); ok {
		ah.SetSignalHandler(c.onSignalOut)
		ah.SetOpenHandler(c.onReady)
	}
}

// State returns the connection's current state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the authenticated remote identity, if CONNECTED.
func (c *Connection) Identity() (identity.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id, c.hasID
}

// Send enqueues frame on the underlying transport. Admitted iff the
// connection is WAITING_FOR_IDENTITY or CONNECTED; otherwise the frame is
// dropped and counted, and Send reports false.
func (c *Connection) Send(frame []byte) bool {
	c.mu.Lock()
	state := c.state
	handle := c.handle
	if state != StateWaitingForIdentity && state != StateConnected {
		c.dropped++
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if err := handle.Send(frame); err != nil {
		slog.Debug("overlay: connection send failed", "kind", c.Kind, "session", c.SessionID, "error", err)
		c.Close(networkErr("send", err))
		return false
	}
	return true
}

// SetState transitions the connection, enforcing §3's transition table.
// Illegal transitions are invariant violations (assertValidTransition
// panics rather than silently corrupting state).
func (c *Connection) SetState(next ConnState, id identity.ID) {
	c.mu.Lock()
	prev := c.state
	assertValidTransition(prev, next)
	c.state = next
	if next == StateConnected {
		c.id = id
		c.hasID = true
	}
	handlers := c.handlers
	c.mu.Unlock()

	if handlers.OnStateChanged != nil {
		handlers.OnStateChanged(c, prev, next)
	}
}

// Close forces the connection to DISCONNECTED and releases the transport
// handle exactly once. Safe to call multiple times and from any state.
func (c *Connection) Close(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	prev := c.state
	c.state = StateDisconnected
	handle := c.handle
	handlers := c.handlers
	c.mu.Unlock()

	_ = handle.Close()

	if prev != StateDisconnected && handlers.OnStateChanged != nil {
		handlers.OnStateChanged(c, prev, StateDisconnected)
	}
	if reason != nil {
		slog.Debug("overlay: connection closed", "kind", c.Kind, "direction", c.Direction, "session", c.SessionID, "reason", reason)
	}
}

// Signal feeds a remote signalling payload into an assisted connection.
// Returns a ProtocolError wrapping ErrIllegalTransition, without touching
// the handle, when the handle doesn't support signalling.
func (c *Connection) Signal(payload []byte) error {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	ah, ok := handle.(AssistedHandle)
	if !ok {
		return protocolErr("signal", ErrIllegalTransition)
	}
	return ah.Signal(payload)
}

func (c *Connection) onReceive(frame []byte) {
	c.mu.Lock()
	handlers := c.handlers
	c.mu.Unlock()
	if handlers.OnMessage != nil {
		handlers.OnMessage(c, frame)
	}
}

func (c *Connection) onSignalOut(payload []byte) {
	c.mu.Lock()
	handlers := c.handlers
	c.mu.Unlock()
	if handlers.OnSignal != nil {
		handlers.OnSignal(c, payload)
	}
}

// onReady fires when an assisted handle reports its session has finished
// negotiating and is ready to carry frames.
func (c *Connection) onReady() {
	c.mu.Lock()
	handlers := c.handlers
	c.mu.Unlock()
	if handlers.OnReady != nil {
		handlers.OnReady(c)
	}
}

func (c *Connection) onTransportClosed(err error) {
	c.Close(networkErr("transport closed", err))
}
