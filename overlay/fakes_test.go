package overlay

import (
	"context"
	"errors"
	"sync"

	"github.com/weavemesh/overlay/internal/identity"
)

var errDialUnregistered = errors.New("fake direct transport: no handle registered for address")

// fakeHandle is an in-memory TransportHandle/AssistedHandle pair connected
// to its peer handle, used to drive Connection and Manager tests without a
// real socket.
type fakeHandle struct {
	mu        sync.Mutex
	peer      *fakeHandle
	onReceive func([]byte)
	onClose   func(error)
	onSignal  func([]byte)
	onOpen    func()
	closed    bool
	sent      [][]byte
}

func newFakePair() (a, b *fakeHandle) {
	a = &fakeHandle{}
	b = &fakeHandle{}
	a.peer = b
	b.peer = a
	return a, b
}

func (h *fakeHandle) Send(frame []byte) error {
	h.mu.Lock()
	h.sent = append(h.sent, frame)
	peer := h.peer
	h.mu.Unlock()
	if peer != nil && peer.onReceive != nil {
		peer.onReceive(frame)
	}
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) SetReceiveHandler(fn func([]byte)) { h.onReceive = fn }
func (h *fakeHandle) SetCloseHandler(fn func(error))    { h.onClose = fn }
func (h *fakeHandle) SetSignalHandler(fn func([]byte))  { h.onSignal = fn }
func (h *fakeHandle) SetOpenHandler(fn func())          { h.onOpen = fn }

func (h *fakeHandle) Signal(payload []byte) error {
	peer := h.peer
	if peer != nil && peer.onSignal != nil {
		peer.onSignal(payload)
	}
	return nil
}

// open simulates the underlying session finishing negotiation, the fake
// equivalent of a WebRTC data channel's OnOpen firing.
func (h *fakeHandle) open() {
	h.mu.Lock()
	cb := h.onOpen
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// fakeDirectTransport dials by looking up a pre-registered handle for an
// address; tests wire the other side of the same fakePair to the intended
// listener with Manager.AcceptInboundDirect.
type fakeDirectTransport struct {
	mu       sync.Mutex
	handles  map[string]TransportHandle
	dialErrs map[string]error
}

func newFakeDirectTransport() *fakeDirectTransport {
	return &fakeDirectTransport{
		handles:  make(map[string]TransportHandle),
		dialErrs: make(map[string]error),
	}
}

func (t *fakeDirectTransport) register(address string, h TransportHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles[address] = h
}

func (t *fakeDirectTransport) failDial(address string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErrs[address] = err
}

func (t *fakeDirectTransport) Dial(ctx context.Context, address string, port uint16) (TransportHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err, ok := t.dialErrs[address]; ok {
		return nil, err
	}
	h, ok := t.handles[address]
	if !ok {
		return nil, errDialUnregistered
	}
	return h, nil
}

// fakeAssistedTransport creates standalone handles; tests wire the two
// sides together explicitly via newFakePair when exercising signalling.
type fakeAssistedTransport struct{}

func (fakeAssistedTransport) Create(initiator bool) (AssistedHandle, error) {
	h := &fakeHandle{}
	return h, nil
}

// fakeCrypto implements Crypto with a reversible XOR "cipher" keyed on the
// recipient identity, enough to exercise the signal-relay code paths
// without pulling in real X25519 math in every test.
type fakeCrypto struct{}

func (fakeCrypto) Box(plaintext []byte, recipient identity.ID) (nonce, ciphertext []byte, err error) {
	nonce = []byte{0x01}
	ciphertext = xorWithID(plaintext, recipient)
	return nonce, ciphertext, nil
}

func (fakeCrypto) Unbox(ciphertext, nonce []byte, sender identity.ID) ([]byte, error) {
	return xorWithID(ciphertext, sender), nil
}

func xorWithID(data []byte, id identity.ID) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ id[i%len(id)]
	}
	return out
}

func testIdentity(seed byte) identity.ID {
	var id identity.ID
	for i := range id {
		id[i] = seed
	}
	return id
}

func testVersion() Version {
	return Version{Agent: "test", ProtocolVersion: "1", Client: "test"}
}
