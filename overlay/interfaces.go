package overlay

import (
	"context"

	"github.com/weavemesh/overlay/internal/identity"
)

// Crypto is the cryptographic layer the core consumes (§6). Box encrypts
// a signalling payload for recipient; Unbox decrypts one purportedly sent
// by sender. Unbox returning an error is treated as "none" by callers.
type Crypto interface {
	Box(plaintext []byte, recipient identity.ID) (nonce, ciphertext []byte, err error)
	Unbox(ciphertext, nonce []byte, sender identity.ID) ([]byte, error)
}

// TransportHandle is the shared surface both transport kinds expose to a
// Connection: send raw frames, close exactly once, and register the
// callbacks the transport invokes when data arrives or the session ends.
// Those callbacks run on whatever goroutine the transport adapter uses;
// the handlers a Connection passes to them are responsible for hopping
// onto the Peer Manager's single event loop.
type TransportHandle interface {
	Send(frame []byte) error
	Close() error
	SetReceiveHandler(func(frame []byte))
	SetCloseHandler(func(err error))
}

// AssistedHandle additionally exposes the signalling inlet/outlet a
// broker-mediated session needs: SetSignalHandler fires whenever the
// underlying transport produces a local signalling payload to ship to the
// peer via a broker; Signal feeds a remote payload back in. SetOpenHandler
// fires exactly once, when the underlying session finishes negotiating and
// is ready to carry frames — the assisted equivalent of a direct dial
// simply returning, and what drives a Connection from SIGNALING to
// WAITING_FOR_IDENTITY.
type AssistedHandle interface {
	TransportHandle
	SetSignalHandler(func(payload []byte))
	SetOpenHandler(func())
	Signal(payload []byte) error
}

// DirectTransport dials a peer's configured address. Inbound sessions are
// not solicited through this interface — the hosting application accepts
// them and hands the resulting handle to Manager.AcceptInboundDirect.
type DirectTransport interface {
	Dial(ctx context.Context, address string, port uint16) (TransportHandle, error)
}

// AssistedTransport creates one side of a broker-mediated session. The
// initiator flag determines which side drives ICE-style offer/answer
// negotiation (or whatever native signalling scheme the transport uses).
type AssistedTransport interface {
	Create(initiator bool) (AssistedHandle, error)
}
