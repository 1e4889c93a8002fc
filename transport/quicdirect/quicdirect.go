// Package quicdirect is the default overlay.DirectTransport: one QUIC
// connection per peer, carrying a single bidirectional stream of
// length-prefixed frames. Modeled on the QUIC transport in
// postalsys-Muti-Metroo/internal/transport/quic.go, adapted from a
// generic multi-stream transport to the overlay's single-stream,
// one-handle-per-connection contract.
package quicdirect

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/weavemesh/overlay/overlay"
)

// ALPNProtocol identifies this transport in the TLS handshake.
const ALPNProtocol = "weavemesh-overlay/1"

const (
	defaultMaxIdleTimeout  = 60 * time.Second
	defaultKeepAlivePeriod = 30 * time.Second
	maxFrameSize           = 1 << 20 // 1 MiB
)

var errHandleClosed = errors.New("quicdirect: handle closed")

// Transport dials and accepts QUIC sessions. Construct one per local node
// and pass it as overlay.LocalPeer.Direct; call Listen to also accept
// inbound sessions and hand them to a Manager via AcceptInboundDirect.
type Transport struct {
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	mu       sync.Mutex
	listener *quic.Listener
}

// New creates a Transport. tlsConfig must carry the node's certificate;
// ALPNProtocol is added to NextProtos if not already present.
func New(tlsConfig *tls.Config) *Transport {
	cfg := tlsConfig.Clone()
	if !containsALPN(cfg.NextProtos, ALPNProtocol) {
		cfg.NextProtos = append(cfg.NextProtos, ALPNProtocol)
	}
	return &Transport{
		tlsConfig: cfg,
		quicConfig: &quic.Config{
			MaxIdleTimeout:        defaultMaxIdleTimeout,
			KeepAlivePeriod:       defaultKeepAlivePeriod,
			MaxIncomingStreams:    16,
			MaxIncomingUniStreams: 0,
		},
	}
}

func containsALPN(protos []string, want string) bool {
	for _, p := range protos {
		if p == want {
			return true
		}
	}
	return false
}

// Dial implements overlay.DirectTransport.
func (t *Transport) Dial(ctx context.Context, address string, port uint16) (overlay.TransportHandle, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(int(port)))
	conn, err := quic.DialAddr(ctx, addr, t.tlsConfig, t.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quicdirect: dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("quicdirect: open stream to %s: %w", addr, err)
	}
	return newHandle(conn, stream), nil
}

// Listen starts accepting inbound QUIC sessions on address:port. Each
// accepted session's single stream is wrapped into an overlay.TransportHandle
// and handed to onAccept along with the remote's address, for the caller to
// pass to Manager.AcceptInboundDirect. Listen returns once the listener is
// bound; accepting runs in a background goroutine until ctx is canceled.
func (t *Transport) Listen(ctx context.Context, address string, port uint16, onAccept func(overlay.TransportHandle, string)) error {
	addr := net.JoinHostPort(address, strconv.Itoa(int(port)))
	listener, err := quic.ListenAddr(addr, t.tlsConfig, t.quicConfig)
	if err != nil {
		return fmt.Errorf("quicdirect: listen %s: %w", addr, err)
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	go t.acceptLoop(ctx, listener, onAccept)
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context, listener *quic.Listener, onAccept func(overlay.TransportHandle, string)) {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			return
		}
		go t.acceptSession(ctx, conn, onAccept)
	}
}

func (t *Transport) acceptSession(ctx context.Context, conn quic.Connection, onAccept func(overlay.TransportHandle, string)) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no stream opened")
		return
	}
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	onAccept(newHandle(conn, stream), host)
}

// Close shuts down the listener, if one was started. In-flight sessions
// are unaffected.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

// handle wraps one QUIC connection/stream pair as an overlay.TransportHandle.
type handle struct {
	conn   quic.Connection
	stream quic.Stream

	mu        sync.Mutex
	writer    sync.Mutex
	onReceive func([]byte)
	onClose   func(error)
	closed    bool
}

func newHandle(conn quic.Connection, stream quic.Stream) *handle {
	h := &handle{conn: conn, stream: stream}
	go h.readLoop()
	return h
}

func (h *handle) readLoop() {
	r := bufio.NewReader(h.stream)
	for {
		frame, err := readFrame(r)
		if err != nil {
			h.finish(err)
			return
		}
		h.mu.Lock()
		cb := h.onReceive
		h.mu.Unlock()
		if cb != nil {
			cb(frame)
		}
	}
}

func (h *handle) finish(err error) {
	_ = h.Close()
	h.mu.Lock()
	cb := h.onClose
	h.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (h *handle) Send(frame []byte) error {
	h.writer.Lock()
	defer h.writer.Unlock()
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return errHandleClosed
	}
	return writeFrame(h.stream, frame)
}

func (h *handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	_ = h.stream.Close()
	return h.conn.CloseWithError(0, "closed")
}

func (h *handle) SetReceiveHandler(fn func([]byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onReceive = fn
}

func (h *handle) SetCloseHandler(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = fn
}

// readFrame and writeFrame implement a trivial 4-byte-length-prefixed
// framing over the stream's byte pipe.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("quicdirect: frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("quicdirect: frame too large (%d bytes)", len(frame))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}
