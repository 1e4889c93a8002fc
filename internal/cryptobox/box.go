// Package cryptobox is the default implementation of the overlay's
// signalling-payload encryption contract (overlay.Crypto): X25519 ECDH
// between the local private key and the peer's identity, HKDF-SHA256 to
// derive a per-pair symmetric key, and ChaCha20-Poly1305 AEAD framing.
// This mirrors the PAKE handshake in shurlinet-shurli/internal/invite/pake.go,
// minus the password-authenticated exchange (identities here are already
// authenticated by the overlay's own handshake).
package cryptobox

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/weavemesh/overlay/internal/identity"
)

// hkdfInfo is the HKDF info string domain-separating this derivation from
// any other protocol that might reuse the same X25519 keys.
const hkdfInfo = "weavemesh-signal-box-v1"

// Box implements overlay.Crypto using the local node's X25519 private key.
type Box struct {
	priv *ecdh.PrivateKey
}

// New returns a Box bound to the local node's private key.
func New(priv *ecdh.PrivateKey) *Box {
	return &Box{priv: priv}
}

// sharedKey derives the symmetric key shared with peerID via X25519 ECDH
// followed by HKDF-SHA256. ECDH is symmetric so Seal and Open derive the
// same key regardless of which side is boxing or unboxing.
func (b *Box) sharedKey(peerID identity.ID) ([]byte, error) {
	peerPub, err := ecdh.X25519().NewPublicKey(peerID[:])
	if err != nil {
		return nil, fmt.Errorf("invalid peer identity as X25519 key: %w", err)
	}
	secret, err := b.priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh failed: %w", err)
	}

	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}
	return key, nil
}

// Box encrypts plaintext for recipient, returning a fresh random nonce and
// the AEAD-sealed ciphertext.
func (b *Box) Box(plaintext []byte, recipient identity.ID) (nonce, ciphertext []byte, err error) {
	key, err := b.sharedKey(recipient)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("aead init failed: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Unbox decrypts ciphertext purportedly sent by sender. Returns an error
// (treated as "none" by callers) if authentication fails.
func (b *Box) Unbox(ciphertext, nonce []byte, sender identity.ID) ([]byte, error) {
	key, err := b.sharedKey(sender)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("aead init failed: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: box authentication failed", ErrUnboxFailed)
	}
	return plaintext, nil
}
