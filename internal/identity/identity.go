// Package identity manages the local node's long-term cryptographic
// identity: a 32-byte X25519 key pair whose public half doubles as the
// overlay's Identity value (the public key is also used directly for the
// signalling box/unbox primitives in internal/cryptobox).
package identity

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"runtime"
)

// Size is the fixed width, in bytes, of an overlay identity.
const Size = 32

// ID is an opaque 32-byte node identity. Equality is bytewise; ordering is
// lexicographic on the base64-rendered form (see Less), matching spec.md's
// data model.
type ID [Size]byte

// String renders the identity as URL-safe, unpadded base64.
func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// Less reports whether id sorts before other using the rendered form.
// Exactly one of a.Less(b), b.Less(a) holds for distinct identities; this
// total order is what canInitiate/canKeepDuplicate tie-break on.
func (id ID) Less(other ID) bool {
	return id.String() < other.String()
}

// IsZero reports whether id is the zero value (used to represent "no
// identity yet" for peers that haven't completed a handshake).
func (id ID) IsZero() bool {
	return id == ID{}
}

// Parse decodes a base64-rendered identity string, validating its length.
func Parse(s string) (ID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		// Some peers may send padded base64; retry with the padded URL-safe encoding.
		raw, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			return ID{}, fmt.Errorf("%w: %s", ErrMalformed, err)
		}
	}
	if len(raw) != Size {
		return ID{}, fmt.Errorf("%w: got %d bytes, want %d", ErrWrongLength, len(raw), Size)
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

// IsValid reports whether s is a syntactically valid rendered identity.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// FromPublicKey derives an ID from an X25519 public key.
func FromPublicKey(pub *ecdh.PublicKey) ID {
	var id ID
	copy(id[:], pub.Bytes())
	return id
}

// CheckKeyFilePermissions verifies a key file is not readable by group or
// others; skipped on Windows, whose permission model differs.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat key file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// LoadOrCreate loads an X25519 private key from path, or generates and
// persists a new one if the file does not exist.
func LoadOrCreate(path string) (*ecdh.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		if err := CheckKeyFilePermissions(path); err != nil {
			return nil, err
		}
		priv, err := ecdh.X25519().NewPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal key from %s: %w", path, err)
		}
		return priv, nil
	}

	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	if err := os.WriteFile(path, priv.Bytes(), 0600); err != nil {
		return nil, fmt.Errorf("failed to save key to %s: %w", path, err)
	}
	return priv, nil
}

// FromKeyFile loads (or creates) a key file and returns the derived ID.
func FromKeyFile(path string) (ID, *ecdh.PrivateKey, error) {
	priv, err := LoadOrCreate(path)
	if err != nil {
		return ID{}, nil, err
	}
	return FromPublicKey(priv.PublicKey()), priv, nil
}
