// Package identity manages the X25519 keypairs used as Noise static keys.
// Phoenix has no authorization model beyond a static public-key allow-list,
// so identity is reduced to key material only — no signing keys, no handle
// resolution.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the width in bytes of an X25519 key.
const KeySize = 32

// Keypair holds a peer's static Diffie-Hellman keypair for the Noise
// handshake.
type Keypair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// Generate creates a fresh X25519 keypair from random scalar bytes via
// curve25519.X25519 against the curve's base point.
func Generate() (Keypair, error) {
	var kp Keypair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return Keypair{}, fmt.Errorf("identity: generating private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return Keypair{}, fmt.Errorf("identity: deriving public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// EncodePrivate returns the base64 encoding used for the config file's
// privkey field.
func (k Keypair) EncodePrivate() string {
	return base64.StdEncoding.EncodeToString(k.Private[:])
}

// EncodePublic returns the base64 encoding used for config and CLI output.
func (k Keypair) EncodePublic() string {
	return base64.StdEncoding.EncodeToString(k.Public[:])
}

// ParsePrivate decodes a base64 private key and derives its public half.
func ParsePrivate(s string) (Keypair, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Keypair{}, fmt.Errorf("identity: invalid private key encoding: %w", err)
	}
	if len(raw) != KeySize {
		return Keypair{}, fmt.Errorf("identity: private key must be %d bytes, got %d", KeySize, len(raw))
	}
	var kp Keypair
	copy(kp.Private[:], raw)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return Keypair{}, fmt.Errorf("identity: deriving public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// ParsePublic decodes a base64 public key, as found in a server's client
// allow-list or a client config's server_pubkey field.
func ParsePublic(s string) ([KeySize]byte, error) {
	var pub [KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return pub, fmt.Errorf("identity: invalid public key encoding: %w", err)
	}
	if len(raw) != KeySize {
		return pub, fmt.Errorf("identity: public key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}
