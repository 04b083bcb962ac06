// Package transport implements the encrypted, authenticated link between a
// server and its clients: a Noise_IK_25519_ChaChaPoly_BLAKE2s handshake
// layered over a length-prefixed framing.
package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/cosmicboots/phoenix/internal/identity"
	"github.com/flynn/noise"
)

// ErrHandshakeRejected is returned by Accept when the connecting peer's
// static key is not present in the configured allow-list.
var ErrHandshakeRejected = errors.New("transport: peer not in allow-list")

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// Session is an established, authenticated, encrypted connection. Once
// constructed by Dial or Accept, the handshake is complete and Send/Recv
// operate on the Noise transport-mode cipher states.
type Session struct {
	conn         net.Conn
	send         *noise.CipherState
	recv         *noise.CipherState
	remoteStatic [identity.KeySize]byte
}

// RemoteStatic returns the peer's static public key, the identity the
// allow-list check (for servers) or config (for clients) was verified
// against.
func (s *Session) RemoteStatic() [identity.KeySize]byte {
	return s.remoteStatic
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Send encrypts and frames a single message.
func (s *Session) Send(plaintext []byte) error {
	ciphertext, err := s.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("transport: encrypting message: %w", err)
	}
	return writeFramed(s.conn, ciphertext)
}

// Recv reads and decrypts a single message.
func (s *Session) Recv() ([]byte, error) {
	ciphertext, err := readFramed(s.conn)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("transport: decrypting message: %w", err)
	}
	return plaintext, nil
}

func writeFramed(w io.Writer, data []byte) error {
	if len(data) > 0xFFFF {
		return fmt.Errorf("transport: frame of %d bytes exceeds maximum", len(data))
	}
	hdr := make([]byte, 2)
	binary.BigEndian.PutUint16(hdr, uint16(len(data)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("transport: writing frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("transport: writing frame body: %w", err)
	}
	return nil
}

func readFramed(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("transport: reading frame header: %w", err)
	}
	n := binary.BigEndian.Uint16(hdr)
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("transport: reading frame body: %w", err)
	}
	return buf, nil
}

func dhKey(kp identity.Keypair) noise.DHKey {
	return noise.DHKey{Private: kp.Private[:], Public: kp.Public[:]}
}

// dial performs the Noise_IK initiator role over an already-connected conn.
// The caller must already know the server's static public key.
func dial(conn net.Conn, local identity.Keypair, remoteStatic [identity.KeySize]byte) (*Session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		StaticKeypair: dhKey(local),
		PeerStatic:    remoteStatic[:],
	})
	if err != nil {
		return nil, fmt.Errorf("transport: initializing handshake: %w", err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: writing handshake message 1: %w", err)
	}
	if err := writeFramed(conn, msg1); err != nil {
		return nil, err
	}

	msg2, err := readFramed(conn)
	if err != nil {
		return nil, err
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("transport: reading handshake message 2: %w", err)
	}

	return &Session{conn: conn, send: cs1, recv: cs2, remoteStatic: remoteStatic}, nil
}

// accept performs the Noise_IK responder role over an already-accepted
// conn, verifying the connecting peer's static key against allowed.
func accept(conn net.Conn, local identity.Keypair, allowed map[[identity.KeySize]byte]bool) (*Session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		StaticKeypair: dhKey(local),
	})
	if err != nil {
		return nil, fmt.Errorf("transport: initializing handshake: %w", err)
	}

	msg1, err := readFramed(conn)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("transport: reading handshake message 1: %w", err)
	}

	var remoteStatic [identity.KeySize]byte
	copy(remoteStatic[:], hs.PeerStatic())
	if !allowed[remoteStatic] {
		return nil, fmt.Errorf("%w: %x", ErrHandshakeRejected, remoteStatic)
	}

	msg2, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: writing handshake message 2: %w", err)
	}
	if err := writeFramed(conn, msg2); err != nil {
		return nil, err
	}

	return &Session{conn: conn, send: cs2, recv: cs1, remoteStatic: remoteStatic}, nil
}
