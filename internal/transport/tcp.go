package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cosmicboots/phoenix/internal/identity"
	"github.com/cosmicboots/phoenix/pkg/constants"
)

// Listener accepts incoming connections and completes the responder side of
// the Noise handshake before handing back an authenticated Session.
type Listener struct {
	ln      net.Listener
	local   identity.Keypair
	allowed map[[identity.KeySize]byte]bool
}

// Listen starts a TCP listener on addr, accepting only peers whose static
// key appears in allowed.
func Listen(addr string, local identity.Keypair, allowed map[[identity.KeySize]byte]bool) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", addr, err)
	}
	return &Listener{ln: ln, local: local, allowed: allowed}, nil
}

// Accept blocks for the next incoming connection, performs the Noise
// handshake, and returns the resulting Session. A rejected handshake closes
// the raw connection and returns ErrHandshakeRejected; callers should keep
// calling Accept rather than treat it as fatal to the listener.
func (l *Listener) Accept() (*Session, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accepting connection: %w", err)
	}
	sess, err := accept(conn, l.local, l.allowed)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close closes the listener.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial connects to addr over TCP and performs the Noise initiator
// handshake against the peer expected to hold remoteStatic. The handshake
// must complete within constants.DialTimeout.
func Dial(ctx context.Context, addr string, local identity.Keypair, remoteStatic [identity.KeySize]byte) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}
	conn.SetDeadline(time.Now().Add(constants.DialTimeout))
	sess, err := dial(conn, local, remoteStatic)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return sess, nil
}
