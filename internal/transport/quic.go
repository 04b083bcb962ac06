package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/cosmicboots/phoenix/internal/identity"
	"github.com/quic-go/quic-go"
)

// ALPN is the protocol identifier negotiated for QUIC connections.
const ALPN = "phoenix/1"

// QUICListener is the QUIC-backed alternate to Listener. No config option
// selects it; the run command listens and dials over TCP.
type QUICListener struct {
	ln      *quic.Listener
	local   identity.Keypair
	allowed map[[identity.KeySize]byte]bool
}

func quicTLSConfig() *tls.Config {
	return &tls.Config{
		NextProtos:   []string{ALPN},
		Certificates: []tls.Certificate{selfSignedCert()},
	}
}

// ListenQUIC starts a QUIC listener on addr. Authentication of peers still
// happens at the Noise layer above the QUIC+TLS transport; the TLS
// certificate here is self-signed and only used to satisfy QUIC's
// transport-level requirement for a certificate.
func ListenQUIC(addr string, local identity.Keypair, allowed map[[identity.KeySize]byte]bool) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, quicTLSConfig(), &quic.Config{
		MaxIdleTimeout:  5 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s (quic): %w", addr, err)
	}
	return &QUICListener{ln: ln, local: local, allowed: allowed}, nil
}

// Accept blocks for the next incoming QUIC connection and stream, then
// performs the Noise handshake over it.
func (l *QUICListener) Accept(ctx context.Context) (*Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accepting quic connection: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream accept failed")
		return nil, fmt.Errorf("transport: accepting quic stream: %w", err)
	}
	sess, err := accept(streamConn{conn: conn, stream: stream}, l.local, l.allowed)
	if err != nil {
		conn.CloseWithError(1, "handshake rejected")
		return nil, err
	}
	return sess, nil
}

func (l *QUICListener) Close() error {
	return l.ln.Close()
}

// DialQUIC connects to addr over QUIC and performs the Noise initiator
// handshake against the peer expected to hold remoteStatic.
func DialQUIC(ctx context.Context, addr string, local identity.Keypair, remoteStatic [identity.KeySize]byte) (*Session, error) {
	conn, err := quic.DialAddr(ctx, addr, quicTLSConfig(), &quic.Config{
		MaxIdleTimeout:  5 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s (quic): %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("transport: opening quic stream: %w", err)
	}
	sess, err := dial(streamConn{conn: conn, stream: stream}, local, remoteStatic)
	if err != nil {
		conn.CloseWithError(1, "handshake failed")
		return nil, err
	}
	return sess, nil
}

// streamConn adapts a quic.Connection + quic.Stream pair to net.Conn so the
// same Noise handshake code in noise.go serves both TCP and QUIC.
type streamConn struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (s streamConn) Read(b []byte) (int, error)  { return s.stream.Read(b) }
func (s streamConn) Write(b []byte) (int, error) { return s.stream.Write(b) }
func (s streamConn) Close() error                { return s.stream.Close() }
func (s streamConn) LocalAddr() net.Addr         { return s.conn.LocalAddr() }
func (s streamConn) RemoteAddr() net.Addr        { return s.conn.RemoteAddr() }
func (s streamConn) SetDeadline(t time.Time) error {
	return s.stream.SetDeadline(t)
}
func (s streamConn) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}
func (s streamConn) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}
