package transport

import (
	"context"
	"testing"

	"github.com/cosmicboots/phoenix/internal/identity"
	"github.com/stretchr/testify/require"
)

func TestHandshakeAndSendRecv(t *testing.T) {
	serverKp, err := identity.Generate()
	require.NoError(t, err)
	clientKp, err := identity.Generate()
	require.NoError(t, err)

	allowed := map[[identity.KeySize]byte]bool{clientKp.Public: true}
	ln, err := Listen("127.0.0.1:0", serverKp, allowed)
	require.NoError(t, err)
	defer ln.Close()

	serverSessCh := make(chan *Session, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		sess, err := ln.Accept()
		if err != nil {
			serverErrCh <- err
			return
		}
		serverSessCh <- sess
	}()

	clientSess, err := Dial(context.Background(), ln.Addr().String(), clientKp, serverKp.Public)
	require.NoError(t, err)
	defer clientSess.Close()

	var serverSess *Session
	select {
	case serverSess = <-serverSessCh:
	case err := <-serverErrCh:
		t.Fatalf("accept failed: %v", err)
	}
	defer serverSess.Close()

	require.Equal(t, clientKp.Public, serverSess.RemoteStatic())

	require.NoError(t, clientSess.Send([]byte("hello")))
	got, err := serverSess.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	require.NoError(t, serverSess.Send([]byte("world")))
	got, err = clientSess.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got)
}

func TestHandshakeRejectsUnknownPeer(t *testing.T) {
	serverKp, err := identity.Generate()
	require.NoError(t, err)
	clientKp, err := identity.Generate()
	require.NoError(t, err)

	ln, err := Listen("127.0.0.1:0", serverKp, map[[identity.KeySize]byte]bool{})
	require.NoError(t, err)
	defer ln.Close()

	go Dial(context.Background(), ln.Addr().String(), clientKp, serverKp.Public)

	_, err = ln.Accept()
	require.ErrorIs(t, err, ErrHandshakeRejected)
}
