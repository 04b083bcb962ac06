package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cosmicboots/phoenix/internal/broadcast"
	"github.com/cosmicboots/phoenix/internal/client"
	"github.com/cosmicboots/phoenix/internal/config"
	"github.com/cosmicboots/phoenix/internal/engine"
	"github.com/cosmicboots/phoenix/internal/identity"
	"github.com/cosmicboots/phoenix/internal/observability"
	"github.com/cosmicboots/phoenix/internal/session"
	"github.com/cosmicboots/phoenix/internal/transport"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var server bool
	cmd := &cobra.Command{
		Use:   "run [path]",
		Short: "Run as a server, or as a client watching path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if server {
				return runServer(ctx)
			}
			if len(args) != 1 {
				return fmt.Errorf("run: a watch path is required unless --server is set")
			}
			return runClient(ctx, args[0])
		},
	}
	cmd.Flags().BoolVar(&server, "server", false, "run as the server")
	return cmd
}

func runServer(ctx context.Context) error {
	log := rootLogger().WithComponent("server")
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}

	kp, err := identity.ParsePrivate(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("run: server private key: %w", err)
	}

	allowed := make(map[[identity.KeySize]byte]bool, len(cfg.Clients))
	for _, c := range cfg.Clients {
		pub, err := identity.ParsePublic(c)
		if err != nil {
			return fmt.Errorf("run: allow-list entry %q: %w", c, err)
		}
		allowed[pub] = true
	}

	storagePath := cfg.StoragePath
	if storagePath == "" {
		storagePath = "phoenix.db"
	}
	eng, err := engine.Open(storagePath)
	if err != nil {
		return err
	}
	defer eng.Close()

	ln, err := transport.Listen(cfg.BindAddress, kp, allowed)
	if err != nil {
		return err
	}
	defer ln.Close()

	hub := broadcast.NewHub()
	log.Info().Str("addr", cfg.BindAddress).Msg("server listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		sess, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}
		peer := fmt.Sprintf("%x", sess.RemoteStatic())
		log.HandshakeCompleted(peer)
		go serveClient(sess, eng, hub, log.WithPeer(peer))
	}
}

// serveClient runs one server-side session to completion: it registers with
// the broadcast hub, pumps hub pushes out to the peer concurrently with the
// inbound dispatch loop, and cleans up on either side closing.
func serveClient(sess *transport.Session, eng *engine.Engine, hub *broadcast.Hub, log observability.Logger) {
	defer sess.Close()

	outbound := hub.Register()
	defer hub.Unregister(outbound)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range outbound {
			if err := sess.Send(msg); err != nil {
				return
			}
		}
	}()

	s := session.New(sess, eng, hub, log)
	if err := s.Serve(); err != nil {
		log.Warn().Err(err).Msg("session ended")
	}
	hub.Unregister(outbound)
	<-done
}

func runClient(ctx context.Context, watchPath string) error {
	log := rootLogger().WithComponent("client")
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return err
	}

	kp, err := identity.ParsePrivate(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("run: client private key: %w", err)
	}
	serverPub, err := identity.ParsePublic(cfg.ServerPubkey)
	if err != nil {
		return fmt.Errorf("run: server public key: %w", err)
	}

	sess, err := transport.Dial(ctx, cfg.ServerAddress, kp, serverPub)
	if err != nil {
		return err
	}
	defer sess.Close()
	log.HandshakeCompleted(cfg.ServerAddress)

	c, err := client.New(sess, watchPath, log)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}
