package main

import (
	"fmt"

	"github.com/cosmicboots/phoenix/internal/identity"
	"github.com/spf13/cobra"
)

func genKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen-key",
		Short: "Generate a new X25519 keypair for a server or client config",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := identity.Generate()
			if err != nil {
				return err
			}
			fmt.Printf("privkey = %q\npubkey  = %q\n", kp.EncodePrivate(), kp.EncodePublic())
			return nil
		},
	}
	return cmd
}
