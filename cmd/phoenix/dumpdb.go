package main

import (
	"os"

	"github.com/cosmicboots/phoenix/internal/config"
	"github.com/cosmicboots/phoenix/internal/engine"
	"github.com/spf13/cobra"
)

func dumpDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump-db",
		Short: "Print every table in the server's storage engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return err
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
			return eng.DumpTables(os.Stdout)
		},
	}
	return cmd
}
