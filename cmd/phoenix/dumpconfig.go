package main

import (
	"fmt"

	"github.com/cosmicboots/phoenix/internal/config"
	"github.com/spf13/cobra"
)

func dumpConfigCmd() *cobra.Command {
	var asServer bool
	var writeTo string
	cmd := &cobra.Command{
		Use:   "dump-config",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out string
			var err error
			if asServer {
				cfg, loadErr := config.LoadServerConfig(configPath)
				if loadErr != nil {
					return loadErr
				}
				if writeTo != "" {
					return cfg.Write(writeTo)
				}
				out, err = cfg.Dump()
			} else {
				cfg, loadErr := config.LoadClientConfig(configPath)
				if loadErr != nil {
					return loadErr
				}
				if writeTo != "" {
					return cfg.Write(writeTo)
				}
				out, err = cfg.Dump()
			}
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asServer, "server", false, "dump the server config shape instead of the client's")
	cmd.Flags().StringVar(&writeTo, "write", "", "write the (default, if missing) config to this file instead of printing it")
	return cmd
}
