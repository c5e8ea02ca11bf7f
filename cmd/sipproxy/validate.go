package main

import (
	"fmt"

	"braces.dev/errtrace"
	"github.com/spf13/cobra"

	"github.com/ghettovoice/sipproxy/config"
)

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration file and environment overrides and check them without starting the proxy.

Examples:
  sipproxy validate -c sipproxy.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return errtrace.Wrap(err)
			}
			host, port := cfg.AdvertisedAddr()
			fmt.Fprintf(cmd.OutOrStdout(), "OK: listen %s, advertise %s:%d, %d binding(s)\n",
				cfg.Listen, host, port, len(cfg.Bindings))
			return nil
		},
	}
}
