package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "sipproxy",
		Short: "Stateful SIP proxy over UDP",
		Long: `sipproxy is a stateful RFC 3261 SIP proxy serving a single UDP socket.

It forwards requests to next hops found in static bindings or DNS (RFC 3263),
keeps client and server transactions, tracks INVITE dialogs and relays responses.
Settings come from a YAML file and SIPPROXY_ environment variables,
e.g. SIPPROXY_LOG_LEVEL=debug overrides log.level.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	root.AddCommand(
		newServeCmd(&configPath),
		newValidateCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "sipproxy %s\n", version)
			},
		},
	)
	return root
}
