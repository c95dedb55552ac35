// starrelay - man-in-the-middle proxy for Starbound game servers.
//
// starrelay accepts game clients, dials the real server on their behalf and
// relays every packet in both directions, decoding the ones it understands
// so handlers can observe, rewrite or drop them. It tracks players and bans
// in sqlite, exposes an admin REST API and console, and publishes telemetry
// via MQTT and Prometheus.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "1.0.0"
	commit  = "none"
	date    = "unknown"
)

const banner = `
     _                      _
 ___| |_ __ _ _ __ _ __ ___| | __ _ _   _
/ __| __/ _' | '__| '__/ _ \ |/ _' | | | |
\__ \ || (_| | |  | | |  __/ | (_| | |_| |
|___/\__\__,_|_|  |_|  \___|_|\__,_|\__, |
                                    |___/  v%s
`

func main() {
	var opts serveOptions

	rootCmd := &cobra.Command{
		Use:   "starrelay",
		Short: "Packet-level proxy for Starbound servers",
		Long: `starrelay sits between game clients and a Starbound server,
relaying and inspecting every packet.

Running it without a subcommand starts the proxy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configDir, "config-dir", "c", "config", "Directory holding config.json")
	rootCmd.Flags().BoolVar(&opts.noConsole, "no-console", false, "Disable the interactive console")

	rootCmd.AddCommand(
		serveCmd(&opts),
		checkCmd(&opts),
		setupCmd(&opts),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCmd(opts *serveOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *opts)
		},
	}
	cmd.Flags().BoolVar(&opts.noConsole, "no-console", false, "Disable the interactive console")
	return cmd
}
