package main

import (
	"context"

	"github.com/spf13/cobra"

	pkglog "github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "watchparty-service",
	Short: "Realtime room sync, presence and voice signaling for watch parties",
	// Serving is the default action so container images can run the bare binary.
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the service version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./config/config.yaml)")
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("watchparty-service failed")
	}
}
