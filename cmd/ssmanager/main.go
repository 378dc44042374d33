package main

import (
	"os"

	"github.com/spf13/cobra"

	"ssmanager/internal/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "ssmanager",
	Short: "Shadowsocks access key manager",
	Long: `ssmanager manages the access keys of a Shadowsocks server.

It persists keys, keeps the outline-ss-server config in step with them,
and disables keys that go over their data limit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Replaced once the config file is read; flags apply until then.
		_, err := logger.New(logLevel, "console")
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level, overrides the config file")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(serveCmd, keysCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log := logger.GetLogger()
		log.Error().Err(err).Msg("ssmanager failed")
		os.Exit(1)
	}
}
