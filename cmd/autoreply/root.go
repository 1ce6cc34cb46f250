package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "autoreply",
	Short: "WhatsApp auto-reply daemon",
	Long: `autoreply answers WhatsApp messages on the owner's behalf through a
local WhatsApp bridge. Replies come from the Anthropic API or a Claude
Code CLI session, behind a pairing-based allowlist.`,
}

func init() {
	cobra.OnInitialize(func() {
		// Secrets live in the environment; .env is a dev convenience.
		godotenv.Load()
	})
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.Encoding = "console"
	return cfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
