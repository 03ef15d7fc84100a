package main

import (
	"fmt"
	"os"

	"github.com/rongwang/titleforge/internal/config"
	"github.com/rongwang/titleforge/internal/utils"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfg    *config.Config
	logger zerolog.Logger
)

// rootCmd is the base command for the titleforge CLI
var rootCmd = &cobra.Command{
	Use:   "titleforge",
	Short: "Billed title generation pipeline",
	Long: `titleforge accepts text requests over HTTP, prices them, queues them for
workers over Kafka and charges the caller's balance once a worker completes.

Configuration comes from defaults, the YAML file named by CONFIG_FILE, a .env
file and the environment, in that order.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
		logger = utils.NewLogger(cfg.Log.Level, cfg.Log.Pretty)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
