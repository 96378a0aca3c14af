package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rpattn/ddfstore/internal/config"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/logger"
)

var (
	configPath string
	jsonLogs   bool
	logLevel   string
	inMemory   bool

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ddfstore",
	Short: "ddfstore - versioned DDF dataset store and query service",
	Long: `ddfstore keeps DDF datasets (concepts, entities and datapoints) as versioned
records, applies change diffs to them and answers DDFQL queries against any
imported version.

Examples:
  ddfstore migrate                                # Apply database migrations
  ddfstore import --dataset population --diff d.ndjson
  ddfstore serve --memory                         # Serve from an in-memory store`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if cmd.Flags().Changed("json-logs") {
			cfg.Log.JSON = jsonLogs
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory holding config.yaml")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "write structured JSON logs")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&inMemory, "memory", false, "use an in-memory store instead of PostgreSQL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
