package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/rpattn/ddfstore/internal/db"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/ingestion"
	"github.com/rpattn/ddfstore/internal/logger"
	"github.com/rpattn/ddfstore/internal/repository"
)

var importFlags struct {
	dataset string
	diff    string
	commit  string
	private bool
	token   string
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Apply a change diff to a dataset as a new version",
	Long: `Apply a newline-delimited change diff to a dataset. The dataset is created
on its first import; each successful import closes one transaction and
becomes the dataset's latest version.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if importFlags.dataset == "" || importFlags.diff == "" {
			return errors.New("--dataset and --diff are required")
		}
		f, err := os.Open(importFlags.diff)
		if err != nil {
			return errors.Wrap(err, "open diff")
		}
		defer f.Close()

		store, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		summary, err := newIngestion(repository.NewRegistry(store)).Apply(cmd.Context(), ingestion.Request{
			Dataset:     importFlags.dataset,
			Private:     importFlags.private,
			AccessToken: importFlags.token,
			Commit:      importFlags.commit,
			Diff:        f,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

var migrateDown int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply (or with --down N, roll back) PostgreSQL migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if migrateDown > 0 {
			logger.Logger.Infow("rolling back migrations", "steps", migrateDown)
			return db.RollbackMigrations(cfg.Database, migrateDown)
		}
		logger.Logger.Infow("applying migrations", "db", cfg.Database.DBName)
		return db.RunMigrations(cfg.Database)
	},
}

func init() {
	importCmd.Flags().StringVar(&importFlags.dataset, "dataset", "", "dataset name")
	importCmd.Flags().StringVar(&importFlags.diff, "diff", "", "path of the change diff file")
	importCmd.Flags().StringVar(&importFlags.commit, "commit", "", "commit the diff was produced from")
	importCmd.Flags().BoolVar(&importFlags.private, "private", false, "create the dataset as private")
	importCmd.Flags().StringVar(&importFlags.token, "token", "", "dataset access token")

	migrateCmd.Flags().IntVar(&migrateDown, "down", 0, "number of migrations to roll back")
}
