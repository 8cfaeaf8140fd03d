package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newthinker/quantbase/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  args(0),
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := storage.Open(ctx, cfg.Database.URL, storage.Options{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		TxTimeout:    cfg.Database.TxTimeout,
	}, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s schema up to date\n", db.Dialect())
	return nil
}
