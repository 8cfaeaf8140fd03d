package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fetch and ETL workers with the refresh scheduler",
	Args:  args(0),
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, log, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Info("starting quantbase", zap.String("config", cfgFile))
	if err := a.Serve(ctx); err != nil {
		return err
	}
	log.Info("quantbase stopped")
	return nil
}
