package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newthinker/quantbase/internal/core"
)

var (
	etlRawID int64
	etlDrain bool
)

var etlCmd = &cobra.Command{
	Use:   "etl",
	Short: "Apply stored raw payloads to the refined tables",
	Args:  args(0),
	RunE:  runETL,
}

func init() {
	etlCmd.Flags().Int64Var(&etlRawID, "raw-id", 0, "process one raw payload")
	etlCmd.Flags().BoolVar(&etlDrain, "drain", false, "process every pending payload")
	etlCmd.MarkFlagsMutuallyExclusive("raw-id", "drain")
	rootCmd.AddCommand(etlCmd)
}

func runETL(cmd *cobra.Command, _ []string) error {
	if etlRawID <= 0 && !etlDrain {
		return core.Errorf(core.ErrConfigInvalid, "etl: pass --raw-id N or --drain")
	}
	ctx := cmd.Context()
	a, _, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	if etlRawID > 0 {
		if err := a.ProcessRaw(ctx, etlRawID); err != nil {
			return err
		}
		fmt.Fprintf(out, "raw %d processed\n", etlRawID)
		return nil
	}

	stats, err := a.Drain(ctx)
	fmt.Fprintf(out, "processed=%d failed=%d retried=%d\n", stats.Processed, stats.Failed, stats.Retried)
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return &exitError{code: core.ExitFatal, err: fmt.Errorf("%d payloads failed permanently", stats.Failed)}
	}
	if stats.Retried > 0 {
		return &exitError{code: core.ExitTransient, err: fmt.Errorf("%d payloads left for retry", stats.Retried)}
	}
	return nil
}
