package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/identity"
)

var (
	backfillFrom  string
	backfillTo    string
	archiveBefore string
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Maintenance commands",
}

var backfillPECmd = &cobra.Command{
	Use:   "backfill-pe <canonical_id>",
	Short: "Recompute the PE column of stored daily bars",
	Args:  args(1),
	RunE:  runBackfillPE,
}

var rechainCmd = &cobra.Command{
	Use:   "rechain <canonical_id>",
	Short: "Recompute prev_close, change and pct_change of all daily bars",
	Args:  args(1),
	RunE:  runRechain,
}

var archiveRawCmd = &cobra.Command{
	Use:   "archive-raw",
	Short: "Copy raw payloads to the configured archive",
	Args:  args(0),
	RunE:  runArchiveRaw,
}

func init() {
	backfillPECmd.Flags().StringVar(&backfillFrom, "from", "", "first bar date (YYYY-MM-DD), default all history")
	backfillPECmd.Flags().StringVar(&backfillTo, "to", "", "last bar date (YYYY-MM-DD), default today")
	archiveRawCmd.Flags().StringVar(&archiveBefore, "before", "", "archive payloads fetched before this date (YYYY-MM-DD), default now")

	adminCmd.AddCommand(backfillPECmd, rechainCmd, archiveRawCmd)
	rootCmd.AddCommand(adminCmd)
}

func runBackfillPE(cmd *cobra.Command, argv []string) error {
	id, err := identity.Normalize(argv[0])
	if err != nil {
		return err
	}
	from, err := parseDate("from", backfillFrom)
	if err != nil {
		return err
	}
	to, err := parseDate("to", backfillTo)
	if err != nil {
		return err
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if !from.IsZero() && to.Before(from) {
		return core.Errorf(core.ErrConfigInvalid, "--to is before --from")
	}

	ctx := cmd.Context()
	a, _, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := a.BackfillPE(ctx, id, from, to)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bars updated\n", id, n)
	return nil
}

func runRechain(cmd *cobra.Command, argv []string) error {
	id, err := identity.Normalize(argv[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, _, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := a.Rechain(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bars rechained\n", id, n)
	return nil
}

func runArchiveRaw(cmd *cobra.Command, _ []string) error {
	before, err := parseDate("before", archiveBefore)
	if err != nil {
		return err
	}
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx := cmd.Context()
	a, _, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := a.ArchiveRaw(ctx, before)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "written=%d skipped=%d\n", stats.Written, stats.Skipped)
	return nil
}
