package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/identity"
	"github.com/newthinker/quantbase/internal/orchestrator"
)

var (
	fetchSince    string
	fetchSource   string
	fetchKind     string
	fetchInterval string
	fetchProcess  bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <canonical_id|symbol|all>",
	Short: "Fetch upstream data for one asset or the whole watchlist",
	Long: `Fetch runs fetch tasks to completion and stores the raw payloads.
Failed assets are printed as "<canonical_id> <ERROR_CODE> last_success=<ts|never>".`,
	Args: args(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchSince, "since", "", "fetch bars from this date (YYYY-MM-DD)")
	fetchCmd.Flags().StringVar(&fetchSource, "source", "", "use only this source")
	fetchCmd.Flags().StringVar(&fetchKind, "kind", string(orchestrator.TaskDaily), "daily, intraday, fundamentals or actions")
	fetchCmd.Flags().StringVar(&fetchInterval, "interval", string(core.Period5m), "intraday bar interval")
	fetchCmd.Flags().BoolVar(&fetchProcess, "etl", false, "apply the fetched payloads before exiting")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, argv []string) error {
	ctx := cmd.Context()
	kind, err := orchestrator.ParseTaskKind(fetchKind)
	if err != nil {
		return err
	}
	if kind == orchestrator.TaskFX {
		return core.Errorf(core.ErrConfigInvalid, "fx tasks are planned by the valuation engine")
	}
	since, err := parseDate("since", fetchSince)
	if err != nil {
		return err
	}

	a, _, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	var ids []core.CanonicalID
	if strings.EqualFold(argv[0], "all") {
		ids = a.Watchlist(ctx)
		if len(ids) == 0 {
			return core.Errorf(core.ErrConfigMissing, "watchlist is empty")
		}
	} else {
		id, _, err := a.Resolve(ctx, argv[0], identity.Hints{Source: fetchSource})
		if err != nil {
			return err
		}
		ids = []core.CanonicalID{id}
	}

	tasks := make([]orchestrator.Task, 0, len(ids))
	for _, id := range ids {
		t := orchestrator.Task{ID: id, Kind: kind, Since: since, Source: fetchSource}
		if kind == orchestrator.TaskIntraday {
			t.Interval = core.Period(fetchInterval)
		}
		tasks = append(tasks, t)
	}

	results := a.Fetch(ctx, tasks)
	failed := printResults(cmd.OutOrStdout(), results)

	if fetchProcess {
		stats, err := a.Drain(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "etl processed=%d failed=%d retried=%d\n", stats.Processed, stats.Failed, stats.Retried)
	}
	return failed
}

// printResults writes one line per result and returns an error carrying
// the most severe exit code of the failures, nil when all succeeded.
func printResults(w io.Writer, results []orchestrator.Result) error {
	var (
		worst error
		code  int
		n     int
	)
	for _, r := range results {
		if r.OK() {
			fmt.Fprintf(w, "%s OK source=%s records=%d raw_id=%d\n", r.Task.ID, r.Source, r.Records, r.RawID)
			continue
		}
		n++
		last := "never"
		if !r.LastSuccess.IsZero() {
			last = r.LastSuccess.UTC().Format("2006-01-02T15:04:05Z")
		}
		fmt.Fprintf(w, "%s %s last_success=%s\n", r.Task.ID, core.Code(r.Err), last)
		if c := core.ExitCode(r.Err); c > code {
			code, worst = c, r.Err
		}
	}
	if worst == nil {
		return nil
	}
	return &exitError{code: code, err: fmt.Errorf("%d of %d fetches failed: %w", n, len(results), worst)}
}
