package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/newthinker/quantbase/internal/app"
	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/identity"
)

var (
	snapshotDate   string
	snapshotJSON   bool
	snapshotNotify bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <canonical_id|symbol>",
	Short: "Print the valuation, risk and behavior snapshot of an asset",
	Args:  args(1),
	RunE:  runSnapshot,
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotDate, "date", "", "as-of date (YYYY-MM-DD), default today")
	snapshotCmd.Flags().BoolVar(&snapshotJSON, "json", false, "print JSON")
	snapshotCmd.Flags().BoolVar(&snapshotNotify, "notify", false, "route the resulting alerts to the notifiers")
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshot(cmd *cobra.Command, argv []string) error {
	ctx := cmd.Context()
	date, err := parseDate("date", snapshotDate)
	if err != nil {
		return err
	}
	if date.IsZero() {
		date = time.Now().UTC()
	}

	a, _, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	id, _, err := a.Resolve(ctx, argv[0], identity.Hints{})
	if err != nil {
		return err
	}
	s, err := a.Assess(ctx, id, date)
	if err != nil {
		return err
	}
	if snapshotNotify {
		a.Notify(ctx, s)
	}

	out := cmd.OutOrStdout()
	if snapshotJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	printAssessment(out, s)
	return nil
}

func printAssessment(w io.Writer, s app.Assessment) {
	fmt.Fprintf(w, "%s as of %s\n", s.ID, s.AsOf.Format(core.DateLayout))
	if s.Snapshot != nil {
		fmt.Fprintf(w, "  last      %.4f at %s (%s)\n", s.Snapshot.Close, s.Snapshot.Time.Format(time.RFC3339), s.Snapshot.Source)
	}

	v := s.Valuation
	fmt.Fprintf(w, "  valuation %s bucket=%s pe=%s pb=%s pct=%s ttm=%s",
		v.Status, v.Bucket, num(v.PE), num(v.PB), num(v.Percentile), orDash(v.TTMMethod))
	if v.FXMissing {
		fmt.Fprintf(w, " fx=missing ccy=%s", v.Currency)
	}
	fmt.Fprintln(w)

	r := s.Risk
	fmt.Fprintf(w, "  risk      %s path=%s dd=%.2f%% max_dd=%.2f%% recovery=%.2f quadrant=%s quality=%s\n",
		r.DState, r.PathRisk, r.DrawdownPct, r.MaxDrawdownPct, r.RecoveryProgress, r.Quadrant, r.QualityBuffer)
	if r.Market != nil {
		fmt.Fprintf(w, "  market    %s %s dd=%.2f%%\n", r.Market.IndexID, r.Market.DState.IndexLabel(), r.Market.DrawdownPct)
	}
	if r.Sector != nil {
		fmt.Fprintf(w, "  sector    %s/%s via %s %s rs=%s\n",
			r.Sector.Scheme, r.Sector.SectorCode, r.Sector.ProxyETF, r.Sector.DState, num(r.Sector.RSVsMarket))
	}

	fmt.Fprintf(w, "  earnings  %s\n", s.Earnings)
	fmt.Fprintf(w, "  behavior  %s %q (group=%s rule=%s)\n",
		s.Behavior.Action.Code, s.Behavior.Action.Label, s.Behavior.Group, orDash(s.Behavior.Rule))
	fmt.Fprintf(w, "  dividend  %s score=%d", s.Dividend.Level, s.Dividend.Score)
	if len(s.Dividend.Reasons) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(s.Dividend.Reasons, "; "))
	}
	fmt.Fprintln(w)
	for _, f := range s.Flags {
		fmt.Fprintf(w, "  flag      %-5s %s: %s\n", f.Level, f.Code, f.Message)
	}
}

func num(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *p)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
