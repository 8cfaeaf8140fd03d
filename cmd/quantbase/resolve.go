package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/identity"
)

var (
	resolveMarket string
	resolveKind   string
	resolveSource string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <symbol>",
	Short: "Resolve a raw symbol to its canonical id",
	Args:  args(1),
	RunE:  runResolve,
}

var aliasesCmd = &cobra.Command{
	Use:   "aliases <canonical_id>",
	Short: "List the raw symbols mapped to a canonical id",
	Args:  args(1),
	RunE:  runAliases,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveMarket, "market", "", "market hint: US, HK, CN or WORLD")
	resolveCmd.Flags().StringVar(&resolveKind, "kind", "", "kind hint: STOCK, ETF, INDEX, CRYPTO or TRUST")
	resolveCmd.Flags().StringVar(&resolveSource, "source", "", "source the symbol comes from")
	rootCmd.AddCommand(resolveCmd, aliasesCmd)
}

func runResolve(cmd *cobra.Command, argv []string) error {
	hints := identity.Hints{
		Market: core.Market(strings.ToUpper(resolveMarket)),
		Kind:   core.Kind(strings.ToUpper(resolveKind)),
		Source: resolveSource,
	}
	if hints.Market != "" && !hints.Market.Valid() {
		return core.Errorf(core.ErrConfigInvalid, "unknown market %q", resolveMarket)
	}
	if hints.Kind != "" && !hints.Kind.Valid() {
		return core.Errorf(core.ErrConfigInvalid, "unknown kind %q", resolveKind)
	}

	ctx := cmd.Context()
	a, _, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	id, market, err := a.Resolve(ctx, argv[0], hints)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, market)
	return nil
}

func runAliases(cmd *cobra.Command, argv []string) error {
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

	aliases, err := a.Aliases(ctx, id)
	if err != nil {
		return err
	}
	if len(aliases) == 0 {
		return core.Errorf(core.ErrUnknownSymbol, "no aliases for %s", id)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RAW\tSOURCE\tPRIORITY\tACTIVE")
	for _, al := range aliases {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\n", al.RawSymbol, al.Source, al.Priority, al.Active)
	}
	return tw.Flush()
}
