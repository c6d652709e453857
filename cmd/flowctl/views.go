package main

import (
	"context"
	"fmt"
	"os"

	"budgetflow/internal/aggregate"
	"budgetflow/internal/core"
	"budgetflow/internal/export"
	"budgetflow/internal/records"
	"budgetflow/internal/search"

	"github.com/spf13/cobra"
)

// computeViews loads both datasets from the ledger and runs the same
// pipeline as the live publisher, once.
func computeViews(ctx context.Context, query, policyName string) (core.ViewBundle, error) {
	if policyName == "" {
		policyName = cfg.LatestPolicy
	}
	policy, err := aggregate.PolicyByName(policyName)
	if err != nil {
		return core.ViewBundle{}, err
	}

	store := records.New()
	for _, ds := range core.Datasets {
		recs, err := repo.Snapshot(ctx, ds)
		if err != nil {
			return core.ViewBundle{}, err
		}
		store.Replace(ds, recs)
	}

	b := aggregate.New(aggregate.WithLatestPolicy(policy)).Aggregate(search.Filter(store.Merged(), query))
	b.Query = query
	return b, nil
}

func addViewFlags(cmd *cobra.Command) {
	cmd.Flags().String("query", "", "only include records whose parties contain this text")
	cmd.Flags().String("policy", "", "latest-actual policy: order or date (default from LATEST_POLICY)")
}

var viewsCmd = &cobra.Command{
	Use:     "views",
	Short:   "Compute the budget views from the ledger",
	GroupID: "views",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("query")
		policy, _ := cmd.Flags().GetString("policy")
		b, err := computeViews(cmd.Context(), query, policy)
		if err != nil {
			return err
		}
		printBundle(cmd.OutOrStdout(), b)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:     "export <file.xlsx>",
	Short:   "Write the budget views to an Excel workbook",
	GroupID: "views",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("query")
		policy, _ := cmd.Flags().GetString("policy")
		b, err := computeViews(cmd.Context(), query, policy)
		if err != nil {
			return err
		}

		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("creating %s: %w", args[0], err)
		}
		if err := export.WriteXLSX(f, b); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d records)\n", args[0], b.Summary.RecordCount)
		return nil
	},
}

func init() {
	addViewFlags(viewsCmd)
	addViewFlags(exportCmd)
}
