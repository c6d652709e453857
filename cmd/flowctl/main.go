// Command flowctl writes budget flows to the ledger and computes the views
// offline from it.
package main

import (
	"context"
	"fmt"
	"os"

	"budgetflow/internal/backend"
	"budgetflow/internal/cli"
	"budgetflow/internal/config"
	"budgetflow/internal/feed"
	"budgetflow/internal/ledger"
	"budgetflow/internal/log"
	"budgetflow/internal/services"

	"github.com/spf13/cobra"
)

var (
	ledgerPath string
	jsonOutput bool
	noAnnounce bool

	cfg    *config.Config
	logger *log.Logger
	repo   *ledger.Repository

	cleanup backend.CleanupFunc
)

var rootCmd = &cobra.Command{
	Use:           "flowctl",
	Short:         "Operate on the budget flow ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cli.LoadEnvFile()
		var err error
		if cfg, err = cli.LoadConfig(); err != nil {
			return err
		}
		if ledgerPath != "" {
			cfg.LedgerPath = ledgerPath
		}
		logger = cli.SetupLogger(cfg, os.Stderr)
		repo, err = ledger.Open(cfg.LedgerPath, ledger.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeAll()
	},
}

func closeAll() error {
	var err error
	if cleanup != nil {
		err = cleanup()
		cleanup = nil
	}
	if repo != nil {
		if cerr := repo.Close(); err == nil {
			err = cerr
		}
		repo = nil
	}
	return err
}

// flowService wires the write path. The configured feed receives the
// announcements unless --no-announce is set or the feed is in-process.
func flowService(ctx context.Context) (*services.FlowService, error) {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	res, err := backend.NewFactory(logger).CreateBackend(ctx, bcfg, repo)
	if err != nil {
		return nil, err
	}
	cleanup = res.Cleanup

	var announcer feed.Announcer = res.Feed
	if noAnnounce || res.SeedOnStart {
		announcer = nil
	}
	return services.NewFlowService(repo, res.Documents, announcer, services.WithLogger(logger)), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "ledger database path (default from LEDGER_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noAnnounce, "no-announce", false, "do not publish new snapshots to the feed")

	rootCmd.AddGroup(
		&cobra.Group{ID: "flows", Title: "Flow commands:"},
		&cobra.Group{ID: "views", Title: "View commands:"},
	)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(stepsCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(viewsCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		closeAll()
		os.Exit(1)
	}
}
