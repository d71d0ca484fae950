package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/dunder_backtester/internal/analytics"
	"github.com/eddiefleurent/dunder_backtester/internal/config"
	"github.com/eddiefleurent/dunder_backtester/internal/engine"
	"github.com/eddiefleurent/dunder_backtester/internal/journal"
	"github.com/eddiefleurent/dunder_backtester/internal/marketdata"
	"github.com/eddiefleurent/dunder_backtester/internal/sweep"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single backtest from a configuration file",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := preload(ctx, cfg, logger)
	if err != nil {
		return err
	}

	jrnl, err := buildJournal(cfg.Report)
	if err != nil {
		return err
	}
	defer jrnl.Close()

	eng, err := engine.New(cfg, store, jrnl, logger)
	if err != nil {
		return err
	}

	runID := sweep.NewRunID("run")
	result, err := eng.Run(ctx, runID)
	if err != nil {
		return err
	}

	printReport(result.RunID, result.Report, len(result.Warnings))
	return nil
}

// preload builds the configured data provider and bulk-loads the store.
func preload(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*marketdata.Store, error) {
	var provider marketdata.Provider
	switch {
	case dataDir != "":
		provider = marketdata.NewCSVProvider(dataDir)
	case syntheticSeed != 0:
		provider = marketdata.NewSyntheticProvider(syntheticSeed)
	case apiURL != "":
		key := os.Getenv("MARKETDATA_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("MARKETDATA_API_KEY must be set when using --api-url")
		}
		provider = marketdata.NewClient(apiURL, key)
	default:
		return nil, fmt.Errorf("a data source is required: --data-dir, --synthetic-seed or --api-url")
	}

	return marketdata.Preload(ctx, provider, cfg.Simulation.Symbols,
		cfg.Simulation.VolatilityIndex, cfg.Simulation.Start.Time, cfg.Simulation.End.Time, logger)
}

// buildJournal assembles the configured sinks; with nothing configured the
// run is report-only.
func buildJournal(rc config.ReportConfig) (journal.Journal, error) {
	var sinks journal.Multi
	if rc.SQLitePath != "" {
		sq, err := journal.NewSQLite(rc.SQLitePath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sq)
	}
	if rc.TradesCSV != "" || rc.EquityCSV != "" || rc.SummaryJSON != "" {
		cv, err := journal.NewCSV(rc.TradesCSV, rc.EquityCSV, rc.SummaryJSON)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, cv)
	}
	if len(sinks) == 0 {
		return journal.Nop{}, nil
	}
	return sinks, nil
}

func printReport(runID string, r *analytics.Report, warnings int) {
	fmt.Printf("run %s  %s to %s\n", runID, r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
	fmt.Printf("  equity        %.2f -> %.2f (%+.2f%%)\n", r.InitialCapital, r.FinalEquity, r.TotalReturn*100)
	if r.AnnualizedReturn != nil {
		fmt.Printf("  annualized    %+.2f%%\n", *r.AnnualizedReturn*100)
	}
	fmt.Printf("  trades        %d (%d wins / %d losses, %.1f%% win rate)\n",
		r.Trades, r.Wins, r.Losses, r.WinRate*100)
	fmt.Printf("  total pnl     %+.2f (commissions %.2f)\n", r.TotalPnL, r.TotalCommissions)
	if r.ProfitFactor != nil {
		fmt.Printf("  profit factor %.2f\n", *r.ProfitFactor)
	} else {
		fmt.Printf("  profit factor n/a\n")
	}
	fmt.Printf("  max drawdown  %.2f%%\n", r.MaxDrawdown*100)
	if r.Sharpe != nil {
		fmt.Printf("  sharpe        %.2f\n", *r.Sharpe)
	} else {
		fmt.Printf("  sharpe        n/a\n")
	}
	for _, id := range analytics.SortedKeys(r.ByStrategy) {
		b := r.ByStrategy[id]
		fmt.Printf("  strategy %-20s %3d trades  %+.2f pnl  %.1f%% wins\n",
			id, b.Trades, b.TotalPnL, b.WinRate*100)
	}
	if warnings > 0 {
		fmt.Printf("  warnings      %d (see log)\n", warnings)
	}
}
