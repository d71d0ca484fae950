package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eddiefleurent/dunder_backtester/internal/config"
	"github.com/eddiefleurent/dunder_backtester/internal/journal"
	"github.com/eddiefleurent/dunder_backtester/internal/sweep"
)

var (
	sweepDeltas   []float64
	sweepProfits  []float64
	sweepParallel int
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the configuration across a grid of parameter overrides",
	Long: `Sweep runs one backtest per parameter value, in parallel, against the
same preloaded data. Each variant overrides a single parameter on every
strategy in the configuration:

  backtester sweep -c backtest.yaml --deltas 0.10,0.16,0.20
  backtester sweep -c backtest.yaml --profit-targets 0.25,0.50,0.75`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().Float64SliceVar(&sweepDeltas, "deltas", nil, "target delta values to sweep")
	sweepCmd.Flags().Float64SliceVar(&sweepProfits, "profit-targets", nil, "profit target fractions to sweep")
	sweepCmd.Flags().IntVar(&sweepParallel, "parallel", 4, "concurrent runs")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	base, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	variants, err := buildVariants(base)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := preload(ctx, base, logger)
	if err != nil {
		return err
	}

	if base.Report.TradesCSV != "" || base.Report.EquityCSV != "" || base.Report.SummaryJSON != "" {
		return fmt.Errorf("sweep supports only the sqlite journal; file paths would overwrite each other")
	}
	// Every variant persists to the same database, keyed by run ID.
	factory := func(string) (journal.Journal, error) {
		return buildJournal(base.Report)
	}

	sw := sweep.New(store, logger, factory, sweepParallel)
	results, err := sw.Run(ctx, variants)
	if err != nil {
		return err
	}

	for _, res := range results {
		printReport(res.RunID, res.Report, len(res.Warnings))
	}
	return nil
}

// buildVariants derives one config per swept value. Exactly one sweep axis
// may be set; with none, the base config runs alone.
func buildVariants(base *config.Config) ([]sweep.Variant, error) {
	if len(sweepDeltas) > 0 && len(sweepProfits) > 0 {
		return nil, fmt.Errorf("sweep one axis at a time: --deltas or --profit-targets")
	}

	switch {
	case len(sweepDeltas) > 0:
		variants := make([]sweep.Variant, 0, len(sweepDeltas))
		for _, d := range sweepDeltas {
			cfg := cloneConfig(base)
			for i := range cfg.Strategies {
				cfg.Strategies[i].Entry.TargetDelta = d
			}
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("delta %.2f: %w", d, err)
			}
			variants = append(variants, sweep.Variant{Name: fmt.Sprintf("delta-%.2f", d), Config: cfg})
		}
		return variants, nil
	case len(sweepProfits) > 0:
		variants := make([]sweep.Variant, 0, len(sweepProfits))
		for _, p := range sweepProfits {
			cfg := cloneConfig(base)
			for i := range cfg.Strategies {
				cfg.Strategies[i].Exit.ProfitTarget = p
			}
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("profit target %.2f: %w", p, err)
			}
			variants = append(variants, sweep.Variant{Name: fmt.Sprintf("profit-%.2f", p), Config: cfg})
		}
		return variants, nil
	default:
		return []sweep.Variant{{Name: "base", Config: base}}, nil
	}
}

// cloneConfig deep-copies the pieces a sweep mutates.
func cloneConfig(base *config.Config) *config.Config {
	cfg := *base
	cfg.Strategies = make([]config.StrategyConfig, len(base.Strategies))
	copy(cfg.Strategies, base.Strategies)
	return &cfg
}
