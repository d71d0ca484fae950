// Package cmd implements the backtester command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgPath       string
	logLevel      string
	dataDir       string
	syntheticSeed int64
	apiURL        string
)

var rootCmd = &cobra.Command{
	Use:   "backtester",
	Short: "Deterministic daily-replay backtester for defined-risk option selling",
	Long: `Backtester replays historical (or synthetic) daily market data against
declarative option-selling strategies, with volatility-regime risk limits,
correlation-group caps and full trade journaling.

Data sources, one of:
  --data-dir        directory of CSV bars and chain snapshots
  --synthetic-seed  seeded synthetic market generator
  --api-url         historical data REST API (key from MARKETDATA_API_KEY)`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "backtest.yaml", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory with bars/ and chains/ CSV files")
	rootCmd.PersistentFlags().Int64Var(&syntheticSeed, "synthetic-seed", 0, "generate synthetic data with this seed (0 disables)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "historical data API base URL")
}

// newLogger builds the process logger from the --log-level flag.
func newLogger() (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger.SetLevel(level)
	return logger, nil
}
