// Package sweep runs several independent backtest variants in parallel.
// Runs share the read-only market data store; everything mutable (ledger,
// pricing cache, warnings) is created per run, so parallelism never bleeds
// state between variants.
package sweep

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/dunder_backtester/internal/config"
	"github.com/eddiefleurent/dunder_backtester/internal/engine"
	"github.com/eddiefleurent/dunder_backtester/internal/journal"
	"github.com/eddiefleurent/dunder_backtester/internal/marketdata"
)

// defaultParallelism bounds concurrent runs when the caller does not.
const defaultParallelism = 4

// Variant is one named configuration to run.
type Variant struct {
	Name   string
	Config *config.Config
}

// JournalFactory builds a sink for one run. Nil means no persistence.
type JournalFactory func(runID string) (journal.Journal, error)

// Sweep coordinates a batch of runs over one preloaded store.
type Sweep struct {
	store       *marketdata.Store
	logger      *logrus.Logger
	journals    JournalFactory
	parallelism int
}

// New creates a sweep. Parallelism values below one fall back to the default.
func New(store *marketdata.Store, logger *logrus.Logger, journals JournalFactory, parallelism int) *Sweep {
	if parallelism < 1 {
		parallelism = defaultParallelism
	}
	return &Sweep{store: store, logger: logger, journals: journals, parallelism: parallelism}
}

// NewRunID returns a fresh ULID run identifier, optionally prefixed.
func NewRunID(prefix string) string {
	id := ulid.Make().String()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Run executes every variant and returns results ordered by variant name.
// The first failing run cancels the rest.
func (s *Sweep) Run(ctx context.Context, variants []Variant) ([]*engine.Result, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("sweep needs at least one variant")
	}
	seen := make(map[string]struct{}, len(variants))
	for _, v := range variants {
		if v.Name == "" {
			return nil, fmt.Errorf("every sweep variant needs a name")
		}
		if _, dup := seen[v.Name]; dup {
			return nil, fmt.Errorf("duplicate sweep variant %q", v.Name)
		}
		seen[v.Name] = struct{}{}
	}

	var mu sync.Mutex
	results := make(map[string]*engine.Result, len(variants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, v := range variants {
		v := v
		g.Go(func() error {
			runID := NewRunID(v.Name)

			var jrnl journal.Journal = journal.Nop{}
			if s.journals != nil {
				j, err := s.journals(runID)
				if err != nil {
					return fmt.Errorf("variant %s: %w", v.Name, err)
				}
				if j != nil {
					jrnl = j
				}
			}
			defer jrnl.Close()

			eng, err := engine.New(v.Config, s.store, jrnl, s.logger)
			if err != nil {
				return fmt.Errorf("variant %s: %w", v.Name, err)
			}
			res, err := eng.Run(gctx, runID)
			if err != nil {
				return fmt.Errorf("variant %s: %w", v.Name, err)
			}

			mu.Lock()
			results[v.Name] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(results))
	for n := range results {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*engine.Result, 0, len(names))
	for _, n := range names {
		out = append(out, results[n])
	}
	return out, nil
}
