package liquidation

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/papertrader/market"
	"github.com/rustyeddy/papertrader/obs"
)

// Monitor drives the periodic risk sweep. Sweeps run synchronously inside
// the tick loop, so two sweeps can never overlap; a slow sweep simply
// drops ticks.
type Monitor struct {
	engine   *Engine
	oracle   market.Oracle
	interval time.Duration
	log      *zap.Logger

	// caps parallel account evaluations per sweep; 0 means no cap
	maxParallel int
}

func NewMonitor(engine *Engine, oracle market.Oracle, interval time.Duration, log *zap.Logger) *Monitor {
	return &Monitor{
		engine:      engine,
		oracle:      oracle,
		interval:    interval,
		log:         log,
		maxParallel: 16,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("monitor started", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				// Sweep errors are self-healing across ticks.
				m.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one tick: load open positions grouped by account, resolve all
// distinct symbols' prices concurrently up front, then evaluate each
// account as its own sequential task, accounts in parallel.
func (m *Monitor) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() { obs.SweepDuration.Observe(time.Since(start).Seconds()) }()

	grouped, err := m.engine.store.OpenPositionsGrouped(ctx)
	if err != nil {
		return err
	}
	if len(grouped) == 0 {
		return nil
	}

	var symbols []string
	for _, positions := range grouped {
		for _, p := range positions {
			symbols = append(symbols, p.Symbol)
		}
	}
	// The only network suspension of the tick; strictly before any
	// account evaluation or transaction.
	marks := market.ResolveAll(ctx, m.oracle, symbols)

	g, gctx := errgroup.WithContext(ctx)
	if m.maxParallel > 0 {
		g.SetLimit(m.maxParallel)
	}
	for acctID, positions := range grouped {
		acctID, positions := acctID, positions
		g.Go(func() error {
			obs.AccountsEvaluated.Inc()
			if err := m.engine.EvaluateAccount(gctx, acctID, positions, marks); err != nil {
				m.log.Error("account evaluation failed",
					zap.String("account", acctID), zap.Error(err))
			}
			// Per-account failures never abort sibling accounts.
			return nil
		})
	}
	return g.Wait()
}
