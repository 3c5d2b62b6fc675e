package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/papertrader/obs"
	"github.com/rustyeddy/papertrader/store"
)

// ReconcilePosition closes every open position for symbol across all
// accounts at closePrice. It is used when external data shows the symbol's
// positions no longer exist; the blast radius is the whole symbol.
//
// Callers doing automated reconciliation must pre-filter positions owned
// by an autonomous strategy (BabysitterExcluded) before calling this, or
// those positions will be closed too. The filter is the caller's contract,
// not enforced here.
//
// Each position closes in its own transaction against freshly re-read
// state, so a concurrent monitor close of the same position is skipped
// rather than double-applied.
func (x *Executor) ReconcilePosition(ctx context.Context, symbol string, closePrice float64) (int, error) {
	open, err := x.store.ListOpenPositionsBySymbol(ctx, symbol)
	if err != nil {
		return 0, err
	}

	closed := 0
	var errs []error
	for _, p := range open {
		stillOpen := false
		err := x.store.Transact(ctx, func(tx store.Tx) error {
			fresh, err := tx.GetPosition(ctx, p.ID)
			if err != nil {
				return err
			}
			if fresh.Status != store.PositionOpen {
				return nil // already gone, nothing to reconcile
			}
			stillOpen = true
			return x.reduceTx(ctx, tx, &fresh, fresh.Quantity, closePrice, ActionReconcile, time.Now().UTC())
		})
		if err != nil {
			x.log.Error("reconcile close failed",
				zap.String("symbol", symbol),
				zap.String("position", p.ID),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if stillOpen {
			closed++
			obs.ReconciledPositions.Inc()
		}
	}

	x.log.Info("symbol reconciled",
		zap.String("symbol", symbol),
		zap.Float64("price", closePrice),
		zap.Int("closed", closed))
	return closed, errors.Join(errs...)
}
