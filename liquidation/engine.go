package liquidation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/papertrader/events"
	"github.com/rustyeddy/papertrader/executor"
	"github.com/rustyeddy/papertrader/obs"
	"github.com/rustyeddy/papertrader/risk"
	"github.com/rustyeddy/papertrader/store"
)

// ADLFraction is the share of the largest position shed by one ADL step.
const ADLFraction = 0.30

// PositionCloser shrinks or closes positions on the engine's behalf.
type PositionCloser interface {
	PartialClose(ctx context.Context, positionID string, fraction float64, action string) error
	ClosePosition(ctx context.Context, positionID string, price float64, action string) error
}

// Engine evaluates one account at a time against its margin threshold and
// enacts the graduated warn / ADL / liquidate response.
type Engine struct {
	store store.Store
	exec  PositionCloser
	bc    events.Broadcaster
	log   *zap.Logger
}

func NewEngine(st store.Store, exec PositionCloser, bc events.Broadcaster, log *zap.Logger) *Engine {
	return &Engine{store: st, exec: exec, bc: bc, log: log}
}

// accountState is one account's aggregate risk picture at this tick's marks.
type accountState struct {
	acct      store.SubAccount
	positions []store.VirtualPosition

	totalUpnl     float64
	equity        float64
	totalNotional float64
	marginUsed    float64
	maintenance   float64
	marginRatio   float64
}

func (e *Engine) aggregate(acct store.SubAccount, positions []store.VirtualPosition, marks map[string]float64) accountState {
	s := accountState{acct: acct, positions: positions}
	for _, p := range positions {
		s.totalNotional += p.Notional
		s.marginUsed += p.Margin
		mark, ok := marks[p.Symbol]
		if !ok {
			// Accepted approximation: an unpriceable symbol contributes
			// zero UPNL this tick. Logged, never silently healthy.
			e.log.Warn("no mark price, UPNL treated as 0",
				zap.String("symbol", p.Symbol),
				zap.String("position", p.ID))
			obs.PriceMisses.WithLabelValues(p.Symbol).Inc()
			continue
		}
		s.totalUpnl += risk.PnL(p.Side, p.EntryPrice, mark, p.Quantity)
	}
	s.equity = acct.Balance + s.totalUpnl
	s.maintenance = s.totalNotional * acct.MaintenanceRate
	s.marginRatio = risk.MarginRatio(s.maintenance, s.equity)
	return s
}

// EvaluateAccount runs one tick of the risk sweep for a single account:
// aggregate, publish pnl/margin updates, then apply the mode's response.
// Steps for one account are strictly sequential; the Tier-3 escalation
// re-check depends on the state its own partial close just produced.
func (e *Engine) EvaluateAccount(ctx context.Context, subAccountID string, positions []store.VirtualPosition, marks map[string]float64) error {
	acct, err := e.store.GetSubAccount(ctx, subAccountID)
	if err != nil {
		return err
	}
	if acct.Status != store.AccountActive || len(positions) == 0 {
		return nil
	}

	state := e.aggregate(acct, positions, marks)
	rule, err := e.store.RuleFor(ctx, subAccountID)
	if err != nil {
		return err
	}
	threshold := rule.Threshold()

	e.publish(ctx, state, marks, threshold)

	switch acct.LiquidationMode {
	case store.ModeInstantClose:
		if state.marginRatio >= threshold {
			return e.liquidateAll(ctx, state, marks, events.ModeInstantClose)
		}
		return nil
	default: // ADL_30, tiers from most severe down
		return e.applyADLTiers(ctx, state, marks, threshold)
	}
}

func (e *Engine) applyADLTiers(ctx context.Context, state accountState, marks map[string]float64, threshold float64) error {
	switch {
	case state.marginRatio >= threshold+risk.EscalateBand:
		// Tier 3: shed 30% of the largest position, then re-check against
		// fresh state, not the pre-ADL snapshot.
		if err := e.adlStep(ctx, state, executor.ActionADLTier3, 3); err != nil {
			return err
		}
		fresh, err := e.reload(ctx, state.acct.ID, marks)
		if err != nil {
			return err
		}
		if fresh.marginRatio >= threshold {
			return e.liquidateAll(ctx, fresh, marks, events.ModeADLEscalated)
		}
		return nil

	case state.marginRatio >= threshold:
		// Tier 2: one partial close, no escalation check.
		return e.adlStep(ctx, state, executor.ActionADLTier2, 2)

	case state.marginRatio >= threshold-risk.WarnBand:
		// Tier 1: warn only, no mutation.
		e.bc.Broadcast(events.TypeMarginWarning, events.MarginWarning{
			SubAccountID: state.acct.ID,
			MarginRatio:  state.marginRatio,
			Message: fmt.Sprintf("margin ratio %.3f approaching liquidation threshold %.2f",
				state.marginRatio, threshold),
		})
		obs.MarginWarnings.Inc()
		return nil

	default:
		return nil
	}
}

// adlStep partial-closes 30% of the account's largest-notional position.
func (e *Engine) adlStep(ctx context.Context, state accountState, action string, tier int) error {
	target := largestPosition(state.positions)
	if target == nil {
		return nil
	}

	if err := e.exec.PartialClose(ctx, target.ID, ADLFraction, action); err != nil {
		// The monitor is self-healing across ticks: log and retry next sweep.
		e.log.Error("ADL partial close failed",
			zap.String("account", state.acct.ID),
			zap.String("position", target.ID),
			zap.Int("tier", tier),
			zap.Error(err))
		return err
	}

	e.bc.Broadcast(events.TypeADLTriggered, events.ADLTriggered{
		SubAccountID: state.acct.ID,
		Tier:         tier,
		Symbol:       target.Symbol,
		Fraction:     ADLFraction,
		MarginRatio:  state.marginRatio,
	})
	obs.ADLTriggered.WithLabelValues(fmt.Sprint(tier)).Inc()
	return nil
}

// liquidateAll closes every remaining open position and terminalizes the
// account. The account stays ACTIVE while any close failed, so the next
// sweep re-evaluates it and retries; terminalizing early would orphan the
// open positions.
func (e *Engine) liquidateAll(ctx context.Context, state accountState, marks map[string]float64, mode string) error {
	failed := 0
	for _, p := range state.positions {
		// Unpriced symbols close at entry, realizing zero PnL; the same
		// approximation used when aggregating their UPNL.
		price, ok := marks[p.Symbol]
		if !ok {
			price = p.EntryPrice
		}
		if err := e.exec.ClosePosition(ctx, p.ID, price, executor.ActionLiquidate); err != nil {
			e.log.Error("liquidation close failed",
				zap.String("account", state.acct.ID),
				zap.String("position", p.ID),
				zap.Error(err))
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("liquidation of %q left %d position(s) open", state.acct.ID, failed)
	}

	if err := e.store.Transact(ctx, func(tx store.Tx) error {
		return tx.SetAccountStatus(ctx, state.acct.ID, store.AccountLiquidated)
	}); err != nil {
		return err
	}

	e.bc.Broadcast(events.TypeFullLiquidation, events.FullLiquidation{
		SubAccountID: state.acct.ID,
		MarginRatio:  state.marginRatio,
		Mode:         mode,
	})
	obs.Liquidations.WithLabelValues(mode).Inc()
	e.log.Info("account liquidated",
		zap.String("account", state.acct.ID),
		zap.String("mode", mode),
		zap.Float64("marginRatio", state.marginRatio))
	return nil
}

// reload re-reads positions and balance after a mutation, keeping this
// tick's marks.
func (e *Engine) reload(ctx context.Context, subAccountID string, marks map[string]float64) (accountState, error) {
	acct, err := e.store.GetSubAccount(ctx, subAccountID)
	if err != nil {
		return accountState{}, err
	}
	positions, err := e.store.ListOpenPositionsByAccount(ctx, subAccountID)
	if err != nil {
		return accountState{}, err
	}
	return e.aggregate(acct, positions, marks), nil
}

// publish emits one pnl_update per position and one margin_update for the
// account, refreshes the display liquidation-price cache and journals an
// equity snapshot.
func (e *Engine) publish(ctx context.Context, state accountState, marks map[string]float64, threshold float64) {
	liqPrices := risk.DynamicLiquidationPrices(
		risk.AccountView{Balance: state.acct.Balance, MaintenanceRate: state.acct.MaintenanceRate},
		views(state.positions), marks, threshold)

	var accountLiqPrice float64
	if largest := largestPosition(state.positions); largest != nil {
		accountLiqPrice = liqPrices[largest.ID]
	}

	for _, p := range state.positions {
		mark, ok := marks[p.Symbol]
		if !ok {
			mark = p.EntryPrice
		}
		upnl := risk.PnL(p.Side, p.EntryPrice, mark, p.Quantity)
		pnlPercent := 0.0
		if p.Margin > 0 {
			pnlPercent = upnl / p.Margin * 100
		}
		e.bc.Broadcast(events.TypePnlUpdate, events.PnlUpdate{
			SubAccountID:     p.SubAccountID,
			PositionID:       p.ID,
			Symbol:           p.Symbol,
			Side:             string(p.Side),
			EntryPrice:       p.EntryPrice,
			MarkPrice:        mark,
			UnrealizedPnl:    upnl,
			LiquidationPrice: liqPrices[p.ID],
			Margin:           p.Margin,
			PnlPercent:       pnlPercent,
		})
	}

	e.bc.Broadcast(events.TypeMarginUpdate, events.MarginUpdate{
		SubAccountID:      state.acct.ID,
		Equity:            state.equity,
		Balance:           state.acct.Balance,
		UnrealizedPnl:     state.totalUpnl,
		MarginUsed:        state.marginUsed,
		AvailableMargin:   state.equity - state.maintenance,
		TotalExposure:     state.totalNotional,
		MaintenanceMargin: state.maintenance,
		MarginRatio:       state.marginRatio,
		AccountLiqPrice:   accountLiqPrice,
		PositionCount:     len(state.positions),
	})

	// Display cache + equity journal are best-effort; risk decisions never
	// read them back.
	if err := e.store.Transact(ctx, func(tx store.Tx) error {
		for _, p := range state.positions {
			if err := tx.SetLiquidationPrice(ctx, p.ID, liqPrices[p.ID]); err != nil {
				return err
			}
		}
		return tx.RecordEquity(ctx, store.EquityLog{
			SubAccountID: state.acct.ID,
			Time:         time.Now().UTC(),
			Balance:      state.acct.Balance,
			Equity:       state.equity,
			MarginUsed:   state.marginUsed,
			MarginRatio:  state.marginRatio,
		})
	}); err != nil {
		e.log.Warn("equity snapshot failed", zap.String("account", state.acct.ID), zap.Error(err))
	}
}

// largestPosition picks the open position with the greatest notional; ties
// go to the first one scanned (rows arrive ordered by id).
func largestPosition(positions []store.VirtualPosition) *store.VirtualPosition {
	var best *store.VirtualPosition
	for i := range positions {
		if best == nil || positions[i].Notional > best.Notional {
			best = &positions[i]
		}
	}
	return best
}

func views(positions []store.VirtualPosition) []risk.PositionView {
	out := make([]risk.PositionView, len(positions))
	for i, p := range positions {
		out[i] = p.View()
	}
	return out
}
