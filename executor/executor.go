package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/papertrader/market"
	"github.com/rustyeddy/papertrader/pkg/id"
	"github.com/rustyeddy/papertrader/risk"
	"github.com/rustyeddy/papertrader/store"
)

// Expected failure kinds. Callers branch on these; anything else is a
// store fault.
var (
	ErrValidation         = errors.New("invalid trade request")
	ErrRuleViolation      = errors.New("risk rule violation")
	ErrInsufficientMargin = errors.New("insufficient available margin")
	ErrNoPrice            = errors.New("no valid price")
	ErrAccountInactive    = errors.New("sub-account not active")
)

// Trade lifecycle actions recorded on TradeExecution rows and used as
// BalanceLog reasons.
const (
	ActionOpen      = "OPEN"
	ActionNetClose  = "NET_CLOSE"
	ActionClose     = "CLOSE"
	ActionADLTier2  = "ADL_TIER2"
	ActionADLTier3  = "ADL_TIER3"
	ActionLiquidate = "LIQUIDATE"
	ActionReconcile = "RECONCILE"
)

func terminalStatus(action string) store.PositionStatus {
	if action == ActionLiquidate || action == ActionReconcile {
		return store.PositionLiquidated
	}
	return store.PositionClosed
}

// TradeRequest is a single open/net intent.
type TradeRequest struct {
	SubAccountID string
	Symbol       string
	Side         risk.Side
	Quantity     float64
	Leverage     float64
	OrderType    string

	// FallbackPrice, when positive, wins over the oracle. Baskets pass
	// their pre-resolved price here so legs never re-fetch.
	FallbackPrice float64

	// BabysitterExcluded marks the resulting position as owned by an
	// autonomous strategy, shielding it from generic reconciliation.
	BabysitterExcluded bool
}

// Result reports one execution. On rule failure Violations carries every
// breached rule at once.
type Result struct {
	Success    bool
	Trade      *store.TradeExecution
	Position   *store.VirtualPosition
	Violations []risk.Violation
}

// Executor validates and applies every balance-affecting operation,
// keeping position rows and the balance ledger moving together.
type Executor struct {
	store  store.Store
	oracle market.Oracle
	log    *zap.Logger
}

func New(st store.Store, oracle market.Oracle, log *zap.Logger) *Executor {
	return &Executor{store: st, oracle: oracle, log: log}
}

// ExecuteTrade opens a position, or nets into an existing opposite-side
// position on the same symbol. The price is resolved before the
// transaction opens; all state is re-read fresh inside it.
func (x *Executor) ExecuteTrade(ctx context.Context, req TradeRequest) (*Result, error) {
	if err := validate(req); err != nil {
		return &Result{}, err
	}

	price, err := x.resolvePrice(ctx, req.Symbol, req.FallbackPrice)
	if err != nil {
		return &Result{}, err
	}

	// Marks for the account's other symbols feed the UPNL terms of the
	// margin check. Fetched up front: no network inside the transaction.
	var symbols []string
	open, err := x.store.ListOpenPositionsByAccount(ctx, req.SubAccountID)
	if err != nil {
		x.log.Warn("pre-trade position scan failed, marks limited to the trade symbol",
			zap.String("account", req.SubAccountID),
			zap.Error(err))
	}
	for _, p := range open {
		symbols = append(symbols, p.Symbol)
	}
	marks := market.ResolveAll(ctx, x.oracle, symbols)
	marks[req.Symbol] = price

	res := &Result{}
	err = x.store.Transact(ctx, func(tx store.Tx) error {
		return x.executeTradeTx(ctx, tx, req, price, marks, res)
	})
	if err != nil {
		return res, err
	}
	res.Success = true
	return res, nil
}

func (x *Executor) executeTradeTx(ctx context.Context, tx store.Tx, req TradeRequest, price float64, marks map[string]float64, res *Result) error {
	acct, err := tx.GetSubAccount(ctx, req.SubAccountID)
	if err != nil {
		return err
	}
	if acct.Status != store.AccountActive {
		return fmt.Errorf("%w: %q is %s", ErrAccountInactive, acct.ID, acct.Status)
	}

	open, err := tx.ListOpenPositionsByAccount(ctx, req.SubAccountID)
	if err != nil {
		return err
	}

	notional := price * req.Quantity
	newMargin := notional / req.Leverage

	var totalNotional, totalUpnl float64
	var opposite *store.VirtualPosition
	for i, p := range open {
		totalNotional += p.Notional
		if mark, ok := marks[p.Symbol]; ok {
			totalUpnl += risk.PnL(p.Side, p.EntryPrice, mark, p.Quantity)
		}
		if opposite == nil && p.Symbol == req.Symbol && p.Side != req.Side {
			opposite = &open[i]
		}
	}

	rule, err := tx.RuleFor(ctx, req.SubAccountID)
	if err != nil {
		return err
	}
	decision := risk.EvaluateTrade(rule, risk.TradeIntent{
		Symbol:          req.Symbol,
		Side:            req.Side,
		Quantity:        req.Quantity,
		Leverage:        req.Leverage,
		Notional:        notional,
		CurrentExposure: totalNotional,
	})
	if !decision.Allowed {
		res.Violations = decision.Violations
		return fmt.Errorf("%w: %d rule(s) breached", ErrRuleViolation, len(decision.Violations))
	}

	in := risk.MarginInputs{
		Balance:         acct.Balance,
		MaintenanceRate: acct.MaintenanceRate,
		TotalUpnl:       totalUpnl,
		TotalNotional:   totalNotional,
	}
	reduceQty := 0.0
	if opposite != nil {
		// The counter-side position nets against this trade instead of
		// being margin-charged twice. Its unrealized PnL already counts
		// toward equity through totalUpnl.
		in.OppositeNotional = opposite.Notional
		reduceQty = min(req.Quantity, opposite.Quantity)
	}

	remainderQty := req.Quantity - reduceQty
	remainderMargin := newMargin * (remainderQty / req.Quantity)
	if remainderQty > 0 {
		if avail := risk.AvailableMargin(in); avail < remainderMargin {
			return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientMargin, remainderMargin, risk.AvailableMargin(in))
		}
	}

	now := time.Now().UTC()

	if opposite != nil {
		if err := x.reduceTx(ctx, tx, opposite, reduceQty, price, ActionNetClose, now); err != nil {
			return err
		}
	}

	exec := store.TradeExecution{
		ID:           id.New(),
		SubAccountID: req.SubAccountID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Price:        price,
		Quantity:     req.Quantity,
		Action:       ActionOpen,
		Signature:    risk.OpenTradeSignature(req.SubAccountID, req.Symbol, price, req.Quantity),
		Time:         now,
	}

	if remainderQty > 0 {
		pos := store.VirtualPosition{
			ID:                 id.New(),
			SubAccountID:       req.SubAccountID,
			Symbol:             req.Symbol,
			Side:               req.Side,
			EntryPrice:         price,
			Quantity:           remainderQty,
			Notional:           price * remainderQty,
			Leverage:           req.Leverage,
			Margin:             price * remainderQty / req.Leverage,
			Status:             store.PositionOpen,
			BabysitterExcluded: req.BabysitterExcluded,
			OpenTime:           now,
		}
		if err := tx.InsertPosition(ctx, pos); err != nil {
			return err
		}
		exec.PositionID = pos.ID
		res.Position = &pos
	} else if opposite != nil {
		exec.PositionID = opposite.ID
	}

	if err := tx.InsertTradeExecution(ctx, exec); err != nil {
		return err
	}
	res.Trade = &exec

	x.log.Info("trade executed",
		zap.String("account", req.SubAccountID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Quantity),
		zap.Float64("price", price))
	return nil
}

// reduceTx shrinks (or fully closes) an open position by qty at price,
// realizing the proportional PnL into the balance.
func (x *Executor) reduceTx(ctx context.Context, tx store.Tx, p *store.VirtualPosition, qty, price float64, action string, now time.Time) error {
	realized := risk.PnL(p.Side, p.EntryPrice, price, qty)

	if _, err := tx.ApplyBalanceChange(ctx, p.SubAccountID, realized, action, p.ID); err != nil {
		return err
	}

	if qty >= p.Quantity {
		if err := tx.TerminalizePosition(ctx, p.ID, terminalStatus(action), now); err != nil {
			return err
		}
	} else {
		frac := qty / p.Quantity
		if err := tx.ResizePosition(ctx, p.ID,
			p.Quantity-qty, p.Notional*(1-frac), p.Margin*(1-frac)); err != nil {
			return err
		}
	}

	return tx.InsertTradeExecution(ctx, store.TradeExecution{
		ID:           id.New(),
		SubAccountID: p.SubAccountID,
		PositionID:   p.ID,
		Symbol:       p.Symbol,
		Side:         p.Side,
		Price:        price,
		Quantity:     qty,
		Action:       action,
		Signature:    risk.TradeSignature(p.SubAccountID, p.ID, price, qty),
		Time:         now,
	})
}

// PartialClose realizes fraction of the position's current UPNL into the
// balance and shrinks quantity, notional and margin by (1-fraction). The
// position stays OPEN. Atomic with its ledger row.
func (x *Executor) PartialClose(ctx context.Context, positionID string, fraction float64, action string) error {
	if fraction <= 0 || fraction >= 1 {
		return fmt.Errorf("%w: fraction %.3f out of (0,1)", ErrValidation, fraction)
	}

	// Price first, then a fresh read inside the transaction.
	p, err := x.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	price, err := x.resolvePrice(ctx, p.Symbol, 0)
	if err != nil {
		return err
	}

	return x.store.Transact(ctx, func(tx store.Tx) error {
		fresh, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if fresh.Status != store.PositionOpen {
			return fmt.Errorf("%w: %q is %s", store.ErrPositionNotFound, positionID, fresh.Status)
		}
		return x.reduceTx(ctx, tx, &fresh, fresh.Quantity*fraction, price, action, time.Now().UTC())
	})
}

// ClosePosition fully closes one position at price, realizing its PnL and
// releasing its margin. The terminal status follows the action.
func (x *Executor) ClosePosition(ctx context.Context, positionID string, price float64, action string) error {
	return x.store.Transact(ctx, func(tx store.Tx) error {
		fresh, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if fresh.Status != store.PositionOpen {
			return fmt.Errorf("%w: %q is %s", store.ErrPositionNotFound, positionID, fresh.Status)
		}
		return x.reduceTx(ctx, tx, &fresh, fresh.Quantity, price, action, time.Now().UTC())
	})
}

// CloseVirtualPositionByPrice closes exactly one position by identity.
// Other accounts holding the same symbol are untouched, so this is always
// safe to call directly.
func (x *Executor) CloseVirtualPositionByPrice(ctx context.Context, positionID string, price float64) error {
	return x.ClosePosition(ctx, positionID, price, ActionClose)
}

func (x *Executor) resolvePrice(ctx context.Context, symbol string, fallback float64) (float64, error) {
	if fallback > 0 {
		return fallback, nil
	}
	price, err := x.oracle.GetFreshPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return price, nil
}

func validate(req TradeRequest) error {
	switch {
	case req.SubAccountID == "":
		return fmt.Errorf("%w: missing sub-account id", ErrValidation)
	case req.Symbol == "":
		return fmt.Errorf("%w: missing symbol", ErrValidation)
	case !req.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrValidation, req.Side)
	case req.Quantity <= 0:
		return fmt.Errorf("%w: quantity %.4f", ErrValidation, req.Quantity)
	case req.Leverage <= 0:
		return fmt.Errorf("%w: leverage %.1f", ErrValidation, req.Leverage)
	}
	return nil
}
