package basket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/papertrader/executor"
	"github.com/rustyeddy/papertrader/market"
	"github.com/rustyeddy/papertrader/obs"
	"github.com/rustyeddy/papertrader/risk"
	"github.com/rustyeddy/papertrader/store"
)

var (
	// ErrBasketInFlight rejects a second concurrent basket for the same
	// account; requests are never queued.
	ErrBasketInFlight = errors.New("basket already in flight for account")
	ErrPrecheckFailed = errors.New("basket pre-check failed")
	ErrAllLegsFailed  = errors.New("every basket leg failed")
)

// UsageRatioCap is the post-trade margin-usage hard cap enforced by the
// pre-check.
const UsageRatioCap = 0.98

// Leg is one normalized order of a multi-leg basket.
type Leg struct {
	Symbol   string
	Side     risk.Side
	Quantity float64
	Leverage float64

	// PriceHint, when positive, wins over cache and live fetch.
	PriceHint float64
}

// LegResult reports one leg's execution outcome.
type LegResult struct {
	Leg     Leg
	Success bool
	Error   string
	Trade   *store.TradeExecution
}

// Result reports the whole basket. Success means at least one leg landed.
type Result struct {
	Success   bool
	Succeeded int
	Failed    int
	Legs      []LegResult
}

// TradeExecutor fires one pre-validated leg.
type TradeExecutor interface {
	ExecuteTrade(ctx context.Context, req executor.TradeRequest) (*executor.Result, error)
}

// Coordinator pre-validates and fires multi-leg trades under a per-account
// lock. The lock registry is process-local with a restart-only lifecycle:
// locks exist only while a basket is in flight.
type Coordinator struct {
	store  store.Store
	oracle market.Oracle
	exec   TradeExecutor
	log    *zap.Logger

	// in-flight accounts; sync.Map keyed by sub-account id
	locks sync.Map
}

func NewCoordinator(st store.Store, oracle market.Oracle, exec TradeExecutor, log *zap.Logger) *Coordinator {
	return &Coordinator{store: st, oracle: oracle, exec: exec, log: log}
}

// Execute runs the full basket lifecycle: acquire the account lock, run the
// pre-check, and only on a full pass fire every leg concurrently. The lock
// is released unconditionally.
func (c *Coordinator) Execute(ctx context.Context, subAccountID string, legs []Leg) (*Result, error) {
	if subAccountID == "" || len(legs) == 0 {
		return nil, fmt.Errorf("%w: empty basket", executor.ErrValidation)
	}

	if _, inFlight := c.locks.LoadOrStore(subAccountID, struct{}{}); inFlight {
		return nil, fmt.Errorf("%w: %q", ErrBasketInFlight, subAccountID)
	}
	defer c.locks.Delete(subAccountID)

	prices, violations, err := c.precheck(ctx, subAccountID, legs)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.Code
		}
		return nil, fmt.Errorf("%w: %v", ErrPrecheckFailed, msgs)
	}

	return c.fire(ctx, subAccountID, legs, prices)
}

// precheck validates every leg, resolves one price per distinct symbol and
// enforces per-leg and aggregate rules. It mutates nothing; every violation
// across all legs is reported together.
func (c *Coordinator) precheck(ctx context.Context, subAccountID string, legs []Leg) (map[string]float64, []risk.Violation, error) {
	for i, leg := range legs {
		switch {
		case leg.Symbol == "":
			return nil, nil, fmt.Errorf("%w: leg %d missing symbol", executor.ErrValidation, i)
		case !leg.Side.Valid():
			return nil, nil, fmt.Errorf("%w: leg %d side %q", executor.ErrValidation, i, leg.Side)
		case leg.Quantity <= 0:
			return nil, nil, fmt.Errorf("%w: leg %d quantity %.4f", executor.ErrValidation, i, leg.Quantity)
		case leg.Leverage <= 0:
			return nil, nil, fmt.Errorf("%w: leg %d leverage %.1f", executor.ErrValidation, i, leg.Leverage)
		}
	}

	prices, err := c.resolvePrices(ctx, legs)
	if err != nil {
		return nil, nil, err
	}

	acct, err := c.store.GetSubAccount(ctx, subAccountID)
	if err != nil {
		return nil, nil, err
	}
	if acct.Status != store.AccountActive {
		return nil, nil, fmt.Errorf("%w: %q is %s", executor.ErrAccountInactive, acct.ID, acct.Status)
	}
	rule, err := c.store.RuleFor(ctx, subAccountID)
	if err != nil {
		return nil, nil, err
	}
	open, err := c.store.ListOpenPositionsByAccount(ctx, subAccountID)
	if err != nil {
		return nil, nil, err
	}

	var openSymbols []string
	for _, p := range open {
		openSymbols = append(openSymbols, p.Symbol)
	}
	marks := market.ResolveAll(ctx, c.oracle, openSymbols)
	for sym, price := range prices {
		marks[sym] = price
	}

	var currentExposure, currentMarginUsed, totalUpnl float64
	for _, p := range open {
		currentExposure += p.Notional
		currentMarginUsed += p.Margin
		if mark, ok := marks[p.Symbol]; ok {
			totalUpnl += risk.PnL(p.Side, p.EntryPrice, mark, p.Quantity)
		}
	}

	// Per-leg limits: leverage and per-trade notional. Aggregate exposure
	// is checked once below, so it is disabled per leg.
	perLegRule := rule
	perLegRule.MaxTotalExposure = 0

	var violations []risk.Violation
	var basketNotional, basketMargin float64
	for _, leg := range legs {
		notional := prices[leg.Symbol] * leg.Quantity
		basketNotional += notional
		basketMargin += notional / leg.Leverage

		d := risk.EvaluateTrade(perLegRule, risk.TradeIntent{
			Symbol:   leg.Symbol,
			Side:     leg.Side,
			Quantity: leg.Quantity,
			Leverage: leg.Leverage,
			Notional: notional,
		})
		violations = append(violations, d.Violations...)
	}

	if rule.MaxTotalExposure > 0 && currentExposure+basketNotional > rule.MaxTotalExposure {
		violations = append(violations, risk.Violation{
			Code: "EXPOSURE_EXCEEDED",
			Msg: fmt.Sprintf("post-basket exposure %.2f exceeds max %.2f",
				currentExposure+basketNotional, rule.MaxTotalExposure),
		})
	}

	equity := acct.Balance + totalUpnl
	avail := risk.AvailableMargin(risk.MarginInputs{
		Balance:         acct.Balance,
		MaintenanceRate: acct.MaintenanceRate,
		TotalUpnl:       totalUpnl,
		TotalNotional:   currentExposure,
	})
	if avail < basketMargin {
		violations = append(violations, risk.Violation{
			Code: "INSUFFICIENT_MARGIN",
			Msg:  fmt.Sprintf("basket margin %.2f exceeds available %.2f", basketMargin, avail),
		})
	}
	if ratio := risk.MarginUsageRatio(equity, currentMarginUsed, basketMargin); ratio >= UsageRatioCap {
		violations = append(violations, risk.Violation{
			Code: "MARGIN_USAGE_TOO_HIGH",
			Msg:  fmt.Sprintf("post-basket margin usage %.3f over cap %.2f", ratio, UsageRatioCap),
		})
	}

	return prices, violations, nil
}

// resolvePrices returns one price per distinct symbol: client hint first,
// then cache, then concurrent live fetch for whatever remains. A hint on
// any leg covers every leg sharing its symbol.
func (c *Coordinator) resolvePrices(ctx context.Context, legs []Leg) (map[string]float64, error) {
	prices := make(map[string]float64)
	for _, leg := range legs {
		if leg.PriceHint > 0 {
			prices[leg.Symbol] = leg.PriceHint
		}
	}

	var unresolved []string
	seen := make(map[string]struct{})
	for _, leg := range legs {
		if _, ok := prices[leg.Symbol]; ok {
			continue
		}
		if _, ok := seen[leg.Symbol]; ok {
			continue
		}
		seen[leg.Symbol] = struct{}{}
		unresolved = append(unresolved, leg.Symbol)
	}

	fetched := market.ResolveAll(ctx, c.oracle, unresolved)
	for sym, price := range fetched {
		prices[sym] = price
	}
	for _, sym := range unresolved {
		if _, ok := prices[sym]; !ok {
			return nil, fmt.Errorf("%w: %s", executor.ErrNoPrice, sym)
		}
	}
	return prices, nil
}

// fire executes every leg concurrently with validation already satisfied
// and the resolved price as the leg's fallback. A failed leg never aborts
// its siblings.
func (c *Coordinator) fire(ctx context.Context, subAccountID string, legs []Leg, prices map[string]float64) (*Result, error) {
	results := make([]LegResult, len(legs))

	g, gctx := errgroup.WithContext(ctx)
	for i, leg := range legs {
		i, leg := i, leg
		g.Go(func() error {
			res, err := c.exec.ExecuteTrade(gctx, executor.TradeRequest{
				SubAccountID:  subAccountID,
				Symbol:        leg.Symbol,
				Side:          leg.Side,
				Quantity:      leg.Quantity,
				Leverage:      leg.Leverage,
				FallbackPrice: prices[leg.Symbol],
			})
			lr := LegResult{Leg: leg}
			if err != nil {
				lr.Error = err.Error()
				obs.BasketLegs.WithLabelValues("failed").Inc()
			} else {
				lr.Success = true
				lr.Trade = res.Trade
				obs.BasketLegs.WithLabelValues("success").Inc()
			}
			results[i] = lr
			return nil
		})
	}
	_ = g.Wait()

	out := &Result{Legs: results}
	for _, lr := range results {
		if lr.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	out.Success = out.Succeeded > 0

	c.log.Info("basket executed",
		zap.String("account", subAccountID),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed))

	if !out.Success {
		return out, ErrAllLegsFailed
	}
	return out, nil
}
