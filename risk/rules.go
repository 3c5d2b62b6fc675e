package risk

import "fmt"

// Rule bounds what a sub-account may do per trade and in aggregate.
// There is one rule per account, or the global default.
type Rule struct {
	MaxLeverage          float64
	MaxNotionalPerTrade  float64
	MaxTotalExposure     float64
	LiquidationThreshold float64
}

// DefaultRule mirrors the documented defaults.
func DefaultRule() Rule {
	return Rule{
		MaxLeverage:          100,
		MaxNotionalPerTrade:  1_000_000,
		MaxTotalExposure:     5_000_000,
		LiquidationThreshold: 0.90,
	}
}

// Threshold returns the configured liquidation threshold, falling back to
// the default when the rule row left it unset.
func (r Rule) Threshold() float64 {
	if r.LiquidationThreshold <= 0 || r.LiquidationThreshold >= 1 {
		return 0.90
	}
	return r.LiquidationThreshold
}

type Violation struct {
	Code string
	Msg  string
}

// Decision is the outcome of evaluating a trade intent against a Rule.
// Every violated rule is reported, so a caller sees all failures at once.
type Decision struct {
	Allowed    bool
	Violations []Violation
}

func (d *Decision) add(code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	d.Allowed = false
}

// TradeIntent is a normalized, priced trade about to be checked.
type TradeIntent struct {
	Symbol   string
	Side     Side
	Quantity float64
	Leverage float64
	Notional float64

	// Aggregate state of the account before this trade.
	CurrentExposure float64
}

// EvaluateTrade checks one intent against per-trade and aggregate limits.
func EvaluateTrade(r Rule, intent TradeIntent) Decision {
	d := Decision{Allowed: true}

	if intent.Leverage > r.MaxLeverage {
		d.add("LEVERAGE_TOO_HIGH",
			fmt.Sprintf("leverage %.0fx exceeds max %.0fx", intent.Leverage, r.MaxLeverage))
	}
	if r.MaxNotionalPerTrade > 0 && intent.Notional > r.MaxNotionalPerTrade {
		d.add("NOTIONAL_TOO_LARGE",
			fmt.Sprintf("notional %.2f exceeds per-trade max %.2f", intent.Notional, r.MaxNotionalPerTrade))
	}
	if r.MaxTotalExposure > 0 && intent.CurrentExposure+intent.Notional > r.MaxTotalExposure {
		d.add("EXPOSURE_EXCEEDED",
			fmt.Sprintf("total exposure %.2f would exceed max %.2f",
				intent.CurrentExposure+intent.Notional, r.MaxTotalExposure))
	}

	return d
}
