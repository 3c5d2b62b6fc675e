package risk

import "math"

// LiquidationPrice is the closed-form liquidation price for an isolated
// position: the mark at which equity falls to maintenanceMargin/threshold,
// i.e. where the recomputed margin ratio equals threshold exactly.
func LiquidationPrice(side Side, entryPrice float64, leverage float64, balance, notional, maintenanceRate, threshold float64) float64 {
	_ = leverage // margin itself does not move the liquidation point

	if entryPrice <= 0 || notional <= 0 || threshold <= 0 {
		return 0
	}

	quantity := notional / entryPrice
	maintenance := notional * maintenanceRate
	equityFloor := maintenance / threshold
	availableForLoss := balance - equityFloor

	if side == Long {
		return math.Max(0, entryPrice-availableForLoss/quantity)
	}
	return entryPrice + availableForLoss/quantity
}

// PositionView is the slice of a stored position the dynamic formula needs.
type PositionView struct {
	ID         string
	Symbol     string
	Side       Side
	EntryPrice float64
	Quantity   float64
	Notional   float64
}

// AccountView is the slice of a sub-account the dynamic formula needs.
type AccountView struct {
	Balance         float64
	MaintenanceRate float64
}

// DynamicLiquidationPrices computes a per-position liquidation price for an
// account whose positions share one margin pool. Each figure answers: how
// far can this position alone move against us, with every other position
// held at its current mark, before the account's aggregate margin ratio
// crosses threshold?
//
// With a single position it reduces to LiquidationPrice. A second flat
// position raises the maintenance floor and tightens the first's price; a
// profitable second position lends headroom and loosens it.
func DynamicLiquidationPrices(acct AccountView, positions []PositionView, marks map[string]float64, threshold float64) map[string]float64 {
	out := make(map[string]float64, len(positions))
	if threshold <= 0 {
		return out
	}

	var totalNotional float64
	upnl := make([]float64, len(positions))
	for i, p := range positions {
		totalNotional += p.Notional
		if mark, ok := marks[p.Symbol]; ok {
			upnl[i] = PnL(p.Side, p.EntryPrice, mark, p.Quantity)
		}
	}

	maintenance := totalNotional * acct.MaintenanceRate
	equityFloor := maintenance / threshold

	for i, p := range positions {
		if p.Quantity <= 0 {
			out[p.ID] = 0
			continue
		}

		// Everything except this position's own PnL is fixed at current
		// marks; solve for the price that brings equity down to the floor.
		otherUpnl := 0.0
		for j, u := range upnl {
			if j != i {
				otherUpnl += u
			}
		}
		availableForLoss := acct.Balance + otherUpnl - equityFloor

		if p.Side == Long {
			out[p.ID] = math.Max(0, p.EntryPrice-availableForLoss/p.Quantity)
		} else {
			out[p.ID] = p.EntryPrice + availableForLoss/p.Quantity
		}
	}

	return out
}
