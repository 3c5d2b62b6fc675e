package risk

// Side of a leveraged position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool { return s == Long || s == Short }

// RatioSentinel is returned by MarginUsageRatio when equity is not positive.
// It must compare as "over any real cap", so it is far above 1.0.
const RatioSentinel = 999.0

// Tier band constants, anchored to the account's liquidation threshold T:
// warn at T-WarnBand, ADL at T, escalate at T+EscalateBand.
const (
	WarnBand     = 0.10
	EscalateBand = 0.05
)

// PnL returns unrealized profit in account currency for a position marked
// against markPrice.
func PnL(side Side, entryPrice, markPrice, quantity float64) float64 {
	pl := (markPrice - entryPrice) * quantity
	if side == Short {
		return -pl
	}
	return pl
}

// MarginInputs feed AvailableMargin. TotalUpnl and TotalNotional cover every
// open position; OppositeNotional lets a trade that nets against an existing
// counter-side position skip that position's maintenance charge.
type MarginInputs struct {
	Balance          float64
	MaintenanceRate  float64
	TotalUpnl        float64
	TotalNotional    float64
	OppositeNotional float64
}

// AvailableMargin returns equity minus maintenance margin.
func AvailableMargin(in MarginInputs) float64 {
	equity := in.Balance + in.TotalUpnl
	maintenance := (in.TotalNotional - in.OppositeNotional) * in.MaintenanceRate
	return equity - maintenance
}

// MarginUsageRatio returns the post-trade margin usage. A non-positive
// equity yields RatioSentinel.
func MarginUsageRatio(equity, currentMarginUsed, newMargin float64) float64 {
	if equity <= 0 {
		return RatioSentinel
	}
	return (currentMarginUsed + newMargin) / equity
}

// MarginRatio is the primary risk signal: maintenance margin over equity.
// A non-positive equity yields RatioSentinel.
func MarginRatio(maintenanceMargin, equity float64) float64 {
	if equity <= 0 {
		return RatioSentinel
	}
	return maintenanceMargin / equity
}
