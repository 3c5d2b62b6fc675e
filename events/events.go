package events

// Event payloads broadcast by the core. The payload shape is the contract;
// delivery is fire-and-forget with no guarantee.

const (
	TypePnlUpdate       = "pnl_update"
	TypeMarginUpdate    = "margin_update"
	TypeMarginWarning   = "margin_warning"
	TypeADLTriggered    = "adl_triggered"
	TypeFullLiquidation = "full_liquidation"
)

// Liquidation modes reported in FullLiquidation.Mode.
const (
	ModeInstantClose = "INSTANT_CLOSE"
	ModeADLEscalated = "ADL_30_ESCALATED"
)

type PnlUpdate struct {
	SubAccountID     string  `json:"subAccountId"`
	PositionID       string  `json:"positionId"`
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"`
	EntryPrice       float64 `json:"entryPrice"`
	MarkPrice        float64 `json:"markPrice"`
	UnrealizedPnl    float64 `json:"unrealizedPnl"`
	LiquidationPrice float64 `json:"liquidationPrice"`
	Margin           float64 `json:"margin"`
	PnlPercent       float64 `json:"pnlPercent"`
}

type MarginUpdate struct {
	SubAccountID      string  `json:"subAccountId"`
	Equity            float64 `json:"equity"`
	Balance           float64 `json:"balance"`
	UnrealizedPnl     float64 `json:"unrealizedPnl"`
	MarginUsed        float64 `json:"marginUsed"`
	AvailableMargin   float64 `json:"availableMargin"`
	TotalExposure     float64 `json:"totalExposure"`
	MaintenanceMargin float64 `json:"maintenanceMargin"`
	MarginRatio       float64 `json:"marginRatio"`
	AccountLiqPrice   float64 `json:"accountLiqPrice"`
	PositionCount     int     `json:"positionCount"`
}

type MarginWarning struct {
	SubAccountID string  `json:"subAccountId"`
	MarginRatio  float64 `json:"marginRatio"`
	Message      string  `json:"message"`
}

type ADLTriggered struct {
	SubAccountID string  `json:"subAccountId"`
	Tier         int     `json:"tier"`
	Symbol       string  `json:"symbol"`
	Fraction     float64 `json:"fraction"`
	MarginRatio  float64 `json:"marginRatio"`
}

type FullLiquidation struct {
	SubAccountID string  `json:"subAccountId"`
	MarginRatio  float64 `json:"marginRatio"`
	Mode         string  `json:"mode"`
}

// Broadcaster fans events out to whoever is listening. Implementations
// must never block the caller.
type Broadcaster interface {
	Broadcast(eventType string, payload any)
}

// Nop drops every event; handy default and test double.
type Nop struct{}

func (Nop) Broadcast(string, any) {}
