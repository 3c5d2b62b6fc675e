package store

import (
	"context"
	"errors"
	"time"

	"github.com/rustyeddy/papertrader/risk"
)

var (
	ErrAccountNotFound  = errors.New("sub-account not found")
	ErrPositionNotFound = errors.New("position not found")
)

// LiquidationMode selects how the engine reacts when an account's margin
// ratio crosses its threshold.
type LiquidationMode string

const (
	// ModeInstantClose closes every position the moment the threshold is hit.
	ModeInstantClose LiquidationMode = "INSTANT_CLOSE"
	// ModeADL30 sheds 30% of the largest position first and escalates only
	// if the account is still over the threshold afterwards.
	ModeADL30 LiquidationMode = "ADL_30"
)

type AccountStatus string

const (
	AccountActive     AccountStatus = "ACTIVE"
	AccountLiquidated AccountStatus = "LIQUIDATED"
)

type PositionStatus string

const (
	PositionOpen       PositionStatus = "OPEN"
	PositionClosed     PositionStatus = "CLOSED"
	PositionLiquidated PositionStatus = "LIQUIDATED"
)

// SubAccount is the ledger head for one simulated account. Balance moves
// only through Tx.ApplyBalanceChange so every mutation leaves a log row.
type SubAccount struct {
	ID              string
	Balance         float64
	MaintenanceRate float64
	LiquidationMode LiquidationMode
	Status          AccountStatus
}

// VirtualPosition is one open or terminal leveraged position. Notional is
// EntryPrice*Quantity at open and shrinks with partial closes; Margin is
// Notional/Leverage. LiquidationPrice is a display cache refreshed by the
// monitor sweep.
type VirtualPosition struct {
	ID                 string
	SubAccountID       string
	Symbol             string
	Side               risk.Side
	EntryPrice         float64
	Quantity           float64
	Notional           float64
	Leverage           float64
	Margin             float64
	LiquidationPrice   float64
	Status             PositionStatus
	BabysitterExcluded bool
	OpenTime           time.Time
	CloseTime          time.Time
}

// View adapts the stored row to the slice the risk formulas consume.
func (p VirtualPosition) View() risk.PositionView {
	return risk.PositionView{
		ID:         p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		EntryPrice: p.EntryPrice,
		Quantity:   p.Quantity,
		Notional:   p.Notional,
	}
}

// BalanceLog is one append-only audit row. The sum of ChangeAmount over any
// sequence of operations equals the net balance delta.
type BalanceLog struct {
	ID            string
	SubAccountID  string
	BalanceBefore float64
	BalanceAfter  float64
	ChangeAmount  float64
	Reason        string
	TradeID       string
	Time          time.Time
}

// TradeExecution is an immutable fill/close record. Signature is freshly
// generated per execution and exists for audit correlation only.
type TradeExecution struct {
	ID           string
	SubAccountID string
	PositionID   string
	Symbol       string
	Side         risk.Side
	Price        float64
	Quantity     float64
	Action       string
	Signature    string
	Time         time.Time
}

// EquityLog is one per-account snapshot per monitor sweep.
type EquityLog struct {
	SubAccountID string
	Time         time.Time
	Balance      float64
	Equity       float64
	MarginUsed   float64
	MarginRatio  float64
}

// Queries are the reads available both in and out of a transaction.
type Queries interface {
	GetSubAccount(ctx context.Context, id string) (SubAccount, error)
	GetPosition(ctx context.Context, id string) (VirtualPosition, error)
	ListOpenPositionsByAccount(ctx context.Context, subAccountID string) ([]VirtualPosition, error)
	ListOpenPositionsBySymbol(ctx context.Context, symbol string) ([]VirtualPosition, error)
	// OpenPositionsGrouped returns every OPEN position keyed by account id,
	// ordered by row id within each account.
	OpenPositionsGrouped(ctx context.Context) (map[string][]VirtualPosition, error)
	// RuleFor resolves the account's risk rule, falling back to the global
	// default row and then to risk.DefaultRule().
	RuleFor(ctx context.Context, subAccountID string) (risk.Rule, error)
}

// Tx is the mutation surface. All writes inside one Transact call commit or
// roll back together; a partial ledger write is a bug, not a degraded mode.
type Tx interface {
	Queries

	InsertSubAccount(ctx context.Context, a SubAccount) error
	SetAccountStatus(ctx context.Context, subAccountID string, status AccountStatus) error
	// ApplyBalanceChange re-reads the current balance, applies delta and
	// inserts the matching BalanceLog row. It is the only balance writer.
	ApplyBalanceChange(ctx context.Context, subAccountID string, delta float64, reason, tradeID string) (BalanceLog, error)

	InsertPosition(ctx context.Context, p VirtualPosition) error
	// ResizePosition rewrites quantity/notional/margin after a partial close.
	ResizePosition(ctx context.Context, positionID string, quantity, notional, margin float64) error
	TerminalizePosition(ctx context.Context, positionID string, status PositionStatus, closeTime time.Time) error
	SetLiquidationPrice(ctx context.Context, positionID string, price float64) error

	InsertTradeExecution(ctx context.Context, e TradeExecution) error
	RecordEquity(ctx context.Context, e EquityLog) error
	UpsertRule(ctx context.Context, subAccountID string, r risk.Rule) error
}

// Store is the transactional persistence collaborator.
type Store interface {
	Queries

	Transact(ctx context.Context, fn func(tx Tx) error) error
	ListBalanceLogs(ctx context.Context, subAccountID string) ([]BalanceLog, error)
	Close() error
}
