package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/papertrader/pkg/id"
	"github.com/rustyeddy/papertrader/risk"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	st, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func insertAccount(t *testing.T, st *SQLiteStore, a SubAccount) {
	t.Helper()

	require.NoError(t, st.Transact(context.Background(), func(tx Tx) error {
		return tx.InsertSubAccount(context.Background(), a)
	}))
}

func openPosition(t *testing.T, st *SQLiteStore, p VirtualPosition) {
	t.Helper()

	if p.ID == "" {
		p.ID = id.New()
	}
	if p.Status == "" {
		p.Status = PositionOpen
	}
	if p.OpenTime.IsZero() {
		p.OpenTime = time.Now().UTC()
	}
	require.NoError(t, st.Transact(context.Background(), func(tx Tx) error {
		return tx.InsertPosition(context.Background(), p)
	}))
}

func TestSubAccountRoundTrip(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	insertAccount(t, st, SubAccount{ID: "acct-1", Balance: 500})

	got, err := st.GetSubAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 500.0, got.Balance, 1e-9)
	assert.InDelta(t, 0.005, got.MaintenanceRate, 1e-9)
	assert.Equal(t, ModeADL30, got.LiquidationMode)
	assert.Equal(t, AccountActive, got.Status)

	_, err = st.GetSubAccount(ctx, "nope")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestApplyBalanceChange_LedgerInvariant(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	insertAccount(t, st, SubAccount{ID: "acct-1", Balance: 100})

	deltas := []float64{25, -40, 10.5}
	for _, d := range deltas {
		require.NoError(t, st.Transact(ctx, func(tx Tx) error {
			_, err := tx.ApplyBalanceChange(ctx, "acct-1", d, "REALIZED_PNL", "t1")
			return err
		}))
	}

	acct, err := st.GetSubAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 95.5, acct.Balance, 1e-9)

	logs, err := st.ListBalanceLogs(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, logs, len(deltas))

	var sum float64
	prev := 100.0
	for i, l := range logs {
		assert.InDelta(t, deltas[i], l.ChangeAmount, 1e-9)
		assert.InDelta(t, prev, l.BalanceBefore, 1e-9)
		assert.InDelta(t, prev+deltas[i], l.BalanceAfter, 1e-9)
		prev = l.BalanceAfter
		sum += l.ChangeAmount
	}
	assert.InDelta(t, acct.Balance-100, sum, 1e-9)
}

func TestTransact_RollbackLeavesNoTrace(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	insertAccount(t, st, SubAccount{ID: "acct-1", Balance: 100})

	boom := errors.New("boom")
	err := st.Transact(ctx, func(tx Tx) error {
		if _, err := tx.ApplyBalanceChange(ctx, "acct-1", 50, "REALIZED_PNL", ""); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	acct, err := st.GetSubAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, acct.Balance, 1e-9)

	logs, err := st.ListBalanceLogs(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestPositionLifecycle(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	insertAccount(t, st, SubAccount{ID: "acct-1", Balance: 1000})
	openPosition(t, st, VirtualPosition{
		ID: "pos-1", SubAccountID: "acct-1", Symbol: "BTC-USD", Side: risk.Long,
		EntryPrice: 50000, Quantity: 0.1, Notional: 5000, Leverage: 10, Margin: 500,
	})

	open, err := st.ListOpenPositionsByAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "pos-1", open[0].ID)

	require.NoError(t, st.Transact(ctx, func(tx Tx) error {
		return tx.ResizePosition(ctx, "pos-1", 0.07, 3500, 350)
	}))
	p, err := st.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.07, p.Quantity, 1e-9)
	assert.InDelta(t, 3500.0, p.Notional, 1e-9)

	closeTime := time.Now().UTC()
	require.NoError(t, st.Transact(ctx, func(tx Tx) error {
		return tx.TerminalizePosition(ctx, "pos-1", PositionClosed, closeTime)
	}))

	open, err = st.ListOpenPositionsByAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, open)

	p, err = st.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, PositionClosed, p.Status)
	assert.False(t, p.CloseTime.IsZero())

	// Terminal positions cannot be resized or closed again.
	err = st.Transact(ctx, func(tx Tx) error {
		return tx.ResizePosition(ctx, "pos-1", 0.05, 2500, 250)
	})
	assert.ErrorIs(t, err, ErrPositionNotFound)
	err = st.Transact(ctx, func(tx Tx) error {
		return tx.TerminalizePosition(ctx, "pos-1", PositionLiquidated, closeTime)
	})
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestOpenPositionsGrouped(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	insertAccount(t, st, SubAccount{ID: "a1", Balance: 100})
	insertAccount(t, st, SubAccount{ID: "a2", Balance: 100})
	openPosition(t, st, VirtualPosition{ID: "p1", SubAccountID: "a1", Symbol: "BTC-USD", Side: risk.Long, EntryPrice: 1, Quantity: 1, Notional: 1, Leverage: 1, Margin: 1})
	openPosition(t, st, VirtualPosition{ID: "p2", SubAccountID: "a1", Symbol: "ETH-USD", Side: risk.Short, EntryPrice: 1, Quantity: 1, Notional: 1, Leverage: 1, Margin: 1})
	openPosition(t, st, VirtualPosition{ID: "p3", SubAccountID: "a2", Symbol: "BTC-USD", Side: risk.Long, EntryPrice: 1, Quantity: 1, Notional: 1, Leverage: 1, Margin: 1, Status: PositionClosed, CloseTime: time.Now().UTC()})

	grouped, err := st.OpenPositionsGrouped(ctx)
	require.NoError(t, err)
	assert.Len(t, grouped["a1"], 2)
	assert.NotContains(t, grouped, "a2")

	bySymbol, err := st.ListOpenPositionsBySymbol(ctx, "BTC-USD")
	require.NoError(t, err)
	require.Len(t, bySymbol, 1)
	assert.Equal(t, "p1", bySymbol[0].ID)
}

func TestRuleFor_FallbackChain(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	// No rows at all: built-in default.
	r, err := st.RuleFor(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, risk.DefaultRule(), r)

	// Global row wins over the built-in default.
	require.NoError(t, st.Transact(ctx, func(tx Tx) error {
		return tx.UpsertRule(ctx, GlobalRuleID, risk.Rule{
			MaxLeverage: 50, MaxNotionalPerTrade: 100, MaxTotalExposure: 500, LiquidationThreshold: 0.80,
		})
	}))
	r, err = st.RuleFor(ctx, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, r.MaxLeverage, 1e-9)

	// A per-account row wins over the global row.
	require.NoError(t, st.Transact(ctx, func(tx Tx) error {
		return tx.UpsertRule(ctx, "acct-1", risk.Rule{
			MaxLeverage: 5, MaxNotionalPerTrade: 10, MaxTotalExposure: 50, LiquidationThreshold: 0.70,
		})
	}))
	r, err = st.RuleFor(ctx, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, r.MaxLeverage, 1e-9)
	assert.InDelta(t, 0.70, r.Threshold(), 1e-9)
}

func TestSetAccountStatus(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	insertAccount(t, st, SubAccount{ID: "acct-1", Balance: 10})

	require.NoError(t, st.Transact(ctx, func(tx Tx) error {
		return tx.SetAccountStatus(ctx, "acct-1", AccountLiquidated)
	}))
	acct, err := st.GetSubAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, AccountLiquidated, acct.Status)

	err = st.Transact(ctx, func(tx Tx) error {
		return tx.SetAccountStatus(ctx, "ghost", AccountLiquidated)
	})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
