package liquidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rustyeddy/papertrader/events"
	"github.com/rustyeddy/papertrader/executor"
	"github.com/rustyeddy/papertrader/market"
	"github.com/rustyeddy/papertrader/pkg/id"
	"github.com/rustyeddy/papertrader/risk"
	"github.com/rustyeddy/papertrader/store"
)

// priceMap is a fixed-price oracle for tests.
type priceMap map[string]float64

func (m priceMap) GetFreshPrice(_ context.Context, symbol string) (float64, error) {
	if p, ok := m[symbol]; ok {
		return p, nil
	}
	return 0, market.ErrNoPrice
}

// recorder captures broadcast events in order.
type recorder struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	Type    string
	Payload any
}

func (r *recorder) Broadcast(eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{Type: eventType, Payload: payload})
}

func (r *recorder) byType(eventType string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e.Payload)
		}
	}
	return out
}

func newTestEngine(t *testing.T, prices priceMap) (*Engine, *store.SQLiteStore, *recorder) {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rec := &recorder{}
	exec := executor.New(st, prices, zap.NewNop())
	return NewEngine(st, exec, rec, zap.NewNop()), st, rec
}

func seedAccount(t *testing.T, st *store.SQLiteStore, a store.SubAccount) {
	t.Helper()

	require.NoError(t, st.Transact(context.Background(), func(tx store.Tx) error {
		return tx.InsertSubAccount(context.Background(), a)
	}))
}

func seedPosition(t *testing.T, st *store.SQLiteStore, p store.VirtualPosition) store.VirtualPosition {
	t.Helper()

	if p.ID == "" {
		p.ID = id.New()
	}
	if p.Status == "" {
		p.Status = store.PositionOpen
	}
	if p.Notional == 0 {
		p.Notional = p.EntryPrice * p.Quantity
	}
	if p.Leverage == 0 {
		p.Leverage = 10
	}
	if p.Margin == 0 {
		p.Margin = p.Notional / p.Leverage
	}
	p.OpenTime = time.Now().UTC()
	require.NoError(t, st.Transact(context.Background(), func(tx store.Tx) error {
		return tx.InsertPosition(context.Background(), p)
	}))
	return p
}

// One BTC position of 5000 notional at 0.5% maintenance yields 25
// maintenance margin; the account balance alone then sets the tier.
func seedBTCAccount(t *testing.T, st *store.SQLiteStore, balance float64, mode store.LiquidationMode) store.VirtualPosition {
	t.Helper()

	seedAccount(t, st, store.SubAccount{ID: "acct-1", Balance: balance, LiquidationMode: mode})
	return seedPosition(t, st, store.VirtualPosition{
		SubAccountID: "acct-1", Symbol: "BTC-USD", Side: risk.Long,
		EntryPrice: 50000, Quantity: 0.1,
	})
}

var btcMarks = map[string]float64{"BTC-USD": 50000}

func evaluate(t *testing.T, e *Engine, st *store.SQLiteStore, acctID string, marks map[string]float64) {
	t.Helper()

	positions, err := st.ListOpenPositionsByAccount(context.Background(), acctID)
	require.NoError(t, err)
	require.NoError(t, e.EvaluateAccount(context.Background(), acctID, positions, marks))
}

func TestEvaluateAccount_HealthyNoAction(t *testing.T) {
	t.Parallel()
	e, st, rec := newTestEngine(t, priceMap{"BTC-USD": 50000})

	pos := seedBTCAccount(t, st, 100, store.ModeADL30)
	evaluate(t, e, st, "acct-1", btcMarks)

	assert.Empty(t, rec.byType(events.TypeMarginWarning))
	assert.Empty(t, rec.byType(events.TypeADLTriggered))
	assert.Empty(t, rec.byType(events.TypeFullLiquidation))

	updates := rec.byType(events.TypeMarginUpdate)
	require.Len(t, updates, 1)
	mu := updates[0].(events.MarginUpdate)
	assert.InDelta(t, 0.25, mu.MarginRatio, 1e-9)
	assert.InDelta(t, 100.0, mu.Equity, 1e-9)

	p, err := st.GetPosition(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, p.Quantity, 1e-9)
}

func TestEvaluateAccount_Tier1WarnsWithoutMutation(t *testing.T) {
	t.Parallel()
	e, st, rec := newTestEngine(t, priceMap{"BTC-USD": 50000})

	pos := seedBTCAccount(t, st, 31, store.ModeADL30) // ratio 25/31 = 0.806
	evaluate(t, e, st, "acct-1", btcMarks)

	warnings := rec.byType(events.TypeMarginWarning)
	require.Len(t, warnings, 1)
	w := warnings[0].(events.MarginWarning)
	assert.Equal(t, "acct-1", w.SubAccountID)
	assert.InDelta(t, 25.0/31.0, w.MarginRatio, 1e-9)

	assert.Empty(t, rec.byType(events.TypeADLTriggered))
	p, err := st.GetPosition(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, p.Quantity, 1e-9)
}

func TestEvaluateAccount_Tier2PartialCloseOnly(t *testing.T) {
	t.Parallel()
	e, st, rec := newTestEngine(t, priceMap{"BTC-USD": 50000})

	pos := seedBTCAccount(t, st, 27, store.ModeADL30) // ratio 25/27 = 0.926
	evaluate(t, e, st, "acct-1", btcMarks)

	adl := rec.byType(events.TypeADLTriggered)
	require.Len(t, adl, 1)
	a := adl[0].(events.ADLTriggered)
	assert.Equal(t, 2, a.Tier)
	assert.Equal(t, "BTC-USD", a.Symbol)
	assert.InDelta(t, ADLFraction, a.Fraction, 1e-9)

	assert.Empty(t, rec.byType(events.TypeFullLiquidation))

	p, err := st.GetPosition(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PositionOpen, p.Status)
	assert.InDelta(t, 0.07, p.Quantity, 1e-9)
	assert.InDelta(t, 3500.0, p.Notional, 1e-9)

	acct, err := st.GetSubAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, store.AccountActive, acct.Status)
}

func TestEvaluateAccount_Tier3EscalatesToFullLiquidation(t *testing.T) {
	t.Parallel()
	e, st, rec := newTestEngine(t, priceMap{"BTC-USD": 50000})

	pos := seedBTCAccount(t, st, 5, store.ModeADL30) // ratio 25/5 = 5.0
	evaluate(t, e, st, "acct-1", btcMarks)

	adl := rec.byType(events.TypeADLTriggered)
	require.Len(t, adl, 1)
	assert.Equal(t, 3, adl[0].(events.ADLTriggered).Tier)

	full := rec.byType(events.TypeFullLiquidation)
	require.Len(t, full, 1)
	f := full[0].(events.FullLiquidation)
	assert.Equal(t, events.ModeADLEscalated, f.Mode)

	p, err := st.GetPosition(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PositionLiquidated, p.Status)

	acct, err := st.GetSubAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, store.AccountLiquidated, acct.Status)
}

func TestEvaluateAccount_Tier3WithoutEscalation(t *testing.T) {
	t.Parallel()
	e, st, rec := newTestEngine(t, priceMap{"BTC-USD": 50000})

	// A 0.70 threshold moves every band down: ratio 0.806 is now Tier 3,
	// but shedding 30% brings it to 17.5/31 = 0.565, below the threshold.
	pos := seedBTCAccount(t, st, 31, store.ModeADL30)
	require.NoError(t, st.Transact(context.Background(), func(tx store.Tx) error {
		return tx.UpsertRule(context.Background(), "acct-1", risk.Rule{
			MaxLeverage: 100, MaxNotionalPerTrade: 1e6, MaxTotalExposure: 5e6, LiquidationThreshold: 0.70,
		})
	}))

	evaluate(t, e, st, "acct-1", btcMarks)

	adl := rec.byType(events.TypeADLTriggered)
	require.Len(t, adl, 1)
	assert.Equal(t, 3, adl[0].(events.ADLTriggered).Tier)
	assert.Empty(t, rec.byType(events.TypeFullLiquidation))

	p, err := st.GetPosition(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PositionOpen, p.Status)
	assert.InDelta(t, 0.07, p.Quantity, 1e-9)

	acct, err := st.GetSubAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, store.AccountActive, acct.Status)
}

// failingCloser delegates to a real executor but rejects closes of one
// position while armed.
type failingCloser struct {
	*executor.Executor

	mu     sync.Mutex
	failID string
	armed  bool
}

func (f *failingCloser) ClosePosition(ctx context.Context, positionID string, price float64, action string) error {
	f.mu.Lock()
	reject := f.armed && positionID == f.failID
	f.mu.Unlock()
	if reject {
		return errors.New("close rejected")
	}
	return f.Executor.ClosePosition(ctx, positionID, price, action)
}

func (f *failingCloser) disarm() {
	f.mu.Lock()
	f.armed = false
	f.mu.Unlock()
}

func TestEvaluateAccount_CloseFailureLeavesAccountForNextTick(t *testing.T) {
	t.Parallel()

	prices := priceMap{"BTC-USD": 50000, "ETH-USD": 2000}
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	seedAccount(t, st, store.SubAccount{ID: "acct-1", Balance: 5, LiquidationMode: store.ModeInstantClose})
	btc := seedPosition(t, st, store.VirtualPosition{
		SubAccountID: "acct-1", Symbol: "BTC-USD", Side: risk.Long,
		EntryPrice: 50000, Quantity: 0.1,
	})
	eth := seedPosition(t, st, store.VirtualPosition{
		SubAccountID: "acct-1", Symbol: "ETH-USD", Side: risk.Long,
		EntryPrice: 2000, Quantity: 1,
	})

	rec := &recorder{}
	closer := &failingCloser{Executor: executor.New(st, prices, zap.NewNop()), failID: eth.ID, armed: true}
	e := NewEngine(st, closer, rec, zap.NewNop())
	marks := map[string]float64{"BTC-USD": 50000, "ETH-USD": 2000}

	positions, err := st.ListOpenPositionsByAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Error(t, e.EvaluateAccount(context.Background(), "acct-1", positions, marks))

	// One close landed, one failed: the account must stay ACTIVE so the
	// next sweep re-evaluates it, and no liquidation event goes out.
	acct, err := st.GetSubAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, store.AccountActive, acct.Status)
	assert.Empty(t, rec.byType(events.TypeFullLiquidation))

	p, err := st.GetPosition(context.Background(), btc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PositionLiquidated, p.Status)
	p, err = st.GetPosition(context.Background(), eth.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PositionOpen, p.Status)

	// Next tick: the close succeeds and the account terminalizes.
	closer.disarm()
	evaluate(t, e, st, "acct-1", marks)

	acct, err = st.GetSubAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, store.AccountLiquidated, acct.Status)
	require.Len(t, rec.byType(events.TypeFullLiquidation), 1)

	p, err = st.GetPosition(context.Background(), eth.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PositionLiquidated, p.Status)
}

func TestEvaluateAccount_InstantCloseMode(t *testing.T) {
	t.Parallel()
	e, st, rec := newTestEngine(t, priceMap{"BTC-USD": 50000})

	pos := seedBTCAccount(t, st, 27, store.ModeInstantClose)
	evaluate(t, e, st, "acct-1", btcMarks)

	assert.Empty(t, rec.byType(events.TypeADLTriggered))
	full := rec.byType(events.TypeFullLiquidation)
	require.Len(t, full, 1)
	assert.Equal(t, events.ModeInstantClose, full[0].(events.FullLiquidation).Mode)

	p, err := st.GetPosition(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PositionLiquidated, p.Status)

	acct, err := st.GetSubAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, store.AccountLiquidated, acct.Status)
}

func TestEvaluateAccount_InstantCloseBelowThreshold(t *testing.T) {
	t.Parallel()
	e, st, rec := newTestEngine(t, priceMap{"BTC-USD": 50000})

	// Ratio 0.806 would warn under ADL_30; INSTANT_CLOSE has no warn or
	// ADL band, so below the threshold nothing happens at all.
	pos := seedBTCAccount(t, st, 31, store.ModeInstantClose)
	evaluate(t, e, st, "acct-1", btcMarks)

	assert.Empty(t, rec.byType(events.TypeMarginWarning))
	assert.Empty(t, rec.byType(events.TypeADLTriggered))
	assert.Empty(t, rec.byType(events.TypeFullLiquidation))

	p, err := st.GetPosition(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PositionOpen, p.Status)
	assert.InDelta(t, 0.1, p.Quantity, 1e-9)

	acct, err := st.GetSubAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, store.AccountActive, acct.Status)
}

func TestEvaluateAccount_ADLTargetsLargestNotional(t *testing.T) {
	t.Parallel()
	e, st, _ := newTestEngine(t, priceMap{"BTC-USD": 50000, "ETH-USD": 2000})

	// Notionals 5000 + 2000 give 35 maintenance; balance 38 puts the
	// ratio at 0.921, inside Tier 2.
	seedAccount(t, st, store.SubAccount{ID: "acct-1", Balance: 38})
	big := seedPosition(t, st, store.VirtualPosition{
		SubAccountID: "acct-1", Symbol: "BTC-USD", Side: risk.Long,
		EntryPrice: 50000, Quantity: 0.1,
	})
	small := seedPosition(t, st, store.VirtualPosition{
		SubAccountID: "acct-1", Symbol: "ETH-USD", Side: risk.Long,
		EntryPrice: 2000, Quantity: 1,
	})

	evaluate(t, e, st, "acct-1", map[string]float64{"BTC-USD": 50000, "ETH-USD": 2000})

	p, err := st.GetPosition(context.Background(), big.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.07, p.Quantity, 1e-9)

	p, err = st.GetPosition(context.Background(), small.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p.Quantity, 1e-9)
}

func TestEvaluateAccount_SkipsInactiveAndEmpty(t *testing.T) {
	t.Parallel()
	e, st, rec := newTestEngine(t, priceMap{"BTC-USD": 50000})

	pos := seedBTCAccount(t, st, 5, store.ModeADL30)
	require.NoError(t, st.Transact(context.Background(), func(tx store.Tx) error {
		return tx.SetAccountStatus(context.Background(), "acct-1", store.AccountLiquidated)
	}))

	evaluate(t, e, st, "acct-1", btcMarks)
	assert.Empty(t, rec.events)

	p, err := st.GetPosition(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PositionOpen, p.Status)

	// No positions, nothing to do.
	seedAccount(t, st, store.SubAccount{ID: "acct-2", Balance: 1})
	require.NoError(t, e.EvaluateAccount(context.Background(), "acct-2", nil, btcMarks))
	assert.Empty(t, rec.events)
}

func TestEvaluateAccount_MissingMarkCountsZeroUpnl(t *testing.T) {
	t.Parallel()
	e, st, rec := newTestEngine(t, priceMap{"BTC-USD": 50000})

	seedBTCAccount(t, st, 100, store.ModeADL30)
	evaluate(t, e, st, "acct-1", map[string]float64{})

	updates := rec.byType(events.TypeMarginUpdate)
	require.Len(t, updates, 1)
	mu := updates[0].(events.MarginUpdate)
	assert.Zero(t, mu.UnrealizedPnl)
	assert.InDelta(t, 0.25, mu.MarginRatio, 1e-9)
}

func TestEvaluateAccount_RefreshesLiquidationPriceCache(t *testing.T) {
	t.Parallel()
	e, st, _ := newTestEngine(t, priceMap{"BTC-USD": 50000})

	pos := seedBTCAccount(t, st, 100, store.ModeADL30)
	require.Zero(t, pos.LiquidationPrice)

	evaluate(t, e, st, "acct-1", btcMarks)

	p, err := st.GetPosition(context.Background(), pos.ID)
	require.NoError(t, err)
	want := risk.LiquidationPrice(risk.Long, 50000, 10, 100, 5000, 0.005, 0.90)
	assert.InDelta(t, want, p.LiquidationPrice, 0.01)
}
