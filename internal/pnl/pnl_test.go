package pnl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/walletmirror/walletmirror/internal/clock"
	"github.com/walletmirror/walletmirror/internal/events"
	"github.com/walletmirror/walletmirror/internal/model"
	"github.com/walletmirror/walletmirror/internal/store"
)

const (
	pnlWallet = "PnLWallet1111111111111111111111111111111111"
	pnlMint   = "MintPnL111111111111111111111111111111111"
)

var pnlNow = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

type fakePrices struct {
	price float64
	asOf  time.Time
	err   error
}

func (f *fakePrices) Price(context.Context, string) (float64, time.Time, error) {
	return f.price, f.asOf, f.err
}

type fakePnLBus struct {
	mu     sync.Mutex
	events []events.Kind
}

func (f *fakePnLBus) Publish(kind events.Kind, _ string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, kind)
}

type fakePnLCache struct {
	mu      sync.Mutex
	wallets []string
}

func (f *fakePnLCache) InvalidatePnL(_ context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wallets = append(f.wallets, addr)
	return nil
}

func newPnLEngine(t *testing.T, prices PriceSource) (*Engine, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.CreateRegistration(context.Background(), &model.Registration{
		Address:      pnlWallet,
		RegisteredAt: pnlNow.Add(-40 * 24 * time.Hour),
		State:        model.StateActive,
	}))
	return New(st, prices, nil, nil, zap.NewNop(), nil, &clock.Fixed{T: pnlNow}), st
}

// seedLots inserts the canonical three-lot book: 100 @ 10, 50 @ 12,
// 75 @ 11 acquired in that order.
func seedLots(t *testing.T, st *store.Memory) {
	t.Helper()
	ctx := context.Background()
	lots := []struct {
		amount float64
		cost   float64
		at     time.Time
	}{
		{100, 10, pnlNow.Add(-72 * time.Hour)},
		{50, 12, pnlNow.Add(-48 * time.Hour)},
		{75, 11, pnlNow.Add(-24 * time.Hour)},
	}
	for i, l := range lots {
		require.NoError(t, st.InsertLot(ctx, &model.Lot{
			Wallet:       pnlWallet,
			TokenMint:    pnlMint,
			Remaining:    l.amount,
			CostPerToken: l.cost,
			TotalCost:    l.amount * l.cost,
			AcquiredAt:   l.at,
			Signature:    string(rune('a' + i)),
		}))
	}
}

func TestConsumeFIFO(t *testing.T) {
	e, st := newPnLEngine(t, nil)
	seedLots(t, st)
	ctx := context.Background()

	cost, err := e.ConsumeFIFO(ctx, pnlWallet, pnlMint, 120, pnlNow)
	require.NoError(t, err)
	assert.InDelta(t, 1240.0, cost, 1e-9)

	lots, err := st.Lots(ctx, pnlWallet, pnlMint, pnlNow)
	require.NoError(t, err)
	require.Len(t, lots, 2, "the first lot must be fully consumed")
	assert.InDelta(t, 30.0, lots[0].Remaining, 1e-9)
	assert.Equal(t, 12.0, lots[0].CostPerToken)
	assert.InDelta(t, 75.0, lots[1].Remaining, 1e-9)
	assert.Equal(t, 11.0, lots[1].CostPerToken)
}

func TestConsumeFIFOIgnoresFutureLots(t *testing.T) {
	e, st := newPnLEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, st.InsertLot(ctx, &model.Lot{
		Wallet:       pnlWallet,
		TokenMint:    pnlMint,
		Remaining:    100,
		CostPerToken: 10,
		TotalCost:    1000,
		AcquiredAt:   pnlNow.Add(time.Hour),
	}))

	cost, err := e.ConsumeFIFO(ctx, pnlWallet, pnlMint, 50, pnlNow)
	require.NoError(t, err)
	assert.Zero(t, cost, "lots acquired after the sale must not be consumed")
}

func sellTx(sig string, amount float64, at time.Time, meta map[string]any) *model.Transaction {
	a := amount
	return &model.Transaction{
		Signature: sig,
		Wallet:    pnlWallet,
		Timestamp: at,
		Kind:      model.KindSwap,
		Amount:    &a,
		TokenMint: pnlMint,
		Metadata:  meta,
	}
}

func TestRecordTradeRealizesFIFO(t *testing.T) {
	e, st := newPnLEngine(t, nil)
	seedLots(t, st)
	ctx := context.Background()

	// Sell 120 @ 15: sale 1800, consumed 1240, realized 560.
	require.NoError(t, e.RecordTrade(ctx, sellTx("sell-1", 120, pnlNow.Add(-time.Hour),
		map[string]any{"price": 15.0})))

	snap, err := e.Compute(ctx, pnlWallet, model.PeriodAll)
	require.NoError(t, err)
	assert.InDelta(t, 560.0, snap.Realized, 1e-9)
	assert.InDelta(t, 560.0, snap.ByToken[pnlMint].Realized, 1e-9)
}

func TestRecordTradeFeeReducesRealized(t *testing.T) {
	e, st := newPnLEngine(t, nil)
	seedLots(t, st)
	ctx := context.Background()

	tx := sellTx("sell-fee", 120, pnlNow.Add(-time.Hour), map[string]any{"price": 15.0})
	fee := 10.0
	tx.Fee = &fee
	require.NoError(t, e.RecordTrade(ctx, tx))

	snap, err := e.Compute(ctx, pnlWallet, model.PeriodAll)
	require.NoError(t, err)
	assert.InDelta(t, 550.0, snap.Realized, 1e-9)
	assert.InDelta(t, 10.0, snap.FeesPaid, 1e-9)
}

func TestRecordTradeIgnoresNonSales(t *testing.T) {
	e, st := newPnLEngine(t, nil)
	seedLots(t, st)
	ctx := context.Background()

	transfer := sellTx("not-a-sale", 50, pnlNow, nil)
	transfer.Kind = model.KindTransfer
	require.NoError(t, e.RecordTrade(ctx, transfer))

	lots, err := st.Lots(ctx, pnlWallet, pnlMint, pnlNow)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, lots[0].Remaining, 1e-9, "transfers must not consume lots")
}

func TestRecordTradeBuySideCreatesLot(t *testing.T) {
	e, st := newPnLEngine(t, nil)
	seedLots(t, st)
	ctx := context.Background()

	tx := sellTx("swap-in", 120, pnlNow.Add(-time.Hour), map[string]any{
		"price":     15.0,
		"tokenIn":   "MintOther",
		"amountIn":  90.0,
		"paidValue": 1790.0,
	})
	fee := 10.0
	tx.Fee = &fee
	require.NoError(t, e.RecordTrade(ctx, tx))

	lots, err := st.Lots(ctx, pnlWallet, "MintOther", pnlNow)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	// (1790 + 10) / 90 = 20 per token.
	assert.InDelta(t, 20.0, lots[0].CostPerToken, 1e-9)
	assert.InDelta(t, 90.0, lots[0].Remaining, 1e-9)
}

func TestPeriodWindows(t *testing.T) {
	e, st := newPnLEngine(t, nil)
	seedLots(t, st)
	ctx := context.Background()

	// Realized two days ago: inside 7d/30d/all, outside 24h.
	require.NoError(t, e.RecordTrade(ctx, sellTx("sell-old", 100, pnlNow.Add(-48*time.Hour),
		map[string]any{"price": 15.0})))

	day, err := e.Compute(ctx, pnlWallet, model.Period24h)
	require.NoError(t, err)
	assert.Zero(t, day.Realized)

	week, err := e.Compute(ctx, pnlWallet, model.Period7d)
	require.NoError(t, err)
	assert.InDelta(t, 500.0, week.Realized, 1e-9)
}

func commitBalance(t *testing.T, st *store.Memory, amount float64) {
	t.Helper()
	a := amount
	_, err := st.CommitTransaction(context.Background(), &model.Transaction{
		Signature: "bal-seed",
		Wallet:    pnlWallet,
		Timestamp: pnlNow.Add(-time.Hour),
		Kind:      model.KindTransfer,
		Amount:    &a,
		TokenMint: pnlMint,
	}, amount)
	require.NoError(t, err)
}

func TestUnrealizedFromMarkPrice(t *testing.T) {
	prices := &fakePrices{price: 12, asOf: pnlNow.Add(-time.Minute)}
	e, st := newPnLEngine(t, prices)
	ctx := context.Background()

	commitBalance(t, st, 100)
	require.NoError(t, st.InsertLot(ctx, &model.Lot{
		Wallet:       pnlWallet,
		TokenMint:    pnlMint,
		Remaining:    100,
		CostPerToken: 10,
		TotalCost:    1000,
		AcquiredAt:   pnlNow.Add(-time.Hour),
	}))

	snap, err := e.Compute(ctx, pnlWallet, model.PeriodAll)
	require.NoError(t, err)
	// 100 × 12 market value against a 1000 basis.
	assert.InDelta(t, 200.0, snap.Unrealized, 1e-9)
	assert.False(t, snap.Stale)
	assert.InDelta(t, 200.0, snap.Total, 1e-9)
	assert.InDelta(t, 20.0, snap.ReturnPct, 1e-9)

	// The mark writes through to the balance row.
	balances, err := st.ListBalances(ctx, pnlWallet)
	require.NoError(t, err)
	assert.InDelta(t, 1200.0, balances[0].USDValue, 1e-9)
}

func TestStaleMarkPriceFlagsSnapshot(t *testing.T) {
	prices := &fakePrices{price: 12, asOf: pnlNow.Add(-20 * time.Minute)}
	e, st := newPnLEngine(t, prices)
	commitBalance(t, st, 100)

	snap, err := e.Compute(context.Background(), pnlWallet, model.PeriodAll)
	require.NoError(t, err)
	assert.True(t, snap.Stale)
}

func TestMissingPriceSourceFallsBackToStoredValue(t *testing.T) {
	prices := &fakePrices{err: errors.New("oracle down")}
	e, st := newPnLEngine(t, prices)
	ctx := context.Background()
	commitBalance(t, st, 100)
	require.NoError(t, st.SetBalanceValue(ctx, pnlWallet, pnlMint, 900))

	snap, err := e.Compute(ctx, pnlWallet, model.PeriodAll)
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.InDelta(t, 900.0, snap.Unrealized, 1e-9, "no lots means the whole value is unrealized")
}

func TestAllTimeSeedsFromLastSnapshot(t *testing.T) {
	e, st := newPnLEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, st.SavePnLSnapshot(ctx, &model.PnLSnapshot{
		Wallet:       pnlWallet,
		Period:       model.PeriodAll,
		Realized:     100,
		FeesPaid:     3,
		CalculatedAt: pnlNow.Add(-time.Hour),
	}))

	snap, err := e.Compute(ctx, pnlWallet, model.PeriodAll)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, snap.Realized, 1e-9)
	assert.InDelta(t, 3.0, snap.FeesPaid, 1e-9)

	week, err := e.Compute(ctx, pnlWallet, model.Period7d)
	require.NoError(t, err)
	assert.Zero(t, week.Realized, "the baseline only feeds the all-time period")
}

func TestRealizedSurvivesRestart(t *testing.T) {
	e, st := newPnLEngine(t, nil)
	seedLots(t, st)
	ctx := context.Background()

	require.NoError(t, e.RecordTrade(ctx, sellTx("sell-1", 120, pnlNow.Add(-time.Hour),
		map[string]any{"price": 15.0})))

	// A second engine over the same store stands in for a restart.
	e2 := New(st, nil, nil, nil, zap.NewNop(), nil, &clock.Fixed{T: pnlNow})

	day, err := e2.Compute(ctx, pnlWallet, model.Period24h)
	require.NoError(t, err)
	assert.InDelta(t, 560.0, day.Realized, 1e-9,
		"windowed realized pnl must survive a restart")

	all, err := e2.Compute(ctx, pnlWallet, model.PeriodAll)
	require.NoError(t, err)
	assert.InDelta(t, 560.0, all.Realized, 1e-9)
}

func TestRestartDoesNotDoubleCountBaseline(t *testing.T) {
	e, st := newPnLEngine(t, nil)
	seedLots(t, st)
	ctx := context.Background()

	require.NoError(t, e.RecordTrade(ctx, sellTx("sell-1", 120, pnlNow.Add(-2*time.Hour),
		map[string]any{"price": 15.0})))
	// Snapshot folds the sale into the all-time baseline.
	_, err := e.Compute(ctx, pnlWallet, model.PeriodAll)
	require.NoError(t, err)

	e2 := New(st, nil, nil, nil, zap.NewNop(), nil, &clock.Fixed{T: pnlNow})

	all, err := e2.Compute(ctx, pnlWallet, model.PeriodAll)
	require.NoError(t, err)
	assert.InDelta(t, 560.0, all.Realized, 1e-9,
		"reloaded events inside the baseline must not count twice")

	day, err := e2.Compute(ctx, pnlWallet, model.Period24h)
	require.NoError(t, err)
	assert.InDelta(t, 560.0, day.Realized, 1e-9)
}

func TestComputeAllInvalidatesAndPublishes(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.CreateRegistration(ctx, &model.Registration{
		Address: pnlWallet,
		State:   model.StateActive,
	}))

	bus := &fakePnLBus{}
	cache := &fakePnLCache{}
	e := New(st, nil, cache, bus, zap.NewNop(), nil, &clock.Fixed{T: pnlNow})

	require.NoError(t, e.ComputeAll(ctx, pnlWallet))

	assert.Equal(t, []string{pnlWallet}, cache.wallets)
	assert.Equal(t, []events.Kind{events.KindPnLUpdated}, bus.events)

	for _, period := range model.Periods {
		_, err := st.LatestPnLSnapshot(ctx, pnlWallet, period)
		assert.NoError(t, err, "snapshot for %s must be stored", period)
	}
}
