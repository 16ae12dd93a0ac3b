// Package pnl tracks FIFO cost basis and produces per-period profit-and-
// loss snapshots. Lots are consumed exactly once, when the sale is
// ingested; the periodic driver aggregates realizations into snapshots.
package pnl

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/walletmirror/walletmirror/internal/clock"
	"github.com/walletmirror/walletmirror/internal/events"
	"github.com/walletmirror/walletmirror/internal/metrics"
	"github.com/walletmirror/walletmirror/internal/model"
	"github.com/walletmirror/walletmirror/internal/store"
)

// PriceSource supplies the USD mark price for a token and when it was
// observed. The balance usd-value column is derived from it, never the
// other way round.
type PriceSource interface {
	Price(ctx context.Context, tokenMint string) (price float64, asOf time.Time, err error)
}

// Publisher is the fan-out side of snapshotting.
type Publisher interface {
	Publish(kind events.Kind, wallet string, data any)
}

// Invalidator drops cached PnL entries after a snapshot.
type Invalidator interface {
	InvalidatePnL(ctx context.Context, address string) error
}

const (
	// staleAfter marks a snapshot stale when the mark price is older.
	staleAfter = 15 * time.Minute
	// driverInterval is the periodic recompute cadence.
	driverInterval = 10 * time.Minute
)

// realization is one realized-PnL entry produced by a sale.
type realization struct {
	sig      string
	at       time.Time
	token    string
	realized float64
	fee      float64
}

// Engine owns lot consumption and snapshot computation.
type Engine struct {
	store   store.Store
	prices  PriceSource
	cache   Invalidator
	bus     Publisher
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	mu sync.Mutex
	// ledger holds realizations per wallet, rebuilt from the persisted
	// realized events on first use. The all-time figure is seeded from
	// the last stored snapshot.
	ledger map[string][]realization
	seed   map[string]seedState

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type seedState struct {
	loaded   bool
	realized float64
	fees     float64
	// at is when the baseline snapshot was calculated; ledger entries at
	// or before it are already folded into realized/fees.
	at time.Time
}

// New wires a PnL engine. prices, cache and bus may be nil.
func New(st store.Store, prices PriceSource, cache Invalidator, bus Publisher, logger *zap.Logger, m *metrics.Metrics, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{
		store:   st,
		prices:  prices,
		cache:   cache,
		bus:     bus,
		logger:  logger,
		metrics: m,
		clock:   clk,
		ledger:  make(map[string][]realization),
		seed:    make(map[string]seedState),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// ConsumeFIFO consumes amount from the oldest unconsumed lots of
// (wallet, mint) acquired at or before asOf, partially consuming the last
// lot. Returns the total consumed cost.
func (e *Engine) ConsumeFIFO(ctx context.Context, wallet, mint string, amount float64, asOf time.Time) (float64, error) {
	lots, err := e.store.Lots(ctx, wallet, mint, asOf)
	if err != nil {
		return 0, fmt.Errorf("failed to load lots: %w", err)
	}

	need := amount
	var cost float64
	for _, lot := range lots {
		if need <= 0 {
			break
		}
		take := math.Min(lot.Remaining, need)
		cost += take * lot.CostPerToken
		need -= take
		if err := e.store.UpdateLotRemaining(ctx, lot.ID, lot.Remaining-take); err != nil {
			return cost, fmt.Errorf("failed to consume lot %d: %w", lot.ID, err)
		}
	}
	if need > 1e-9 {
		e.logger.Debug("sale exceeds tracked lots, basis incomplete",
			zap.String("wallet", wallet),
			zap.String("mint", mint),
			zap.Float64("untracked", need))
	}
	return cost, nil
}

// RecordTrade processes a committed sale: swap and liquidity-remove rows
// consume lots and append a realization; a paired buy side creates a new
// lot. Other kinds and privacy rows are ignored. Called once per inserted
// transaction.
func (e *Engine) RecordTrade(ctx context.Context, tx *model.Transaction) error {
	if tx.Amount == nil {
		return nil
	}
	if tx.Kind != model.KindSwap && tx.Kind != model.KindLiquidityRemove {
		return nil
	}

	amount := math.Abs(*tx.Amount)
	if amount == 0 {
		return nil
	}
	var fee float64
	if tx.Fee != nil {
		fee = *tx.Fee
	}

	cost, err := e.ConsumeFIFO(ctx, tx.Wallet, tx.TokenMint, amount, tx.Timestamp)
	if err != nil {
		return err
	}
	saleValue, err := e.saleValue(ctx, tx, amount, cost)
	if err != nil {
		return err
	}

	// Seed before persisting so the reload cannot pick this entry up and
	// count it twice.
	e.seedWallet(ctx, tx.Wallet)

	if err := e.store.InsertRealization(ctx, &model.Realization{
		Signature: tx.Signature,
		Wallet:    tx.Wallet,
		TokenMint: tx.TokenMint,
		Realized:  saleValue - cost - fee,
		Fees:      fee,
		Timestamp: tx.Timestamp,
	}); err != nil {
		e.logger.Warn("failed to persist realized event",
			zap.String("signature", tx.Signature),
			zap.Error(err))
	}

	e.mu.Lock()
	e.ledger[tx.Wallet] = append(e.ledger[tx.Wallet], realization{
		sig:      tx.Signature,
		at:       tx.Timestamp,
		token:    tx.TokenMint,
		realized: saleValue - cost - fee,
		fee:      fee,
	})
	e.mu.Unlock()

	if err := e.recordBuySide(ctx, tx, fee); err != nil {
		return err
	}
	return nil
}

// saleValue resolves the USD value of the sale: per-token price or total
// value from the metadata, then the price source, then the consumed cost
// as a last resort (realized collapses to -fee).
func (e *Engine) saleValue(ctx context.Context, tx *model.Transaction, amount, cost float64) (float64, error) {
	if p, ok := metaFloat(tx.Metadata, "price"); ok {
		return amount * p, nil
	}
	if v, ok := metaFloat(tx.Metadata, "usdValue"); ok {
		return v, nil
	}
	if e.prices != nil {
		price, _, err := e.prices.Price(ctx, tx.TokenMint)
		if err == nil {
			return amount * price, nil
		}
		e.logger.Debug("price lookup failed for sale",
			zap.String("mint", tx.TokenMint),
			zap.Error(err))
	}
	return cost, nil
}

// recordBuySide creates the lot for the token received in a swap.
// Cost per token includes the fee.
func (e *Engine) recordBuySide(ctx context.Context, tx *model.Transaction, fee float64) error {
	tokenIn, ok := metaString(tx.Metadata, "tokenIn")
	if !ok {
		return nil
	}
	amountIn, ok := metaFloat(tx.Metadata, "amountIn")
	if !ok || amountIn <= 0 {
		return nil
	}
	paid, ok := metaFloat(tx.Metadata, "paidValue")
	if !ok {
		// Without an explicit paid value the sale proceeds are the cost.
		var err error
		if paid, err = e.saleValue(ctx, tx, math.Abs(*tx.Amount), 0); err != nil {
			return err
		}
	}

	total := paid + fee
	lot := &model.Lot{
		Wallet:       tx.Wallet,
		TokenMint:    tokenIn,
		Remaining:    amountIn,
		CostPerToken: total / amountIn,
		TotalCost:    total,
		AcquiredAt:   tx.Timestamp,
		Signature:    tx.Signature,
	}
	if err := e.store.InsertLot(ctx, lot); err != nil {
		return fmt.Errorf("failed to record buy-side lot: %w", err)
	}
	return nil
}

// Compute builds and persists the snapshot for one wallet and period,
// invalidates the cached entry and publishes a pnl event.
func (e *Engine) Compute(ctx context.Context, wallet string, period model.Period) (*model.PnLSnapshot, error) {
	now := e.clock.Now()
	from, to := period.Window(now)

	e.seedWallet(ctx, wallet)

	snap := &model.PnLSnapshot{
		Wallet:       wallet,
		Period:       period,
		ByToken:      make(map[string]model.TokenPnL),
		CalculatedAt: now,
	}

	e.mu.Lock()
	seedAt := e.seed[wallet].at
	if period == model.PeriodAll {
		s := e.seed[wallet]
		snap.Realized += s.realized
		snap.FeesPaid += s.fees
	}
	for _, r := range e.ledger[wallet] {
		if r.at.Before(from) || r.at.After(to) {
			continue
		}
		// Entries already folded into the baseline snapshot must not
		// count toward the all-time figure a second time.
		if period == model.PeriodAll && !seedAt.IsZero() && !r.at.After(seedAt) {
			continue
		}
		snap.Realized += r.realized
		snap.FeesPaid += r.fee
		tp := snap.ByToken[r.token]
		tp.Realized += r.realized
		tp.FeesPaid += r.fee
		snap.ByToken[r.token] = tp
	}
	e.mu.Unlock()

	basis, err := e.unrealized(ctx, wallet, now, snap)
	if err != nil {
		return nil, err
	}

	snap.Total = snap.Realized + snap.Unrealized
	if basis > 0 {
		snap.ReturnPct = 100 * snap.Total / basis
	}

	if err := e.store.SavePnLSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to save pnl snapshot: %w", err)
	}
	if e.metrics != nil {
		e.metrics.PnLSnapshots.Inc()
	}
	return snap, nil
}

// unrealized marks every balance against the price source and returns
// the total remaining cost basis.
func (e *Engine) unrealized(ctx context.Context, wallet string, now time.Time, snap *model.PnLSnapshot) (float64, error) {
	balances, err := e.store.ListBalances(ctx, wallet)
	if err != nil {
		return 0, fmt.Errorf("failed to load balances: %w", err)
	}

	var totalBasis float64
	for _, bal := range balances {
		lots, err := e.store.Lots(ctx, wallet, bal.TokenMint, now)
		if err != nil {
			return 0, fmt.Errorf("failed to load lots: %w", err)
		}
		var basis float64
		for _, lot := range lots {
			basis += lot.Remaining * lot.CostPerToken
		}
		totalBasis += basis

		value, stale := e.markValue(ctx, bal, now)
		if stale {
			snap.Stale = true
		}

		u := value - basis
		snap.Unrealized += u
		tp := snap.ByToken[bal.TokenMint]
		tp.Unrealized += u
		snap.ByToken[bal.TokenMint] = tp
	}
	return totalBasis, nil
}

// markValue prices one balance row. A missing or old mark price falls
// back to the stored usd-value and flags the snapshot stale.
func (e *Engine) markValue(ctx context.Context, bal *model.Balance, now time.Time) (float64, bool) {
	if e.prices != nil {
		price, asOf, err := e.prices.Price(ctx, bal.TokenMint)
		if err == nil {
			stale := now.Sub(asOf) > staleAfter
			value := bal.Amount * price
			if err := e.store.SetBalanceValue(ctx, bal.Wallet, bal.TokenMint, value); err != nil {
				e.logger.Debug("failed to store balance value",
					zap.String("wallet", bal.Wallet),
					zap.Error(err))
			}
			return value, stale
		}
	}
	return bal.USDValue, true
}

// seedWallet loads the all-time baseline from the last stored snapshot
// and rebuilds the realization ledger from persisted realized events,
// once per wallet.
func (e *Engine) seedWallet(ctx context.Context, wallet string) {
	e.mu.Lock()
	loaded := e.seed[wallet].loaded
	e.mu.Unlock()
	if loaded {
		return
	}

	s := seedState{loaded: true}
	prev, err := e.store.LatestPnLSnapshot(ctx, wallet, model.PeriodAll)
	if err == nil {
		s.realized = prev.Realized
		s.fees = prev.FeesPaid
		s.at = prev.CalculatedAt
	}

	// Reload enough history to rebuild the longest window, plus the gap
	// since the baseline snapshot when that is older still. Without a
	// baseline, reload everything.
	from, _ := model.Period30d.Window(e.clock.Now())
	if s.at.IsZero() {
		from = time.Time{}
	} else if s.at.Before(from) {
		from = s.at
	}
	rows, err := e.store.Realizations(ctx, wallet, from)
	if err != nil {
		e.logger.Warn("failed to reload realized events",
			zap.String("wallet", wallet),
			zap.Error(err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seed[wallet].loaded {
		return
	}
	e.seed[wallet] = s
	have := make(map[string]bool, len(e.ledger[wallet]))
	for _, r := range e.ledger[wallet] {
		have[r.sig] = true
	}
	for _, r := range rows {
		if have[r.Signature] {
			continue
		}
		e.ledger[wallet] = append(e.ledger[wallet], realization{
			sig:      r.Signature,
			at:       r.Timestamp,
			token:    r.TokenMint,
			realized: r.Realized,
			fee:      r.Fees,
		})
	}
}

// ComputeAll snapshots every period for one wallet, then invalidates the
// cached pnl family and publishes one pnl event.
func (e *Engine) ComputeAll(ctx context.Context, wallet string) error {
	snaps := make(map[model.Period]*model.PnLSnapshot, len(model.Periods))
	for _, period := range model.Periods {
		snap, err := e.Compute(ctx, wallet, period)
		if err != nil {
			return fmt.Errorf("failed to compute %s pnl: %w", period, err)
		}
		snaps[period] = snap
	}

	if e.cache != nil {
		if err := e.cache.InvalidatePnL(ctx, wallet); err != nil {
			e.logger.Warn("pnl cache invalidation failed",
				zap.String("wallet", wallet),
				zap.Error(err))
		}
	}
	if e.bus != nil {
		e.bus.Publish(events.KindPnLUpdated, wallet, snaps)
	}
	return nil
}

// Run recomputes snapshots for every active wallet on the driver
// interval until Stop.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.doneCh)
	ticker := time.NewTicker(driverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.runOnce(ctx)
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the periodic driver.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

func (e *Engine) runOnce(ctx context.Context) {
	active := model.StateActive
	regs, err := e.store.ListRegistrations(ctx, store.RegistrationFilter{State: &active})
	if err != nil {
		e.logger.Warn("pnl driver failed to list wallets", zap.Error(err))
		return
	}
	for _, reg := range regs {
		if err := e.ComputeAll(ctx, reg.Address); err != nil {
			e.logger.Warn("pnl recompute failed",
				zap.String("wallet", reg.Address),
				zap.Error(err))
		}
	}
}

func metaFloat(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func metaString(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok && s != ""
}
