// Package indexer turns inbound transaction frames into durable state:
// metadata lifting, privacy encryption, the atomic store commit, cache
// invalidation, event publication and the risk hook.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/walletmirror/walletmirror/internal/clock"
	"github.com/walletmirror/walletmirror/internal/events"
	"github.com/walletmirror/walletmirror/internal/metrics"
	"github.com/walletmirror/walletmirror/internal/model"
	"github.com/walletmirror/walletmirror/internal/privacy"
	"github.com/walletmirror/walletmirror/internal/risk"
	"github.com/walletmirror/walletmirror/internal/store"
	"github.com/walletmirror/walletmirror/internal/upstream"
)

// ErrNotRegistered is returned when indexing a wallet without a
// registration. The transaction is dropped.
var ErrNotRegistered = errors.New("wallet not registered")

const (
	batchSize = 100

	anomalyThreshold  = 70.0
	criticalThreshold = 90.0
)

// Invalidator is the cache side of indexing.
type Invalidator interface {
	InvalidateWallet(ctx context.Context, address string) error
}

// Publisher is the fan-out side of indexing.
type Publisher interface {
	Publish(kind events.Kind, wallet string, data any)
}

// Analyzer scores committed transactions. Failures never fail the index.
type Analyzer interface {
	ScoreTransaction(ctx context.Context, tx *model.Transaction) (risk.Assessment, error)
}

// TradeRecorder consumes cost-basis lots for committed sales. Called
// once per inserted transaction; failures are logged, never fatal.
type TradeRecorder interface {
	RecordTrade(ctx context.Context, tx *model.Transaction) error
}

// HistoryFeed supplies historical transactions for backfill. The core
// never reads raw chain history itself.
type HistoryFeed interface {
	History(ctx context.Context, wallet string) ([]Incoming, error)
}

// Incoming is one transaction before metadata lifting.
type Incoming struct {
	Signature string
	Wallet    string
	Timestamp time.Time
	Kind      model.TxKind
	Amount    float64
	TokenMint string
	Metadata  map[string]any
}

// FromUpstream converts a validated stream frame.
func FromUpstream(tx *upstream.Transaction) Incoming {
	sec := int64(tx.Timestamp)
	nsec := int64((tx.Timestamp - float64(sec)) * 1e9)
	return Incoming{
		Signature: tx.Signature,
		Wallet:    tx.WalletAddress,
		Timestamp: time.Unix(sec, nsec).UTC(),
		Kind:      tx.Kind,
		Amount:    tx.Amount,
		TokenMint: tx.TokenMint,
		Metadata:  tx.Metadata,
	}
}

// Indexer is the single ingestion path.
type Indexer struct {
	store    store.Store
	cipher   *privacy.Cipher
	cache    Invalidator
	bus      Publisher
	analyzer Analyzer
	trades   TradeRecorder
	feed     HistoryFeed
	logger   *zap.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock
}

// New wires an indexer. cache, bus, analyzer, trades and feed may be nil.
func New(st store.Store, cipher *privacy.Cipher, cache Invalidator, bus Publisher, analyzer Analyzer, trades TradeRecorder, feed HistoryFeed, logger *zap.Logger, m *metrics.Metrics, clk clock.Clock) *Indexer {
	if clk == nil {
		clk = clock.System{}
	}
	return &Indexer{
		store:    st,
		cipher:   cipher,
		cache:    cache,
		bus:      bus,
		analyzer: analyzer,
		trades:   trades,
		feed:     feed,
		logger:   logger,
		metrics:  m,
		clock:    clk,
	}
}

// Index ingests one transaction. Duplicate signatures are a complete
// no-op: the stored row, counters, cache and subscribers are untouched.
func (ix *Indexer) Index(ctx context.Context, in Incoming) (*model.Transaction, error) {
	start := ix.clock.Now()

	tx, lifted := lift(in)

	reg, err := ix.store.GetRegistration(ctx, in.Wallet)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotRegistered, in.Wallet)
		}
		return nil, fmt.Errorf("failed to resolve registration: %w", err)
	}

	if reg.Privacy {
		if err := ix.seal(tx, lifted); err != nil {
			ix.countError()
			return nil, err
		}
	}

	delta := balanceDelta(in.Kind, in.Amount)
	result, err := ix.store.CommitTransaction(ctx, tx, delta)
	if err != nil {
		ix.countError()
		ix.markError(ctx, in.Wallet, err)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	if !result.Inserted {
		ix.logger.Debug("duplicate signature coalesced",
			zap.String("signature", in.Signature),
			zap.String("wallet", in.Wallet))
		return tx, nil
	}
	if result.Clamped {
		ix.logger.Warn("balance floored at zero",
			zap.String("wallet", in.Wallet),
			zap.String("mint", in.TokenMint),
			zap.Float64("delta", delta))
	}

	if ix.metrics != nil {
		ix.metrics.TransactionsIndexed.Inc()
		ix.metrics.IndexDuration.Observe(ix.clock.Now().Sub(start).Seconds())
	}

	if ix.cache != nil {
		if err := ix.cache.InvalidateWallet(ctx, in.Wallet); err != nil {
			ix.logger.Warn("cache invalidation failed",
				zap.String("wallet", in.Wallet),
				zap.Error(err))
		}
	}

	if ix.bus != nil {
		ix.bus.Publish(events.KindTransactionNew, in.Wallet, tx)
		ix.bus.Publish(events.KindBalanceUpdated, in.Wallet, map[string]any{
			"wallet":    in.Wallet,
			"tokenMint": in.TokenMint,
			"amount":    result.Balance,
		})
	}

	if ix.trades != nil {
		if err := ix.trades.RecordTrade(ctx, tx); err != nil {
			ix.logger.Warn("cost-basis update failed",
				zap.String("signature", in.Signature),
				zap.Error(err))
		}
	}

	ix.analyze(ctx, tx)
	return tx, nil
}

// IndexBatch ingests items in groups of batchSize, sequentially within a
// group to preserve order. Per-item failures are collected; a summary
// error is returned when any item failed. Duplicates are not failures.
func (ix *Indexer) IndexBatch(ctx context.Context, items []Incoming) error {
	var failed int
	var first error
	for offset := 0; offset < len(items); offset += batchSize {
		end := offset + batchSize
		if end > len(items) {
			end = len(items)
		}
		for _, in := range items[offset:end] {
			if _, err := ix.Index(ctx, in); err != nil {
				failed++
				if first == nil {
					first = err
				}
				ix.logger.Warn("batch item failed",
					zap.String("signature", in.Signature),
					zap.Error(err))
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("batch indexing: %d of %d items failed, first: %w", failed, len(items), first)
	}
	return nil
}

// Backfill replays a wallet's history through the batch feed. Without a
// configured feed this is a no-op.
func (ix *Indexer) Backfill(ctx context.Context, wallet string) {
	if ix.feed == nil {
		return
	}
	items, err := ix.feed.History(ctx, wallet)
	if err != nil {
		ix.logger.Warn("backfill feed failed",
			zap.String("wallet", wallet),
			zap.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}
	if err := ix.IndexBatch(ctx, items); err != nil {
		ix.logger.Warn("backfill incomplete",
			zap.String("wallet", wallet),
			zap.Error(err))
	} else {
		ix.logger.Info("backfill complete",
			zap.String("wallet", wallet),
			zap.Int("transactions", len(items)))
	}
}

// lifted carries the values pulled out of the metadata map.
type lifted struct {
	amount       float64
	counterparty string
	fee          *float64
	metadata     map[string]any // original, pre-lift
}

// lift builds the storable row, pulling counterparty, fee, symbol and
// block out of the metadata and carrying the remaining keys through.
func lift(in Incoming) (*model.Transaction, lifted) {
	tx := &model.Transaction{
		Signature: in.Signature,
		Wallet:    in.Wallet,
		Timestamp: in.Timestamp,
		Kind:      in.Kind,
		TokenMint: in.TokenMint,
	}
	amount := in.Amount
	tx.Amount = &amount

	l := lifted{amount: in.Amount, metadata: in.Metadata}
	rest := make(map[string]any, len(in.Metadata))
	for k, v := range in.Metadata {
		rest[k] = v
	}

	if s, ok := takeString(rest, "counterparty", "to", "from"); ok {
		tx.Counterparty = &s
		l.counterparty = s
	}
	if f, ok := takeFloat(rest, "fee", "feeAmount"); ok {
		tx.Fee = &f
		l.fee = &f
	}
	if s, ok := takeString(rest, "tokenSymbol", "symbol"); ok {
		tx.TokenSymbol = s
	}
	if f, ok := takeFloat(rest, "blockNumber", "slot"); ok {
		b := int64(f)
		tx.Block = &b
	}
	tx.Metadata = rest
	return tx, l
}

func takeString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				delete(m, k)
				return s, true
			}
		}
	}
	return "", false
}

func takeFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			delete(m, k)
			return n, true
		case int:
			delete(m, k)
			return float64(n), true
		case int64:
			delete(m, k)
			return float64(n), true
		}
	}
	return 0, false
}

// seal replaces the sensitive columns with the encrypted blob. The fee
// rides inside the sealed metadata so the round-trip preserves it.
func (ix *Indexer) seal(tx *model.Transaction, l lifted) error {
	if ix.cipher == nil {
		return fmt.Errorf("privacy wallet %s without a configured cipher", tx.Wallet)
	}
	meta := make(map[string]any, len(tx.Metadata)+1)
	for k, v := range tx.Metadata {
		meta[k] = v
	}
	if l.fee != nil {
		meta["fee"] = *l.fee
	}
	blob, err := ix.cipher.Encrypt(tx.Wallet, privacy.Payload{
		Amount:       l.amount,
		Counterparty: l.counterparty,
		TokenMint:    tx.TokenMint,
		Metadata:     meta,
	})
	if err != nil {
		return fmt.Errorf("failed to encrypt transaction: %w", err)
	}
	tx.Privacy = true
	tx.Encrypted = blob
	tx.Amount = nil
	tx.Counterparty = nil
	tx.Metadata = nil
	return nil
}

// balanceDelta maps transaction kind to the balance change.
func balanceDelta(kind model.TxKind, amount float64) float64 {
	abs := amount
	if abs < 0 {
		abs = -abs
	}
	switch kind {
	case model.KindTransfer, model.KindSwap:
		return amount
	case model.KindStake, model.KindLiquidityAdd:
		return -abs
	case model.KindUnstake, model.KindLiquidityRemove:
		return abs
	default: // vote, unknown
		return 0
	}
}

// analyze runs the risk hook. Scores at or above the threshold record an
// anomaly and publish an event; failures only log.
func (ix *Indexer) analyze(ctx context.Context, tx *model.Transaction) {
	if ix.analyzer == nil {
		return
	}
	a, err := ix.analyzer.ScoreTransaction(ctx, tx)
	if err != nil {
		ix.logger.Warn("risk analysis failed",
			zap.String("signature", tx.Signature),
			zap.Error(err))
		return
	}
	if a.Score < anomalyThreshold {
		return
	}

	severity := model.SeverityHigh
	if a.Score > criticalThreshold {
		severity = model.SeverityCritical
	}
	anomaly := &model.Anomaly{
		Signature:   tx.Signature,
		Wallet:      tx.Wallet,
		Kind:        string(tx.Kind),
		Severity:    severity,
		Score:       a.Score,
		Description: a.Description(),
		Timestamp:   tx.Timestamp,
	}
	if err := ix.store.SaveAnomaly(ctx, anomaly); err != nil {
		ix.logger.Warn("failed to record anomaly",
			zap.String("signature", tx.Signature),
			zap.Error(err))
		return
	}
	if ix.metrics != nil {
		ix.metrics.AnomaliesDetected.Inc()
	}
	if ix.bus != nil {
		ix.bus.Publish(events.KindSecurityAnomaly, tx.Wallet, anomaly)
	}
	ix.logger.Warn("anomaly detected",
		zap.String("wallet", tx.Wallet),
		zap.String("signature", tx.Signature),
		zap.Float64("score", a.Score),
		zap.String("severity", string(severity)))
}

func (ix *Indexer) countError() {
	if ix.metrics != nil {
		ix.metrics.IndexErrors.Inc()
	}
}

// markError parks the registration in the error state with the failure
// message. Best effort.
func (ix *Indexer) markError(ctx context.Context, wallet string, cause error) {
	if err := ix.store.SetRegistrationState(ctx, wallet, model.StateError, cause.Error()); err != nil {
		ix.logger.Warn("failed to mark registration errored",
			zap.String("wallet", wallet),
			zap.Error(err))
	}
}
