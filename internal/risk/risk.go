// Package risk scores transactions and wallets. Per-transaction scoring
// combines an amount z-score, a frequency check, a denylist lookup and a
// circadian heuristic; the wallet profile aggregates over recent history.
package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/walletmirror/walletmirror/internal/clock"
	"github.com/walletmirror/walletmirror/internal/model"
	"github.com/walletmirror/walletmirror/internal/store"
)

// Factor names reported in assessments.
const (
	FactorAmountZScore  = "amount-zscore"
	FactorHighFrequency = "high-frequency"
	FactorDenylisted    = "denylisted-counterparty"
	FactorOddHours      = "odd-hours"
)

const (
	// HighRiskThreshold marks a transaction high-risk.
	HighRiskThreshold = 70.0

	minZSamples    = 10
	zTrigger       = 3.0
	zCap           = 40.0
	freqWindow     = time.Hour
	freqTrigger    = 20
	freqCap        = 30.0
	denylistWeight = 50.0
	oddHoursWeight = 10.0

	// profileWindow is the number of recent transactions a wallet
	// profile aggregates over.
	profileWindow = 1000

	penaltyLarge     = 10.0
	penaltyFrequency = 15.0
	penaltyDenylist  = 25.0

	// burstWindow/burstCount define the rapid-balance factor: that many
	// transactions inside one rolling window.
	burstWindow = 5 * time.Minute
	burstCount  = 5
)

// Assessment is the outcome of scoring one transaction.
type Assessment struct {
	Score   float64
	Factors []string
}

// Description renders the contributing factors for anomaly records.
func (a Assessment) Description() string {
	if len(a.Factors) == 0 {
		return "no risk factors"
	}
	return "risk factors: " + strings.Join(a.Factors, ", ")
}

// Engine evaluates transactions against stored history.
type Engine struct {
	store  store.Store
	logger *zap.Logger
	clock  clock.Clock
}

// New wires a risk engine.
func New(st store.Store, logger *zap.Logger, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{store: st, logger: logger, clock: clk}
}

// ScoreTransaction scores tx in [0, 100]. Privacy rows skip the checks
// whose inputs are nulled out.
func (e *Engine) ScoreTransaction(ctx context.Context, tx *model.Transaction) (Assessment, error) {
	var a Assessment

	if tx.Amount != nil {
		add, err := e.amountZScore(ctx, tx)
		if err != nil {
			return a, err
		}
		if add > 0 {
			a.Score += add
			a.Factors = append(a.Factors, FactorAmountZScore)
		}
	}

	add, err := e.frequency(ctx, tx)
	if err != nil {
		return a, err
	}
	if add > 0 {
		a.Score += add
		a.Factors = append(a.Factors, FactorHighFrequency)
	}

	if tx.Counterparty != nil {
		listed, err := e.store.IsDenylisted(ctx, *tx.Counterparty)
		if err != nil {
			return a, fmt.Errorf("denylist lookup failed: %w", err)
		}
		if listed {
			a.Score += denylistWeight
			a.Factors = append(a.Factors, FactorDenylisted)
		}
	}

	if hour := tx.Timestamp.UTC().Hour(); hour >= 2 && hour <= 5 {
		a.Score += oddHoursWeight
		a.Factors = append(a.Factors, FactorOddHours)
	}

	if a.Score > 100 {
		a.Score = 100
	}
	return a, nil
}

// amountZScore returns the z-score contribution, zero when fewer than
// minZSamples prior transactions exist for the (wallet, token) pair.
func (e *Engine) amountZScore(ctx context.Context, tx *model.Transaction) (float64, error) {
	prior, err := e.store.Transactions(ctx, store.TransactionQuery{
		Wallet:    tx.Wallet,
		TokenMint: tx.TokenMint,
		To:        tx.Timestamp,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load prior transactions: %w", err)
	}

	amounts := make([]float64, 0, len(prior))
	for _, p := range prior {
		if p.Signature == tx.Signature || p.Amount == nil {
			continue
		}
		amounts = append(amounts, *p.Amount)
	}
	if len(amounts) < minZSamples {
		return 0, nil
	}

	var sum float64
	for _, v := range amounts {
		sum += v
	}
	mean := sum / float64(len(amounts))
	var sq float64
	for _, v := range amounts {
		sq += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(sq / float64(len(amounts)))
	if stddev == 0 {
		return 0, nil
	}

	z := math.Abs((*tx.Amount - mean) / stddev)
	if z <= zTrigger {
		return 0, nil
	}
	return math.Min(zCap, 10*z), nil
}

// frequency returns the contribution for transaction bursts in the hour
// ending at tx.Timestamp.
func (e *Engine) frequency(ctx context.Context, tx *model.Transaction) (float64, error) {
	count, err := e.store.CountTransactions(ctx, tx.Wallet, tx.Timestamp.Add(-freqWindow), tx.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent transactions: %w", err)
	}
	if count <= freqTrigger {
		return 0, nil
	}
	return math.Min(freqCap, float64(count)), nil
}

// Profile aggregates risk over the wallet's most recent transactions,
// persists the profile and returns it.
func (e *Engine) Profile(ctx context.Context, wallet string) (*model.RiskProfile, error) {
	txs, err := e.store.Transactions(ctx, store.TransactionQuery{
		Wallet: wallet,
		Limit:  profileWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction window: %w", err)
	}

	now := e.clock.Now()
	prof := &model.RiskProfile{Wallet: wallet, LastAssessment: now}

	anomalies, err := e.store.CountAnomalies(ctx, wallet, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to count anomalies: %w", err)
	}
	prof.AnomalyCount = anomalies

	if len(txs) > 0 {
		highRisk := 0
		for _, tx := range txs {
			a, err := e.ScoreTransaction(ctx, tx)
			if err != nil {
				return nil, err
			}
			if a.Score >= HighRiskThreshold {
				highRisk++
			}
			for _, f := range a.Factors {
				switch f {
				case FactorAmountZScore:
					prof.Factors.LargeTransfers = true
				case FactorHighFrequency:
					prof.Factors.HighFrequency = true
				case FactorDenylisted:
					prof.Factors.Denylisted = true
				}
			}
		}
		prof.HighRiskPct = 100 * float64(highRisk) / float64(len(txs))
		prof.Factors.RapidBalance = hasBurst(txs)

		anomalyPct := 100 * float64(anomalies) / float64(len(txs))
		if anomalyPct > 100 {
			anomalyPct = 100
		}
		prof.Score = 0.4*anomalyPct + 0.6*prof.HighRiskPct
	}

	if prof.Factors.Denylisted {
		prof.CounterpartyRisk = 100
	}
	if prof.Factors.LargeTransfers {
		prof.Score += penaltyLarge
	}
	if prof.Factors.HighFrequency {
		prof.Score += penaltyFrequency
	}
	if prof.Factors.Denylisted {
		prof.Score += penaltyDenylist
	}
	if prof.Score > 100 {
		prof.Score = 100
	}

	if err := e.store.SaveRiskProfile(ctx, prof); err != nil {
		return nil, fmt.Errorf("failed to save risk profile: %w", err)
	}
	e.logger.Debug("risk profile updated",
		zap.String("wallet", wallet),
		zap.Float64("score", prof.Score),
		zap.Int("anomalies", prof.AnomalyCount))
	return prof, nil
}

// hasBurst reports burstCount transactions inside one burstWindow.
func hasBurst(txs []*model.Transaction) bool {
	if len(txs) < burstCount {
		return false
	}
	times := make([]time.Time, len(txs))
	for i, tx := range txs {
		times[i] = tx.Timestamp
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := 0; i+burstCount-1 < len(times); i++ {
		if times[i+burstCount-1].Sub(times[i]) <= burstWindow {
			return true
		}
	}
	return false
}
