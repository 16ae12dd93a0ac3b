package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/walletmirror/walletmirror/internal/clock"
	"github.com/walletmirror/walletmirror/internal/model"
	"github.com/walletmirror/walletmirror/internal/store"
)

const (
	testWallet = "RiskWallet11111111111111111111111111111111"
	testMint   = "MintRisk111111111111111111111111111111111"
)

// noon is outside the odd-hours window.
var noon = time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.CreateRegistration(context.Background(), &model.Registration{
		Address:      testWallet,
		RegisteredAt: noon.Add(-48 * time.Hour),
		State:        model.StateActive,
	}))
	return New(st, zap.NewNop(), &clock.Fixed{T: noon}), st
}

func commit(t *testing.T, st *store.Memory, sig string, ts time.Time, amount float64, counterparty string) *model.Transaction {
	t.Helper()
	tx := &model.Transaction{
		Signature: sig,
		Wallet:    testWallet,
		Timestamp: ts,
		Kind:      model.KindTransfer,
		Amount:    &amount,
		TokenMint: testMint,
	}
	if counterparty != "" {
		tx.Counterparty = &counterparty
	}
	_, err := st.CommitTransaction(context.Background(), tx, amount)
	require.NoError(t, err)
	return tx
}

func TestScoreCleanTransactionIsZero(t *testing.T) {
	e, st := newEngine(t)
	tx := commit(t, st, "sig-clean", noon, 5, "")

	a, err := e.ScoreTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Zero(t, a.Score)
	assert.Empty(t, a.Factors)
}

func TestScoreOddHours(t *testing.T) {
	e, st := newEngine(t)
	night := time.Date(2026, 1, 2, 3, 30, 0, 0, time.UTC)
	tx := commit(t, st, "sig-night", night, 5, "")

	a, err := e.ScoreTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, a.Score)
	assert.Equal(t, []string{FactorOddHours}, a.Factors)
}

func TestScoreDenylistedCounterparty(t *testing.T) {
	e, st := newEngine(t)
	require.NoError(t, st.AddDenylisted(context.Background(), "EvilCpty", "drainer"))
	tx := commit(t, st, "sig-evil", noon, 5, "EvilCpty")

	a, err := e.ScoreTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 50.0, a.Score)
	assert.Contains(t, a.Factors, FactorDenylisted)
}

func TestScoreAmountZScore(t *testing.T) {
	e, st := newEngine(t)
	// Ten prior samples, mean 10, stddev 1.
	for i := 0; i < 5; i++ {
		commit(t, st, fmt.Sprintf("sig-lo-%d", i), noon.Add(-time.Duration(i+1)*2*time.Hour), 9, "")
		commit(t, st, fmt.Sprintf("sig-hi-%d", i), noon.Add(-time.Duration(i+1)*3*time.Hour), 11, "")
	}

	// z = 3.5 contributes 10·z = 35.
	tx := commit(t, st, "sig-outlier", noon, 13.5, "")
	a, err := e.ScoreTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.InDelta(t, 35.0, a.Score, 1e-9)
	assert.Equal(t, []string{FactorAmountZScore}, a.Factors)

	// z = 10 is capped at 40.
	big := commit(t, st, "sig-huge", noon.Add(time.Minute), 20, "")
	a, err = e.ScoreTransaction(context.Background(), big)
	require.NoError(t, err)
	assert.InDelta(t, 40.0, a.Score, 1e-9)
}

func TestScoreZScoreNeedsTenSamples(t *testing.T) {
	e, st := newEngine(t)
	for i := 0; i < 9; i++ {
		commit(t, st, fmt.Sprintf("sig-%d", i), noon.Add(-time.Duration(i+1)*2*time.Hour), 10, "")
	}
	tx := commit(t, st, "sig-outlier", noon, 1000, "")

	a, err := e.ScoreTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Zero(t, a.Score, "nine prior samples must not trigger the z-score")
}

func TestScoreFrequencyBurst(t *testing.T) {
	e, st := newEngine(t)
	for i := 0; i < 25; i++ {
		commit(t, st, fmt.Sprintf("sig-burst-%d", i), noon.Add(-time.Duration(i)*time.Minute), 1, "")
	}
	tx := commit(t, st, "sig-26", noon, 1, "")

	a, err := e.ScoreTransaction(context.Background(), tx)
	require.NoError(t, err)
	// 26 transactions inside the hour, below the cap of 30.
	assert.Equal(t, 26.0, a.Score)
	assert.Contains(t, a.Factors, FactorHighFrequency)
}

func TestScoreClampedAtHundred(t *testing.T) {
	e, st := newEngine(t)
	require.NoError(t, st.AddDenylisted(context.Background(), "EvilCpty", "drainer"))
	night := time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		commit(t, st, fmt.Sprintf("sig-%d", i), night.Add(-time.Duration(i)*time.Minute), 10, "")
	}
	tx := commit(t, st, "sig-all", night, 1000, "EvilCpty")

	a, err := e.ScoreTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, a.Score)
}

func TestPrivacyRowSkipsAmountAndCounterparty(t *testing.T) {
	e, st := newEngine(t)
	tx := &model.Transaction{
		Signature: "sig-priv",
		Wallet:    testWallet,
		Timestamp: noon,
		Kind:      model.KindTransfer,
		TokenMint: testMint,
		Privacy:   true,
	}
	_, err := st.CommitTransaction(context.Background(), tx, 0)
	require.NoError(t, err)

	a, err := e.ScoreTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Zero(t, a.Score)
}

func TestProfileAggregates(t *testing.T) {
	e, st := newEngine(t)
	ctx := context.Background()
	require.NoError(t, st.AddDenylisted(ctx, "EvilCpty", "drainer"))

	commit(t, st, "sig-1", noon.Add(-10*time.Hour), 5, "")
	commit(t, st, "sig-2", noon.Add(-8*time.Hour), 5, "")
	commit(t, st, "sig-3", noon.Add(-6*time.Hour), 5, "")
	commit(t, st, "sig-4", noon.Add(-4*time.Hour), 5, "EvilCpty")

	require.NoError(t, st.SaveAnomaly(ctx, &model.Anomaly{
		Signature: "sig-4",
		Wallet:    testWallet,
		Kind:      string(model.KindTransfer),
		Severity:  model.SeverityHigh,
		Score:     75,
		Timestamp: noon.Add(-4 * time.Hour),
	}))

	prof, err := e.Profile(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, 1, prof.AnomalyCount)
	assert.Zero(t, prof.HighRiskPct, "a lone denylist hit scores 50, below high-risk")
	assert.Equal(t, 100.0, prof.CounterpartyRisk)
	assert.True(t, prof.Factors.Denylisted)
	assert.False(t, prof.Factors.RapidBalance)
	// 0.4 · 25% anomaly ratio + denylist penalty.
	assert.InDelta(t, 0.4*25+25, prof.Score, 1e-9)

	stored, err := st.GetRiskProfile(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, prof.Score, stored.Score)
}

func TestHasBurst(t *testing.T) {
	base := noon
	mk := func(offsets ...time.Duration) []*model.Transaction {
		out := make([]*model.Transaction, len(offsets))
		for i, off := range offsets {
			out[i] = &model.Transaction{Timestamp: base.Add(off)}
		}
		return out
	}

	assert.False(t, hasBurst(mk(0, time.Hour, 2*time.Hour, 3*time.Hour)))
	assert.True(t, hasBurst(mk(0, time.Minute, 2*time.Minute, 3*time.Minute, 4*time.Minute)))
	assert.False(t, hasBurst(mk(0, 2*time.Minute, 4*time.Minute, 6*time.Minute, 8*time.Minute)))
}
