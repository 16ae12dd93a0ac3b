package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/walletmirror/walletmirror/internal/model"
	"github.com/walletmirror/walletmirror/internal/store"
)

// WarmSource is the slice of the store the warmer reads from.
type WarmSource interface {
	ListBalances(ctx context.Context, wallet string) ([]*model.Balance, error)
	Transactions(ctx context.Context, q store.TransactionQuery) ([]*model.Transaction, error)
	LatestPnLSnapshot(ctx context.Context, wallet string, period model.Period) (*model.PnLSnapshot, error)
}

// WarmResult summarizes one warming run.
type WarmResult struct {
	Success   int   `json:"success"`
	Errors    int   `json:"errors"`
	ElapsedMs int64 `json:"elapsedMs"`
}

// Warm preloads the canonical keys for each wallet: balances, the last 24h
// of transactions (newest first, capped at 100) and the latest PnL
// snapshot per period. Per-wallet failures are logged and counted; the run
// continues.
func (c *Cache) Warm(ctx context.Context, wallets []string, src WarmSource, now time.Time) WarmResult {
	start := time.Now()
	var result WarmResult

	for _, wallet := range wallets {
		if err := c.warmWallet(ctx, wallet, src, now); err != nil {
			c.logger.Warn("cache warm failed for wallet",
				zap.String("wallet", wallet),
				zap.Error(err))
			result.Errors++
			continue
		}
		result.Success++
	}

	elapsed := time.Since(start)
	result.ElapsedMs = elapsed.Milliseconds()
	c.logger.Info("cache warm complete",
		zap.Int("success", result.Success),
		zap.Int("errors", result.Errors),
		zap.Duration("elapsed", elapsed))
	return result
}

func (c *Cache) warmWallet(ctx context.Context, wallet string, src WarmSource, now time.Time) error {
	balances, err := src.ListBalances(ctx, wallet)
	if err != nil {
		return err
	}
	if err := c.setJSON(ctx, WalletKey(wallet, FamilyBalances, nil), balances); err != nil {
		return err
	}

	txs, err := src.Transactions(ctx, store.TransactionQuery{
		Wallet: wallet,
		From:   now.Add(-24 * time.Hour),
		Limit:  100,
	})
	if err != nil {
		return err
	}
	if err := c.setJSON(ctx, WalletKey(wallet, FamilyTransactions, nil), txs); err != nil {
		return err
	}

	for _, period := range model.Periods {
		snap, err := src.LatestPnLSnapshot(ctx, wallet, period)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := c.setJSON(ctx, PnLKey(wallet, string(period)), snap); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw, 0)
}
