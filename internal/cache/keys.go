package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Key families under wallet:{addr}:.
const (
	FamilyBalances     = "balances"
	FamilyTransactions = "transactions"
	FamilyPnL          = "pnl"
	FamilyRisk         = "risk"
	FamilyPortfolio    = "portfolio"
	FamilyCurrent      = "current"
	FamilyHistory      = "history"
)

// WalletKey derives `wallet:{addr}:{family}[:sha256(sorted-json(params))]`.
// Parameter maps that differ only in key order derive the same key.
func WalletKey(address, family string, params map[string]any) string {
	base := fmt.Sprintf("wallet:%s:%s", address, family)
	if len(params) == 0 {
		return base
	}
	return base + ":" + paramsHash(params)
}

// MarketKey derives `market:{addr}:{family}[:hash]`.
func MarketKey(address, family string, params map[string]any) string {
	base := fmt.Sprintf("market:%s:%s", address, family)
	if len(params) == 0 {
		return base
	}
	return base + ":" + paramsHash(params)
}

// PnLKey is the canonical key for one wallet+period snapshot.
func PnLKey(address, period string) string {
	return fmt.Sprintf("wallet:%s:%s:%s", address, FamilyPnL, period)
}

// paramsHash is SHA-256 over the JSON of the map with keys sorted
// lexicographically.
func paramsHash(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kj, _ := json.Marshal(k)
		vj, _ := json.Marshal(params[k])
		buf = append(buf, kj...)
		buf = append(buf, ':')
		buf = append(buf, vj...)
	}
	buf = append(buf, '}')

	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
