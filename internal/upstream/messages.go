package upstream

import (
	"encoding/json"
	"fmt"

	"github.com/walletmirror/walletmirror/internal/model"
)

// frame is the JSON envelope on the upstream wire, both directions.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// walletRef is the payload of subscribe/unsubscribe frames.
type walletRef struct {
	Wallet string `json:"wallet"`
}

// Transaction is one validated inbound transaction frame. Timestamp is
// unix seconds as sent by the indexer.
type Transaction struct {
	Signature     string         `json:"signature"`
	WalletAddress string         `json:"walletAddress"`
	Timestamp     float64        `json:"timestamp"`
	Kind          model.TxKind   `json:"type"`
	Amount        float64        `json:"amount"`
	TokenMint     string         `json:"tokenMint"`
	Metadata      map[string]any `json:"metadata"`
}

// parseTransaction validates an inbound transaction payload. Malformed
// payloads produce a per-message error; the connection is untouched.
func parseTransaction(data json.RawMessage) (*Transaction, error) {
	var raw struct {
		Signature     string         `json:"signature"`
		WalletAddress string         `json:"walletAddress"`
		Timestamp     *float64       `json:"timestamp"`
		Kind          string         `json:"type"`
		Amount        *float64       `json:"amount"`
		TokenMint     string         `json:"tokenMint"`
		Metadata      map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed transaction frame: %w", err)
	}
	if raw.Signature == "" {
		return nil, fmt.Errorf("transaction frame missing signature")
	}
	if raw.WalletAddress == "" {
		return nil, fmt.Errorf("transaction frame missing walletAddress")
	}
	if raw.Timestamp == nil {
		return nil, fmt.Errorf("transaction frame missing timestamp")
	}
	if !model.ValidKind(model.TxKind(raw.Kind)) {
		return nil, fmt.Errorf("transaction frame has unknown kind %q", raw.Kind)
	}
	if raw.Amount == nil {
		return nil, fmt.Errorf("transaction frame missing amount")
	}
	if raw.TokenMint == "" {
		return nil, fmt.Errorf("transaction frame missing tokenMint")
	}
	if raw.Metadata == nil {
		raw.Metadata = map[string]any{}
	}
	return &Transaction{
		Signature:     raw.Signature,
		WalletAddress: raw.WalletAddress,
		Timestamp:     *raw.Timestamp,
		Kind:          model.TxKind(raw.Kind),
		Amount:        *raw.Amount,
		TokenMint:     raw.TokenMint,
		Metadata:      raw.Metadata,
	}, nil
}
