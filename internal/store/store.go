// Package store persists the wallet memory layer: registrations,
// transactions, balances, cost-basis lots, PnL snapshots, risk data and the
// denylist. Postgres is the production backend; Memory backs tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/walletmirror/walletmirror/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a unique constraint would be
	// violated, e.g. registering a wallet twice.
	ErrAlreadyExists = errors.New("already exists")
)

// RegistrationFilter narrows ListRegistrations. Nil fields match anything.
type RegistrationFilter struct {
	State   *model.IndexState
	Privacy *bool
	AgentID *string
}

// TransactionQuery selects transactions for one wallet. Zero times and
// empty fields are ignored. Limit 0 means no cap.
type TransactionQuery struct {
	Wallet    string
	Kinds     []model.TxKind
	TokenMint string
	From      time.Time
	To        time.Time
	Ascending bool
	Limit     int
}

// CommitResult reports the outcome of the atomic (transaction, balance,
// registration) unit.
type CommitResult struct {
	// Inserted is false when the signature already existed; in that case
	// nothing else changed (dedup is a full no-op).
	Inserted bool
	// Balance is the post-commit balance for the transaction's token.
	Balance float64
	// Clamped is set when the computed balance would have gone negative
	// and was floored at zero.
	Clamped bool
}

// Store is the persistence contract shared by the Postgres and in-memory
// backends. Every method honors ctx cancellation.
type Store interface {
	// Registrations.
	CreateRegistration(ctx context.Context, reg *model.Registration) error
	// CreateRegistrations is all-or-nothing: any duplicate aborts the
	// whole batch before a single row is written.
	CreateRegistrations(ctx context.Context, regs []*model.Registration) error
	GetRegistration(ctx context.Context, address string) (*model.Registration, error)
	ListRegistrations(ctx context.Context, filter RegistrationFilter) ([]*model.Registration, error)
	SetRegistrationState(ctx context.Context, address string, state model.IndexState, lastError string) error

	// Transactions and balances. CommitTransaction executes the insert,
	// the balance upsert and the registration bump inside one SQL
	// transaction; the insert is idempotent on signature.
	CommitTransaction(ctx context.Context, tx *model.Transaction, delta float64) (CommitResult, error)
	GetTransaction(ctx context.Context, signature string) (*model.Transaction, error)
	Transactions(ctx context.Context, q TransactionQuery) ([]*model.Transaction, error)
	CountTransactions(ctx context.Context, wallet string, from, to time.Time) (int, error)
	ListBalances(ctx context.Context, wallet string) ([]*model.Balance, error)
	SetBalanceValue(ctx context.Context, wallet, tokenMint string, usdValue float64) error

	// Cost-basis lots, FIFO by acquired-at.
	InsertLot(ctx context.Context, lot *model.Lot) error
	// Lots returns unconsumed lots (remaining > 0) for the pair acquired
	// at or before asOf, ordered by acquired-at ascending.
	Lots(ctx context.Context, wallet, tokenMint string, asOf time.Time) ([]*model.Lot, error)
	UpdateLotRemaining(ctx context.Context, id int64, remaining float64) error

	// PnL snapshots.
	SavePnLSnapshot(ctx context.Context, snap *model.PnLSnapshot) error
	LatestPnLSnapshot(ctx context.Context, wallet string, period model.Period) (*model.PnLSnapshot, error)

	// Realized-PnL events, one per consumed sale. InsertRealization is
	// idempotent on signature. Realizations returns entries at or after
	// from, oldest first; a zero from returns everything.
	InsertRealization(ctx context.Context, r *model.Realization) error
	Realizations(ctx context.Context, wallet string, from time.Time) ([]*model.Realization, error)

	// Risk.
	SaveAnomaly(ctx context.Context, a *model.Anomaly) error
	// CountAnomalies counts recorded anomalies for a wallet since from.
	// A zero from counts everything.
	CountAnomalies(ctx context.Context, wallet string, from time.Time) (int, error)
	SaveRiskProfile(ctx context.Context, p *model.RiskProfile) error
	GetRiskProfile(ctx context.Context, wallet string) (*model.RiskProfile, error)
	IsDenylisted(ctx context.Context, address string) (bool, error)
	AddDenylisted(ctx context.Context, address, reason string) error

	// Apply executes a generic queued write. Upserts use the Filter keys
	// as the conflict target.
	Apply(ctx context.Context, op model.WriteOp) error

	Ping(ctx context.Context) error
	Close() error
}
