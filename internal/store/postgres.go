package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/walletmirror/walletmirror/internal/model"
)

//go:embed schema.sql
var schemaFS embed.FS

const (
	defaultMaxOpenConns = 10
	defaultMaxIdleConns = 5
	connMaxLifetime     = 5 * time.Minute
)

// Postgres implements Store on top of database/sql with the lib/pq driver.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgres opens the database, verifies connectivity and applies the
// embedded schema.
func NewPostgres(connStr string, logger *zap.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	p := &Postgres{db: db, logger: logger}
	if err := p.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) initializeSchema() error {
	p.logger.Info("initializing database schema")
	raw, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := p.db.Exec(string(raw)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func asPQError(err error, target **pq.Error) bool {
	for err != nil {
		if pe, ok := err.(*pq.Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// --- registrations ---

func (p *Postgres) CreateRegistration(ctx context.Context, reg *model.Registration) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_registrations
			(address, registered_at, state, privacy, label, agent_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))`,
		reg.Address, reg.RegisteredAt, reg.State, reg.Privacy, reg.Label, reg.AgentID)
	if isUniqueViolation(err) {
		return fmt.Errorf("registration %s: %w", reg.Address, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create registration: %w", err)
	}
	return nil
}

func (p *Postgres) CreateRegistrations(ctx context.Context, regs []*model.Registration) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, reg := range regs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_registrations
				(address, registered_at, state, privacy, label, agent_id)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))`,
			reg.Address, reg.RegisteredAt, reg.State, reg.Privacy, reg.Label, reg.AgentID); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("registration %s: %w", reg.Address, ErrAlreadyExists)
			}
			return fmt.Errorf("failed to create registration %s: %w", reg.Address, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit registrations: %w", err)
	}
	return nil
}

func (p *Postgres) GetRegistration(ctx context.Context, address string) (*model.Registration, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT address, registered_at, state, last_indexed_at, transaction_count,
		       privacy, COALESCE(label, ''), COALESCE(agent_id, ''), COALESCE(last_error, '')
		FROM wallet_registrations WHERE address = $1`, address)
	return scanRegistration(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*model.Registration, error) {
	var reg model.Registration
	var lastIndexed sql.NullTime
	err := row.Scan(&reg.Address, &reg.RegisteredAt, &reg.State, &lastIndexed,
		&reg.TransactionCount, &reg.Privacy, &reg.Label, &reg.AgentID, &reg.LastError)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan registration: %w", err)
	}
	if lastIndexed.Valid {
		reg.LastIndexedAt = lastIndexed.Time
	}
	return &reg, nil
}

func (p *Postgres) ListRegistrations(ctx context.Context, filter RegistrationFilter) ([]*model.Registration, error) {
	query := `
		SELECT address, registered_at, state, last_indexed_at, transaction_count,
		       privacy, COALESCE(label, ''), COALESCE(agent_id, ''), COALESCE(last_error, '')
		FROM wallet_registrations WHERE 1=1`
	var args []any
	if filter.State != nil {
		args = append(args, *filter.State)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if filter.Privacy != nil {
		args = append(args, *filter.Privacy)
		query += fmt.Sprintf(" AND privacy = $%d", len(args))
	}
	if filter.AgentID != nil {
		args = append(args, *filter.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	query += " ORDER BY registered_at ASC"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	defer rows.Close()

	var out []*model.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (p *Postgres) SetRegistrationState(ctx context.Context, address string, state model.IndexState, lastError string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE wallet_registrations
		SET state = $2, last_error = NULLIF($3, '')
		WHERE address = $1`, address, state, lastError)
	if err != nil {
		return fmt.Errorf("failed to update registration state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("registration %s: %w", address, ErrNotFound)
	}
	return nil
}

// --- transactions and balances ---

func (p *Postgres) CommitTransaction(ctx context.Context, t *model.Transaction, delta float64) (CommitResult, error) {
	var result CommitResult

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	metadata, err := nullableJSON(t.Metadata)
	if err != nil {
		return result, fmt.Errorf("failed to encode metadata: %w", err)
	}
	var encrypted any
	if t.Encrypted != "" {
		encrypted = t.Encrypted
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions
			(signature, wallet_address, ts, block_number, kind, amount,
			 token_mint, token_symbol, counterparty, fee, metadata, privacy, encrypted_blob)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12, $13)
		ON CONFLICT (signature) DO NOTHING`,
		t.Signature, t.Wallet, t.Timestamp, t.Block, t.Kind, t.Amount,
		t.TokenMint, t.TokenSymbol, t.Counterparty, t.Fee, metadata, t.Privacy, encrypted)
	if err != nil {
		return result, fmt.Errorf("failed to insert transaction: %w", err)
	}
	inserted, _ := res.RowsAffected()
	if inserted == 0 {
		// Duplicate signature: the whole unit is a no-op.
		return CommitResult{Inserted: false}, tx.Commit()
	}
	result.Inserted = true

	if delta != 0 {
		var prior float64
		err := tx.QueryRowContext(ctx, `
			SELECT amount FROM wallet_balances
			WHERE wallet_address = $1 AND token_mint = $2 FOR UPDATE`,
			t.Wallet, t.TokenMint).Scan(&prior)
		if err != nil && err != sql.ErrNoRows {
			return result, fmt.Errorf("failed to read balance: %w", err)
		}
		next := prior + delta
		if next < 0 {
			next = 0
			result.Clamped = true
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_balances (wallet_address, token_mint, amount, token_symbol, last_updated)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5)
			ON CONFLICT (wallet_address, token_mint) DO UPDATE
			SET amount = $3,
			    token_symbol = COALESCE(NULLIF($4, ''), wallet_balances.token_symbol),
			    last_updated = $5`,
			t.Wallet, t.TokenMint, next, t.TokenSymbol, t.Timestamp); err != nil {
			return result, fmt.Errorf("failed to upsert balance: %w", err)
		}
		result.Balance = next
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE wallet_registrations
		SET state = 'active',
		    last_indexed_at = GREATEST(COALESCE(last_indexed_at, 'epoch'::timestamptz), $2),
		    transaction_count = transaction_count + 1,
		    last_error = NULL
		WHERE address = $1`, t.Wallet, t.Timestamp); err != nil {
		return result, fmt.Errorf("failed to bump registration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit transaction unit: %w", err)
	}
	return result, nil
}

func nullableJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (p *Postgres) GetTransaction(ctx context.Context, signature string) (*model.Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT signature, wallet_address, ts, block_number, kind, amount,
		       token_mint, COALESCE(token_symbol, ''), counterparty, fee,
		       metadata, privacy, COALESCE(encrypted_blob::text, '')
		FROM wallet_transactions WHERE signature = $1`, signature)
	return scanTransaction(row)
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var t model.Transaction
	var metadata []byte
	err := row.Scan(&t.Signature, &t.Wallet, &t.Timestamp, &t.Block, &t.Kind,
		&t.Amount, &t.TokenMint, &t.TokenSymbol, &t.Counterparty, &t.Fee,
		&metadata, &t.Privacy, &t.Encrypted)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &t, nil
}

func (p *Postgres) Transactions(ctx context.Context, q TransactionQuery) ([]*model.Transaction, error) {
	query := `
		SELECT signature, wallet_address, ts, block_number, kind, amount,
		       token_mint, COALESCE(token_symbol, ''), counterparty, fee,
		       metadata, privacy, COALESCE(encrypted_blob::text, '')
		FROM wallet_transactions WHERE wallet_address = $1`
	args := []any{q.Wallet}
	if len(q.Kinds) > 0 {
		kinds := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kinds[i] = string(k)
		}
		args = append(args, pq.Array(kinds))
		query += fmt.Sprintf(" AND kind = ANY($%d)", len(args))
	}
	if q.TokenMint != "" {
		args = append(args, q.TokenMint)
		query += fmt.Sprintf(" AND token_mint = $%d", len(args))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	if q.Ascending {
		query += " ORDER BY ts ASC, signature ASC"
	} else {
		query += " ORDER BY ts DESC, signature DESC"
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []*model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) CountTransactions(ctx context.Context, wallet string, from, to time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM wallet_transactions
		WHERE wallet_address = $1 AND ts >= $2 AND ts <= $3`,
		wallet, from, to).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

func (p *Postgres) ListBalances(ctx context.Context, wallet string) ([]*model.Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT wallet_address, token_mint, amount, COALESCE(token_symbol, ''), usd_value, last_updated
		FROM wallet_balances WHERE wallet_address = $1 ORDER BY token_mint`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var out []*model.Balance
	for rows.Next() {
		var b model.Balance
		if err := rows.Scan(&b.Wallet, &b.TokenMint, &b.Amount, &b.TokenSymbol,
			&b.USDValue, &b.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (p *Postgres) SetBalanceValue(ctx context.Context, wallet, tokenMint string, usdValue float64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE wallet_balances SET usd_value = $3, last_updated = now()
		WHERE wallet_address = $1 AND token_mint = $2`,
		wallet, tokenMint, usdValue)
	if err != nil {
		return fmt.Errorf("failed to set balance value: %w", err)
	}
	return nil
}

// --- cost basis ---

func (p *Postgres) InsertLot(ctx context.Context, lot *model.Lot) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO cost_basis (wallet_address, token_mint, remaining, cost_per_token,
		                        total_cost, acquired_at, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		lot.Wallet, lot.TokenMint, lot.Remaining, lot.CostPerToken,
		lot.TotalCost, lot.AcquiredAt, lot.Signature).Scan(&lot.ID)
	if err != nil {
		return fmt.Errorf("failed to insert lot: %w", err)
	}
	return nil
}

func (p *Postgres) Lots(ctx context.Context, wallet, tokenMint string, asOf time.Time) ([]*model.Lot, error) {
	query := `
		SELECT id, wallet_address, token_mint, remaining, cost_per_token,
		       total_cost, acquired_at, signature
		FROM cost_basis
		WHERE wallet_address = $1 AND remaining > 0`
	args := []any{wallet}
	if tokenMint != "" {
		args = append(args, tokenMint)
		query += fmt.Sprintf(" AND token_mint = $%d", len(args))
	}
	if !asOf.IsZero() {
		args = append(args, asOf)
		query += fmt.Sprintf(" AND acquired_at <= $%d", len(args))
	}
	query += " ORDER BY acquired_at ASC, id ASC"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var out []*model.Lot
	for rows.Next() {
		var lot model.Lot
		if err := rows.Scan(&lot.ID, &lot.Wallet, &lot.TokenMint, &lot.Remaining,
			&lot.CostPerToken, &lot.TotalCost, &lot.AcquiredAt, &lot.Signature); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		out = append(out, &lot)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateLotRemaining(ctx context.Context, id int64, remaining float64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE cost_basis SET remaining = $2 WHERE id = $1`, id, remaining)
	if err != nil {
		return fmt.Errorf("failed to update lot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lot %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- pnl ---

func (p *Postgres) SavePnLSnapshot(ctx context.Context, snap *model.PnLSnapshot) error {
	byToken, err := json.Marshal(snap.ByToken)
	if err != nil {
		return fmt.Errorf("failed to encode per-token pnl: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO wallet_pnl (wallet_address, period, realized, unrealized, total,
		                        return_pct, fees_paid, by_token, stale, calculated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		snap.Wallet, snap.Period, snap.Realized, snap.Unrealized, snap.Total,
		snap.ReturnPct, snap.FeesPaid, byToken, snap.Stale, snap.CalculatedAt)
	if err != nil {
		return fmt.Errorf("failed to save pnl snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) LatestPnLSnapshot(ctx context.Context, wallet string, period model.Period) (*model.PnLSnapshot, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT wallet_address, period, realized, unrealized, total, return_pct,
		       fees_paid, by_token, stale, calculated_at
		FROM wallet_pnl
		WHERE wallet_address = $1 AND period = $2
		ORDER BY calculated_at DESC LIMIT 1`, wallet, period)

	var snap model.PnLSnapshot
	var byToken []byte
	err := row.Scan(&snap.Wallet, &snap.Period, &snap.Realized, &snap.Unrealized,
		&snap.Total, &snap.ReturnPct, &snap.FeesPaid, &byToken, &snap.Stale, &snap.CalculatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pnl snapshot: %w", err)
	}
	if len(byToken) > 0 {
		if err := json.Unmarshal(byToken, &snap.ByToken); err != nil {
			return nil, fmt.Errorf("failed to decode per-token pnl: %w", err)
		}
	}
	return &snap, nil
}

func (p *Postgres) InsertRealization(ctx context.Context, r *model.Realization) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO realized_events (signature, wallet_address, token_mint, realized, fees, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signature) DO NOTHING`,
		r.Signature, r.Wallet, r.TokenMint, r.Realized, r.Fees, r.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert realization: %w", err)
	}
	return nil
}

func (p *Postgres) Realizations(ctx context.Context, wallet string, from time.Time) ([]*model.Realization, error) {
	query := `
		SELECT signature, wallet_address, token_mint, realized, fees, ts
		FROM realized_events
		WHERE wallet_address = $1`
	args := []any{wallet}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	query += " ORDER BY ts ASC"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query realizations: %w", err)
	}
	defer rows.Close()

	var out []*model.Realization
	for rows.Next() {
		var r model.Realization
		if err := rows.Scan(&r.Signature, &r.Wallet, &r.TokenMint,
			&r.Realized, &r.Fees, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan realization: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- risk ---

func (p *Postgres) SaveAnomaly(ctx context.Context, a *model.Anomaly) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO anomalies (signature, wallet_address, kind, severity, score, description, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.Signature, a.Wallet, a.Kind, a.Severity, a.Score, a.Description, a.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save anomaly: %w", err)
	}
	return nil
}

func (p *Postgres) CountAnomalies(ctx context.Context, wallet string, from time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM anomalies
		WHERE wallet_address = $1 AND ts >= $2`,
		wallet, from).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count anomalies: %w", err)
	}
	return count, nil
}

func (p *Postgres) SaveRiskProfile(ctx context.Context, prof *model.RiskProfile) error {
	factors, err := json.Marshal(prof.Factors)
	if err != nil {
		return fmt.Errorf("failed to encode risk factors: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO risk_profiles (wallet_address, score, anomaly_count, high_risk_pct,
		                           counterparty_risk, factors, last_assessment)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (wallet_address) DO UPDATE
		SET score = $2, anomaly_count = $3, high_risk_pct = $4,
		    counterparty_risk = $5, factors = $6, last_assessment = $7`,
		prof.Wallet, prof.Score, prof.AnomalyCount, prof.HighRiskPct,
		prof.CounterpartyRisk, factors, prof.LastAssessment)
	if err != nil {
		return fmt.Errorf("failed to save risk profile: %w", err)
	}
	return nil
}

func (p *Postgres) GetRiskProfile(ctx context.Context, wallet string) (*model.RiskProfile, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT wallet_address, score, anomaly_count, high_risk_pct,
		       counterparty_risk, factors, last_assessment
		FROM risk_profiles WHERE wallet_address = $1`, wallet)

	var prof model.RiskProfile
	var factors []byte
	err := row.Scan(&prof.Wallet, &prof.Score, &prof.AnomalyCount, &prof.HighRiskPct,
		&prof.CounterpartyRisk, &factors, &prof.LastAssessment)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan risk profile: %w", err)
	}
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &prof.Factors); err != nil {
			return nil, fmt.Errorf("failed to decode risk factors: %w", err)
		}
	}
	return &prof, nil
}

func (p *Postgres) IsDenylisted(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM malicious_addresses WHERE address = $1)`, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check denylist: %w", err)
	}
	return exists, nil
}

func (p *Postgres) AddDenylisted(ctx context.Context, address, reason string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO malicious_addresses (address, reason)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (address) DO NOTHING`, address, reason)
	if err != nil {
		return fmt.Errorf("failed to add denylisted address: %w", err)
	}
	return nil
}

// --- generic queued writes ---

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validIdent(s string) bool { return identRe.MatchString(s) }

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Apply executes a generic write operation. Identifiers are validated
// against a strict pattern because they originate from queued payloads.
func (p *Postgres) Apply(ctx context.Context, op model.WriteOp) error {
	if !validIdent(op.Table) {
		return fmt.Errorf("invalid table name %q", op.Table)
	}
	for _, m := range []map[string]any{op.Data, op.Filter} {
		for k := range m {
			if !validIdent(k) {
				return fmt.Errorf("invalid column name %q", k)
			}
		}
	}

	switch op.Kind {
	case model.OpInsert, model.OpUpsert:
		cols := sortedKeys(op.Data)
		if len(cols) == 0 {
			return fmt.Errorf("write op %s has no data", op.ID)
		}
		placeholders := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, c := range cols {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = op.Data[c]
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			op.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if op.Kind == model.OpUpsert {
			conflict := sortedKeys(op.Filter)
			if len(conflict) == 0 {
				return fmt.Errorf("upsert op %s has no conflict columns", op.ID)
			}
			var sets []string
			for _, c := range cols {
				sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
			}
			query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
				strings.Join(conflict, ", "), strings.Join(sets, ", "))
		}
		_, err := p.db.ExecContext(ctx, query, args...)
		return err

	case model.OpUpdate:
		cols := sortedKeys(op.Data)
		filters := sortedKeys(op.Filter)
		if len(cols) == 0 || len(filters) == 0 {
			return fmt.Errorf("update op %s needs data and filter", op.ID)
		}
		var sets, wheres []string
		var args []any
		for _, c := range cols {
			args = append(args, op.Data[c])
			sets = append(sets, fmt.Sprintf("%s = $%d", c, len(args)))
		}
		for _, c := range filters {
			args = append(args, op.Filter[c])
			wheres = append(wheres, fmt.Sprintf("%s = $%d", c, len(args)))
		}
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
			op.Table, strings.Join(sets, ", "), strings.Join(wheres, " AND "))
		_, err := p.db.ExecContext(ctx, query, args...)
		return err

	case model.OpDelete:
		filters := sortedKeys(op.Filter)
		if len(filters) == 0 {
			return fmt.Errorf("delete op %s needs a filter", op.ID)
		}
		var wheres []string
		var args []any
		for _, c := range filters {
			args = append(args, op.Filter[c])
			wheres = append(wheres, fmt.Sprintf("%s = $%d", c, len(args)))
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE %s", op.Table, strings.Join(wheres, " AND "))
		_, err := p.db.ExecContext(ctx, query, args...)
		return err

	default:
		return fmt.Errorf("unknown write op kind %q", op.Kind)
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
