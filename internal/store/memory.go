package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/walletmirror/walletmirror/internal/model"
)

// Memory is an in-process Store used by tests and local tooling. It honors
// the same invariants as Postgres: idempotent transaction inserts, clamped
// balances, cascade-free pause semantics.
type Memory struct {
	mu sync.Mutex

	regs      map[string]*model.Registration
	txs       map[string]*model.Transaction
	txOrder   []string
	balances  map[string]*model.Balance // key wallet|mint
	lots      []*model.Lot
	nextLotID int64
	pnl       []*model.PnLSnapshot
	realized  []*model.Realization
	anomalies []*model.Anomaly
	profiles  map[string]*model.RiskProfile
	denylist  map[string]bool

	// Applied journals every WriteOp accepted by Apply, in order.
	Applied []model.WriteOp

	forcedErr error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		regs:     make(map[string]*model.Registration),
		txs:      make(map[string]*model.Transaction),
		balances: make(map[string]*model.Balance),
		profiles: make(map[string]*model.RiskProfile),
		denylist: make(map[string]bool),
	}
}

// SetErr forces every subsequent operation to fail with err until cleared
// with SetErr(nil). Test hook for degraded-mode behavior.
func (m *Memory) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forcedErr = err
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.forcedErr
}

func balanceKey(wallet, mint string) string { return wallet + "|" + mint }

func cloneReg(r *model.Registration) *model.Registration { c := *r; return &c }

func cloneTx(t *model.Transaction) *model.Transaction {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (m *Memory) CreateRegistration(ctx context.Context, reg *model.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.regs[reg.Address]; ok {
		return fmt.Errorf("registration %s: %w", reg.Address, ErrAlreadyExists)
	}
	m.regs[reg.Address] = cloneReg(reg)
	return nil
}

func (m *Memory) CreateRegistrations(ctx context.Context, regs []*model.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	for _, reg := range regs {
		if _, ok := m.regs[reg.Address]; ok {
			return fmt.Errorf("registration %s: %w", reg.Address, ErrAlreadyExists)
		}
	}
	for _, reg := range regs {
		m.regs[reg.Address] = cloneReg(reg)
	}
	return nil
}

func (m *Memory) GetRegistration(ctx context.Context, address string) (*model.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	reg, ok := m.regs[address]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneReg(reg), nil
}

func (m *Memory) ListRegistrations(ctx context.Context, filter RegistrationFilter) ([]*model.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []*model.Registration
	for _, reg := range m.regs {
		if filter.State != nil && reg.State != *filter.State {
			continue
		}
		if filter.Privacy != nil && reg.Privacy != *filter.Privacy {
			continue
		}
		if filter.AgentID != nil && reg.AgentID != *filter.AgentID {
			continue
		}
		out = append(out, cloneReg(reg))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].Address < out[j].Address
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out, nil
}

func (m *Memory) SetRegistrationState(ctx context.Context, address string, state model.IndexState, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	reg, ok := m.regs[address]
	if !ok {
		return fmt.Errorf("registration %s: %w", address, ErrNotFound)
	}
	reg.State = state
	reg.LastError = lastError
	return nil
}

func (m *Memory) CommitTransaction(ctx context.Context, t *model.Transaction, delta float64) (CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return CommitResult{}, err
	}
	reg, ok := m.regs[t.Wallet]
	if !ok {
		return CommitResult{}, fmt.Errorf("registration %s: %w", t.Wallet, ErrNotFound)
	}
	if _, dup := m.txs[t.Signature]; dup {
		return CommitResult{Inserted: false}, nil
	}

	m.txs[t.Signature] = cloneTx(t)
	m.txOrder = append(m.txOrder, t.Signature)

	result := CommitResult{Inserted: true}
	if delta != 0 {
		key := balanceKey(t.Wallet, t.TokenMint)
		bal, ok := m.balances[key]
		if !ok {
			bal = &model.Balance{Wallet: t.Wallet, TokenMint: t.TokenMint}
			m.balances[key] = bal
		}
		next := bal.Amount + delta
		if next < 0 {
			next = 0
			result.Clamped = true
		}
		bal.Amount = next
		if t.TokenSymbol != "" {
			bal.TokenSymbol = t.TokenSymbol
		}
		bal.LastUpdated = t.Timestamp
		result.Balance = next
	}

	reg.State = model.StateActive
	if t.Timestamp.After(reg.LastIndexedAt) {
		reg.LastIndexedAt = t.Timestamp
	}
	reg.TransactionCount++
	reg.LastError = ""
	return result, nil
}

func (m *Memory) GetTransaction(ctx context.Context, signature string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	t, ok := m.txs[signature]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTx(t), nil
}

func (m *Memory) Transactions(ctx context.Context, q TransactionQuery) ([]*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []*model.Transaction
	for _, sig := range m.txOrder {
		t := m.txs[sig]
		if t.Wallet != q.Wallet {
			continue
		}
		if q.TokenMint != "" && t.TokenMint != q.TokenMint {
			continue
		}
		if len(q.Kinds) > 0 {
			match := false
			for _, k := range q.Kinds {
				if t.Kind == k {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if !q.From.IsZero() && t.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && t.Timestamp.After(q.To) {
			continue
		}
		out = append(out, cloneTx(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			if q.Ascending {
				return out[i].Signature < out[j].Signature
			}
			return out[i].Signature > out[j].Signature
		}
		if q.Ascending {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) CountTransactions(ctx context.Context, wallet string, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	count := 0
	for _, t := range m.txs {
		if t.Wallet != wallet {
			continue
		}
		if t.Timestamp.Before(from) || t.Timestamp.After(to) {
			continue
		}
		count++
	}
	return count, nil
}

func (m *Memory) ListBalances(ctx context.Context, wallet string) ([]*model.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []*model.Balance
	for _, b := range m.balances {
		if b.Wallet == wallet {
			c := *b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenMint < out[j].TokenMint })
	return out, nil
}

func (m *Memory) SetBalanceValue(ctx context.Context, wallet, tokenMint string, usdValue float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if b, ok := m.balances[balanceKey(wallet, tokenMint)]; ok {
		b.USDValue = usdValue
		b.LastUpdated = time.Now()
	}
	return nil
}

func (m *Memory) InsertLot(ctx context.Context, lot *model.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.nextLotID++
	lot.ID = m.nextLotID
	c := *lot
	m.lots = append(m.lots, &c)
	return nil
}

func (m *Memory) Lots(ctx context.Context, wallet, tokenMint string, asOf time.Time) ([]*model.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []*model.Lot
	for _, lot := range m.lots {
		if lot.Wallet != wallet || lot.Remaining <= 0 {
			continue
		}
		if tokenMint != "" && lot.TokenMint != tokenMint {
			continue
		}
		if !asOf.IsZero() && lot.AcquiredAt.After(asOf) {
			continue
		}
		c := *lot
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out, nil
}

func (m *Memory) UpdateLotRemaining(ctx context.Context, id int64, remaining float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	for _, lot := range m.lots {
		if lot.ID == id {
			lot.Remaining = remaining
			return nil
		}
	}
	return fmt.Errorf("lot %d: %w", id, ErrNotFound)
}

func (m *Memory) SavePnLSnapshot(ctx context.Context, snap *model.PnLSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	c := *snap
	m.pnl = append(m.pnl, &c)
	return nil
}

func (m *Memory) LatestPnLSnapshot(ctx context.Context, wallet string, period model.Period) (*model.PnLSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var latest *model.PnLSnapshot
	for _, snap := range m.pnl {
		if snap.Wallet != wallet || snap.Period != period {
			continue
		}
		if latest == nil || snap.CalculatedAt.After(latest.CalculatedAt) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	c := *latest
	return &c, nil
}

func (m *Memory) InsertRealization(ctx context.Context, r *model.Realization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	for _, prev := range m.realized {
		if prev.Signature == r.Signature {
			return nil
		}
	}
	c := *r
	m.realized = append(m.realized, &c)
	return nil
}

func (m *Memory) Realizations(ctx context.Context, wallet string, from time.Time) ([]*model.Realization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []*model.Realization
	for _, r := range m.realized {
		if r.Wallet != wallet {
			continue
		}
		if !from.IsZero() && r.Timestamp.Before(from) {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) SaveAnomaly(ctx context.Context, a *model.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	c := *a
	m.anomalies = append(m.anomalies, &c)
	return nil
}

func (m *Memory) CountAnomalies(ctx context.Context, wallet string, from time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	count := 0
	for _, a := range m.anomalies {
		if a.Wallet == wallet && !a.Timestamp.Before(from) {
			count++
		}
	}
	return count, nil
}

// AnomaliesFor lists recorded anomalies for a wallet. Test helper.
func (m *Memory) AnomaliesFor(wallet string) []*model.Anomaly {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Anomaly
	for _, a := range m.anomalies {
		if a.Wallet == wallet {
			c := *a
			out = append(out, &c)
		}
	}
	return out
}

func (m *Memory) SaveRiskProfile(ctx context.Context, p *model.RiskProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	c := *p
	m.profiles[p.Wallet] = &c
	return nil
}

func (m *Memory) GetRiskProfile(ctx context.Context, wallet string) (*model.RiskProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	p, ok := m.profiles[wallet]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *Memory) IsDenylisted(ctx context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	return m.denylist[address], nil
}

func (m *Memory) AddDenylisted(ctx context.Context, address, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.denylist[address] = true
	return nil
}

func (m *Memory) Apply(ctx context.Context, op model.WriteOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.Applied = append(m.Applied, op)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(ctx)
}

func (m *Memory) Close() error { return nil }
