// Package registry owns the wallet lifecycle: validated registration,
// pausing, listing, bulk and automatic registration. Unregistration never
// deletes history; it parks the wallet in the paused state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/walletmirror/walletmirror/internal/clock"
	"github.com/walletmirror/walletmirror/internal/model"
	"github.com/walletmirror/walletmirror/internal/store"
)

// ErrInvalidAddress is returned for addresses that are not plausible
// base58 wallet addresses.
var ErrInvalidAddress = errors.New("invalid wallet address")

// Subscriber is the upstream side of registration. Subscribe failures are
// logged, never fatal: the wallet is registered either way and
// ResubscribeActive re-issues the subscription when the stream comes up.
type Subscriber interface {
	Subscribe(addr string) error
	Unsubscribe(addr string) error
}

// Backfiller ingests a wallet's history after registration. Invoked
// asynchronously; failures surface through its own error handling.
type Backfiller interface {
	Backfill(ctx context.Context, wallet string)
}

// Warmer pre-populates the cache for a set of wallets.
type Warmer interface {
	Warm(ctx context.Context, wallets []string) error
}

// Params carries the caller-supplied registration fields.
type Params struct {
	Address string
	Privacy bool
	Label   string
	AgentID string
}

// Registry coordinates the store, the upstream subscription set and the
// backfill path.
type Registry struct {
	store      store.Store
	subscriber Subscriber
	backfiller Backfiller
	logger     *zap.Logger
	clock      clock.Clock

	// autoWallets is the configured auto-registration list.
	autoWallets []string
}

// New wires a registry. subscriber and backfiller may be nil in tests.
func New(st store.Store, sub Subscriber, bf Backfiller, autoWallets []string, logger *zap.Logger, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.System{}
	}
	return &Registry{
		store:       st,
		subscriber:  sub,
		backfiller:  bf,
		logger:      logger,
		clock:       clk,
		autoWallets: autoWallets,
	}
}

// ValidateAddress checks base58 shape: length 32 to 44 and only the
// base58 alphabet (no 0, O, I or l).
func ValidateAddress(addr string) error {
	if len(addr) < 32 || len(addr) > 44 {
		return fmt.Errorf("%w: length %d outside [32,44]", ErrInvalidAddress, len(addr))
	}
	for _, r := range addr {
		if !isBase58(r) {
			return fmt.Errorf("%w: character %q", ErrInvalidAddress, r)
		}
	}
	return nil
}

func isBase58(r rune) bool {
	switch {
	case r >= '1' && r <= '9':
		return true
	case r >= 'A' && r <= 'Z':
		return r != 'I' && r != 'O'
	case r >= 'a' && r <= 'z':
		return r != 'l'
	}
	return false
}

// Register creates a pending registration, best-effort subscribes
// upstream and kicks off the asynchronous backfill. Fails with
// store.ErrAlreadyExists for a known wallet.
func (r *Registry) Register(ctx context.Context, p Params) (*model.Registration, error) {
	if err := ValidateAddress(p.Address); err != nil {
		return nil, err
	}
	reg := &model.Registration{
		Address:      p.Address,
		RegisteredAt: r.clock.Now(),
		State:        model.StatePending,
		Privacy:      p.Privacy,
		Label:        p.Label,
		AgentID:      p.AgentID,
	}
	if err := r.store.CreateRegistration(ctx, reg); err != nil {
		return nil, fmt.Errorf("failed to create registration: %w", err)
	}

	if r.subscriber != nil {
		if err := r.subscriber.Subscribe(p.Address); err != nil {
			r.logger.Warn("upstream subscribe failed, will be re-issued on stream up",
				zap.String("wallet", p.Address),
				zap.Error(err))
		}
	}
	if r.backfiller != nil {
		go r.backfiller.Backfill(context.Background(), p.Address)
	}

	r.logger.Info("wallet registered",
		zap.String("wallet", p.Address),
		zap.Bool("privacy", p.Privacy))
	return reg, nil
}

// Unregister pauses a wallet. History is preserved; only the state
// changes. Fails with store.ErrNotFound for an unknown wallet.
func (r *Registry) Unregister(ctx context.Context, addr string) error {
	if _, err := r.store.GetRegistration(ctx, addr); err != nil {
		return err
	}
	if r.subscriber != nil {
		if err := r.subscriber.Unsubscribe(addr); err != nil {
			r.logger.Warn("upstream unsubscribe failed",
				zap.String("wallet", addr),
				zap.Error(err))
		}
	}
	if err := r.store.SetRegistrationState(ctx, addr, model.StatePaused, ""); err != nil {
		return fmt.Errorf("failed to pause registration: %w", err)
	}
	r.logger.Info("wallet unregistered", zap.String("wallet", addr))
	return nil
}

// Get returns one registration.
func (r *Registry) Get(ctx context.Context, addr string) (*model.Registration, error) {
	return r.store.GetRegistration(ctx, addr)
}

// List returns registrations matching the filter.
func (r *Registry) List(ctx context.Context, filter store.RegistrationFilter) ([]*model.Registration, error) {
	return r.store.ListRegistrations(ctx, filter)
}

// RegisterBulk registers every address or none. Invalid addresses,
// in-batch duplicates and already-registered wallets all abort before a
// single row is written.
func (r *Registry) RegisterBulk(ctx context.Context, params []Params) ([]*model.Registration, error) {
	seen := make(map[string]bool, len(params))
	now := r.clock.Now()
	regs := make([]*model.Registration, 0, len(params))
	for _, p := range params {
		if err := ValidateAddress(p.Address); err != nil {
			return nil, err
		}
		if seen[p.Address] {
			return nil, fmt.Errorf("duplicate address in batch: %s", p.Address)
		}
		seen[p.Address] = true
		regs = append(regs, &model.Registration{
			Address:      p.Address,
			RegisteredAt: now,
			State:        model.StatePending,
			Privacy:      p.Privacy,
			Label:        p.Label,
			AgentID:      p.AgentID,
		})
	}

	if err := r.store.CreateRegistrations(ctx, regs); err != nil {
		return nil, fmt.Errorf("bulk registration aborted: %w", err)
	}

	for _, reg := range regs {
		if r.subscriber != nil {
			if err := r.subscriber.Subscribe(reg.Address); err != nil {
				r.logger.Warn("upstream subscribe failed",
					zap.String("wallet", reg.Address),
					zap.Error(err))
			}
		}
		if r.backfiller != nil {
			go r.backfiller.Backfill(context.Background(), reg.Address)
		}
	}
	r.logger.Info("bulk registration complete", zap.Int("count", len(regs)))
	return regs, nil
}

// ResubscribeActive re-issues upstream subscriptions for every wallet
// still subject to ingestion (everything but paused). Run whenever the
// stream comes up, so wallets registered while it was down, and wallets
// registered before a restart, are picked up again. Returns the number of
// subscriptions issued.
func (r *Registry) ResubscribeActive(ctx context.Context) int {
	if r.subscriber == nil {
		return 0
	}
	regs, err := r.store.ListRegistrations(ctx, store.RegistrationFilter{})
	if err != nil {
		r.logger.Warn("resubscribe failed to list registrations", zap.Error(err))
		return 0
	}
	subscribed := 0
	for _, reg := range regs {
		if reg.State == model.StatePaused {
			continue
		}
		if err := r.subscriber.Subscribe(reg.Address); err != nil {
			r.logger.Warn("resubscribe failed",
				zap.String("wallet", reg.Address),
				zap.Error(err))
			continue
		}
		subscribed++
	}
	if subscribed > 0 {
		r.logger.Info("resubscribed registered wallets", zap.Int("wallets", subscribed))
	}
	return subscribed
}

// AutoRegister registers every configured wallet not already present and
// returns the number of new registrations. Per-address failures are
// logged; the batch never aborts.
func (r *Registry) AutoRegister(ctx context.Context) int {
	registered := 0
	for _, addr := range r.autoWallets {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, err := r.store.GetRegistration(ctx, addr); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("auto-register lookup failed",
				zap.String("wallet", addr),
				zap.Error(err))
			continue
		}
		if _, err := r.Register(ctx, Params{Address: addr, Label: "auto-registered"}); err != nil {
			r.logger.Warn("auto-register failed",
				zap.String("wallet", addr),
				zap.Error(err))
			continue
		}
		registered++
	}
	if registered > 0 {
		r.logger.Info("auto-registration complete", zap.Int("registered", registered))
	}
	return registered
}

// AutoRegisterAndWarm runs AutoRegister, then warms the cache for the
// whole configured set, previously registered wallets included.
func (r *Registry) AutoRegisterAndWarm(ctx context.Context, warmer Warmer) int {
	registered := r.AutoRegister(ctx)
	if warmer == nil || len(r.autoWallets) == 0 {
		return registered
	}
	wallets := make([]string, 0, len(r.autoWallets))
	for _, addr := range r.autoWallets {
		if addr = strings.TrimSpace(addr); addr != "" {
			wallets = append(wallets, addr)
		}
	}
	start := time.Now()
	if err := warmer.Warm(ctx, wallets); err != nil {
		r.logger.Warn("cache warm after auto-register failed", zap.Error(err))
	} else {
		r.logger.Info("cache warmed",
			zap.Int("wallets", len(wallets)),
			zap.Duration("elapsed", time.Since(start)))
	}
	return registered
}
