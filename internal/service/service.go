// Package service is the composition root: it constructs every component
// from configuration, wires them leaves-first and owns their lifecycle.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/walletmirror/walletmirror/internal/cache"
	"github.com/walletmirror/walletmirror/internal/clock"
	"github.com/walletmirror/walletmirror/internal/config"
	"github.com/walletmirror/walletmirror/internal/degrade"
	"github.com/walletmirror/walletmirror/internal/events"
	"github.com/walletmirror/walletmirror/internal/indexer"
	"github.com/walletmirror/walletmirror/internal/metrics"
	"github.com/walletmirror/walletmirror/internal/pnl"
	"github.com/walletmirror/walletmirror/internal/privacy"
	"github.com/walletmirror/walletmirror/internal/registry"
	"github.com/walletmirror/walletmirror/internal/resilience"
	"github.com/walletmirror/walletmirror/internal/risk"
	"github.com/walletmirror/walletmirror/internal/store"
	"github.com/walletmirror/walletmirror/internal/upstream"
)

const indexTimeout = 30 * time.Second

// Options carries optional external dependencies.
type Options struct {
	// Prices is the external mark-price oracle. Optional; without it
	// PnL falls back to stored balance values and flags snapshots stale.
	Prices pnl.PriceSource
	// Feed replays historical transactions during backfill. Optional.
	Feed indexer.HistoryFeed
}

// Service owns the full component graph.
type Service struct {
	cfg     *config.Config
	logger  *zap.Logger
	Metrics *metrics.Metrics

	Store    store.Store
	Cache    *cache.Cache
	Breakers *resilience.Set
	Bus      *events.Bus
	Upstream *upstream.Client
	Registry *registry.Registry
	Indexer  *indexer.Indexer
	PnL      *pnl.Engine
	Risk     *risk.Engine
	Degrade  *degrade.Controller

	cancel context.CancelFunc
}

// New builds the graph. The store and cache are dialed eagerly so a
// misconfigured deployment fails at startup.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Service, error) {
	m := metrics.New()
	clk := clock.System{}

	breakers := resilience.NewSet(logger, resilience.WithStateHook(func(name string, s resilience.State) {
		m.BreakerState.WithLabelValues(name).Set(float64(s))
	}))

	st, err := store.NewPostgres(cfg.StoreURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect primary store: %w", err)
	}

	ch, err := cache.New(cache.Options{
		URL:          cfg.CacheURL,
		Password:     cfg.CachePassword,
		PoolMin:      cfg.CachePoolMin,
		PoolMax:      cfg.CachePoolMax,
		DefaultTTL:   cfg.CacheDefaultTTL,
		MemThreshold: cfg.CacheMemThreshold,
	}, logger, m)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to connect cache: %w", err)
	}

	cipher := privacy.NewCipher(cfg.EncryptionSalt)
	bus := events.NewBus(logger, m, clk)
	riskEngine := risk.New(st, logger, clk)

	var prices pnl.PriceSource
	if opts.Prices != nil {
		prices = &guardedPrices{inner: opts.Prices, breaker: breakers.Oracle}
	}
	pnlEngine := pnl.New(st, prices, ch, bus, logger, m, clk)

	ix := indexer.New(st, cipher, ch, bus, riskEngine, pnlEngine, opts.Feed, logger, m, clk)

	up := upstream.NewClient(cfg.UpstreamURL, cfg.UpstreamAPIKey, logger)
	ctl := degrade.New(st, ch, breakers, bus, logger, m, clk)
	up.OnError(func(err error) {
		logger.Warn("upstream stream error", zap.Error(err))
	})
	up.OnTransaction(func(tx *upstream.Transaction) {
		ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
		defer cancel()
		if _, err := ix.Index(ctx, indexer.FromUpstream(tx)); err != nil {
			logger.Warn("failed to index streamed transaction",
				zap.String("signature", tx.Signature),
				zap.Error(err))
		}
	})

	var autoWallets []string
	if cfg.AutoRegister {
		autoWallets = cfg.Wallets
	}
	reg := registry.New(st, up, ix, autoWallets, logger, clk)

	// Every stream-up replays the subscriptions for the store's
	// registrations, covering wallets registered while the stream was
	// down and wallets registered before a restart.
	up.OnStatus(func(connected bool, attempts int) {
		ctl.SetStreamStatus(connected, attempts)
		if connected {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
				defer cancel()
				reg.ResubscribeActive(ctx)
			}()
		}
	})

	return &Service{
		cfg:      cfg,
		logger:   logger,
		Metrics:  m,
		Store:    st,
		Cache:    ch,
		Breakers: breakers,
		Bus:      bus,
		Upstream: up,
		Registry: reg,
		Indexer:  ix,
		PnL:      pnlEngine,
		Risk:     riskEngine,
		Degrade:  ctl,
	}, nil
}

// Start launches the background loops, connects the stream and kicks off
// auto-registration. A failed stream connect leaves the service running
// degraded; the client reconnects on its own.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.Bus.Start()
	go s.Degrade.Run(ctx)
	go s.PnL.Run(ctx)

	if err := s.Breakers.Upstream.Execute(ctx, s.Upstream.Connect); err != nil {
		s.logger.Warn("starting without upstream stream", zap.Error(err))
	}

	if s.cfg.AutoRegister {
		go func() {
			registered := s.Registry.AutoRegisterAndWarm(ctx, &cacheWarmer{
				cache: s.Cache,
				src:   s.Store,
				clock: clock.System{},
			})
			s.logger.Info("auto-registration finished", zap.Int("registered", registered))
		}()
	}

	s.logger.Info("service started",
		zap.String("environment", s.cfg.Environment),
		zap.Int("port", s.cfg.Port))
}

// Stop shuts the graph down in reverse order, draining queues and
// buffers first.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.Upstream.Disconnect()
	s.PnL.Stop()
	s.Degrade.Stop()
	s.Bus.Stop()

	if err := s.Cache.Close(); err != nil {
		s.logger.Warn("cache close failed", zap.Error(err))
	}
	if err := s.Store.Close(); err != nil {
		s.logger.Warn("store close failed", zap.Error(err))
	}
	s.logger.Info("service stopped")
}

// Health reports the dependency view plus live pings, for the health
// endpoint.
type Health struct {
	Healthy  bool           `json:"healthy"`
	Degraded []string       `json:"degraded,omitempty"`
	Status   degrade.Status `json:"status"`
}

// Health pings the store and cache and folds in the degradation view.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{Status: s.Degrade.Status()}
	h.Degraded = s.Degrade.DescribeDegraded()

	if err := s.Store.Ping(ctx); err != nil {
		h.Degraded = append(h.Degraded, fmt.Sprintf("store ping failed: %v", err))
	}
	if err := s.Cache.Ping(ctx); err != nil {
		h.Degraded = append(h.Degraded, fmt.Sprintf("cache ping failed: %v", err))
	}
	h.Healthy = len(h.Degraded) == 0
	return h
}

// guardedPrices routes oracle lookups through the oracle breaker.
type guardedPrices struct {
	inner   pnl.PriceSource
	breaker *resilience.Breaker
}

func (g *guardedPrices) Price(ctx context.Context, mint string) (float64, time.Time, error) {
	var price float64
	var asOf time.Time
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		price, asOf, err = g.inner.Price(ctx, mint)
		return err
	})
	return price, asOf, err
}

// cacheWarmer adapts the cache warm path to the registry.
type cacheWarmer struct {
	cache *cache.Cache
	src   cache.WarmSource
	clock clock.Clock
}

func (w *cacheWarmer) Warm(ctx context.Context, wallets []string) error {
	res := w.cache.Warm(ctx, wallets, w.src, w.clock.Now())
	if res.Errors > 0 {
		return fmt.Errorf("cache warm finished with %d of %d wallets failed", res.Errors, len(wallets))
	}
	return nil
}
