// Package events fans indexed changes out to subscribers with per-
// subscription kind and wallet filtering, rate limiting and bounded
// buffers. Delivery within one subscription is FIFO; across subscriptions
// there is no total order.
package events

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/walletmirror/walletmirror/internal/clock"
	"github.com/walletmirror/walletmirror/internal/metrics"
)

// Kind enumerates the event kinds on the consumer wire.
type Kind string

const (
	KindTransactionNew    Kind = "transaction-new"
	KindBalanceUpdated    Kind = "balance-updated"
	KindSecurityAnomaly   Kind = "security-anomaly"
	KindMarketOddsChanged Kind = "market-odds-changed"
	KindPnLUpdated        Kind = "pnl-updated"
	KindSystemError       Kind = "system-error"
)

// ErrSinkClosed is returned by sinks whose consumer has gone away.
var ErrSinkClosed = errors.New("sink closed")

// Message is one delivered event.
type Message struct {
	EventType      Kind      `json:"eventType"`
	Timestamp      time.Time `json:"timestamp"`
	Data           any       `json:"data"`
	SubscriptionID string    `json:"subscriptionId"`
}

// Confirmation is sent to a sink when its subscription is created.
type Confirmation struct {
	Type            string    `json:"type"`
	SubscriptionID  string    `json:"subscriptionId"`
	AgentID         string    `json:"agentId"`
	EventTypes      []Kind    `json:"eventTypes"`
	WalletAddresses []string  `json:"walletAddresses"`
	Timestamp       time.Time `json:"timestamp"`
}

// Sink receives messages for one subscription. A Send error means the
// consumer is gone and the subscription is removed; there is no retry.
type Sink interface {
	Send(msg any) error
}

// SystemError is the payload of a system-error event.
type SystemError struct {
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Context map[string]any `json:"context,omitempty"`
}

const (
	defaultRate   = 100.0 // events/sec per subscription
	bufferCap     = 1000
	deliveryTick  = 100 * time.Millisecond
	wildcardToken = "*"
)

type subscription struct {
	id       string
	agentID  string
	kinds    map[Kind]bool
	wallets  map[string]bool // nil means wildcard
	sink     Sink
	rate     float64
	pending  []Message
	lastEmit time.Time
	dropped  int64
}

func (s *subscription) matches(kind Kind, wallet string) bool {
	if !s.kinds[kind] {
		return false
	}
	if s.wallets == nil {
		return true
	}
	return s.wallets[wallet]
}

// Bus owns the subscription map and the delivery loop.
type Bus struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	mu   sync.Mutex
	subs map[string]*subscription

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewBus creates the fan-out. Call Start to begin delivery.
func NewBus(logger *zap.Logger, m *metrics.Metrics, clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.System{}
	}
	return &Bus{
		logger:  logger,
		metrics: m,
		clock:   clk,
		subs:    make(map[string]*subscription),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Subscribe registers a consumer for the given kinds and wallet filter
// (nil or ["*"] subscribes to all wallets). When sink is non-nil a
// confirmation message is sent immediately. Returns the subscription id.
func (b *Bus) Subscribe(agentID string, kinds []Kind, wallets []string, sink Sink) string {
	sub := &subscription{
		id:       uuid.NewString(),
		agentID:  agentID,
		kinds:    make(map[Kind]bool, len(kinds)),
		sink:     sink,
		rate:     defaultRate,
		lastEmit: b.clock.Now(),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	wildcard := len(wallets) == 0
	for _, w := range wallets {
		if w == wildcardToken {
			wildcard = true
			break
		}
	}
	if !wildcard {
		sub.wallets = make(map[string]bool, len(wallets))
		for _, w := range wallets {
			sub.wallets[w] = true
		}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	count := len(b.subs)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.Subscriptions.Set(float64(count))
	}

	if sink != nil {
		confirm := Confirmation{
			Type:            "subscription_confirmed",
			SubscriptionID:  sub.id,
			AgentID:         agentID,
			EventTypes:      kinds,
			WalletAddresses: wallets,
			Timestamp:       b.clock.Now(),
		}
		if err := sink.Send(confirm); err != nil {
			b.logger.Warn("failed to confirm subscription, removing",
				zap.String("subscription", sub.id),
				zap.Error(err))
			b.Unsubscribe(sub.id)
		}
	}

	b.logger.Info("subscription created",
		zap.String("subscription", sub.id),
		zap.String("agent", agentID),
		zap.Int("kinds", len(kinds)))
	return sub.id
}

// SetRate overrides a subscription's rate limit (events/sec).
func (b *Bus) SetRate(id string, eventsPerSec float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok && eventsPerSec > 0 {
		sub.rate = eventsPerSec
	}
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	count := len(b.subs)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.Subscriptions.Set(float64(count))
	}
}

// Publish appends the event to every matching subscription's buffer.
// Buffers overflowing bufferCap drop their oldest entries with a warning.
func (b *Bus) Publish(kind Kind, wallet string, data any) {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.matches(kind, wallet) {
			continue
		}
		sub.pending = append(sub.pending, Message{
			EventType:      kind,
			Timestamp:      now,
			Data:           data,
			SubscriptionID: sub.id,
		})
		if overflow := len(sub.pending) - bufferCap; overflow > 0 {
			sub.pending = sub.pending[overflow:]
			sub.dropped += int64(overflow)
			if b.metrics != nil {
				b.metrics.EventsDropped.Add(float64(overflow))
			}
			b.logger.Warn("subscription buffer overflow, dropped oldest",
				zap.String("subscription", sub.id),
				zap.Int("dropped", overflow))
		}
	}
}

// PublishSystemError emits a system-error event to all subscribers of that
// kind, wallet-independent.
func (b *Bus) PublishSystemError(message, code string, context map[string]any) {
	b.Publish(KindSystemError, wildcardToken, SystemError{
		Message: message,
		Code:    code,
		Context: context,
	})
}

// Start runs the delivery loop until Stop. Pending buffers are drained on
// shutdown before the loop exits.
func (b *Bus) Start() {
	go func() {
		defer close(b.doneCh)
		ticker := time.NewTicker(deliveryTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.deliverOnce(b.clock.Now())
			case <-b.stopCh:
				b.drain()
				return
			}
		}
	}()
}

// Stop signals shutdown and waits for the final drain.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
}

// deliverOnce drains each subscription up to its rate budget, FIFO.
func (b *Bus) deliverOnce(now time.Time) {
	type delivery struct {
		sub  *subscription
		msgs []Message
	}
	var deliveries []delivery

	b.mu.Lock()
	for _, sub := range b.subs {
		if len(sub.pending) == 0 || sub.sink == nil {
			continue
		}
		budget := int(now.Sub(sub.lastEmit).Seconds() * sub.rate)
		if budget <= 0 {
			continue
		}
		n := budget
		if n > len(sub.pending) {
			n = len(sub.pending)
		}
		msgs := make([]Message, n)
		copy(msgs, sub.pending[:n])
		sub.pending = append(sub.pending[:0], sub.pending[n:]...)
		sub.lastEmit = now
		deliveries = append(deliveries, delivery{sub: sub, msgs: msgs})
	}
	b.mu.Unlock()

	for _, d := range deliveries {
		for _, msg := range d.msgs {
			if err := d.sub.sink.Send(msg); err != nil {
				b.logger.Warn("sink write failed, unsubscribing",
					zap.String("subscription", d.sub.id),
					zap.Error(err))
				b.Unsubscribe(d.sub.id)
				break
			}
			if b.metrics != nil {
				b.metrics.EventsDelivered.Inc()
			}
		}
	}
}

// drain flushes every buffer ignoring rate limits. Called once during
// shutdown.
func (b *Bus) drain() {
	b.mu.Lock()
	type delivery struct {
		sub  *subscription
		msgs []Message
	}
	var deliveries []delivery
	for _, sub := range b.subs {
		if len(sub.pending) == 0 || sub.sink == nil {
			continue
		}
		msgs := make([]Message, len(sub.pending))
		copy(msgs, sub.pending)
		sub.pending = sub.pending[:0]
		deliveries = append(deliveries, delivery{sub: sub, msgs: msgs})
	}
	b.mu.Unlock()

	for _, d := range deliveries {
		for _, msg := range d.msgs {
			if err := d.sub.sink.Send(msg); err != nil {
				b.Unsubscribe(d.sub.id)
				break
			}
			if b.metrics != nil {
				b.metrics.EventsDelivered.Inc()
			}
		}
	}
}

// PendingCount reports buffered messages for a subscription. Zero for
// unknown ids.
func (b *Bus) PendingCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		return len(sub.pending)
	}
	return 0
}

// SubscriptionCount reports the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
