package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/walletmirror/walletmirror/internal/clock"
)

func testBus(t *testing.T, now time.Time) (*Bus, *clock.Fixed) {
	t.Helper()
	clk := &clock.Fixed{T: now}
	return NewBus(zap.NewNop(), nil, clk), clk
}

func drainSink(s *ChannelSink) []Message {
	var out []Message
	for {
		select {
		case raw := <-s.C():
			if msg, ok := raw.(Message); ok {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

func TestSubscribeConfirmation(t *testing.T) {
	bus, _ := testBus(t, time.Unix(1700000000, 0))
	sink := NewChannelSink(10)

	id := bus.Subscribe("agent-1", []Kind{KindTransactionNew}, []string{"WalletA"}, sink)
	require.NotEmpty(t, id)

	raw := <-sink.C()
	confirm, ok := raw.(Confirmation)
	require.True(t, ok, "first message must be the confirmation")
	assert.Equal(t, "subscription_confirmed", confirm.Type)
	assert.Equal(t, id, confirm.SubscriptionID)
	assert.Equal(t, "agent-1", confirm.AgentID)
	assert.Equal(t, []Kind{KindTransactionNew}, confirm.EventTypes)
	assert.Equal(t, []string{"WalletA"}, confirm.WalletAddresses)
}

func TestFilteringByKindAndWallet(t *testing.T) {
	now := time.Unix(1700000000, 0)
	bus, clk := testBus(t, now)

	s1 := NewChannelSink(10)
	s2 := NewChannelSink(10)
	id1 := bus.Subscribe("a1", []Kind{KindTransactionNew}, []string{"WalletA"}, s1)
	id2 := bus.Subscribe("a2", []Kind{KindBalanceUpdated}, []string{"*"}, s2)
	<-s1.C() // confirmations
	<-s2.C()

	bus.Publish(KindTransactionNew, "WalletA", map[string]any{"sig": "s1"})
	bus.Publish(KindTransactionNew, "WalletB", map[string]any{"sig": "s2"})
	bus.Publish(KindBalanceUpdated, "WalletC", map[string]any{"mint": "SOL"})

	clk.T = now.Add(time.Second)
	bus.deliverOnce(clk.T)

	got1 := drainSink(s1)
	require.Len(t, got1, 1)
	assert.Equal(t, KindTransactionNew, got1[0].EventType)
	assert.Equal(t, id1, got1[0].SubscriptionID)

	got2 := drainSink(s2)
	require.Len(t, got2, 1)
	assert.Equal(t, KindBalanceUpdated, got2[0].EventType)
	assert.Equal(t, id2, got2[0].SubscriptionID)
}

func TestDeliveryFIFOAndRateLimit(t *testing.T) {
	now := time.Unix(1700000000, 0)
	bus, clk := testBus(t, now)

	sink := NewChannelSink(100)
	id := bus.Subscribe("a1", []Kind{KindTransactionNew}, nil, sink)
	<-sink.C()
	bus.SetRate(id, 10) // 10 events/sec

	for i := 0; i < 25; i++ {
		bus.Publish(KindTransactionNew, "W", i)
	}

	// After one second the budget is 10.
	clk.T = now.Add(time.Second)
	bus.deliverOnce(clk.T)
	first := drainSink(sink)
	require.Len(t, first, 10)
	for i, msg := range first {
		assert.Equal(t, i, msg.Data, "delivery must be FIFO")
	}
	assert.Equal(t, 15, bus.PendingCount(id))

	// 100ms later the budget is only 1.
	clk.T = clk.T.Add(100 * time.Millisecond)
	bus.deliverOnce(clk.T)
	second := drainSink(sink)
	require.Len(t, second, 1)
	assert.Equal(t, 10, second[0].Data)
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	now := time.Unix(1700000000, 0)
	bus, clk := testBus(t, now)

	sink := NewChannelSink(2000)
	id := bus.Subscribe("a1", []Kind{KindTransactionNew}, nil, sink)
	<-sink.C()
	bus.SetRate(id, 100000)

	for i := 0; i < 1200; i++ {
		bus.Publish(KindTransactionNew, "W", i)
	}
	assert.Equal(t, 1000, bus.PendingCount(id))

	clk.T = now.Add(time.Second)
	bus.deliverOnce(clk.T)
	got := drainSink(sink)
	require.Len(t, got, 1000)
	// The 200 oldest were dropped.
	assert.Equal(t, 200, got[0].Data)
	assert.Equal(t, 1199, got[len(got)-1].Data)
}

func TestBrokenSinkUnsubscribes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	bus, clk := testBus(t, now)

	sink := NewChannelSink(10)
	bus.Subscribe("a1", []Kind{KindTransactionNew}, nil, sink)
	<-sink.C()
	require.Equal(t, 1, bus.SubscriptionCount())

	sink.Close()
	bus.Publish(KindTransactionNew, "W", "x")
	clk.T = now.Add(time.Second)
	bus.deliverOnce(clk.T)

	assert.Equal(t, 0, bus.SubscriptionCount(), "closed sink must be unsubscribed")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	now := time.Unix(1700000000, 0)
	bus, clk := testBus(t, now)

	sink := NewChannelSink(10)
	id := bus.Subscribe("a1", []Kind{KindTransactionNew}, nil, sink)
	<-sink.C()

	bus.Unsubscribe(id)
	bus.Publish(KindTransactionNew, "W", "x")
	clk.T = now.Add(time.Second)
	bus.deliverOnce(clk.T)

	assert.Empty(t, drainSink(sink))
}

func TestSystemErrorReachesSubscribers(t *testing.T) {
	now := time.Unix(1700000000, 0)
	bus, clk := testBus(t, now)

	sink := NewChannelSink(10)
	bus.Subscribe("ops", []Kind{KindSystemError}, []string{"*"}, sink)
	<-sink.C()

	bus.PublishSystemError("write retries exhausted", "WRITE_FAILED", map[string]any{"table": "wallet_transactions"})
	clk.T = now.Add(time.Second)
	bus.deliverOnce(clk.T)

	got := drainSink(sink)
	require.Len(t, got, 1)
	payload, ok := got[0].Data.(SystemError)
	require.True(t, ok)
	assert.Equal(t, "WRITE_FAILED", payload.Code)
}

func TestStartStopDrains(t *testing.T) {
	bus := NewBus(zap.NewNop(), nil, clock.System{})
	sink := NewChannelSink(100)
	bus.Subscribe("a1", []Kind{KindTransactionNew}, nil, sink)
	<-sink.C()

	bus.Start()
	bus.Publish(KindTransactionNew, "W", "x")
	bus.Stop()

	// Shutdown drain must flush the pending buffer.
	got := drainSink(sink)
	require.Len(t, got, 1)
}
