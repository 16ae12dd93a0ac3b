package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/walletmirror/walletmirror/internal/model"
)

// fakeIndexer is an upgrader-backed server capturing inbound frames and
// letting tests push outbound ones.
type fakeIndexer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	srv      *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []frame
	authHdr  string
}

func newFakeIndexer(t *testing.T) *fakeIndexer {
	f := &fakeIndexer{t: t}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authHdr = r.Header.Get("Authorization")
		f.mu.Unlock()

		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		for {
			var fr frame
			if err := conn.ReadJSON(&fr); err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, fr)
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIndexer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeIndexer) latestConn() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeIndexer) push(fr frame) {
	conn := f.latestConn()
	require.NotNil(f.t, conn, "no server-side connection")
	require.NoError(f.t, conn.WriteJSON(fr))
}

func (f *fakeIndexer) framesOfType(typ string) []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []frame
	for _, fr := range f.received {
		if fr.Type == typ {
			out = append(out, fr)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func txData(t *testing.T, sig string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"signature":     sig,
		"walletAddress": "WalletA",
		"timestamp":     1700000000,
		"type":          "transfer",
		"amount":        12.5,
		"tokenMint":     "So11111111111111111111111111111111111111112",
	})
	require.NoError(t, err)
	return raw
}

func TestConnectSendsBearerToken(t *testing.T) {
	srv := newFakeIndexer(t)
	c := NewClient(srv.url(), "secret-key", zap.NewNop())

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	srv.mu.Lock()
	hdr := srv.authHdr
	srv.mu.Unlock()
	assert.Equal(t, "Bearer secret-key", hdr)
	assert.True(t, c.Connected())
}

func TestConcurrentConnectRejected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", "", zap.NewNop())
	c.mu.Lock()
	c.connecting = true
	c.mu.Unlock()

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnecting)
}

func TestSubscribeRequiresConnection(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", "", zap.NewNop())
	assert.ErrorIs(t, c.Subscribe("WalletA"), ErrNotConnected)
	assert.ErrorIs(t, c.Unsubscribe("WalletA"), ErrNotConnected)
}

func TestSubscribeSendsFrameAndTracksSet(t *testing.T) {
	srv := newFakeIndexer(t)
	c := NewClient(srv.url(), "", zap.NewNop())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.Subscribe("WalletA"))
	require.NoError(t, c.Subscribe("WalletB"))
	require.NoError(t, c.Unsubscribe("WalletB"))

	waitFor(t, func() bool {
		return len(srv.framesOfType("subscribe")) == 2 && len(srv.framesOfType("unsubscribe")) == 1
	}, "expected 2 subscribe and 1 unsubscribe frames")

	var ref walletRef
	require.NoError(t, json.Unmarshal(srv.framesOfType("subscribe")[0].Data, &ref))
	assert.Equal(t, "WalletA", ref.Wallet)

	assert.Equal(t, []string{"WalletA"}, c.Subscriptions())
}

func TestInboundTransactionDispatch(t *testing.T) {
	srv := newFakeIndexer(t)
	c := NewClient(srv.url(), "", zap.NewNop())

	var mu sync.Mutex
	var got []*Transaction
	c.OnTransaction(func(tx *Transaction) {
		mu.Lock()
		got = append(got, tx)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	srv.push(frame{Type: "transaction", Data: txData(t, "sig-1")})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "transaction not dispatched")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "sig-1", got[0].Signature)
	assert.Equal(t, "WalletA", got[0].WalletAddress)
	assert.Equal(t, model.KindTransfer, got[0].Kind)
	assert.Equal(t, 12.5, got[0].Amount)
	assert.NotNil(t, got[0].Metadata)
}

func TestMalformedFrameDoesNotKillConnection(t *testing.T) {
	srv := newFakeIndexer(t)
	c := NewClient(srv.url(), "", zap.NewNop())

	var mu sync.Mutex
	var errs []error
	var txs []*Transaction
	c.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	c.OnTransaction(func(tx *Transaction) {
		mu.Lock()
		txs = append(txs, tx)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	// Missing signature, then an unknown kind, then a valid frame.
	bad1, _ := json.Marshal(map[string]any{"walletAddress": "W", "timestamp": 1, "type": "transfer", "amount": 1, "tokenMint": "M"})
	bad2, _ := json.Marshal(map[string]any{"signature": "s", "walletAddress": "W", "timestamp": 1, "type": "teleport", "amount": 1, "tokenMint": "M"})
	srv.push(frame{Type: "transaction", Data: bad1})
	srv.push(frame{Type: "transaction", Data: bad2})
	srv.push(frame{Type: "transaction", Data: txData(t, "sig-ok")})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(txs) == 1
	}, "valid frame after malformed ones not dispatched")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "signature")
	assert.Contains(t, errs[1].Error(), "teleport")
	assert.Equal(t, "sig-ok", txs[0].Signature)
	assert.True(t, c.Connected())
}

func TestReconnectResubscribes(t *testing.T) {
	srv := newFakeIndexer(t)
	c := NewClient(srv.url(), "", zap.NewNop())
	c.delays = []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	require.NoError(t, c.Subscribe("WalletA"))

	waitFor(t, func() bool { return len(srv.framesOfType("subscribe")) == 1 }, "initial subscribe missing")

	// Server-side drop triggers the reconnect path.
	srv.latestConn().Close()

	waitFor(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.conns) == 2
	}, "client did not reconnect")

	waitFor(t, func() bool { return len(srv.framesOfType("subscribe")) == 2 }, "subscription not re-issued on reconnect")
	assert.Equal(t, []string{"WalletA"}, c.Subscriptions())
}

func TestReconnectGivesUpAfterExhaustion(t *testing.T) {
	srv := newFakeIndexer(t)
	c := NewClient(srv.url(), "", zap.NewNop())
	c.delays = []time.Duration{5 * time.Millisecond}

	var mu sync.Mutex
	var errs []error
	c.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe("WalletA"))

	// Kill the server entirely so every reconnect fails.
	srv.latestConn().Close()
	srv.srv.Close()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, err := range errs {
			if strings.Contains(err.Error(), "abandoned") {
				return true
			}
		}
		return false
	}, "expected reconnect abandonment error")
	assert.False(t, c.Connected())
}

func TestManualDisconnectDoesNotReconnect(t *testing.T) {
	srv := newFakeIndexer(t)
	c := NewClient(srv.url(), "", zap.NewNop())
	c.delays = []time.Duration{5 * time.Millisecond}

	require.NoError(t, c.Connect(context.Background()))
	c.Disconnect()

	time.Sleep(50 * time.Millisecond)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Len(t, srv.conns, 1, "no new connection after a manual close")
	assert.False(t, c.Connected())
}
