// Package upstream maintains the persistent websocket stream from the
// external indexer: one connection, a heartbeat, an authoritative
// subscription set that survives reconnects, and bounded reconnect
// backoff.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyConnecting is returned when a second concurrent connect
	// is attempted.
	ErrAlreadyConnecting = errors.New("already connecting")
	// ErrNotConnected is returned by subscribe/unsubscribe while the
	// socket is not open.
	ErrNotConnected = errors.New("not connected")
)

const (
	handshakeTimeout  = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
	maxReconnects     = 5
)

// reconnectDelays are indexed by attempt; the stream is abandoned after
// they are exhausted.
var reconnectDelays = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
}

// TxHandler receives each validated inbound transaction.
type TxHandler func(tx *Transaction)

// ErrHandler receives stream-level and per-message errors.
type ErrHandler func(err error)

// StatusHandler is pushed connection state for the degradation
// controller: connected flag and the current reconnect attempt count.
type StatusHandler func(connected bool, attempts int)

// Client is the upstream stream consumer.
type Client struct {
	url    string
	apiKey string
	logger *zap.Logger
	dialer *websocket.Dialer

	onTx     TxHandler
	onErr    ErrHandler
	onStatus StatusHandler

	// delays is reconnectDelays unless overridden by tests.
	delays []time.Duration

	mu            sync.Mutex
	conn          *websocket.Conn
	connecting    bool
	manualClose   bool
	subscriptions map[string]bool
	attempts      int
	reconnectTmr  *time.Timer
	heartbeatStop chan struct{}

	writeMu sync.Mutex
}

// NewClient creates a disconnected client.
func NewClient(url, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		url:           url,
		apiKey:        apiKey,
		logger:        logger,
		dialer:        &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		delays:        reconnectDelays,
		subscriptions: make(map[string]bool),
	}
}

// OnTransaction registers the transaction handler.
func (c *Client) OnTransaction(fn TxHandler) { c.onTx = fn }

// OnError registers the error handler.
func (c *Client) OnError(fn ErrHandler) { c.onErr = fn }

// OnStatus registers the connection-status handler.
func (c *Client) OnStatus(fn StatusHandler) { c.onStatus = fn }

// Connect dials the upstream and starts the read loop and heartbeat. A
// concurrent call while another connect is in flight fails with
// ErrAlreadyConnecting. Active subscriptions are re-issued on success.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connecting {
		c.mu.Unlock()
		return ErrAlreadyConnecting
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.manualClose = false
	c.mu.Unlock()

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		return fmt.Errorf("failed to dial upstream: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connecting = false
	c.attempts = 0
	resubs := make([]string, 0, len(c.subscriptions))
	for addr := range c.subscriptions {
		resubs = append(resubs, addr)
	}
	c.heartbeatStop = make(chan struct{})
	stop := c.heartbeatStop
	c.mu.Unlock()

	c.logger.Info("connected to upstream", zap.String("url", c.url))
	c.pushStatus(true, 0)

	go c.heartbeat(conn, stop)
	go c.readLoop(conn)

	for _, addr := range resubs {
		if err := c.send(frame{Type: "subscribe", Data: mustJSON(walletRef{Wallet: addr})}); err != nil {
			c.logger.Warn("failed to re-subscribe wallet",
				zap.String("wallet", addr),
				zap.Error(err))
		}
	}
	return nil
}

// Disconnect closes the socket and cancels any pending reconnect. No
// reconnect is scheduled for a user-initiated close.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	if c.reconnectTmr != nil {
		c.reconnectTmr.Stop()
		c.reconnectTmr = nil
	}
	conn := c.conn
	c.conn = nil
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.pushStatus(false, 0)
}

// Connected reports whether the socket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Subscribe adds addr to the authoritative set and sends the subscribe
// frame. Fails with ErrNotConnected while the socket is not open.
func (c *Client) Subscribe(addr string) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.subscriptions[addr] = true
	c.mu.Unlock()

	return c.send(frame{Type: "subscribe", Data: mustJSON(walletRef{Wallet: addr})})
}

// Unsubscribe removes addr from the set and sends the unsubscribe frame.
func (c *Client) Unsubscribe(addr string) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	delete(c.subscriptions, addr)
	c.mu.Unlock()

	return c.send(frame{Type: "unsubscribe", Data: mustJSON(walletRef{Wallet: addr})})
}

// Subscriptions returns the current authoritative set.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for addr := range c.subscriptions {
		out = append(out, addr)
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

// send serializes writes; the websocket permits one concurrent writer.
func (c *Client) send(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Client) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.send(frame{Type: "ping"}); err != nil {
				c.logger.Debug("heartbeat write failed", zap.Error(err))
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Client) handleMessage(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.emitErr(fmt.Errorf("malformed frame: %w", err))
		return
	}
	switch f.Type {
	case "transaction":
		tx, err := parseTransaction(f.Data)
		if err != nil {
			c.emitErr(err)
			return
		}
		if c.onTx != nil {
			c.onTx(tx)
		}
	case "error":
		c.emitErr(fmt.Errorf("upstream error: %s", string(f.Data)))
	case "pong":
		// Heartbeat response, nothing to do.
	default:
		c.logger.Debug("unknown upstream frame", zap.String("type", f.Type))
	}
}

func (c *Client) handleClose(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection replaced this one; stale close.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	manual := c.manualClose
	c.mu.Unlock()
	conn.Close()

	if manual {
		return
	}
	c.logger.Warn("upstream connection lost", zap.Error(cause))
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	attempt := c.attempts
	if attempt >= len(c.delays) || attempt >= maxReconnects {
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted, giving up",
			zap.Int("attempts", attempt))
		c.pushStatus(false, attempt)
		c.emitErr(fmt.Errorf("upstream reconnect abandoned after %d attempts", attempt))
		return
	}
	delay := c.delays[attempt]
	c.attempts = attempt + 1
	c.reconnectTmr = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTmr = nil
		manual := c.manualClose
		c.mu.Unlock()
		if manual {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn("reconnect failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			c.scheduleReconnect()
		}
	})
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt+1))
	c.pushStatus(false, attempt+1)
}

func (c *Client) emitErr(err error) {
	if c.onErr != nil {
		c.onErr(err)
	} else {
		c.logger.Warn("upstream error", zap.Error(err))
	}
}

func (c *Client) pushStatus(connected bool, attempts int) {
	if c.onStatus != nil {
		c.onStatus(connected, attempts)
	}
}
