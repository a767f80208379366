// Package websocket keeps a set of venue subscriptions alive over one
// reconnecting websocket connection
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gridmaker/internal/core"
	"gridmaker/pkg/retry"
	"gridmaker/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNotConnected is returned by writes while no connection is open
	ErrNotConnected = errors.New("websocket not connected")
	// ErrAlreadySubscribed is returned when a key is subscribed twice
	ErrAlreadySubscribed = errors.New("already subscribed")
)

// Handler receives the raw messages routed to one subscription
type Handler func(message []byte)

// Router extracts the subscription key a message belongs to. Messages it
// rejects are dropped.
type Router func(message []byte) (key string, ok bool)

// Config tunes the connection
type Config struct {
	URL string

	// PingInterval <= 0 disables the heartbeat
	PingInterval time.Duration
	WriteWait    time.Duration
	// ReadTimeout is extended by every pong
	ReadTimeout time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultConfig returns the settings used for venue fill streams
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		PingInterval: 30 * time.Second,
		WriteWait:    10 * time.Second,
		ReadTimeout:  60 * time.Second,
		MinBackoff:   500 * time.Millisecond,
		MaxBackoff:   30 * time.Second,
	}
}

type subscription struct {
	request interface{}
	handler Handler
}

// Client multiplexes keyed subscriptions over one connection. Every
// subscription request is replayed after each reconnect.
type Client struct {
	cfg    Config
	route  Router
	logger core.ILogger

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]subscription

	connected atomic.Bool
	sessions  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	messages metric.Int64Counter
	dropped  metric.Int64Counter
	dials    metric.Int64Counter
}

// NewClient creates a stopped client. Zero durations other than
// PingInterval take their DefaultConfig values.
func NewClient(cfg Config, route Router, logger core.ILogger) *Client {
	def := DefaultConfig(cfg.URL)
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = def.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	meter := telemetry.GetMeter("venue-stream")

	messages, _ := meter.Int64Counter("stream_messages_total",
		metric.WithDescription("Stream messages delivered to a subscription"))
	dropped, _ := meter.Int64Counter("stream_messages_dropped_total",
		metric.WithDescription("Stream messages without a matching subscription"))
	dials, _ := meter.Int64Counter("stream_dials_total",
		metric.WithDescription("Stream connection attempts"))

	return &Client{
		cfg:      cfg,
		route:    route,
		logger:   logger.WithField("component", "venue_stream"),
		subs:     make(map[string]subscription),
		ctx:      ctx,
		cancel:   cancel,
		messages: messages,
		dropped:  dropped,
		dials:    dials,
	}
}

// Subscribe registers handler for messages routed to key. request is sent
// now if connected and again after every reconnect.
func (c *Client) Subscribe(key string, request interface{}, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, key)
	}
	c.subs[key] = subscription{request: request, handler: handler}
	if c.conn == nil {
		return nil
	}
	if err := c.writeLocked(request); err != nil {
		c.logger.Warn("Subscribe request not sent, replayed after reconnect", "key", key, "error", err)
	}
	return nil
}

// Unsubscribe drops key's handler and sends request if connected. A nil
// request only stops local delivery.
func (c *Client) Unsubscribe(key string, request interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, key)
	if c.conn == nil || request == nil {
		return
	}
	if err := c.writeLocked(request); err != nil {
		c.logger.Warn("Failed to send unsubscribe", "key", key, "error", err)
	}
}

// Send writes a JSON message on the current connection
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(message)
}

func (c *Client) writeLocked(message interface{}) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.conn.WriteJSON(message)
}

// IsConnected reports whether a connection is currently open
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Sessions counts established connections
func (c *Client) Sessions() int64 {
	return c.sessions.Load()
}

// Start runs the connection loop in the background
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop closes the connection and waits for the loop to exit
func (c *Client) Stop() {
	c.cancel()
	c.closeConn()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Stream goroutines still running after stop")
	}
}

func (c *Client) run() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		conn, err := c.dial()
		if err != nil {
			return
		}
		c.serve(conn)

		// A server that accepts then drops must not spin the loop
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.cfg.MinBackoff):
		}
		c.logger.Info("Stream reconnecting", "url", c.cfg.URL)
	}
}

// dial retries with backoff until a connection opens or the client stops
func (c *Client) dial() (*websocket.Conn, error) {
	policy := retry.RetryPolicy{InitialBackoff: c.cfg.MinBackoff, MaxBackoff: c.cfg.MaxBackoff}
	return retry.Get(c.ctx, policy, retry.Always, func() (*websocket.Conn, error) {
		c.dials.Add(c.ctx, 1)
		conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.cfg.URL, nil)
		if err != nil && c.ctx.Err() == nil {
			c.logger.Warn("Stream dial failed", "url", c.cfg.URL, "error", err)
		}
		return conn, err
	})
}

// serve installs conn, replays subscriptions and reads until the
// connection fails
func (c *Client) serve(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	for key, sub := range c.subs {
		if err := c.writeLocked(sub.request); err != nil {
			c.logger.Error("Failed to resubscribe", "key", key, "error", err)
		}
	}
	n := len(c.subs)
	c.mu.Unlock()

	c.connected.Store(true)
	c.sessions.Add(1)
	c.logger.Info("Stream connected", "url", c.cfg.URL, "subscriptions", n)

	hbCtx, stopHeartbeat := context.WithCancel(c.ctx)
	defer stopHeartbeat()
	if c.cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.heartbeat(hbCtx, conn)
	}
	c.read(conn)
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
			c.mu.Unlock()
			if err != nil {
				// read returns once the connection is closed
				c.release(conn)
				return
			}
		}
	}
}

func (c *Client) read(conn *websocket.Conn) {
	defer c.release(conn)

	for c.ctx.Err() == nil {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("Stream read failed", "url", c.cfg.URL, "error", err)
			}
			return
		}
		c.dispatch(message)
	}
}

func (c *Client) dispatch(message []byte) {
	c.mu.Lock()
	var targets []Handler
	if c.route == nil {
		for _, sub := range c.subs {
			targets = append(targets, sub.handler)
		}
	} else if key, ok := c.route(message); ok {
		if sub, found := c.subs[key]; found {
			targets = append(targets, sub.handler)
		}
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		c.dropped.Add(c.ctx, 1)
		return
	}
	c.messages.Add(c.ctx, int64(len(targets)), metric.WithAttributes(attribute.String("url", c.cfg.URL)))
	for _, h := range targets {
		h(message)
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
}

// release closes conn and clears it only while it is still current
func (c *Client) release(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.connected.Store(false)
	}
}
