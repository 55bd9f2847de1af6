// Package socket keeps the realtime websocket in line with the connection
// state machine.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/matheus3301/chatkit/internal/bus"
	"github.com/matheus3301/chatkit/internal/chaterr"
	"github.com/matheus3301/chatkit/internal/events"
	"github.com/matheus3301/chatkit/internal/status"
)

// Sink receives every parsed frame.
type Sink interface {
	Submit(ctx context.Context, ev events.Event) error
}

// Options tunes the transport.
type Options struct {
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	DialTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 30 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 15 * time.Second
	}
	return o
}

const readLimit = 1 << 20

// Client owns at most one websocket at a time. It dials when the state
// machine enters Connecting and closes the socket on every disconnected
// state, scheduling automatic reconnects where the state allows one.
type Client struct {
	state  *status.Service
	sink   Sink
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	mu      sync.Mutex
	cfg     status.ConnectionConfig
	conn    *websocket.Conn
	cancel  context.CancelFunc
	retry   *time.Timer
	backoff *backoff.ExponentialBackOff

	lastFrame atomic.Int64
}

// New creates a transport bound to the given state service.
func New(state *status.Service, sink Sink, b *bus.Bus, logger *zap.Logger, opts Options) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BackoffInitial
	bo.MaxInterval = opts.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Client{state: state, sink: sink, bus: b, logger: logger, opts: opts, backoff: bo}
}

// Run follows state changes until ctx is done.
func (c *Client) Run(ctx context.Context) {
	ch, unsub := c.bus.Subscribe(bus.KindSocketStateChanged, 32)
	defer unsub()
	defer c.shutdown()

	// The state may have left Stopped before we subscribed.
	c.follow(ctx, c.state.Current())
	for {
		select {
		case evt := <-ch:
			if change, ok := evt.Payload.(status.StateChange); ok {
				c.follow(ctx, change.To)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) follow(ctx context.Context, st status.State) {
	switch st.Kind {
	case status.KindConnecting:
		c.mu.Lock()
		c.cfg = st.Config
		c.mu.Unlock()
		c.stopRetry()
		c.closeConn()
		go c.connect(ctx, st.Config)
	case status.KindConnected:
		c.mu.Lock()
		c.backoff.Reset()
		c.mu.Unlock()
	case status.KindRestartConnection:
		c.closeConn()
		c.reconnectAfter(ctx, 0)
	case status.KindDisconnectedTemporarily, status.KindWebSocketEventLost:
		c.closeConn()
		c.mu.Lock()
		d := c.backoff.NextBackOff()
		c.mu.Unlock()
		if d == backoff.Stop {
			c.logger.Warn("giving up reconnecting")
			return
		}
		c.reconnectAfter(ctx, d)
	case status.KindStopped, status.KindDisconnectedByRequest,
		status.KindDisconnectedPermanently, status.KindNetworkDisconnected:
		c.stopRetry()
		c.closeConn()
	}
}

func (c *Client) reconnectAfter(ctx context.Context, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.URL == "" {
		c.logger.Debug("no connection config, not reconnecting")
		return
	}
	cfg := c.cfg
	cfg.IsReconnection = true
	if c.retry != nil {
		c.retry.Stop()
	}
	c.logger.Info("scheduling reconnect", zap.Duration("after", d))
	c.retry = time.AfterFunc(d, func() {
		if ctx.Err() != nil {
			return
		}
		c.state.OnReconnect(cfg, false)
	})
}

func (c *Client) stopRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Client) connect(ctx context.Context, cfg status.ConnectionConfig) {
	u, err := ConnectURL(cfg)
	if err != nil {
		c.state.OnUnrecoverableError(chaterr.Precondition("%v", err))
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u, nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("websocket dial failed", zap.Error(err))
		c.state.OnNetworkError(chaterr.WrapNetwork(chaterr.CodeSocketFailure, "dial websocket", err))
		return
	}
	conn.SetReadLimit(readLimit)

	if st := c.state.Current(); st.Kind != status.KindConnecting {
		c.logger.Debug("state moved on while dialing", zap.Stringer("state", st))
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	connCtx, connCancel := context.WithCancel(ctx)
	c.mu.Lock()
	prev, prevCancel := c.conn, c.cancel
	c.conn, c.cancel = conn, connCancel
	c.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
		_ = prev.Close(websocket.StatusNormalClosure, "")
	}
	c.lastFrame.Store(time.Now().UnixNano())

	c.logger.Info("websocket connected", zap.String("user_id", cfg.UserID))
	go c.readLoop(connCtx, conn)
	go c.healthLoop(connCtx, conn)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("websocket read failed", zap.Error(err))
			c.state.OnNetworkError(chaterr.WrapNetwork(chaterr.CodeSocketFailure, "read websocket", err))
			return
		}
		c.lastFrame.Store(time.Now().UnixNano())

		ev, err := events.Parse(data)
		if err != nil {
			c.logger.Warn("dropping unparseable frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		c.bus.Publish(bus.Event{Kind: bus.KindSocketFrame, Timestamp: time.Now(), Payload: ev.Type()})
		if err := c.sink.Submit(ctx, ev); err != nil {
			return
		}
	}
}

func (c *Client) healthLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, c.lastFrame.Load())
			if time.Since(last) > c.opts.HealthTimeout {
				c.logger.Warn("no frame within health timeout", zap.Duration("timeout", c.opts.HealthTimeout))
				c.state.OnWebSocketEventLost()
				return
			}
			if err := wsjson.Write(ctx, conn, healthCheck{Type: events.TypeHealthCheck}); err != nil && ctx.Err() == nil {
				c.logger.Debug("health check write failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

type healthCheck struct {
	Type events.Type `json:"type"`
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug("websocket close", zap.Error(err))
		}
	}
}

func (c *Client) shutdown() {
	c.stopRetry()
	c.closeConn()
}

type connectPayload struct {
	UserID                       string      `json:"user_id"`
	UserDetails                  userDetails `json:"user_details"`
	ServerDeterminesConnectionID bool        `json:"server_determines_connection_id"`
}

type userDetails struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ConnectURL builds the websocket URL for cfg.
func ConnectURL(cfg status.ConnectionConfig) (string, error) {
	if cfg.URL == "" || cfg.UserID == "" {
		return "", fmt.Errorf("connection config needs a url and a user id")
	}
	payload, err := json.Marshal(connectPayload{
		UserID:                       cfg.UserID,
		UserDetails:                  userDetails{ID: cfg.UserID, Name: cfg.UserName},
		ServerDeterminesConnectionID: true,
	})
	if err != nil {
		return "", fmt.Errorf("encode connect payload: %w", err)
	}
	q := url.Values{}
	q.Set("json", string(payload))
	q.Set("api_key", cfg.APIKey)
	if cfg.Token != "" {
		q.Set("authorization", cfg.Token)
		q.Set("stream-auth-type", "jwt")
	} else {
		q.Set("stream-auth-type", "anonymous")
	}
	return strings.TrimRight(cfg.URL, "/") + "/connect?" + q.Encode(), nil
}
