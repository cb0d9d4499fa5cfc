package messaging

import (
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	// ErrConnectionClosed is returned from Get after Close has been called.
	ErrConnectionClosed = errors.New("messaging: connection closed")
	// ErrUnhealthy is returned from Get while the connection is lost or
	// idle-stale and the reconnector has not yet restored it. Retryable.
	ErrUnhealthy = errors.New("messaging: connection unhealthy")
)

// ConnectionConfig holds broker connection parameters.
type ConnectionConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	VirtualHost string

	// TLSServerName enables TLS when non-empty. The originally supplied
	// hostname is pinned and re-used for verification across reconnects.
	TLSServerName string

	Heartbeat      time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.Heartbeat == 0 {
		c.Heartbeat = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Connection keeps one live broker connection healthy. Callers obtain
// channels through it and never hold long-lived references to the underlying
// connection handle.
type Connection struct {
	cfg    ConnectionConfig
	logger *zap.Logger

	mu           sync.Mutex
	conn         *amqp.Connection
	closed       bool
	lost         bool
	reconnecting bool

	cbMu       sync.Mutex
	nextCbID   int
	onLost     map[int]func()
	onRestored map[int]func()

	closeCh chan struct{}
}

// Connect performs one synchronous connection attempt. A failed first attempt
// fails construction.
func Connect(cfg ConnectionConfig, logger *zap.Logger) (*Connection, error) {
	cfg = cfg.withDefaults()

	c := &Connection{
		cfg:        cfg,
		logger:     logger,
		onLost:     make(map[int]func()),
		onRestored: make(map[int]func()),
		closeCh:    make(chan struct{}),
	}

	conn, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("initial broker connection failed: %w", err)
	}
	c.conn = conn

	logger.Info("connected to broker",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Bool("tls", cfg.TLSServerName != ""))

	return c, nil
}

// dial opens a fresh broker connection. When TLS is configured a fresh TLS
// config is constructed per attempt with the pinned server hostname.
func (c *Connection) dial() (*amqp.Connection, error) {
	scheme := "amqp"
	amqpCfg := amqp.Config{Heartbeat: c.cfg.Heartbeat}

	if c.cfg.TLSServerName != "" {
		scheme = "amqps"
		amqpCfg.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: c.cfg.TLSServerName,
		}
	}

	uri := fmt.Sprintf("%s://%s:%s@%s:%d/%s",
		scheme,
		url.QueryEscape(c.cfg.User),
		url.QueryEscape(c.cfg.Password),
		c.cfg.Host,
		c.cfg.Port,
		url.PathEscape(c.cfg.VirtualHost))

	return amqp.DialConfig(uri, amqpCfg)
}

// OnLost registers a callback fired once per healthy-to-lost transition. The
// returned function unregisters it.
func (c *Connection) OnLost(fn func()) func() {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	id := c.nextCbID
	c.nextCbID++
	c.onLost[id] = fn
	return func() {
		c.cbMu.Lock()
		defer c.cbMu.Unlock()
		delete(c.onLost, id)
	}
}

// OnRestored registers a callback fired once per lost-to-healthy transition.
// The returned function unregisters it.
func (c *Connection) OnRestored(fn func()) func() {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	id := c.nextCbID
	c.nextCbID++
	c.onRestored[id] = fn
	return func() {
		c.cbMu.Lock()
		defer c.cbMu.Unlock()
		delete(c.onRestored, id)
	}
}

// Get returns the connection handle after probing its health. The connection
// must report open and a trial channel must open and close cleanly; a failed
// trial channel means the connection is idle-stale and forces reconnection.
func (c *Connection) Get() (*amqp.Connection, error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}

	if c.conn != nil && !c.conn.IsClosed() {
		if ch, err := c.conn.Channel(); err == nil {
			ch.Close()
			conn := c.conn
			c.mu.Unlock()
			return conn, nil
		}
		c.logger.Warn("broker connection reports open but channel open failed, treating as idle-stale")
	}

	fireLost := !c.lost
	c.lost = true
	startReconnect := !c.reconnecting
	c.reconnecting = true
	c.conn = nil
	c.mu.Unlock()

	// lost and reconnecting are tracked separately: after a reconnector
	// exhausts its attempts the connection is still lost, and the next Get
	// must start a fresh reconnector without re-firing on_lost.
	if fireLost {
		c.fire(c.lostCallbacks(), "on_lost")
	}
	if startReconnect {
		go c.reconnect()
	}

	return nil, ErrUnhealthy
}

// Channel opens a new channel on a healthy connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	conn, err := c.Get()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsHealthy reports whether a Get would currently succeed.
func (c *Connection) IsHealthy() bool {
	_, err := c.Get()
	return err == nil
}

// reconnect retries the broker connection with capped exponential backoff and
// jitter. It is cancellable via Close.
func (c *Connection) reconnect() {
	backoff := c.cfg.InitialBackoff

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		jitter := time.Duration(rand.Int63n(int64(backoff)/5 + 1))
		select {
		case <-c.closeCh:
			return
		case <-time.After(backoff + jitter):
		}

		conn, err := c.dial()
		if err != nil {
			c.logger.Warn("broker reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.cfg.MaxAttempts),
				zap.Duration("backoff", backoff),
				zap.Error(err))

			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.lost = false
		c.reconnecting = false
		c.mu.Unlock()

		c.logger.Info("broker connection restored", zap.Int("attempt", attempt))
		c.fire(c.restoredCallbacks(), "on_restored")
		return
	}

	c.logger.Error("broker reconnect attempts exhausted",
		zap.Int("max_attempts", c.cfg.MaxAttempts))

	// Still lost: the next Get starts a fresh reconnector.
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}

func (c *Connection) lostCallbacks() []func() {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	fns := make([]func(), 0, len(c.onLost))
	for _, fn := range c.onLost {
		fns = append(fns, fn)
	}
	return fns
}

func (c *Connection) restoredCallbacks() []func() {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	fns := make([]func(), 0, len(c.onRestored))
	for _, fn := range c.onRestored {
		fns = append(fns, fn)
	}
	return fns
}

// fire invokes callbacks, recovering panics so a bad callback can never take
// down the reconnector.
func (c *Connection) fire(fns []func(), name string) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("connection callback panicked",
						zap.String("callback", name),
						zap.Any("panic", r))
				}
			}()
			fn()
		}()
	}
}

// Close shuts the connection down and cancels any in-flight reconnection.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.closeCh)

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}
