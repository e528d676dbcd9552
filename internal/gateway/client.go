// Package gateway is the dashboard's client for the assistant's control
// socket. One Client owns one connection: it queues sends while offline,
// flushes them in order on connect, reconnects a bounded number of times and
// fans inbound messages out to subscribers and one-shot waiters.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawdash/internal/bus"
	"github.com/basket/clawdash/internal/otel"
)

const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 5
	// DefaultStableAfter is how long a connection must stay open before its
	// loss restores the full reconnect budget.
	DefaultStableAfter = 10 * time.Second
)

// Event topics published by the client besides inbound message types.
const (
	TopicConnected    = "connected"
	TopicDisconnected = "disconnected"
	TopicError        = "error"
	TopicMessage      = "message"
)

var (
	ErrConnectTimeout = errors.New("gateway connection timeout")
	ErrTimeout        = errors.New("timeout waiting for gateway message")
)

// ConnectionState of the client's socket.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Envelope is the wire format in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Decode unmarshals the envelope's data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Stats is a point-in-time view of the connection.
type Stats struct {
	Connected         bool            `json:"connected"`
	State             ConnectionState `json:"state"`
	URL               string          `json:"url"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	QueuedMessages    int             `json:"queuedMessages"`
}

// Options configures a Client. Zero values pick the defaults.
type Options struct {
	URL                  string
	Dialer               Dialer
	ConnectTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	StableAfter          time.Duration
	Logger               *slog.Logger
	Tracer               trace.Tracer
	Metrics              *otel.Metrics
	Now                  func() time.Time
}

// Client is constructed once and shared by reference.
type Client struct {
	url            string
	dialer         Dialer
	connectTimeout time.Duration
	reconnectDelay time.Duration
	maxAttempts    int
	stableAfter    time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer
	instruments    *otel.Metrics
	now            func() time.Time

	events *bus.Bus

	// sendMu orders socket writes: the connect-time flush holds it, so no
	// Send can slip ahead of queued messages.
	sendMu sync.Mutex

	mu       sync.Mutex
	state    ConnectionState
	conn     Conn
	queue    []queued
	attempts int
	openedAt time.Time
	manual   bool
	gen      int
	retry    *time.Timer
}

type queued struct {
	msgType string
	raw     []byte
}

// New builds a disconnected client.
func New(opts Options) *Client {
	c := &Client{
		url:            opts.URL,
		dialer:         opts.Dialer,
		connectTimeout: opts.ConnectTimeout,
		reconnectDelay: opts.ReconnectDelay,
		maxAttempts:    opts.MaxReconnectAttempts,
		stableAfter:    opts.StableAfter,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		instruments:    opts.Metrics,
		now:            opts.Now,
		events:         bus.New(),
		state:          StateDisconnected,
	}
	if c.url == "" {
		c.url = "ws://localhost:18789"
	}
	if c.dialer == nil {
		c.dialer = WebSocketDialer{}
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = DefaultConnectTimeout
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = DefaultReconnectDelay
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxReconnectAttempts
	}
	if c.stableAfter <= 0 {
		c.stableAfter = DefaultStableAfter
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = otel.NoopTracer()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// URL is the socket address the client dials.
func (c *Client) URL() string { return c.url }

// Connect dials the gateway and resets the automatic retry budget. It returns
// once the socket is open and the outbound queue has been flushed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.attempts = 0
	c.manual = false
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) (err error) {
	ctx, span := otel.StartClientSpan(ctx, c.tracer, "gateway.connect")
	defer func() { otel.EndSpan(span, err) }()

	c.mu.Lock()
	if c.state == StateConnected && isOpen(c.conn) {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	conn, err := c.dialer.Dial(dialCtx, c.url)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		c.logger.Warn("gateway connect failed", "url", c.url, "error", err)
		c.events.Publish(TopicError, err)
		c.scheduleReconnect(gen)
		if timedOut {
			return ErrConnectTimeout
		}
		return fmt.Errorf("connect gateway %s: %w", c.url, err)
	}

	c.sendMu.Lock()
	c.mu.Lock()
	if c.gen != gen || c.manual {
		c.mu.Unlock()
		c.sendMu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("connect gateway %s: superseded", c.url)
	}
	c.conn = conn
	c.openedAt = c.now()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for i, msg := range pending {
		if err := conn.Write(ctx, msg.raw); err != nil {
			c.mu.Lock()
			c.queue = append(append([]queued(nil), pending[i:]...), c.queue...)
			c.mu.Unlock()
			c.sendMu.Unlock()
			c.logger.Warn("gateway queue flush failed", "remaining", len(pending)-i, "error", err)
			c.dropConn(gen, err)
			return fmt.Errorf("flush gateway queue: %w", err)
		}
		c.instruments.GatewaySentInc(ctx, msg.msgType)
	}

	c.mu.Lock()
	if c.gen != gen || c.manual {
		// A newer Connect or a Disconnect took over during the flush.
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		c.sendMu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("connect gateway %s: superseded", c.url)
	}
	c.state = StateConnected
	c.mu.Unlock()
	c.sendMu.Unlock()

	c.logger.Info("gateway connected", "url", c.url, "flushed", len(pending))
	go c.readLoop(gen, conn)
	c.events.Publish(TopicConnected, nil)
	return nil
}

func (c *Client) readLoop(gen int, conn Conn) {
	ctx := context.Background()
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.dropConn(gen, err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("gateway sent undecodable message", "error", err)
			c.events.Publish(TopicError, fmt.Errorf("decode gateway message: %w", err))
			continue
		}
		c.instruments.GatewayReceivedInc(ctx, env.Type)
		c.events.Publish(TopicMessage, env)
		if env.Type != "" {
			c.events.Publish(env.Type, env)
		}
	}
}

// dropConn handles the end of connection gen. Stale generations are ignored.
func (c *Client) dropConn(gen int, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	manual := c.manual
	if !c.openedAt.IsZero() && c.now().Sub(c.openedAt) >= c.stableAfter {
		c.attempts = 0
	}
	c.openedAt = time.Time{}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if manual {
		return
	}
	c.logger.Info("gateway disconnected", "url", c.url, "reason", cause)
	c.events.Publish(TopicDisconnected, cause)
	c.scheduleReconnect(gen)
}

func (c *Client) scheduleReconnect(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manual || c.gen != gen {
		return
	}
	if c.attempts >= c.maxAttempts {
		c.logger.Warn("gateway reconnect attempts exhausted", "attempts", c.attempts)
		return
	}
	c.attempts++
	attempt := c.attempts
	c.retry = time.AfterFunc(c.reconnectDelay, func() {
		ctx := context.Background()
		c.instruments.GatewayReconnectInc(ctx)
		c.logger.Info("gateway reconnecting", "attempt", attempt, "max", c.maxAttempts)
		_ = c.connect(ctx)
	})
}

// Disconnect closes the socket and suppresses automatic reconnects until the
// next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		c.events.Publish(TopicDisconnected, nil)
	}
}

// Send writes a message now when connected, otherwise appends it to the
// outbound queue. sent is false when the message was queued. The only error
// is an unencodable payload.
func (c *Client) Send(ctx context.Context, msgType string, data any) (sent bool, err error) {
	raw, err := c.encode(msgType, data)
	if err != nil {
		return false, err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	if c.state != StateConnected || conn == nil {
		c.queue = append(c.queue, queued{msgType: msgType, raw: raw})
		c.mu.Unlock()
		c.instruments.GatewayQueuedInc(ctx, msgType)
		c.logger.Debug("gateway message queued", "type", msgType)
		return false, nil
	}
	c.mu.Unlock()

	if err := conn.Write(ctx, raw); err != nil {
		c.mu.Lock()
		c.queue = append(c.queue, queued{msgType: msgType, raw: raw})
		c.mu.Unlock()
		c.instruments.GatewayQueuedInc(ctx, msgType)
		c.events.Publish(TopicError, fmt.Errorf("write %s: %w", msgType, err))
		return false, nil
	}
	c.instruments.GatewaySentInc(ctx, msgType)
	return true, nil
}

func (c *Client) encode(msgType string, data any) ([]byte, error) {
	payload := json.RawMessage(`{}`)
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		payload = b
	}
	return json.Marshal(Envelope{Type: msgType, Data: payload, Timestamp: c.now().UnixMilli()})
}

// WaitForMessage returns the first msgType message that arrives after the
// call. Waiters are keyed by type only, so every concurrent waiter for the
// same type receives the same message.
func (c *Client) WaitForMessage(ctx context.Context, msgType string, timeout time.Duration) (Envelope, error) {
	sub := c.events.Once(msgType)
	defer c.events.Unsubscribe(sub)
	return c.await(ctx, sub, msgType, timeout)
}

// Request registers a waiter for replyType, sends msgType and waits. A
// message that could only be queued still waits for the reply, which arrives
// after the queue is flushed.
func (c *Client) Request(ctx context.Context, msgType string, data any, replyType string, timeout time.Duration) (Envelope, error) {
	sub := c.events.Once(replyType)
	defer c.events.Unsubscribe(sub)
	if _, err := c.Send(ctx, msgType, data); err != nil {
		return Envelope{}, err
	}
	return c.await(ctx, sub, replyType, timeout)
}

func (c *Client) await(ctx context.Context, sub *bus.Subscription, msgType string, timeout time.Duration) (Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev, ok := <-sub.Ch():
		if !ok {
			return Envelope{}, fmt.Errorf("%w: %s", ErrTimeout, msgType)
		}
		env, _ := ev.Payload.(Envelope)
		return env, nil
	case <-timer.C:
		return Envelope{}, fmt.Errorf("%w: %s", ErrTimeout, msgType)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Subscribe delivers events published under topic: connected, disconnected,
// error, message, or an inbound message type.
func (c *Client) Subscribe(topic string) *bus.Subscription {
	return c.events.SubscribeTopic(topic)
}

func (c *Client) Unsubscribe(sub *bus.Subscription) {
	c.events.Unsubscribe(sub)
}

// IsConnected requires both the recorded state and the transport to agree.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && isOpen(c.conn)
}

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Connected:         c.state == StateConnected && isOpen(c.conn),
		State:             c.state,
		URL:               c.url,
		ReconnectAttempts: c.attempts,
		QueuedMessages:    len(c.queue),
	}
}
