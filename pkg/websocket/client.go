// Package websocket is the push-stream transport used by venue adapters.
//
// Connect dials synchronously and then a single goroutine reads frames, so a
// handler sees frames in the order the venue sent them. By default a lost
// connection is reported once and the client stays down; the session layer
// decides when to reconnect.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"trade_gateway/internal/core"
	apperrors "trade_gateway/pkg/errors"
	"trade_gateway/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler receives one raw frame. It runs on the read goroutine.
type MessageHandler func(message []byte)

const stopGrace = 5 * time.Second

type heartbeat struct {
	every     time.Duration
	writeWait time.Duration
	readWait  time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHeader adds headers to the upgrade request.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

// WithHeartbeat pings every interval. A frame or pong must arrive within
// readWait or the connection is treated as dead.
func WithHeartbeat(every, writeWait, readWait time.Duration) Option {
	return func(c *Client) { c.hb = heartbeat{every: every, writeWait: writeWait, readWait: readWait} }
}

// WithRedial makes the client redial on its own after a lost connection.
func WithRedial(backoff time.Duration) Option {
	return func(c *Client) {
		c.redial = true
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithDisconnectHandler is called with the cause of every lost connection.
// It is not called for a connection closed by Stop.
func WithDisconnectHandler(fn func(err error)) Option {
	return func(c *Client) { c.onLost = fn }
}

// WithLogger sets where connection warnings go.
func WithLogger(l core.ILogger) Option {
	return func(c *Client) { c.logger = l }
}

type Client struct {
	url     string
	header  http.Header
	handler MessageHandler
	hb      heartbeat
	redial  bool
	backoff time.Duration
	onLost  func(err error)
	logger  core.ILogger

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer  trace.Tracer
	frames  metric.Int64Counter
	dials   metric.Int64Counter
	handled metric.Float64Histogram
}

func NewClient(url string, handler MessageHandler, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:     url,
		handler: handler,
		hb:      heartbeat{every: 30 * time.Second, writeWait: 10 * time.Second, readWait: time.Minute},
		backoff: 5 * time.Second,
		ctx:     ctx,
		cancel:  cancel,
		tracer:  telemetry.GetTracer("venue-stream"),
	}
	for _, opt := range opts {
		opt(c)
	}

	meter := telemetry.GetMeter("venue-stream")
	c.frames, _ = meter.Int64Counter("trade_gateway_stream_frames_total",
		metric.WithDescription("Push frames received from venues"))
	c.dials, _ = meter.Int64Counter("trade_gateway_stream_dials_total",
		metric.WithDescription("Push stream dial attempts"))
	c.handled, _ = meter.Float64Histogram("trade_gateway_stream_handle_seconds",
		metric.WithDescription("Time spent handling one push frame"))
	return c
}

// Send writes msg as one JSON text frame.
func (c *Client) Send(msg interface{}) error {
	conn := c.current()
	if conn == nil {
		return apperrors.ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	return nil
}

// Connect dials and starts the read goroutine. A Client connects once.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("websocket client already started")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}
	c.wg.Add(1)
	go c.serve()
	return nil
}

// Stop closes the connection and waits briefly for the goroutines to exit.
func (c *Client) Stop() {
	c.cancel()
	c.drop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		c.warn("Push stream goroutines still running after stop", "url", c.url)
	}
}

func (c *Client) IsConnected() bool {
	return c.current() != nil
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) serve() {
	defer c.wg.Done()
	for {
		err := c.session()
		if c.ctx.Err() != nil {
			return
		}
		c.warn("Push stream lost", "url", c.url, "error", err)
		if c.onLost != nil {
			c.onLost(err)
		}
		if !c.redial || !c.redialLoop() {
			return
		}
	}
}

// session runs the heartbeat and read loop for the current connection and
// returns why it ended.
func (c *Client) session() error {
	ctx, stop := context.WithCancel(c.ctx)
	defer stop()
	if c.hb.every > 0 {
		c.wg.Add(1)
		go c.ping(ctx)
	}
	return c.read()
}

func (c *Client) redialLoop() bool {
	for {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(c.backoff):
		}
		if err := c.dial(c.ctx); err != nil {
			c.warn("Push stream redial failed", "url", c.url, "error", err)
			continue
		}
		return true
	}
}

func (c *Client) ping(ctx context.Context) {
	defer c.wg.Done()
	t := time.NewTicker(c.hb.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		conn := c.current()
		if conn == nil {
			return
		}
		c.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hb.writeWait))
		c.writeMu.Unlock()
		if err != nil {
			// unblocks read
			c.drop()
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "stream.dial", trace.WithAttributes(attribute.String("ws.url", c.url)))
	defer span.End()
	c.dials.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: dial %s: %v", apperrors.ErrNetwork, c.url, err)
	}
	wait := c.hb.readWait
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) drop() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) read() error {
	defer c.drop()
	conn := c.current()
	if conn == nil {
		return apperrors.ErrNotConnected
	}
	for {
		_, frame, err := conn.ReadMessage()
		switch {
		case err == nil:
		case c.ctx.Err() != nil:
			return c.ctx.Err()
		case errors.Is(err, websocket.ErrCloseSent):
			return apperrors.ErrNotConnected
		default:
			return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
		}

		// frames extend the deadline as well as pongs
		_ = conn.SetReadDeadline(time.Now().Add(c.hb.readWait))
		c.frames.Add(c.ctx, 1)
		if c.handler != nil {
			start := time.Now()
			c.handler(frame)
			c.handled.Record(c.ctx, time.Since(start).Seconds())
		}
	}
}

func (c *Client) warn(msg string, kv ...interface{}) {
	if c.logger != nil {
		c.logger.Warn(msg, kv...)
	}
}
