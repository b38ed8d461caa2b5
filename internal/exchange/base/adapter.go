// Package base provides common functionality for venue adapters
package base

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"trade_gateway/internal/config"
	"trade_gateway/internal/core"
	"trade_gateway/internal/model"
	apperrors "trade_gateway/pkg/errors"
	gwhttp "trade_gateway/pkg/http"
	"trade_gateway/pkg/websocket"

	"github.com/shopspring/decimal"
)

// VenueError is a trading decision reported by the backend or the venue. Its
// code is carried verbatim into the canonical event.
type VenueError struct {
	Code    string
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %s: %s", e.Code, e.Message)
}

func (e *VenueError) Unwrap() error {
	return apperrors.ErrOrderRejected
}

// Signer signs REST requests with an HMAC-SHA256 over
// timestamp + method + path[?query] + body.
type Signer struct {
	UserID string
	Key    config.Secret
	Now    func() time.Time
}

func (s *Signer) SignRequest(req *http.Request, body []byte) error {
	req.Header.Set("X-GW-USER", s.UserID)
	if s.Key == "" {
		return nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ts := strconv.FormatInt(now().UnixMilli(), 10)
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	mac := hmac.New(sha256.New, []byte(s.Key.Reveal()))
	mac.Write([]byte(ts + req.Method + path + string(body)))
	req.Header.Set("X-GW-TIMESTAMP", ts)
	req.Header.Set("X-GW-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return nil
}

// DecodeFunc turns one push message into zero or one canonical event.
type DecodeFunc func(msg []byte) (*model.Event, error)

// StreamOptions tunes the push stream heartbeat.
type StreamOptions struct {
	PingInterval time.Duration
	PongWait     time.Duration
}

// BaseAdapter holds the plumbing shared by networked adapters: the signed REST
// client, the push stream and the session identity.
type BaseAdapter struct {
	name   string
	Config config.VenueConfig
	Logger core.ILogger
	REST   *gwhttp.Client
	Clock  func() time.Time

	streamOpts StreamOptions

	mu       sync.Mutex
	stream   *websocket.Client
	identity model.SessionIdentity
}

// NewBaseAdapter creates a new base adapter with common configuration
func NewBaseAdapter(name string, cfg config.VenueConfig, opts StreamOptions, logger core.ILogger) *BaseAdapter {
	b := &BaseAdapter{
		name:       name,
		Config:     cfg,
		Logger:     logger.WithField("venue", name),
		Clock:      time.Now,
		streamOpts: opts,
	}
	b.REST = gwhttp.NewClient(cfg.BaseURL, &Signer{UserID: cfg.UserID, Key: cfg.SecretKey, Now: b.now},
		gwhttp.Options{Timeout: cfg.RequestTimeout()})
	return b
}

func (b *BaseAdapter) now() time.Time {
	return b.Clock()
}

// Now returns the adapter clock's current time.
func (b *BaseAdapter) Now() time.Time {
	return b.Clock()
}

func (b *BaseAdapter) Name() string {
	return b.name
}

func (b *BaseAdapter) DefaultRoute() string {
	if b.Config.DefaultRoute != "" {
		return b.Config.DefaultRoute
	}
	return b.name
}

// OpenStream dials the push stream. Decoded events are handed to sink on the
// stream's read goroutine, which preserves venue delivery order.
func (b *BaseAdapter) OpenStream(ctx context.Context, sink core.IVenueSink, decode DecodeFunc) error {
	b.CloseStream()

	h := http.Header{}
	h.Set("X-GW-USER", b.Config.UserID)
	opts := []websocket.Option{
		websocket.WithHeader(h),
		websocket.WithDisconnectHandler(sink.OnDisconnected),
		websocket.WithLogger(b.Logger),
	}
	if b.streamOpts.PingInterval > 0 && b.streamOpts.PongWait > b.streamOpts.PingInterval {
		opts = append(opts, websocket.WithHeartbeat(b.streamOpts.PingInterval, 10*time.Second, b.streamOpts.PongWait))
	}
	ws := websocket.NewClient(b.Config.WSURL, func(msg []byte) {
		ev, err := decode(msg)
		if err != nil {
			b.Logger.Warn("Dropping undecodable push message", "error", err, "raw", string(msg))
			return
		}
		if ev != nil {
			sink.OnEvent(*ev)
		}
	}, opts...)

	if err := ws.Connect(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	b.stream = ws
	b.mu.Unlock()
	b.Logger.Info("Push stream connected", "url", b.Config.WSURL)
	return nil
}

// Send writes a JSON frame on the push stream.
func (b *BaseAdapter) Send(msg interface{}) error {
	b.mu.Lock()
	ws := b.stream
	b.mu.Unlock()
	if ws == nil {
		return apperrors.ErrNotConnected
	}
	return ws.Send(msg)
}

// CloseStream stops the push stream if one is open.
func (b *BaseAdapter) CloseStream() {
	b.mu.Lock()
	ws := b.stream
	b.stream = nil
	b.mu.Unlock()
	if ws != nil {
		ws.Stop()
	}
}

func (b *BaseAdapter) Disconnect() error {
	b.CloseStream()
	b.SetIdentity(model.SessionIdentity{})
	return nil
}

func (b *BaseAdapter) SetIdentity(id model.SessionIdentity) {
	b.mu.Lock()
	b.identity = id
	b.mu.Unlock()
}

func (b *BaseAdapter) Identity() model.SessionIdentity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity
}

// Call performs a REST request and returns the raw body. Non-2xx responses
// and network failures come back as transport errors.
func (b *BaseAdapter) Call(ctx context.Context, method, path string, body interface{}, params map[string]string) ([]byte, error) {
	if method == http.MethodGet {
		return b.REST.Get(ctx, path, params)
	}
	return b.REST.Post(ctx, path, body)
}

// DecodeEnvelope unmarshals a response body, wrapping failures as ErrMalformed.
func DecodeEnvelope(data []byte, out interface{}) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrMalformed, err)
	}
	return nil
}

// ParseDecimal parses a venue decimal; empty input is zero.
func ParseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: decimal %q", apperrors.ErrMalformed, s)
	}
	return d, nil
}

// MustDecimals parses several fields, stopping at the first bad one.
func MustDecimals(dst []*decimal.Decimal, src ...string) error {
	for i, s := range src {
		d, err := ParseDecimal(s)
		if err != nil {
			return err
		}
		*dst[i] = d
	}
	return nil
}

// ParseMillis converts epoch milliseconds; zero means unknown.
func ParseMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// EventTime prefers the venue's timestamp and falls back to the local clock.
func (b *BaseAdapter) EventTime(ms int64) time.Time {
	if t := ParseMillis(ms); !t.IsZero() {
		return t
	}
	return b.Clock()
}
