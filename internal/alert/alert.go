// Package alert raises operational alerts about venue sessions on chat
// channels.
package alert

import (
	"context"
	"sync"
	"time"

	"trade_gateway/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

func (l AlertLevel) rank() int {
	switch l {
	case Warning:
		return 1
	case Error:
		return 2
	case Critical:
		return 3
	}
	return 0
}

// ParseLevel maps a config string to a level; unknown strings yield Info.
func ParseLevel(s string) AlertLevel {
	switch l := AlertLevel(s); l {
	case Warning, Error, Critical:
		return l
	}
	return Info
}

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Venue     string
	Timestamp time.Time
	Fields    map[string]string
	// Repeats counts alerts with the same venue and title that were folded
	// into this one during the suppression window.
	Repeats int
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

type Option func(*AlertManager)

// WithMinLevel drops alerts below level.
func WithMinLevel(level AlertLevel) Option {
	return func(am *AlertManager) { am.minLevel = level }
}

// WithSuppression folds repeats of the same venue and title raised within d
// of the last delivered one. Critical alerts are never folded.
func WithSuppression(d time.Duration) Option {
	return func(am *AlertManager) { am.suppress = d }
}

func WithClock(clock func() time.Time) Option {
	return func(am *AlertManager) { am.clock = clock }
}

// AlertManager delivers each alert to every channel without blocking the caller.
type AlertManager struct {
	logger   core.ILogger
	timeout  time.Duration
	minLevel AlertLevel
	suppress time.Duration
	clock    func() time.Time

	mu       sync.Mutex
	channels []AlertChannel
	lastSent map[string]time.Time
	folded   map[string]int

	inflight sync.WaitGroup
}

func NewAlertManager(logger core.ILogger, opts ...Option) *AlertManager {
	am := &AlertManager{
		logger:   logger.WithField("component", "alert_manager"),
		timeout:  10 * time.Second,
		minLevel: Info,
		clock:    time.Now,
		lastSent: make(map[string]time.Time),
		folded:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(am)
	}
	return am
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	am.channels = append(am.channels, ch)
	am.mu.Unlock()
	am.logger.Info("Added alert channel", "name", ch.Name())
}

func (am *AlertManager) ChannelCount() int {
	am.mu.Lock()
	defer am.mu.Unlock()
	return len(am.channels)
}

// Alert sends asynchronously. The caller's ctx only bounds delivery; a
// cancelled ctx still lets channels try once with the manager timeout.
// A "venue" entry in fields becomes the payload's Venue.
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	if level.rank() < am.minLevel.rank() {
		return
	}
	now := am.clock()
	venue := fields["venue"]
	key := venue + "|" + title

	am.mu.Lock()
	if last, ok := am.lastSent[key]; ok && level != Critical && now.Sub(last) < am.suppress {
		am.folded[key]++
		am.mu.Unlock()
		am.logger.Debug("Alert suppressed", "title", title, "venue", venue)
		return
	}
	am.lastSent[key] = now
	repeats := am.folded[key]
	delete(am.folded, key)
	channels := append([]AlertChannel(nil), am.channels...)
	am.mu.Unlock()

	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Venue:     venue,
		Timestamp: now,
		Fields:    fields,
		Repeats:   repeats,
	}
	am.logger.Info("Triggering alert", "title", title, "level", level, "venue", venue, "repeats", repeats)

	base := context.WithoutCancel(ctx)
	for _, ch := range channels {
		am.inflight.Add(1)
		go func(c AlertChannel) {
			defer am.inflight.Done()
			sendCtx, cancel := context.WithTimeout(base, am.timeout)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Wait blocks until every alert sent so far was delivered or failed.
func (am *AlertManager) Wait() {
	am.inflight.Wait()
}
