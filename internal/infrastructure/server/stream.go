package server

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"trade_gateway/internal/config"
	"trade_gateway/internal/core"
	"trade_gateway/internal/model"
	"trade_gateway/internal/outbound"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	streamActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trade_gateway_stream_clients",
		Help: "Current number of outbound stream clients",
	})

	streamRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trade_gateway_stream_rejected_total",
		Help: "Total number of rejected outbound stream connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(streamActiveConnections)
	prometheus.MustRegister(streamRejectedTotal)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// StreamMessage is one outbound event as sent to stream clients.
type StreamMessage struct {
	Type  string      `json:"type"`
	ID    string      `json:"id"`
	Venue string      `json:"venue"`
	Time  time.Time   `json:"time"`
	Data  interface{} `json:"data"`
}

func newStreamMessage(ev model.OutboundEvent) StreamMessage {
	msg := StreamMessage{Type: string(ev.Kind), ID: ev.ID, Venue: ev.Venue, Time: ev.Time}
	switch ev.Kind {
	case model.OutboundOrder:
		msg.Data = ev.Order
	case model.OutboundPosition:
		msg.Data = ev.Position
	case model.OutboundFund:
		msg.Data = ev.Fund
	case model.OutboundInfo:
		msg.Data = ev.Info
	}
	return msg
}

// Stream serves outbound events to WebSocket clients. Each client gets its
// own hub subscription; a client that cannot keep up loses events rather than
// slowing the gateways down.
type Stream struct {
	hub            *outbound.Hub
	logger         core.ILogger
	upgrader       websocket.Upgrader
	allowedOrigins []string
	buffer         int

	connSemaphore chan struct{}

	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

func NewStream(hub *outbound.Hub, cfg config.StreamConfig, logger core.ILogger) *Stream {
	maxClients := cfg.MaxClients
	if maxClients <= 0 {
		maxClients = 100
	}
	buffer := cfg.ClientBuffer
	if buffer <= 0 {
		buffer = 1024
	}
	s := &Stream{
		hub:            hub,
		logger:         logger.WithField("component", "outbound_stream"),
		allowedOrigins: cfg.AllowedOrigins,
		buffer:         buffer,
		connSemaphore:  make(chan struct{}, maxClients),
		rateLimit:      10,
		rateBurst:      20,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin admits non-browser clients, which send no Origin, and browsers
// from a whitelisted origin.
func (s *Stream) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("Rejected stream connection with invalid Origin", "origin", origin, "error", err)
		streamRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == originStr {
			return true
		}
	}
	s.logger.Warn("Rejected stream connection from unauthorized origin",
		"origin", origin, "remote_addr", r.RemoteAddr)
	streamRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// ServeHTTP upgrades the request and streams events until either side closes.
// The optional venue query parameter restricts the feed to one venue.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !s.ipLimiter(ip).Allow() {
		s.logger.Warn("Stream rate limit exceeded", "ip", ip)
		streamRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		streamActiveConnections.Inc()
		defer func() {
			<-s.connSemaphore
			streamActiveConnections.Dec()
		}()
	default:
		s.logger.Warn("Max stream clients reached")
		streamRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	sub := s.hub.Subscribe(id, s.buffer)
	defer s.hub.Unsubscribe(sub)
	venue := r.URL.Query().Get("venue")
	s.logger.Info("Stream client connected", "client_id", id, "remote_addr", r.RemoteAddr, "venue", venue)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readPump(conn, id)
	}()
	s.writePump(conn, sub, venue, done)

	s.logger.Info("Stream client disconnected", "client_id", id)
}

func (s *Stream) writePump(conn *websocket.Conn, sub *outbound.Subscriber, venue string, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if venue != "" && ev.Venue != venue {
				continue
			}
			if err := conn.WriteJSON(newStreamMessage(ev)); err != nil {
				s.logger.Warn("Stream write failed", "client_id", sub.ID(), "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only keeps the read deadline fresh; clients send nothing.
func (s *Stream) readPump(conn *websocket.Conn, id string) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Stream read failed", "client_id", id, "error", err)
			}
			return
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Stream) ipLimiter(ip string) *rate.Limiter {
	if v, ok := s.ipLimiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}
	actual, _ := s.ipLimiters.LoadOrStore(ip, rate.NewLimiter(s.rateLimit, s.rateBurst))
	return actual.(*rate.Limiter)
}
