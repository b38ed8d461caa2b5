package base

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trade_gateway/internal/config"
	"trade_gateway/internal/model"
	apperrors "trade_gateway/pkg/errors"
	"trade_gateway/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner(t *testing.T) {
	fixed := time.UnixMilli(1717400000123)
	s := &Signer{UserID: "trader", Key: "k3y", Now: func() time.Time { return fixed }}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/order/insert?x=1", nil)
	require.NoError(t, s.SignRequest(req, []byte(`{"a":1}`)))

	mac := hmac.New(sha256.New, []byte("k3y"))
	mac.Write([]byte("1717400000123POST/api/v1/order/insert?x=1{\"a\":1}"))
	assert.Equal(t, "trader", req.Header.Get("X-GW-USER"))
	assert.Equal(t, "1717400000123", req.Header.Get("X-GW-TIMESTAMP"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), req.Header.Get("X-GW-SIGN"))

	unsigned := httptest.NewRequest(http.MethodGet, "/q", nil)
	require.NoError(t, (&Signer{UserID: "trader"}).SignRequest(unsigned, nil))
	assert.Empty(t, unsigned.Header.Get("X-GW-SIGN"))
}

func TestVenueError(t *testing.T) {
	var err error = &VenueError{Code: "31", Message: "insufficient margin"}
	assert.True(t, errors.Is(err, apperrors.ErrOrderRejected))
	assert.Contains(t, err.Error(), "31")
}

func TestParsing(t *testing.T) {
	d, err := ParseDecimal("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	_, err = ParseDecimal("1,5")
	assert.True(t, errors.Is(err, apperrors.ErrMalformed))

	var a, b decimal.Decimal
	require.NoError(t, MustDecimals([]*decimal.Decimal{&a, &b}, "1.25", "-3"))
	assert.Equal(t, "1.25", a.String())
	assert.Equal(t, "-3", b.String())

	assert.True(t, ParseMillis(0).IsZero())
	assert.Equal(t, int64(42), ParseMillis(42).UnixMilli())

	var out struct{ A int }
	assert.True(t, errors.Is(DecodeEnvelope([]byte("{"), &out), apperrors.ErrMalformed))
}

func TestDefaultRouteAndClock(t *testing.T) {
	b := NewBaseAdapter("v1", config.VenueConfig{}, StreamOptions{}, logging.NewNop())
	assert.Equal(t, "v1", b.DefaultRoute())

	b = NewBaseAdapter("v1", config.VenueConfig{DefaultRoute: "v2"}, StreamOptions{}, logging.NewNop())
	assert.Equal(t, "v2", b.DefaultRoute())

	now := time.Unix(100, 0)
	b.Clock = func() time.Time { return now }
	assert.Equal(t, now, b.EventTime(0))
	assert.Equal(t, int64(5), b.EventTime(5).UnixMilli())
}

type sink struct {
	events chan model.Event
	errs   chan error
}

func (s *sink) OnEvent(ev model.Event)   { s.events <- ev }
func (s *sink) OnDisconnected(err error) { s.errs <- err }

func TestOpenStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	users := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		users <- r.Header.Get("X-GW-USER")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range []string{"junk", "skip", "ok"} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	b := NewBaseAdapter("v1", config.VenueConfig{
		UserID: "trader",
		WSURL:  "ws" + strings.TrimPrefix(srv.URL, "http"),
	}, StreamOptions{}, logging.NewNop())
	assert.True(t, errors.Is(b.Send("x"), apperrors.ErrNotConnected))

	s := &sink{events: make(chan model.Event, 4), errs: make(chan error, 1)}
	decode := func(msg []byte) (*model.Event, error) {
		switch string(msg) {
		case "ok":
			return &model.Event{Kind: model.EventTrade, Ref: 9}, nil
		case "skip":
			return nil, nil
		}
		return nil, apperrors.ErrMalformed
	}
	require.NoError(t, b.OpenStream(context.Background(), s, decode))
	defer b.Disconnect()
	assert.Equal(t, "trader", <-users)

	select {
	case ev := <-s.events:
		assert.Equal(t, model.OrderRef(9), ev.Ref)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	assert.Len(t, s.events, 0)

	b.SetIdentity(model.SessionIdentity{SessionID: "s"})
	require.NoError(t, b.Disconnect())
	assert.Equal(t, model.SessionIdentity{}, b.Identity())
}
