package stock

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"trade_gateway/internal/config"
	"trade_gateway/internal/exchange/base"
	"trade_gateway/internal/model"
	apperrors "trade_gateway/pkg/errors"
	"trade_gateway/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type broker struct {
	srv *httptest.Server

	mu      sync.Mutex
	steps   []string
	orders  []entrustReq
	tokens  []string
	cancels []string
	conn    *websocket.Conn
	subs    chan string
}

func reply(w http.ResponseWriter, payload interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "payload": payload})
}

func refuse(w http.ResponseWriter, code, text string) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "err_code": code, "err_text": text})
}

func newBroker(t *testing.T) *broker {
	b := &broker{subs: make(chan string, 1)}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/stock/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.steps = append(b.steps, "login")
		b.mu.Unlock()
		if req["password"] != "p" {
			refuse(w, "L01", "bad password")
			return
		}
		reply(w, map[string]string{"session_id": "SS9", "token": "tk"})
	})
	mux.HandleFunc("/stock/confirm", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.steps = append(b.steps, "confirm")
		b.mu.Unlock()
		reply(w, nil)
	})
	mux.HandleFunc("/stock/order", func(w http.ResponseWriter, r *http.Request) {
		var req entrustReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.orders = append(b.orders, req)
		b.tokens = append(b.tokens, r.Header.Get("X-Session-Token"))
		b.mu.Unlock()
		if req.Code == "BAD" {
			refuse(w, "E104", "unknown security")
			return
		}
		reply(w, map[string]string{"entrust_no": "7001"})
	})
	mux.HandleFunc("/stock/cancel", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.cancels = append(b.cancels, req["entrust_no"])
		b.mu.Unlock()
		if req["entrust_no"] == "gone" {
			refuse(w, "C20", "already finished")
			return
		}
		reply(w, nil)
	})
	mux.HandleFunc("/stock/asset", func(w http.ResponseWriter, r *http.Request) {
		reply(w, []map[string]string{{"account": "CR01", "total_asset": "1000000", "available": "250000", "frozen": "1200", "fee": "35.2"}})
	})
	mux.HandleFunc("/stock/holdings", func(w http.ResponseWriter, r *http.Request) {
		reply(w, []map[string]string{{
			"account": "CR01", "code": "600000", "total": "5000", "sellable": "3000", "today_buy": "2000",
			"margin_loan": "1000", "short_loan": "400", "direct_returnable": "200",
		}})
	})
	mux.HandleFunc("/stock/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("open") != "true" {
			reply(w, []interface{}{})
			return
		}
		reply(w, []map[string]interface{}{{
			"entrust_no": "6999", "remark": "321", "exchange_no": "SH-1", "account": "CR01", "code": "600000",
			"side": "S", "biz_type": "SHORT_SELL", "order_type": "LIMIT", "price": "10.5", "qty": "300",
			"filled_qty": "100", "avg_price": "10.5", "status": "REPORTED", "entrust_ms": 1717400000000,
		}})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			b.subs <- string(msg)
		}
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *broker) push(t *testing.T, typ string, data interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NoError(t, b.conn.WriteJSON(map[string]interface{}{"type": typ, "data": data}))
}

type collector struct{ ch chan model.Event }

func (c *collector) OnEvent(ev model.Event) { c.ch <- ev }
func (c *collector) OnDisconnected(error)   {}

func (c *collector) wait(t *testing.T) model.Event {
	select {
	case ev := <-c.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push")
		return model.Event{}
	}
}

func newStock(b *broker, password string) *Exchange {
	return NewExchange("credit", config.VenueConfig{
		Protocol: config.ProtocolStock,
		BaseURL:  b.srv.URL,
		WSURL:    "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws",
		UserID:   "u1",
		Password: config.Secret(password),
		Accounts: []string{"CR01"},
	}, base.StreamOptions{}, logging.NewNop())
}

func login(t *testing.T, b *broker) (*Exchange, *collector) {
	e := newStock(b, "p")
	c := &collector{ch: make(chan model.Event, 8)}
	require.NoError(t, e.Connect(context.Background(), c))
	t.Cleanup(func() { _ = e.Disconnect() })
	for _, step := range e.HandshakeSteps() {
		_, err := e.RunHandshakeStep(context.Background(), step)
		require.NoError(t, err)
	}
	select {
	case msg := <-b.subs:
		assert.Contains(t, msg, `"token":"tk"`)
	case <-time.After(2 * time.Second):
		t.Fatal("stream never subscribed")
	}
	return e, c
}

func TestHandshake(t *testing.T) {
	b := newBroker(t)
	e, _ := login(t, b)

	b.mu.Lock()
	assert.Equal(t, []string{"login", "confirm"}, b.steps)
	b.mu.Unlock()
	assert.Equal(t, "SS9", e.Identity().SessionID)
	assert.Equal(t, model.ClassCash, e.Class())
}

func TestHandshake_BadPassword(t *testing.T) {
	b := newBroker(t)
	e := newStock(b, "wrong")
	_, err := e.RunHandshakeStep(context.Background(), StepLogin)
	assert.True(t, errors.Is(err, apperrors.ErrHandshakeFailed))
}

func TestEntrustCodes(t *testing.T) {
	cases := []struct {
		side   model.Side
		venue  string
		biz    string
		dir    model.Direction
		offset model.Offset
	}{
		{model.SideOpenLong, "B", bizNormal, model.DirectionBuy, model.OffsetOpen},
		{model.SideCloseYesterdayLong, "S", bizNormal, model.DirectionSell, model.OffsetClose},
		{model.SideOpenShort, "S", bizShortSell, model.DirectionSell, model.OffsetOpen},
		{model.SideCloseYesterdayShort, "B", bizBuyToReturn, model.DirectionBuy, model.OffsetClose},
	}
	for _, tc := range cases {
		t.Run(tc.side.String(), func(t *testing.T) {
			side, biz, err := entrustCodes(tc.side)
			require.NoError(t, err)
			assert.Equal(t, tc.venue, side)
			assert.Equal(t, tc.biz, biz)

			dir, off, err := parseEntrust(side, biz)
			require.NoError(t, err)
			assert.Equal(t, tc.dir, dir)
			assert.Equal(t, tc.offset, off)
		})
	}

	_, _, err := entrustCodes(model.SideUnknown)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidOrderParameter))
	_, _, err = parseEntrust("S", bizMarginBuy)
	assert.True(t, errors.Is(err, apperrors.ErrMalformed))
}

func TestSubmitOrder(t *testing.T) {
	b := newBroker(t)
	e, _ := login(t, b)

	o := &model.Order{Ref: 42, Account: "CR01", Ticker: "600000", Kind: model.KindLimit,
		Direction: model.DirectionSell, Offset: model.OffsetOpen, Side: model.SideOpenShort,
		Price: decimal.RequireFromString("10.5"), Quantity: decimal.NewFromInt(300)}
	ev, err := e.SubmitOrder(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, model.EventBackendAccepted, ev.Kind)
	assert.Equal(t, "7001", ev.LocalID)

	b.mu.Lock()
	req := b.orders[0]
	token := b.tokens[0]
	b.mu.Unlock()
	assert.Equal(t, "42", req.Remark)
	assert.Equal(t, "S", req.Side)
	assert.Equal(t, bizShortSell, req.BizType)
	assert.Equal(t, "300", req.Qty)
	assert.Equal(t, "tk", token)

	o.Ref, o.Ticker = 43, "BAD"
	ev, err = e.SubmitOrder(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, model.EventBackendRejected, ev.Kind)
	assert.Equal(t, "E104", ev.ErrorCode)

	// an unresolved side never reaches the venue
	_, err = e.SubmitOrder(context.Background(), &model.Order{Ref: 44})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidOrderParameter))
}

func TestCancelOrder(t *testing.T) {
	b := newBroker(t)
	e, _ := login(t, b)
	ctx := context.Background()

	ev, err := e.CancelOrder(ctx, &model.Order{Ref: 42, Account: "CR01", LocalID: "7001"})
	require.NoError(t, err)
	assert.Equal(t, model.EventCancelling, ev.Kind)

	ev, err = e.CancelOrder(ctx, &model.Order{Ref: 43, Account: "CR01", LocalID: "gone"})
	require.NoError(t, err)
	assert.Equal(t, model.EventCancelRejected, ev.Kind)
	assert.Equal(t, "C20", ev.ErrorCode)

	_, err = e.CancelOrder(ctx, &model.Order{Ref: 44})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidOrderParameter))

	b.mu.Lock()
	assert.Equal(t, []string{"7001", "gone"}, b.cancels)
	b.mu.Unlock()
}

func TestPushStream(t *testing.T) {
	b := newBroker(t)
	_, c := login(t, b)

	b.push(t, "order", map[string]interface{}{
		"entrust_no": "7001", "remark": "42", "exchange_no": "SH-77", "account": "CR01", "code": "600000",
		"side": "B", "biz_type": "NORMAL", "price": "10.5", "qty": "300", "filled_qty": "0", "status": "REPORTED",
	})
	ev := c.wait(t)
	assert.Equal(t, model.EventVenueAccepted, ev.Kind)
	assert.Equal(t, model.OrderRef(42), ev.Ref)
	assert.Equal(t, "SH-77", ev.SystemID)
	require.NotNil(t, ev.Order)
	assert.Equal(t, model.DirectionBuy, ev.Order.Direction)
	assert.Equal(t, model.OffsetOpen, ev.Order.Offset)

	b.push(t, "fill", map[string]interface{}{
		"entrust_no": "7001", "remark": "42", "fill_id": "F1", "price": "10.49", "qty": "100",
		"ts": 1717400001000, "done_remainder_cancelled": true,
	})
	ev = c.wait(t)
	assert.Equal(t, model.EventTrade, ev.Kind)
	assert.Equal(t, "F1", ev.TradeID)
	assert.True(t, ev.TradePrice.Equal(decimal.RequireFromString("10.49")))
	assert.True(t, ev.CancelRemainder)

	b.push(t, "cancel_result", map[string]interface{}{"entrust_no": "7002", "remark": "43", "success": false, "reason_code": "C9"})
	ev = c.wait(t)
	assert.Equal(t, model.EventCancelRejected, ev.Kind)
	assert.Equal(t, "C9", ev.ErrorCode)

	b.push(t, "cancel_result", map[string]interface{}{"entrust_no": "7003", "remark": "44", "success": true})
	ev = c.wait(t)
	assert.Equal(t, model.EventCancelConfirmed, ev.Kind)
	assert.Equal(t, model.OrderRef(44), ev.Ref)

	b.push(t, "cancel_result", map[string]interface{}{"entrust_no": "7004", "remark": "45", "success": true,
		"filled_qty": "300", "avg_price": "10.5"})
	ev = c.wait(t)
	assert.Equal(t, model.EventCancelConfirmed, ev.Kind)
	require.NotNil(t, ev.Order)
	assert.True(t, ev.Order.TradedQty.Equal(decimal.NewFromInt(300)))
	assert.True(t, ev.Order.AvgPrice.Equal(decimal.RequireFromString("10.5")))
}

func TestDecodePush_Ignored(t *testing.T) {
	e := newStock(newBroker(t), "p")

	ev, err := e.decodePush([]byte(`{"type":"hb"}`))
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = e.decodePush([]byte(`{"type":"order","data":{"entrust_no":"1","status":"FILLED","side":"B","biz_type":"NORMAL"}}`))
	require.NoError(t, err)
	assert.Nil(t, ev)

	_, err = e.decodePush([]byte(`{"type":"quote"}`))
	assert.True(t, errors.Is(err, apperrors.ErrMalformed))
}

func TestQueries(t *testing.T) {
	b := newBroker(t)
	e, _ := login(t, b)
	ctx := context.Background()

	funds, err := e.QueryFunds(ctx)
	require.NoError(t, err)
	require.Len(t, funds, 1)
	assert.True(t, funds[0].Commission.Equal(decimal.RequireFromString("35.2")))

	pos, err := e.QueryPositions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	require.NotNil(t, pos[0].Cash)
	assert.True(t, pos[0].Cash.YesterdayAvailable.Equal(decimal.NewFromInt(3000)))
	assert.True(t, pos[0].Cash.ShortLoan.Equal(decimal.NewFromInt(400)))
	assert.True(t, pos[0].Cash.TodaySell.IsZero())

	orders, err := e.QueryOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderRef(321), orders[0].Ref)
	assert.Equal(t, model.DirectionSell, orders[0].Direction)
	assert.Equal(t, model.OffsetOpen, orders[0].Offset)
	assert.True(t, orders[0].TradedQty.Equal(decimal.NewFromInt(100)))
}
