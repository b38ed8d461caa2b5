package options

import (
	"encoding/json"
	"fmt"
	"strconv"

	"trade_gateway/internal/exchange/base"
	"trade_gateway/internal/model"
	apperrors "trade_gateway/pkg/errors"

	"github.com/shopspring/decimal"
)

const (
	statusAccepted     = "ACCEPTED"
	statusRejected     = "REJECTED"
	statusPartTraded   = "PART_TRADED"
	statusAllTraded    = "ALL_TRADED"
	statusCanceled     = "CANCELED"
	statusPartCanceled = "PART_CANCELED"
)

func sideCode(d model.Direction) string {
	if d == model.DirectionSell {
		return "SELL"
	}
	return "BUY"
}

func effectCode(o model.Offset) string {
	switch o {
	case model.OffsetClose:
		return "CLOSE"
	case model.OffsetCloseToday:
		return "CLOSE_TODAY"
	case model.OffsetCloseYesterday:
		return "CLOSE_YESTERDAY"
	}
	return "OPEN"
}

func typeCode(k model.OrderKind) string {
	switch k {
	case model.KindFAK:
		return "FAK"
	case model.KindFOK:
		return "FOK"
	}
	return "LIMIT"
}

type tradeRow struct {
	TradeID string `json:"trade_id"`
	Price   string `json:"price"`
	Qty     string `json:"qty"`
	TimeMs  int64  `json:"ts"`
}

type orderRow struct {
	OrderID         int64     `json:"order_id"`
	ClientOrderRef  string    `json:"client_order_ref"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	Account         string    `json:"account"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	PositionEffect  string    `json:"position_effect"`
	OrderType       string    `json:"order_type"`
	Price           string    `json:"price"`
	Quantity        string    `json:"quantity"`
	FilledQty       string    `json:"filled_qty"`
	AvgPrice        string    `json:"avg_price"`
	Status          string    `json:"status"`
	ErrorCode       string    `json:"error_code"`
	ErrorMessage    string    `json:"error_message"`
	CreatedMs       int64     `json:"created_ms"`
	Trade           *tradeRow `json:"trade"`
}

func (r orderRow) ref() model.OrderRef {
	ref, err := model.ParseOrderRef(r.ClientOrderRef)
	if err != nil {
		return 0
	}
	return ref
}

func (r orderRow) toOrder() (*model.Order, error) {
	o := &model.Order{
		Ref:      r.ref(),
		LocalID:  strconv.FormatInt(r.OrderID, 10),
		SystemID: r.ExchangeOrderID,
		Account:  r.Account,
		Ticker:   r.Symbol,
	}
	switch r.Side {
	case "BUY":
		o.Direction = model.DirectionBuy
	case "SELL":
		o.Direction = model.DirectionSell
	default:
		return nil, fmt.Errorf("%w: side %q", apperrors.ErrMalformed, r.Side)
	}
	switch r.PositionEffect {
	case "OPEN":
		o.Offset = model.OffsetOpen
	case "CLOSE":
		o.Offset = model.OffsetClose
	case "CLOSE_TODAY":
		o.Offset = model.OffsetCloseToday
	case "CLOSE_YESTERDAY":
		o.Offset = model.OffsetCloseYesterday
	default:
		return nil, fmt.Errorf("%w: position effect %q", apperrors.ErrMalformed, r.PositionEffect)
	}
	switch r.OrderType {
	case "FAK":
		o.Kind = model.KindFAK
	case "FOK":
		o.Kind = model.KindFOK
	default:
		o.Kind = model.KindLimit
	}
	err := base.MustDecimals([]*decimal.Decimal{&o.Price, &o.Quantity, &o.TradedQty, &o.AvgPrice},
		r.Price, r.Quantity, r.FilledQty, r.AvgPrice)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// tradedView carries the cumulative filled quantity of a closing report.
func (r orderRow) tradedView() (*model.Order, error) {
	o := &model.Order{}
	if err := base.MustDecimals([]*decimal.Decimal{&o.TradedQty, &o.AvgPrice}, r.FilledQty, r.AvgPrice); err != nil {
		return nil, err
	}
	return o, nil
}

func (e *Exchange) decodePush(msg []byte) (*model.Event, error) {
	var p struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := base.DecodeEnvelope(msg, &p); err != nil {
		return nil, err
	}

	switch p.Type {
	case "order_event":
		var r orderRow
		if err := base.DecodeEnvelope(p.Data, &r); err != nil {
			return nil, err
		}
		return e.orderEvent(r)
	case "cancel_error":
		var r orderRow
		if err := base.DecodeEnvelope(p.Data, &r); err != nil {
			return nil, err
		}
		return &model.Event{
			Kind:      model.EventCancelRejected,
			Ref:       r.ref(),
			LocalID:   strconv.FormatInt(r.OrderID, 10),
			Time:      e.Now(),
			ErrorCode: r.ErrorCode,
			ErrorMsg:  r.ErrorMessage,
		}, nil
	case "heartbeat", "subscribed":
		return nil, nil
	}
	return nil, fmt.Errorf("%w: push type %q", apperrors.ErrMalformed, p.Type)
}

func (e *Exchange) orderEvent(r orderRow) (*model.Event, error) {
	ev := &model.Event{
		Ref:      r.ref(),
		LocalID:  strconv.FormatInt(r.OrderID, 10),
		SystemID: r.ExchangeOrderID,
		Time:     e.Now(),
	}

	// an embedded trade makes this a fill, possibly with the remainder
	// killed in the same message
	if r.Trade != nil && (r.Status == statusPartTraded || r.Status == statusAllTraded || r.Status == statusPartCanceled) {
		ev.Kind = model.EventTrade
		ev.TradeID = r.Trade.TradeID
		ev.Time = e.EventTime(r.Trade.TimeMs)
		ev.CancelRemainder = r.Status == statusPartCanceled
		if err := base.MustDecimals([]*decimal.Decimal{&ev.TradeQty, &ev.TradePrice}, r.Trade.Qty, r.Trade.Price); err != nil {
			return nil, err
		}
		if ev.CancelRemainder {
			view, err := r.tradedView()
			if err != nil {
				return nil, err
			}
			ev.Order = view
		}
		return ev, nil
	}

	switch r.Status {
	case statusAccepted:
		ev.Kind = model.EventVenueAccepted
		tmpl, err := r.toOrder()
		if err != nil {
			return nil, err
		}
		tmpl.TradedQty = decimal.Zero
		tmpl.AvgPrice = decimal.Zero
		ev.Order = tmpl
	case statusRejected:
		ev.Kind = model.EventVenueRejected
		ev.ErrorCode, ev.ErrorMsg = r.ErrorCode, r.ErrorMessage
	case statusCanceled, statusPartCanceled:
		ev.Kind = model.EventCancelConfirmed
		view, err := r.tradedView()
		if err != nil {
			return nil, err
		}
		ev.Order = view
	default:
		return nil, fmt.Errorf("%w: order status %q without trade", apperrors.ErrMalformed, r.Status)
	}
	return ev, nil
}
