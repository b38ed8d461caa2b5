package futures

import (
	"encoding/json"
	"fmt"
	"strconv"

	"trade_gateway/internal/exchange/base"
	"trade_gateway/internal/model"
	apperrors "trade_gateway/pkg/errors"

	"github.com/shopspring/decimal"
)

type orderRow struct {
	OrderRef        string `json:"order_ref"`
	FrontID         int    `json:"front_id"`
	SessionID       int64  `json:"session_id"`
	OrderSysID      string `json:"order_sys_id"`
	InvestorID      string `json:"investor_id"`
	InstrumentID    string `json:"instrument_id"`
	Direction       string `json:"direction"`
	CombOffsetFlag  string `json:"comb_offset_flag"`
	LimitPrice      string `json:"limit_price"`
	VolumeTotal     string `json:"volume_total_original"`
	VolumeTraded    string `json:"volume_traded"`
	AvgPrice        string `json:"avg_price"`
	TimeCondition   string `json:"time_condition"`
	VolumeCondition string `json:"volume_condition"`
	OrderStatus     string `json:"order_status"`
	SubmitStatus    string `json:"order_submit_status"`
	ErrorID         int    `json:"error_id"`
	StatusMsg       string `json:"status_msg"`
	InsertTimeMs    int64  `json:"insert_time_ms"`
}

func sessionLocalID(front int, session int64, ref string) string {
	return fmt.Sprintf("%d:%d:%s", front, session, ref)
}

// localID qualifies the order ref with the session that issued it.
func (r orderRow) localID() string {
	return sessionLocalID(r.FrontID, r.SessionID, r.OrderRef)
}

func (r orderRow) toOrder() (*model.Order, error) {
	dir, err := parseDirection(r.Direction)
	if err != nil {
		return nil, err
	}
	off, err := parseOffset(r.CombOffsetFlag)
	if err != nil {
		return nil, err
	}
	o := &model.Order{
		LocalID:   r.localID(),
		SystemID:  r.OrderSysID,
		Account:   r.InvestorID,
		Ticker:    r.InstrumentID,
		Kind:      parseKind(r.TimeCondition, r.VolumeCondition),
		Direction: dir,
		Offset:    off,
	}
	err = base.MustDecimals([]*decimal.Decimal{&o.Price, &o.Quantity, &o.TradedQty, &o.AvgPrice},
		r.LimitPrice, r.VolumeTotal, r.VolumeTraded, r.AvgPrice)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// tradedView is the part of a row a cancel confirmation needs: how much
// traded before the order was cancelled.
func (r orderRow) tradedView() (*model.Order, error) {
	o := &model.Order{}
	if err := base.MustDecimals([]*decimal.Decimal{&o.TradedQty, &o.AvgPrice}, r.VolumeTraded, r.AvgPrice); err != nil {
		return nil, err
	}
	return o, nil
}

type tradeRow struct {
	OrderRef     string `json:"order_ref"`
	FrontID      int    `json:"front_id"`
	SessionID    int64  `json:"session_id"`
	OrderSysID   string `json:"order_sys_id"`
	TradeID      string `json:"trade_id"`
	Price        string `json:"price"`
	Volume       string `json:"volume"`
	TradeTimeMs  int64  `json:"trade_time_ms"`
	InvestorID   string `json:"investor_id"`
	InstrumentID string `json:"instrument_id"`
}

type errorRow struct {
	OrderRef  string `json:"order_ref"`
	FrontID   int    `json:"front_id"`
	SessionID int64  `json:"session_id"`
	ErrorID   int    `json:"error_id"`
	ErrorMsg  string `json:"error_msg"`
}

// ownRef returns the order ref only when the (front, session) pair is ours;
// refs from other sessions are not unique.
func (e *Exchange) ownRef(front int, session int64, ref string) model.OrderRef {
	id := e.Identity()
	if id.FrontID != strconv.Itoa(front) || id.SessionID != strconv.FormatInt(session, 10) {
		return 0
	}
	r, err := model.ParseOrderRef(ref)
	if err != nil {
		return 0
	}
	return r
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
	case "rtn_order":
		var r orderRow
		if err := base.DecodeEnvelope(p.Data, &r); err != nil {
			return nil, err
		}
		return e.orderEvent(r)

	case "rtn_trade":
		var r tradeRow
		if err := base.DecodeEnvelope(p.Data, &r); err != nil {
			return nil, err
		}
		ev := &model.Event{
			Kind:     model.EventTrade,
			Ref:      e.ownRef(r.FrontID, r.SessionID, r.OrderRef),
			LocalID:  sessionLocalID(r.FrontID, r.SessionID, r.OrderRef),
			SystemID: r.OrderSysID,
			TradeID:  r.TradeID,
			Time:     e.EventTime(r.TradeTimeMs),
		}
		if err := base.MustDecimals([]*decimal.Decimal{&ev.TradeQty, &ev.TradePrice}, r.Volume, r.Price); err != nil {
			return nil, err
		}
		return ev, nil

	case "err_order_insert", "err_order_cancel":
		var r errorRow
		if err := base.DecodeEnvelope(p.Data, &r); err != nil {
			return nil, err
		}
		kind := model.EventBackendRejected
		if p.Type == "err_order_cancel" {
			kind = model.EventCancelRejected
		}
		return &model.Event{
			Kind:      kind,
			Ref:       e.ownRef(r.FrontID, r.SessionID, r.OrderRef),
			LocalID:   sessionLocalID(r.FrontID, r.SessionID, r.OrderRef),
			Time:      e.Now(),
			ErrorCode: strconv.Itoa(r.ErrorID),
			ErrorMsg:  r.ErrorMsg,
		}, nil

	case "subscribed", "pong":
		return nil, nil
	}
	return nil, fmt.Errorf("%w: push type %q", apperrors.ErrMalformed, p.Type)
}

func (e *Exchange) orderEvent(r orderRow) (*model.Event, error) {
	ev := &model.Event{
		Ref:      e.ownRef(r.FrontID, r.SessionID, r.OrderRef),
		LocalID:  r.localID(),
		SystemID: r.OrderSysID,
		Time:     e.Now(),
	}
	code := r.SubmitStatus
	if r.ErrorID != 0 {
		code = strconv.Itoa(r.ErrorID)
	}

	switch {
	case r.SubmitStatus == submitInsertRejected:
		ev.Kind = model.EventVenueRejected
		ev.ErrorCode, ev.ErrorMsg = code, r.StatusMsg
	case r.SubmitStatus == submitCancelRejected:
		ev.Kind = model.EventCancelRejected
		ev.ErrorCode, ev.ErrorMsg = code, r.StatusMsg
	case r.OrderStatus == statusCanceled:
		ev.Kind = model.EventCancelConfirmed
		view, err := r.tradedView()
		if err != nil {
			return nil, err
		}
		ev.Order = view
	case r.OrderStatus == statusUnknown && r.OrderSysID == "":
		ev.Kind = model.EventBackendAccepted
	case r.OrderStatus == statusNoTradeQueuing, r.OrderStatus == statusPartQueueing:
		ev.Kind = model.EventVenueAccepted
		tmpl, err := r.toOrder()
		if err != nil {
			return nil, err
		}
		// fills arrive as rtn_trade; the template only seeds unknown orders
		tmpl.TradedQty = decimal.Zero
		tmpl.AvgPrice = decimal.Zero
		tmpl.Ref = ev.Ref
		ev.Order = tmpl
	default:
		// all-traded and intermediate states carry nothing rtn_trade does not
		return nil, nil
	}
	return ev, nil
}
