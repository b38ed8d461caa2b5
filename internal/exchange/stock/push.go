package stock

import (
	"encoding/json"
	"fmt"

	"trade_gateway/internal/exchange/base"
	"trade_gateway/internal/model"
	apperrors "trade_gateway/pkg/errors"

	"github.com/shopspring/decimal"
)

const (
	sideBuy  = "B"
	sideSell = "S"

	bizNormal      = "NORMAL"
	bizMarginBuy   = "MARGIN_BUY"
	bizShortSell   = "SHORT_SELL"
	bizBuyToReturn = "BUY_TO_RETURN"

	statusReported = "REPORTED"
	statusRejected = "REJECTED"
)

// entrustCodes maps a resolved cash side to the venue's side and business type.
func entrustCodes(s model.Side) (side, biz string, err error) {
	switch s {
	case model.SideOpenLong:
		return sideBuy, bizNormal, nil
	case model.SideCloseYesterdayLong, model.SideCloseTodayLong:
		return sideSell, bizNormal, nil
	case model.SideOpenShort:
		return sideSell, bizShortSell, nil
	case model.SideCloseYesterdayShort, model.SideCloseTodayShort:
		return sideBuy, bizBuyToReturn, nil
	}
	return "", "", fmt.Errorf("%w: side %s", apperrors.ErrInvalidOrderParameter, s)
}

func parseEntrust(side, biz string) (model.Direction, model.Offset, error) {
	switch {
	case side == sideBuy && (biz == bizNormal || biz == bizMarginBuy):
		return model.DirectionBuy, model.OffsetOpen, nil
	case side == sideSell && biz == bizNormal:
		return model.DirectionSell, model.OffsetClose, nil
	case side == sideSell && biz == bizShortSell:
		return model.DirectionSell, model.OffsetOpen, nil
	case side == sideBuy && biz == bizBuyToReturn:
		return model.DirectionBuy, model.OffsetClose, nil
	}
	return 0, 0, fmt.Errorf("%w: side %q business %q", apperrors.ErrMalformed, side, biz)
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

type entrustRow struct {
	EntrustNo  string `json:"entrust_no"`
	Remark     string `json:"remark"`
	ExchangeNo string `json:"exchange_no"`
	Account    string `json:"account"`
	Code       string `json:"code"`
	Side       string `json:"side"`
	BizType    string `json:"biz_type"`
	OrderType  string `json:"order_type"`
	Price      string `json:"price"`
	Qty        string `json:"qty"`
	FilledQty  string `json:"filled_qty"`
	AvgPrice   string `json:"avg_price"`
	Status     string `json:"status"`
	ReasonCode string `json:"reason_code"`
	ReasonText string `json:"reason_text"`
	EntrustMs  int64  `json:"entrust_ms"`
}

// ref recovers the order ref carried in the remark; orders placed elsewhere
// have none.
func ref(remark string) model.OrderRef {
	r, err := model.ParseOrderRef(remark)
	if err != nil {
		return 0
	}
	return r
}

func (r entrustRow) toOrder() (*model.Order, error) {
	dir, off, err := parseEntrust(r.Side, r.BizType)
	if err != nil {
		return nil, err
	}
	o := &model.Order{
		Ref:       ref(r.Remark),
		LocalID:   r.EntrustNo,
		SystemID:  r.ExchangeNo,
		Account:   r.Account,
		Ticker:    r.Code,
		Direction: dir,
		Offset:    off,
	}
	switch r.OrderType {
	case "FAK":
		o.Kind = model.KindFAK
	case "FOK":
		o.Kind = model.KindFOK
	default:
		o.Kind = model.KindLimit
	}
	err = base.MustDecimals([]*decimal.Decimal{&o.Price, &o.Quantity, &o.TradedQty, &o.AvgPrice},
		r.Price, r.Qty, r.FilledQty, r.AvgPrice)
	if err != nil {
		return nil, err
	}
	return o, nil
}

type fillRow struct {
	EntrustNo     string `json:"entrust_no"`
	Remark        string `json:"remark"`
	ExchangeNo    string `json:"exchange_no"`
	FillID        string `json:"fill_id"`
	Price         string `json:"price"`
	Qty           string `json:"qty"`
	TimeMs        int64  `json:"ts"`
	RemainderDone bool   `json:"done_remainder_cancelled"`
}

type cancelRow struct {
	EntrustNo  string `json:"entrust_no"`
	Remark     string `json:"remark"`
	Success    bool   `json:"success"`
	FilledQty  string `json:"filled_qty"`
	AvgPrice   string `json:"avg_price"`
	ReasonCode string `json:"reason_code"`
	ReasonText string `json:"reason_text"`
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
	case "order":
		var r entrustRow
		if err := base.DecodeEnvelope(p.Data, &r); err != nil {
			return nil, err
		}
		ev := &model.Event{Ref: ref(r.Remark), LocalID: r.EntrustNo, SystemID: r.ExchangeNo, Time: e.Now()}
		switch r.Status {
		case statusReported:
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
			ev.ErrorCode, ev.ErrorMsg = r.ReasonCode, r.ReasonText
		default:
			// fills and cancels have their own pushes
			return nil, nil
		}
		return ev, nil

	case "fill":
		var r fillRow
		if err := base.DecodeEnvelope(p.Data, &r); err != nil {
			return nil, err
		}
		ev := &model.Event{
			Kind:            model.EventTrade,
			Ref:             ref(r.Remark),
			LocalID:         r.EntrustNo,
			SystemID:        r.ExchangeNo,
			TradeID:         r.FillID,
			Time:            e.EventTime(r.TimeMs),
			CancelRemainder: r.RemainderDone,
		}
		if err := base.MustDecimals([]*decimal.Decimal{&ev.TradeQty, &ev.TradePrice}, r.Qty, r.Price); err != nil {
			return nil, err
		}
		return ev, nil

	case "cancel_result":
		var r cancelRow
		if err := base.DecodeEnvelope(p.Data, &r); err != nil {
			return nil, err
		}
		ev := &model.Event{Ref: ref(r.Remark), LocalID: r.EntrustNo, Time: e.Now()}
		if r.Success {
			ev.Kind = model.EventCancelConfirmed
			view := &model.Order{}
			if err := base.MustDecimals([]*decimal.Decimal{&view.TradedQty, &view.AvgPrice}, r.FilledQty, r.AvgPrice); err != nil {
				return nil, err
			}
			ev.Order = view
		} else {
			ev.Kind = model.EventCancelRejected
			ev.ErrorCode, ev.ErrorMsg = r.ReasonCode, r.ReasonText
		}
		return ev, nil

	case "hb":
		return nil, nil
	}
	return nil, fmt.Errorf("%w: push type %q", apperrors.ErrMalformed, p.Type)
}
