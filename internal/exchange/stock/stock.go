// Package stock adapts cash-instrument venues, including credit accounts.
package stock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"trade_gateway/internal/config"
	"trade_gateway/internal/core"
	"trade_gateway/internal/exchange/base"
	"trade_gateway/internal/model"
	"trade_gateway/internal/trading/position"
	apperrors "trade_gateway/pkg/errors"

	"github.com/shopspring/decimal"
)

const (
	StepLogin   = "login"
	StepConfirm = "confirm"
)

// Exchange implements core.IVenue for the stock protocol
type Exchange struct {
	*base.BaseAdapter
	normalizer position.CashNormalizer
}

// NewExchange creates a stock adapter
func NewExchange(name string, cfg config.VenueConfig, opts base.StreamOptions, logger core.ILogger) *Exchange {
	return &Exchange{BaseAdapter: base.NewBaseAdapter(name, cfg, opts, logger)}
}

func (e *Exchange) Class() model.InstrumentClass          { return model.ClassCash }
func (e *Exchange) Normalizer() core.IInventoryNormalizer { return e.normalizer }
func (e *Exchange) HandshakeSteps() []string              { return []string{StepLogin, StepConfirm} }

type envelope struct {
	OK      bool            `json:"ok"`
	ErrCode string          `json:"err_code"`
	ErrText string          `json:"err_text"`
	Payload json.RawMessage `json:"payload"`
}

func (e *Exchange) call(ctx context.Context, method, path string, body interface{}, params map[string]string) (*envelope, *base.VenueError, error) {
	data, err := e.Call(ctx, method, path, body, params)
	if err != nil {
		return nil, nil, err
	}
	var env envelope
	if err := base.DecodeEnvelope(data, &env); err != nil {
		return nil, nil, err
	}
	if !env.OK {
		return &env, &base.VenueError{Code: env.ErrCode, Message: env.ErrText}, nil
	}
	return &env, nil, nil
}

func (e *Exchange) Connect(ctx context.Context, sink core.IVenueSink) error {
	return e.OpenStream(ctx, sink, e.decodePush)
}

func (e *Exchange) RunHandshakeStep(ctx context.Context, step string) (model.SessionIdentity, error) {
	switch step {
	case StepLogin:
		env, verr, err := e.call(ctx, http.MethodPost, "/stock/login", map[string]string{
			"user_id":  e.Config.UserID,
			"password": e.Config.Password.Reveal(),
		}, nil)
		if err != nil {
			return model.SessionIdentity{}, err
		}
		if verr != nil {
			return model.SessionIdentity{}, fmt.Errorf("%w: login: %v", apperrors.ErrHandshakeFailed, verr)
		}
		var rsp struct {
			SessionID string `json:"session_id"`
			Token     string `json:"token"`
		}
		if err := base.DecodeEnvelope(env.Payload, &rsp); err != nil {
			return model.SessionIdentity{}, err
		}
		id := model.SessionIdentity{SessionID: rsp.SessionID, UserID: e.Config.UserID}
		e.SetIdentity(id)
		e.REST.SetHeader("X-Session-Token", rsp.Token)
		return id, e.Send(map[string]string{"cmd": "sub", "token": rsp.Token})

	case StepConfirm:
		_, verr, err := e.call(ctx, http.MethodPost, "/stock/confirm", map[string]string{"disclosure": "accepted"}, nil)
		if err != nil {
			return e.Identity(), err
		}
		if verr != nil {
			return e.Identity(), fmt.Errorf("%w: confirm: %v", apperrors.ErrHandshakeFailed, verr)
		}
		return e.Identity(), nil
	}
	return model.SessionIdentity{}, fmt.Errorf("%w: unknown step %q", apperrors.ErrHandshakeFailed, step)
}

type entrustReq struct {
	Remark    string `json:"remark"`
	Account   string `json:"account"`
	Code      string `json:"code"`
	Side      string `json:"side"`
	BizType   string `json:"biz_type"`
	OrderType string `json:"order_type"`
	Price     string `json:"price"`
	Qty       string `json:"qty"`
}

func (e *Exchange) SubmitOrder(ctx context.Context, o *model.Order) (*model.Event, error) {
	side, biz, err := entrustCodes(o.Side)
	if err != nil {
		return nil, err
	}
	env, verr, err := e.call(ctx, http.MethodPost, "/stock/order", entrustReq{
		Remark:    o.Ref.String(),
		Account:   o.Account,
		Code:      o.Ticker,
		Side:      side,
		BizType:   biz,
		OrderType: typeCode(o.Kind),
		Price:     o.Price.String(),
		Qty:       o.Quantity.String(),
	}, nil)
	if err != nil {
		return nil, err
	}
	if verr != nil {
		return &model.Event{Kind: model.EventBackendRejected, Ref: o.Ref, Time: e.Now(), ErrorCode: verr.Code, ErrorMsg: verr.Message}, nil
	}
	var rsp struct {
		EntrustNo string `json:"entrust_no"`
	}
	if err := base.DecodeEnvelope(env.Payload, &rsp); err != nil {
		return nil, err
	}
	return &model.Event{Kind: model.EventBackendAccepted, Ref: o.Ref, LocalID: rsp.EntrustNo, Time: e.Now()}, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, o *model.Order) (*model.Event, error) {
	if o.LocalID == "" {
		return nil, fmt.Errorf("%w: order %s has no entrust number", apperrors.ErrInvalidOrderParameter, o.Ref)
	}
	_, verr, err := e.call(ctx, http.MethodPost, "/stock/cancel", map[string]string{
		"account":    o.Account,
		"entrust_no": o.LocalID,
	}, nil)
	if err != nil {
		return nil, err
	}
	if verr != nil {
		return &model.Event{Kind: model.EventCancelRejected, Ref: o.Ref, LocalID: o.LocalID, Time: e.Now(),
			ErrorCode: verr.Code, ErrorMsg: verr.Message}, nil
	}
	return &model.Event{Kind: model.EventCancelling, Ref: o.Ref, LocalID: o.LocalID, Time: e.Now()}, nil
}

func (e *Exchange) query(ctx context.Context, path string, params map[string]string, out interface{}) error {
	env, verr, err := e.call(ctx, http.MethodGet, path, nil, params)
	if err != nil {
		return err
	}
	if verr != nil {
		return fmt.Errorf("query %s: %w", path, verr)
	}
	return base.DecodeEnvelope(env.Payload, out)
}

func (e *Exchange) QueryFunds(ctx context.Context) ([]model.AccountFund, error) {
	var rows []struct {
		Account    string `json:"account"`
		TotalAsset string `json:"total_asset"`
		Available  string `json:"available"`
		Frozen     string `json:"frozen"`
		Fee        string `json:"fee"`
	}
	if err := e.query(ctx, "/stock/asset", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]model.AccountFund, 0, len(rows))
	for _, r := range rows {
		f := model.AccountFund{Venue: e.Name(), Account: r.Account, UpdatedAt: e.Now()}
		err := base.MustDecimals([]*decimal.Decimal{&f.Balance, &f.Available, &f.Frozen, &f.Commission},
			r.TotalAsset, r.Available, r.Frozen, r.Fee)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

type holdingRow struct {
	Account          string `json:"account"`
	Code             string `json:"code"`
	Total            string `json:"total"`
	Sellable         string `json:"sellable"`
	TodayBuy         string `json:"today_buy"`
	TodaySell        string `json:"today_sell"`
	MarginLoan       string `json:"margin_loan"`
	MarginLoanRepaid string `json:"margin_loan_repaid"`
	ShortLoan        string `json:"short_loan"`
	ShortLoanRepaid  string `json:"short_loan_repaid"`
	DirectReturnable string `json:"direct_returnable"`
	SpecialAvailable string `json:"special_available"`
}

func (e *Exchange) QueryPositions(ctx context.Context) ([]model.PositionReport, error) {
	var rows []holdingRow
	if err := e.query(ctx, "/stock/holdings", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]model.PositionReport, 0, len(rows))
	for _, r := range rows {
		c := &model.CashHolding{}
		err := base.MustDecimals([]*decimal.Decimal{
			&c.Total, &c.YesterdayAvailable, &c.TodayBuy, &c.TodaySell,
			&c.MarginLoan, &c.MarginLoanRepaid, &c.ShortLoan, &c.ShortLoanRepaid,
			&c.DirectReturnable, &c.SpecialAvailable,
		}, r.Total, r.Sellable, r.TodayBuy, r.TodaySell,
			r.MarginLoan, r.MarginLoanRepaid, r.ShortLoan, r.ShortLoanRepaid,
			r.DirectReturnable, r.SpecialAvailable)
		if err != nil {
			return nil, err
		}
		out = append(out, model.PositionReport{Account: r.Account, Ticker: r.Code, Cash: c})
	}
	return out, nil
}

func (e *Exchange) QueryOpenOrders(ctx context.Context) ([]model.OrderReport, error) {
	var rows []entrustRow
	if err := e.query(ctx, "/stock/orders", map[string]string{"open": "true"}, &rows); err != nil {
		return nil, err
	}
	out := make([]model.OrderReport, 0, len(rows))
	for _, r := range rows {
		o, err := r.toOrder()
		if err != nil {
			return nil, err
		}
		out = append(out, model.OrderReport{
			Ref:       o.Ref,
			LocalID:   o.LocalID,
			SystemID:  o.SystemID,
			Account:   o.Account,
			Ticker:    o.Ticker,
			Kind:      o.Kind,
			Direction: o.Direction,
			Offset:    o.Offset,
			Price:     o.Price,
			Quantity:  o.Quantity,
			TradedQty: o.TradedQty,
			AvgPrice:  o.AvgPrice,
			InsertAt:  base.ParseMillis(r.EntrustMs),
		})
	}
	return out, nil
}
