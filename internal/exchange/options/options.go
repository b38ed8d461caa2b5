// Package options adapts derivative venues that report total inventory plus
// its same-day subset.
package options

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"trade_gateway/internal/config"
	"trade_gateway/internal/core"
	"trade_gateway/internal/exchange/base"
	"trade_gateway/internal/model"
	"trade_gateway/internal/trading/position"
	apperrors "trade_gateway/pkg/errors"

	"github.com/shopspring/decimal"
)

const (
	StepLogin        = "login"
	StepAuthenticate = "authenticate"
)

// Exchange implements core.IVenue for the options protocol
type Exchange struct {
	*base.BaseAdapter
	normalizer position.DerivedNormalizer
}

// NewExchange creates an options adapter
func NewExchange(name string, cfg config.VenueConfig, opts base.StreamOptions, logger core.ILogger) *Exchange {
	return &Exchange{BaseAdapter: base.NewBaseAdapter(name, cfg, opts, logger)}
}

func (e *Exchange) Class() model.InstrumentClass          { return model.ClassDerivative }
func (e *Exchange) Normalizer() core.IInventoryNormalizer { return e.normalizer }
func (e *Exchange) HandshakeSteps() []string              { return []string{StepLogin, StepAuthenticate} }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (e *Exchange) call(ctx context.Context, method, path string, body interface{}) (*envelope, *base.VenueError, error) {
	data, err := e.Call(ctx, method, path, body, nil)
	if err != nil {
		return nil, nil, err
	}
	var env envelope
	if err := base.DecodeEnvelope(data, &env); err != nil {
		return nil, nil, err
	}
	if env.Code != 0 {
		return &env, &base.VenueError{Code: strconv.Itoa(env.Code), Message: env.Message}, nil
	}
	return &env, nil, nil
}

func (e *Exchange) Connect(ctx context.Context, sink core.IVenueSink) error {
	return e.OpenStream(ctx, sink, e.decodePush)
}

func (e *Exchange) RunHandshakeStep(ctx context.Context, step string) (model.SessionIdentity, error) {
	switch step {
	case StepLogin:
		env, verr, err := e.call(ctx, http.MethodPost, "/v2/session/login", map[string]string{
			"user_id":  e.Config.UserID,
			"password": e.Config.Password.Reveal(),
			"app_id":   e.Config.AppID,
		})
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
		if err := base.DecodeEnvelope(env.Result, &rsp); err != nil {
			return model.SessionIdentity{}, err
		}
		id := model.SessionIdentity{SessionID: rsp.SessionID, UserID: e.Config.UserID}
		e.SetIdentity(id)
		e.REST.SetHeader("Authorization", "Bearer "+rsp.Token)
		return id, e.Send(map[string]string{"action": "subscribe", "session_id": rsp.SessionID})

	case StepAuthenticate:
		_, verr, err := e.call(ctx, http.MethodPost, "/v2/session/authenticate", map[string]string{
			"auth_code": e.Config.AuthCode.Reveal(),
		})
		if err != nil {
			return e.Identity(), err
		}
		if verr != nil {
			return e.Identity(), fmt.Errorf("%w: authenticate: %v", apperrors.ErrHandshakeFailed, verr)
		}
		return e.Identity(), nil
	}
	return model.SessionIdentity{}, fmt.Errorf("%w: unknown step %q", apperrors.ErrHandshakeFailed, step)
}

type orderReq struct {
	ClientOrderRef string `json:"client_order_ref"`
	Account        string `json:"account"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	PositionEffect string `json:"position_effect"`
	OrderType      string `json:"order_type"`
	Price          string `json:"price"`
	Quantity       string `json:"quantity"`
}

// SubmitOrder places an order. The backend's numeric order id becomes the
// local id of the order.
func (e *Exchange) SubmitOrder(ctx context.Context, o *model.Order) (*model.Event, error) {
	env, verr, err := e.call(ctx, http.MethodPost, "/v2/orders", orderReq{
		ClientOrderRef: o.Ref.String(),
		Account:        o.Account,
		Symbol:         o.Ticker,
		Side:           sideCode(o.Direction),
		PositionEffect: effectCode(o.Offset),
		OrderType:      typeCode(o.Kind),
		Price:          o.Price.String(),
		Quantity:       o.Quantity.String(),
	})
	if err != nil {
		return nil, err
	}
	if verr != nil {
		return &model.Event{Kind: model.EventBackendRejected, Ref: o.Ref, Time: e.Now(), ErrorCode: verr.Code, ErrorMsg: verr.Message}, nil
	}
	var rsp struct {
		OrderID int64 `json:"order_id"`
	}
	if err := base.DecodeEnvelope(env.Result, &rsp); err != nil {
		return nil, err
	}
	return &model.Event{
		Kind:    model.EventBackendAccepted,
		Ref:     o.Ref,
		LocalID: strconv.FormatInt(rsp.OrderID, 10),
		Time:    e.Now(),
	}, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, o *model.Order) (*model.Event, error) {
	if o.LocalID == "" {
		// the backend has not assigned an id yet, so there is nothing to address
		return nil, fmt.Errorf("%w: order %s not yet acknowledged", apperrors.ErrInvalidOrderParameter, o.Ref)
	}
	id, err := strconv.ParseInt(o.LocalID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: order id %q", apperrors.ErrInvalidOrderParameter, o.LocalID)
	}
	_, verr, err := e.call(ctx, http.MethodPost, "/v2/orders/cancel", map[string]int64{"order_id": id})
	if err != nil {
		return nil, err
	}
	if verr != nil {
		return &model.Event{Kind: model.EventCancelRejected, Ref: o.Ref, LocalID: o.LocalID, Time: e.Now(),
			ErrorCode: verr.Code, ErrorMsg: verr.Message}, nil
	}
	return &model.Event{Kind: model.EventCancelling, Ref: o.Ref, LocalID: o.LocalID, Time: e.Now()}, nil
}

func (e *Exchange) query(ctx context.Context, path string, out interface{}) error {
	env, verr, err := e.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if verr != nil {
		return fmt.Errorf("query %s: %w", path, verr)
	}
	return base.DecodeEnvelope(env.Result, out)
}

func (e *Exchange) QueryFunds(ctx context.Context) ([]model.AccountFund, error) {
	var rows []struct {
		Account       string `json:"account"`
		Balance       string `json:"balance"`
		Available     string `json:"available"`
		Frozen        string `json:"frozen"`
		Margin        string `json:"margin"`
		Commission    string `json:"commission"`
		RealizedPnL   string `json:"realized_pnl"`
		UnrealizedPnL string `json:"unrealized_pnl"`
	}
	if err := e.query(ctx, "/v2/account", &rows); err != nil {
		return nil, err
	}
	out := make([]model.AccountFund, 0, len(rows))
	for _, r := range rows {
		f := model.AccountFund{Venue: e.Name(), Account: r.Account, UpdatedAt: e.Now()}
		err := base.MustDecimals(
			[]*decimal.Decimal{&f.Balance, &f.Available, &f.Frozen, &f.Margin, &f.Commission, &f.CloseProfit, &f.PositionProfit},
			r.Balance, r.Available, r.Frozen, r.Margin, r.Commission, r.RealizedPnL, r.UnrealizedPnL)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (e *Exchange) QueryPositions(ctx context.Context) ([]model.PositionReport, error) {
	var rows []struct {
		Account        string `json:"account"`
		Symbol         string `json:"symbol"`
		Side           string `json:"side"`
		TotalQty       string `json:"total_qty"`
		TodayQty       string `json:"today_qty"`
		TodayOpenedQty string `json:"today_opened_qty"`
	}
	if err := e.query(ctx, "/v2/positions", &rows); err != nil {
		return nil, err
	}
	out := make([]model.PositionReport, 0, len(rows))
	for _, r := range rows {
		rep := model.PositionReport{Account: r.Account, Ticker: r.Symbol}
		switch r.Side {
		case "LONG":
			rep.Side = model.PosLong
		case "SHORT":
			rep.Side = model.PosShort
		default:
			return nil, fmt.Errorf("%w: position side %q", apperrors.ErrMalformed, r.Side)
		}
		err := base.MustDecimals([]*decimal.Decimal{&rep.Total, &rep.Today, &rep.TodayOpened},
			r.TotalQty, r.TodayQty, r.TodayOpenedQty)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, nil
}

func (e *Exchange) QueryOpenOrders(ctx context.Context) ([]model.OrderReport, error) {
	var rows []orderRow
	if err := e.query(ctx, "/v2/orders/open", &rows); err != nil {
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
			InsertAt:  base.ParseMillis(r.CreatedMs),
		})
	}
	return out, nil
}
