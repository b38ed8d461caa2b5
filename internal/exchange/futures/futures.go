// Package futures adapts derivative venues that report same-day and
// carried-over inventory as separate fields.
package futures

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

// Handshake steps, in order.
const (
	StepAuthenticate = "authenticate"
	StepLogin        = "login"
	StepConfirm      = "settlement_confirm"
)

// Exchange implements core.IVenue for the futures protocol
type Exchange struct {
	*base.BaseAdapter
	normalizer position.SplitNormalizer
}

// NewExchange creates a futures adapter
func NewExchange(name string, cfg config.VenueConfig, opts base.StreamOptions, logger core.ILogger) *Exchange {
	return &Exchange{BaseAdapter: base.NewBaseAdapter(name, cfg, opts, logger)}
}

func (e *Exchange) Class() model.InstrumentClass          { return model.ClassDerivative }
func (e *Exchange) Normalizer() core.IInventoryNormalizer { return e.normalizer }

func (e *Exchange) HandshakeSteps() []string {
	return []string{StepAuthenticate, StepLogin, StepConfirm}
}

// envelope is the futures response frame
type envelope struct {
	ErrorID  int             `json:"error_id"`
	ErrorMsg string          `json:"error_msg"`
	Data     json.RawMessage `json:"data"`
}

func (e *envelope) decision() *base.VenueError {
	if e.ErrorID == 0 {
		return nil
	}
	return &base.VenueError{Code: strconv.Itoa(e.ErrorID), Message: e.ErrorMsg}
}

func (e *Exchange) call(ctx context.Context, method, path string, body interface{}) (*envelope, error) {
	data, err := e.Call(ctx, method, path, body, nil)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := base.DecodeEnvelope(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// session calls treat any non-zero error_id as a handshake failure
func (e *Exchange) sessionCall(ctx context.Context, path string, body interface{}, out interface{}) error {
	env, err := e.call(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if d := env.decision(); d != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrHandshakeFailed, path, d)
	}
	if out != nil && len(env.Data) > 0 {
		return base.DecodeEnvelope(env.Data, out)
	}
	return nil
}

func (e *Exchange) Connect(ctx context.Context, sink core.IVenueSink) error {
	return e.OpenStream(ctx, sink, e.decodePush)
}

func (e *Exchange) RunHandshakeStep(ctx context.Context, step string) (model.SessionIdentity, error) {
	cfg := e.Config
	switch step {
	case StepAuthenticate:
		err := e.sessionCall(ctx, "/api/v1/auth", map[string]string{
			"broker_id": cfg.BrokerID,
			"user_id":   cfg.UserID,
			"app_id":    cfg.AppID,
			"auth_code": cfg.AuthCode.Reveal(),
		}, nil)
		return e.Identity(), err

	case StepLogin:
		var rsp struct {
			FrontID   int    `json:"front_id"`
			SessionID int64  `json:"session_id"`
			Token     string `json:"token"`
		}
		err := e.sessionCall(ctx, "/api/v1/login", map[string]string{
			"broker_id": cfg.BrokerID,
			"user_id":   cfg.UserID,
			"password":  cfg.Password.Reveal(),
		}, &rsp)
		if err != nil {
			return model.SessionIdentity{}, err
		}
		id := model.SessionIdentity{
			FrontID:   strconv.Itoa(rsp.FrontID),
			SessionID: strconv.FormatInt(rsp.SessionID, 10),
			UserID:    cfg.UserID,
		}
		e.SetIdentity(id)
		e.REST.SetHeader("X-GW-TOKEN", rsp.Token)
		if err := e.Send(map[string]string{"op": "subscribe", "token": rsp.Token}); err != nil {
			return id, err
		}
		return id, nil

	case StepConfirm:
		for _, acct := range cfg.Accounts {
			err := e.sessionCall(ctx, "/api/v1/settlement/confirm", map[string]string{
				"broker_id":   cfg.BrokerID,
				"investor_id": acct,
			}, nil)
			if err != nil {
				return e.Identity(), err
			}
		}
		return e.Identity(), nil
	}
	return model.SessionIdentity{}, fmt.Errorf("%w: unknown step %q", apperrors.ErrHandshakeFailed, step)
}

type insertReq struct {
	OrderRef        string `json:"order_ref"`
	BrokerID        string `json:"broker_id"`
	InvestorID      string `json:"investor_id"`
	InstrumentID    string `json:"instrument_id"`
	Direction       string `json:"direction"`
	CombOffsetFlag  string `json:"comb_offset_flag"`
	LimitPrice      string `json:"limit_price"`
	VolumeTotal     string `json:"volume_total_original"`
	TimeCondition   string `json:"time_condition"`
	VolumeCondition string `json:"volume_condition"`
}

// SubmitOrder sends an insert. A non-zero error_id is a backend decision.
func (e *Exchange) SubmitOrder(ctx context.Context, o *model.Order) (*model.Event, error) {
	tc, vc := kindCodes(o.Kind)
	req := insertReq{
		OrderRef:        o.Ref.String(),
		BrokerID:        e.Config.BrokerID,
		InvestorID:      o.Account,
		InstrumentID:    o.Ticker,
		Direction:       directionCode(o.Direction),
		CombOffsetFlag:  offsetCode(o.Offset),
		LimitPrice:      o.Price.String(),
		VolumeTotal:     o.Quantity.String(),
		TimeCondition:   tc,
		VolumeCondition: vc,
	}
	env, err := e.call(ctx, http.MethodPost, "/api/v1/order/insert", req)
	if err != nil {
		return nil, err
	}
	if d := env.decision(); d != nil {
		return &model.Event{Kind: model.EventBackendRejected, Ref: o.Ref, Time: e.Now(), ErrorCode: d.Code, ErrorMsg: d.Message}, nil
	}
	id := e.Identity()
	return &model.Event{
		Kind:    model.EventBackendAccepted,
		Ref:     o.Ref,
		LocalID: fmt.Sprintf("%s:%s:%s", id.FrontID, id.SessionID, o.Ref),
		Time:    e.Now(),
	}, nil
}

// CancelOrder sends a cancel. Acceptance means the cancel is in flight.
func (e *Exchange) CancelOrder(ctx context.Context, o *model.Order) (*model.Event, error) {
	id := e.Identity()
	env, err := e.call(ctx, http.MethodPost, "/api/v1/order/cancel", map[string]string{
		"order_ref":     o.Ref.String(),
		"broker_id":     e.Config.BrokerID,
		"investor_id":   o.Account,
		"instrument_id": o.Ticker,
		"front_id":      id.FrontID,
		"session_id":    id.SessionID,
		"order_sys_id":  o.SystemID,
	})
	if err != nil {
		return nil, err
	}
	if d := env.decision(); d != nil {
		return &model.Event{Kind: model.EventCancelRejected, Ref: o.Ref, Time: e.Now(), ErrorCode: d.Code, ErrorMsg: d.Message}, nil
	}
	return &model.Event{Kind: model.EventCancelling, Ref: o.Ref, Time: e.Now()}, nil
}

func (e *Exchange) query(ctx context.Context, path string, out interface{}) error {
	env, err := e.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if d := env.decision(); d != nil {
		return fmt.Errorf("query %s: %w", path, d)
	}
	return base.DecodeEnvelope(env.Data, out)
}

type accountRow struct {
	AccountID      string `json:"account_id"`
	Balance        string `json:"balance"`
	Available      string `json:"available"`
	FrozenMargin   string `json:"frozen_margin"`
	CurrMargin     string `json:"curr_margin"`
	Commission     string `json:"commission"`
	CloseProfit    string `json:"close_profit"`
	PositionProfit string `json:"position_profit"`
}

func (e *Exchange) QueryFunds(ctx context.Context) ([]model.AccountFund, error) {
	var rows []accountRow
	if err := e.query(ctx, "/api/v1/query/account", &rows); err != nil {
		return nil, err
	}
	out := make([]model.AccountFund, 0, len(rows))
	for _, r := range rows {
		f := model.AccountFund{Venue: e.Name(), Account: r.AccountID, UpdatedAt: e.Now()}
		err := base.MustDecimals(
			[]*decimal.Decimal{&f.Balance, &f.Available, &f.Frozen, &f.Margin, &f.Commission, &f.CloseProfit, &f.PositionProfit},
			r.Balance, r.Available, r.FrozenMargin, r.CurrMargin, r.Commission, r.CloseProfit, r.PositionProfit)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

type positionRow struct {
	InvestorID    string `json:"investor_id"`
	InstrumentID  string `json:"instrument_id"`
	PosiDirection string `json:"posi_direction"`
	YdPosition    string `json:"yd_position"`
	TodayPosition string `json:"today_position"`
}

func (e *Exchange) QueryPositions(ctx context.Context) ([]model.PositionReport, error) {
	var rows []positionRow
	if err := e.query(ctx, "/api/v1/query/positions", &rows); err != nil {
		return nil, err
	}
	out := make([]model.PositionReport, 0, len(rows))
	for _, r := range rows {
		rep := model.PositionReport{Account: r.InvestorID, Ticker: r.InstrumentID}
		switch r.PosiDirection {
		case posiLong:
			rep.Side = model.PosLong
		case posiShort:
			rep.Side = model.PosShort
		default:
			// net rows carry no long/short split
			continue
		}
		if err := base.MustDecimals([]*decimal.Decimal{&rep.Yesterday, &rep.Today}, r.YdPosition, r.TodayPosition); err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, nil
}

func (e *Exchange) QueryOpenOrders(ctx context.Context) ([]model.OrderReport, error) {
	var rows []orderRow
	if err := e.query(ctx, "/api/v1/query/orders", &rows); err != nil {
		return nil, err
	}
	out := make([]model.OrderReport, 0, len(rows))
	for _, r := range rows {
		if r.OrderStatus == statusAllTraded || r.OrderStatus == statusCanceled {
			continue
		}
		o, err := r.toOrder()
		if err != nil {
			return nil, err
		}
		out = append(out, model.OrderReport{
			Ref:       e.ownRef(r.FrontID, r.SessionID, r.OrderRef),
			LocalID:   r.localID(),
			SystemID:  r.OrderSysID,
			Account:   o.Account,
			Ticker:    o.Ticker,
			Kind:      o.Kind,
			Direction: o.Direction,
			Offset:    o.Offset,
			Price:     o.Price,
			Quantity:  o.Quantity,
			TradedQty: o.TradedQty,
			AvgPrice:  o.AvgPrice,
			InsertAt:  base.ParseMillis(r.InsertTimeMs),
		})
	}
	return out, nil
}
