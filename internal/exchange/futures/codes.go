package futures

import (
	"fmt"

	"trade_gateway/internal/model"
	apperrors "trade_gateway/pkg/errors"
)

const (
	dirBuy  = "0"
	dirSell = "1"

	offsetOpen           = "0"
	offsetClose          = "1"
	offsetCloseToday     = "3"
	offsetCloseYesterday = "4"

	posiLong  = "2"
	posiShort = "3"

	statusAllTraded      = "0"
	statusPartQueueing   = "1"
	statusNoTradeQueuing = "3"
	statusCanceled       = "5"
	statusUnknown        = "a"

	submitInsertRejected = "4"
	submitCancelRejected = "5"

	tcDay  = "GFD"
	tcIOC  = "IOC"
	vcAny  = "AV"
	vcFull = "CV"
)

func directionCode(d model.Direction) string {
	if d == model.DirectionSell {
		return dirSell
	}
	return dirBuy
}

func parseDirection(s string) (model.Direction, error) {
	switch s {
	case dirBuy:
		return model.DirectionBuy, nil
	case dirSell:
		return model.DirectionSell, nil
	}
	return 0, fmt.Errorf("%w: direction %q", apperrors.ErrMalformed, s)
}

func offsetCode(o model.Offset) string {
	switch o {
	case model.OffsetClose:
		return offsetClose
	case model.OffsetCloseToday:
		return offsetCloseToday
	case model.OffsetCloseYesterday:
		return offsetCloseYesterday
	}
	return offsetOpen
}

func parseOffset(s string) (model.Offset, error) {
	switch s {
	case offsetOpen:
		return model.OffsetOpen, nil
	case offsetClose:
		return model.OffsetClose, nil
	case offsetCloseToday:
		return model.OffsetCloseToday, nil
	case offsetCloseYesterday:
		return model.OffsetCloseYesterday, nil
	}
	return 0, fmt.Errorf("%w: offset %q", apperrors.ErrMalformed, s)
}

func kindCodes(k model.OrderKind) (timeCond, volCond string) {
	switch k {
	case model.KindFAK:
		return tcIOC, vcAny
	case model.KindFOK:
		return tcIOC, vcFull
	}
	return tcDay, vcAny
}

func parseKind(timeCond, volCond string) model.OrderKind {
	if timeCond != tcIOC {
		return model.KindLimit
	}
	if volCond == vcFull {
		return model.KindFOK
	}
	return model.KindFAK
}
