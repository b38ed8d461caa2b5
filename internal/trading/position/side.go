package position

import (
	"fmt"

	"trade_gateway/internal/model"
)

// ResolveSide maps a requested direction and offset to a canonical side.
//
// An unqualified close resolves against the current position: a sell closes
// same-day long inventory when any exists, otherwise carried-over long
// inventory; a buy does the same against the short leg. Cash instruments have
// no same-day close, so every close draws on carried-over inventory.
// The result depends only on pos, so identical snapshots always resolve alike.
func ResolveSide(dir model.Direction, off model.Offset, pos *model.Position) (model.Side, error) {
	if dir != model.DirectionBuy && dir != model.DirectionSell {
		return model.SideUnknown, fmt.Errorf("unknown direction %d", dir)
	}
	buy := dir == model.DirectionBuy

	if pos != nil && pos.Class == model.ClassCash {
		switch off {
		case model.OffsetOpen:
			if buy {
				return model.SideOpenLong, nil
			}
			return model.SideOpenShort, nil
		case model.OffsetClose, model.OffsetCloseToday, model.OffsetCloseYesterday:
			if buy {
				return model.SideCloseYesterdayShort, nil
			}
			return model.SideCloseYesterdayLong, nil
		}
		return model.SideUnknown, fmt.Errorf("unknown offset %d", off)
	}

	switch off {
	case model.OffsetOpen:
		if buy {
			return model.SideOpenLong, nil
		}
		return model.SideOpenShort, nil
	case model.OffsetCloseToday:
		if buy {
			return model.SideCloseTodayShort, nil
		}
		return model.SideCloseTodayLong, nil
	case model.OffsetCloseYesterday:
		if buy {
			return model.SideCloseYesterdayShort, nil
		}
		return model.SideCloseYesterdayLong, nil
	case model.OffsetClose:
		if buy {
			if pos != nil && pos.Short.Today.IsPositive() {
				return model.SideCloseTodayShort, nil
			}
			return model.SideCloseYesterdayShort, nil
		}
		if pos != nil && pos.Long.Today.IsPositive() {
			return model.SideCloseTodayLong, nil
		}
		return model.SideCloseYesterdayLong, nil
	}
	return model.SideUnknown, fmt.Errorf("unknown offset %d", off)
}

// OffsetOf reports the explicit offset a resolved side carries on the wire.
func OffsetOf(side model.Side) model.Offset {
	switch {
	case side.IsOpen():
		return model.OffsetOpen
	case side.IsCloseToday():
		return model.OffsetCloseToday
	case side.IsCloseYesterday():
		return model.OffsetCloseYesterday
	}
	return 0
}
