package bootstrap

import (
	"context"
	"time"
)

// nextReset returns the first hour:minute wall-clock time strictly after now.
func nextReset(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// runTradingDayReset rolls every gateway over to a new trading day at the
// configured time until ctx is done.
func (a *App) runTradingDayReset(ctx context.Context) error {
	hour, minute, ok := a.Cfg.System.ResetClock()
	if !ok {
		return nil
	}
	for {
		at := nextReset(time.Now(), hour, minute)
		a.Logger.Info("Next trading-day reset scheduled", "at", at)
		timer := time.NewTimer(time.Until(at))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			a.Logger.Info("Resetting trading day")
			a.Router.ResetTradingDay()
		}
	}
}
