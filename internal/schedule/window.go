package schedule

import (
	"fmt"
	"time"
)

// Hourly markets are keyed to US Eastern wall-clock hours. The upstream
// metadata service builds slugs from a fixed UTC-5 offset rather than the
// DST-aware zone, so window math here does the same.
var easternOffset = time.FixedZone("ET", -5*3600)

var monthNames = [...]string{
	"january", "february", "march", "april", "may", "june",
	"july", "august", "september", "october", "november", "december",
}

// CurrentWindowStart returns the start of the hourly window containing now.
func CurrentWindowStart(now time.Time) time.Time {
	et := now.In(easternOffset)
	return time.Date(et.Year(), et.Month(), et.Day(), et.Hour(), 0, 0, 0, easternOffset)
}

// NextWindowStart returns the start of the next hourly window. When now sits
// exactly on an hour boundary the current window is "next": the caller is at
// the instant the window opens.
func NextWindowStart(now time.Time) time.Time {
	et := now.In(easternOffset)
	if et.Minute() == 0 && et.Second() == 0 && et.Nanosecond() == 0 {
		return CurrentWindowStart(now)
	}
	return CurrentWindowStart(now).Add(time.Hour)
}

// WindowEnd returns the end of the window beginning at start.
func WindowEnd(start time.Time) time.Time { return start.Add(time.Hour) }

// SlugTimeSuffix renders a window start as the slug fragment the metadata
// API uses, e.g. "january-16-3am-et".
func SlugTimeSuffix(windowStart time.Time) string {
	et := windowStart.In(easternOffset)
	hour := et.Hour()
	ampm := "am"
	h12 := hour
	switch {
	case hour == 0:
		h12 = 12
	case hour == 12:
		h12, ampm = 12, "pm"
	case hour > 12:
		h12, ampm = hour-12, "pm"
	}
	return fmt.Sprintf("%s-%d-%d%s-et", monthNames[int(et.Month())-1], et.Day(), h12, ampm)
}

// MarketSlug builds the full market slug for a symbol and window,
// e.g. "bitcoin-up-or-down-january-16-3am-et".
func MarketSlug(symbol string, windowStart time.Time) string {
	return fmt.Sprintf("%s-up-or-down-%s", symbol, SlugTimeSuffix(windowStart))
}
