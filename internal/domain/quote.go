package domain

import (
	"fmt"
	"time"
)

// DailyPrice is one daily bar for a symbol.
type DailyPrice struct {
	Date   string // Trading day in yyyymmdd form
	Open   int64
	High   int64
	Low    int64
	Close  int64
	Volume int64
}

// CurrentPriceKey derives the cache key for a live quote. The key is
// bucketed per minute so that bursts of concurrent callers within the
// same minute share one outbound call.
func CurrentPriceKey(symbol string, t time.Time) string {
	return fmt.Sprintf("current_%s_%s", symbol, t.Format("20060102_1504"))
}

// DailyPricesKey derives the cache key for daily bars, bucketed per
// trading day: daily bars do not change intraday.
func DailyPricesKey(symbol string, t time.Time) string {
	return fmt.Sprintf("daily_%s_%s", symbol, t.Format("20060102"))
}
