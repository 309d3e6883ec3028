package risk

import "time"

// RateScope selects whether the order-rate window is kept per instrument or
// shared by the whole portfolio
type RateScope int8

const (
	RateScopeInstrument RateScope = iota
	RateScopeGlobal
)

func (s RateScope) String() string {
	if s == RateScopeGlobal {
		return "global"
	}
	return "instrument"
}

// ParseRateScope maps a config value onto a RateScope. Empty means instrument.
func ParseRateScope(s string) (RateScope, bool) {
	switch s {
	case "", "instrument":
		return RateScopeInstrument, true
	case "global":
		return RateScopeGlobal, true
	default:
		return RateScopeInstrument, false
	}
}

// rateWindow counts admissions inside a rolling window using a fixed ring of
// timestamps. Callers provide locking.
type rateWindow struct {
	window time.Duration
	stamps []time.Time
	head   int // oldest
	count  int
}

func newRateWindow(maxOrders int, window time.Duration) *rateWindow {
	if maxOrders <= 0 || window <= 0 {
		return nil
	}
	return &rateWindow{
		window: window,
		stamps: make([]time.Time, maxOrders),
	}
}

func (w *rateWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	for w.count > 0 && !w.stamps[w.head].After(cutoff) {
		w.head = (w.head + 1) % len(w.stamps)
		w.count--
	}
}

// allow reports whether one more admission fits in the window at now
func (w *rateWindow) allow(now time.Time) bool {
	if w == nil {
		return true
	}
	w.evict(now)
	return w.count < len(w.stamps)
}

// record stores an admission; allow must have returned true for now
func (w *rateWindow) record(now time.Time) {
	if w == nil {
		return
	}
	w.evict(now)
	if w.count == len(w.stamps) {
		return
	}
	w.stamps[(w.head+w.count)%len(w.stamps)] = now
	w.count++
}

func (w *rateWindow) inFlight(now time.Time) int {
	if w == nil {
		return 0
	}
	w.evict(now)
	return w.count
}
