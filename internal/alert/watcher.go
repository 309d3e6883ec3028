package alert

import (
	"context"
	"fmt"
	"sort"
	"time"

	"trading_engine/internal/core"
)

// Alerter is the subset of AlertManager the watcher needs
type Alerter interface {
	Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string)
}

// Watcher polls the risk breaker and a set of monotonic error counters,
// alerting on breaker transitions and on counter increases
type Watcher struct {
	alerter  Alerter
	breaker  func() core.CircuitBreakerStatus
	counters func() map[string]uint64
	interval time.Duration
	logger   core.ILogger

	lastState core.BreakerState
	lastCount map[string]uint64
}

// NewWatcher creates a watcher; counters may be nil
func NewWatcher(alerter Alerter, breaker func() core.CircuitBreakerStatus, counters func() map[string]uint64, interval time.Duration, logger core.ILogger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		alerter:   alerter,
		breaker:   breaker,
		counters:  counters,
		interval:  interval,
		logger:    logger.WithField("component", "alert_watcher"),
		lastState: core.BreakerClosed,
		lastCount: make(map[string]uint64),
	}
}

func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check compares current state with the previous poll. Not safe for
// concurrent use.
func (w *Watcher) Check(ctx context.Context) {
	if w.breaker != nil {
		st := w.breaker()
		if st.State != w.lastState {
			w.breakerTransition(ctx, w.lastState, st)
			w.lastState = st.State
		}
	}

	if w.counters == nil {
		return
	}
	current := w.counters()
	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		now, prev := current[name], w.lastCount[name]
		w.lastCount[name] = now
		if now <= prev {
			continue
		}
		w.alerter.Alert(ctx, "Engine anomaly", fmt.Sprintf("%s increased by %d", name, now-prev), Warning, map[string]string{
			"counter": name,
			"total":   fmt.Sprint(now),
		})
	}
}

func (w *Watcher) breakerTransition(ctx context.Context, from core.BreakerState, st core.CircuitBreakerStatus) {
	fields := map[string]string{
		"from":         from.String(),
		"to":           st.State.String(),
		"realized_pnl": st.RealizedPnL.StringFixed(4),
	}
	switch st.State {
	case core.BreakerOpen:
		fields["reason"] = st.Reason
		w.alerter.Alert(ctx, "Circuit breaker tripped", "Order admission halted: "+st.Reason, Critical, fields)
	case core.BreakerHalfOpen:
		w.alerter.Alert(ctx, "Circuit breaker probing", "Cooldown elapsed, admitting a probe order", Info, fields)
	default:
		w.alerter.Alert(ctx, "Circuit breaker closed", "Order admission resumed", Info, fields)
	}
}
