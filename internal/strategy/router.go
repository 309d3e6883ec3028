package strategy

import (
	"sync"

	"trading_engine/internal/core"
)

// Func adapts a plain function to core.IStrategy
type Func func(ev core.MarketEvent, ctx core.InstrumentContext) ([]core.OrderIntent, error)

func (f Func) Decide(ev core.MarketEvent, ctx core.InstrumentContext) ([]core.OrderIntent, error) {
	return f(ev, ctx)
}

// Router dispatches each event to the strategy registered for its
// instrument, falling back to the default. Order updates are forwarded to
// the routed strategy when it implements core.IOrderObserver.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]core.IStrategy
	fallback core.IStrategy
}

// NewRouter creates a router; fallback may be nil to ignore unrouted
// instruments
func NewRouter(fallback core.IStrategy) *Router {
	return &Router{
		routes:   make(map[string]core.IStrategy),
		fallback: fallback,
	}
}

// Route registers s for instrument, replacing any previous route
func (r *Router) Route(instrument string, s core.IStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[instrument] = s
}

func (r *Router) lookup(instrument string) core.IStrategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.routes[instrument]; ok {
		return s
	}
	return r.fallback
}

func (r *Router) Decide(ev core.MarketEvent, ctx core.InstrumentContext) ([]core.OrderIntent, error) {
	s := r.lookup(ev.Instrument)
	if s == nil {
		return nil, nil
	}
	return s.Decide(ev, ctx)
}

func (r *Router) OnOrderUpdate(order core.Order) {
	if obs, ok := r.lookup(order.Instrument()).(core.IOrderObserver); ok {
		obs.OnOrderUpdate(order)
	}
}
