package engine

import "sync/atomic"

type counters struct {
	events             atomic.Uint64
	strategyFailures   atomic.Uint64
	intents            atomic.Uint64
	admitted           atomic.Uint64
	clipped            atomic.Uint64
	riskRejected       atomic.Uint64
	reports            atomic.Uint64
	unknownReports     atomic.Uint64
	lateReports        atomic.Uint64
	protocolViolations atomic.Uint64
	timeouts           atomic.Uint64
	backpressure       atomic.Uint64
}

// Stats is a point-in-time view of engine counters
type Stats struct {
	EventsProcessed    uint64
	StrategyFailures   uint64
	Intents            uint64
	Admitted           uint64
	Clipped            uint64
	RiskRejected       uint64
	Reports            uint64
	UnknownReports     uint64
	LateReports        uint64
	ProtocolViolations uint64
	Timeouts           uint64
	Backpressure       uint64
	QueueDepth         int
	PendingReports     int
	LiveOrders         int
	Paused             bool
}

func (e *Engine) Stats() Stats {
	st := Stats{
		EventsProcessed:    e.counters.events.Load(),
		StrategyFailures:   e.counters.strategyFailures.Load(),
		Intents:            e.counters.intents.Load(),
		Admitted:           e.counters.admitted.Load(),
		Clipped:            e.counters.clipped.Load(),
		RiskRejected:       e.counters.riskRejected.Load(),
		Reports:            e.counters.reports.Load(),
		UnknownReports:     e.counters.unknownReports.Load(),
		LateReports:        e.counters.lateReports.Load(),
		ProtocolViolations: e.counters.protocolViolations.Load(),
		Timeouts:           e.counters.timeouts.Load(),
		Backpressure:       e.counters.backpressure.Load(),
		Paused:             e.paused.Load(),
	}
	for _, sh := range e.shards {
		events, reports := sh.depth()
		st.QueueDepth += events
		st.PendingReports += reports
		st.LiveOrders += sh.liveOrders()
	}
	return st
}
