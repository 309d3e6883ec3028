package engine

import (
	"sync"
	"time"

	"trading_engine/internal/core"
)

type queuedEvent struct {
	seq        uint64 // global ingest order
	ev         core.MarketEvent
	enqueuedAt time.Time
}

type queuedReport struct {
	seq        uint64 // global arrival order
	report     core.ExecutionReport
	enqueuedAt time.Time
}

// instrumentView is the worker-owned market state of one instrument
type instrumentView struct {
	ctx          core.InstrumentContext
	lastReceived time.Time
}

// shard owns a disjoint set of instruments. Queues are guarded by qmu;
// orders by omu. Instrument views are touched only by the processing
// goroutine.
type shard struct {
	id int

	qmu     sync.Mutex
	events  []queuedEvent // fixed ring
	head    int
	count   int
	reports []queuedReport
	sweep   bool
	notify  chan struct{}

	omu    sync.RWMutex
	orders map[uint64]*core.Order

	views map[string]*instrumentView
}

func newShard(id, capacity int) *shard {
	return &shard{
		id:     id,
		events: make([]queuedEvent, capacity),
		notify: make(chan struct{}, 1),
		orders: make(map[uint64]*core.Order),
		views:  make(map[string]*instrumentView),
	}
}

func (s *shard) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pushEvent appends to the ring, assigning the ingest sequence under the
// queue lock. It returns false when the ring is full.
func (s *shard) pushEvent(ev core.MarketEvent, now time.Time, nextSeq func() uint64) bool {
	s.qmu.Lock()
	if s.count == len(s.events) {
		s.qmu.Unlock()
		return false
	}
	s.events[(s.head+s.count)%len(s.events)] = queuedEvent{seq: nextSeq(), ev: ev, enqueuedAt: now}
	s.count++
	s.qmu.Unlock()
	s.wake()
	return true
}

func (s *shard) popEvent() (queuedEvent, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.count == 0 {
		return queuedEvent{}, false
	}
	qe := s.events[s.head]
	s.events[s.head] = queuedEvent{}
	s.head = (s.head + 1) % len(s.events)
	s.count--
	return qe, true
}

// peekEventSeq returns the ingest sequence of the oldest pending event
func (s *shard) peekEventSeq() (uint64, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.count == 0 {
		return 0, false
	}
	return s.events[s.head].seq, true
}

func (s *shard) pushReport(r core.ExecutionReport, now time.Time, nextSeq func() uint64) {
	s.qmu.Lock()
	s.reports = append(s.reports, queuedReport{seq: nextSeq(), report: r, enqueuedAt: now})
	s.qmu.Unlock()
	s.wake()
}

func (s *shard) popReport() (queuedReport, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.reports) == 0 {
		return queuedReport{}, false
	}
	qr := s.reports[0]
	s.reports[0] = queuedReport{}
	s.reports = s.reports[1:]
	if len(s.reports) == 0 {
		s.reports = nil
	}
	return qr, true
}

func (s *shard) peekReportSeq() (uint64, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.reports) == 0 {
		return 0, false
	}
	return s.reports[0].seq, true
}

func (s *shard) requestSweep() {
	s.qmu.Lock()
	s.sweep = true
	s.qmu.Unlock()
	s.wake()
}

func (s *shard) takeSweep() bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if !s.sweep {
		return false
	}
	s.sweep = false
	return true
}

func (s *shard) depth() (events, reports int) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return s.count, len(s.reports)
}

func (s *shard) view(instrument string) *instrumentView {
	v, ok := s.views[instrument]
	if !ok {
		v = &instrumentView{ctx: core.InstrumentContext{Instrument: instrument}}
		s.views[instrument] = v
	}
	return v
}

func (s *shard) putOrder(o *core.Order) {
	s.omu.Lock()
	s.orders[o.Seq] = o
	s.omu.Unlock()
}

// mutateOrder applies fn to the stored order under the order lock and
// returns a copy of the result
func (s *shard) mutateOrder(seq uint64, fn func(o *core.Order)) (core.Order, bool) {
	s.omu.Lock()
	defer s.omu.Unlock()
	o, ok := s.orders[seq]
	if !ok {
		return core.Order{}, false
	}
	fn(o)
	return *o, true
}

func (s *shard) order(seq uint64) (core.Order, bool) {
	s.omu.RLock()
	defer s.omu.RUnlock()
	o, ok := s.orders[seq]
	if !ok {
		return core.Order{}, false
	}
	return *o, true
}

func (s *shard) liveOrders() int {
	s.omu.RLock()
	defer s.omu.RUnlock()
	n := 0
	for _, o := range s.orders {
		if !o.State.IsTerminal() {
			n++
		}
	}
	return n
}
