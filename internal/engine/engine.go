// Package engine sequences market events per instrument, runs them through
// the strategy and the risk gate, submits admitted orders and folds
// execution reports back into risk state.
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
	"trading_engine/pkg/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type lifecycle int32

const (
	stateIdle lifecycle = iota // manual drive through ProcessNext
	stateRunning
	stateStopped
)

// Option customizes an Engine
type Option func(*Engine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the sequencing and orchestration core
type Engine struct {
	id       string
	cfg      Config
	strategy core.IStrategy
	observer core.IOrderObserver
	risk     core.IRiskManager
	exec     core.IExecutionClient
	sink     core.IStatisticsSink
	logger   core.ILogger
	now      func() time.Time

	shards     []*shard
	orderIndex sync.Map // order seq -> *shard

	orderSeq  atomic.Uint64
	ingestSeq atomic.Uint64
	reportSeq atomic.Uint64

	state  atomic.Int32
	paused atomic.Bool

	lifeMu  sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	counters counters

	tracer  trace.Tracer
	metrics *telemetry.MetricsHolder
}

// New wires an engine. The execution client is bound as report source when
// it implements core.IReportBinder; a strategy implementing
// core.IOrderObserver receives order updates.
func New(
	cfg Config,
	strategy core.IStrategy,
	riskManager core.IRiskManager,
	exec core.IExecutionClient,
	sink core.IStatisticsSink,
	logger core.ILogger,
	opts ...Option,
) (*Engine, error) {
	if strategy == nil || riskManager == nil || exec == nil {
		return nil, fmt.Errorf("engine requires a strategy, a risk manager and an execution client")
	}
	if sink == nil {
		sink = noopSink{}
	}
	cfg = cfg.withDefaults()
	id := uuid.NewString()

	e := &Engine{
		id:       id,
		cfg:      cfg,
		strategy: strategy,
		risk:     riskManager,
		exec:     exec,
		sink:     sink,
		logger:   logger.WithField("component", "engine").WithField("engine_id", id),
		now:      time.Now,
		baseCtx:  context.Background(),
		tracer:   telemetry.GetTracer("engine"),
		metrics:  telemetry.GetGlobalMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if obs, ok := strategy.(core.IOrderObserver); ok {
		e.observer = obs
	}

	e.shards = make([]*shard, cfg.Workers)
	for i := range e.shards {
		e.shards[i] = newShard(i, cfg.QueueCapacity)
	}

	if binder, ok := exec.(core.IReportBinder); ok {
		binder.BindReports(e)
	}
	return e, nil
}

// ID is the engine instance id carried on every log line
func (e *Engine) ID() string {
	return e.id
}

func (e *Engine) shardFor(instrument string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instrument))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// SubmitEvent enqueues ev on its instrument's shard without blocking
func (e *Engine) SubmitEvent(ev core.MarketEvent) error {
	if lifecycle(e.state.Load()) == stateStopped {
		return apperrors.ErrEngineStopped
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidEvent, err)
	}

	sh := e.shardFor(ev.Instrument)
	if !sh.pushEvent(ev, e.now(), e.nextIngestSeq) {
		e.counters.backpressure.Add(1)
		return fmt.Errorf("%w: instrument %s shard %d capacity %d",
			apperrors.ErrEngineBackpressure, ev.Instrument, sh.id, e.cfg.QueueCapacity)
	}
	return nil
}

func (e *Engine) nextIngestSeq() uint64 { return e.ingestSeq.Add(1) }

func (e *Engine) nextReportSeq() uint64 { return e.reportSeq.Add(1) }

// OnExecutionReport routes r to the shard owning the order without blocking
func (e *Engine) OnExecutionReport(r core.ExecutionReport) error {
	if lifecycle(e.state.Load()) == stateStopped {
		return apperrors.ErrEngineStopped
	}
	v, ok := e.orderIndex.Load(r.OrderSeq)
	if !ok {
		e.counters.unknownReports.Add(1)
		e.logger.Warn("Execution report for unknown order",
			"seq", r.OrderSeq,
			"outcome", r.Outcome.String())
		return fmt.Errorf("%w: seq %d", apperrors.ErrUnknownOrder, r.OrderSeq)
	}
	v.(*shard).pushReport(r, e.now(), e.nextReportSeq)
	return nil
}

// Start launches one worker per shard plus the timeout watchdog
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	switch lifecycle(e.state.Load()) {
	case stateRunning:
		return apperrors.ErrEngineRunning
	case stateStopped:
		return apperrors.ErrEngineStopped
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.baseCtx = runCtx
	e.cancel = cancel
	e.state.Store(int32(stateRunning))

	for _, sh := range e.shards {
		e.wg.Add(1)
		go func(sh *shard) {
			defer e.wg.Done()
			e.runShard(runCtx, sh)
		}(sh)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runWatchdog(runCtx)
	}()

	e.logger.Info("Engine started",
		"workers", e.cfg.Workers,
		"queue_capacity", e.cfg.QueueCapacity,
		"submit_timeout", e.cfg.SubmitTimeout)
	return nil
}

// Stop halts the workers after their current step and waits for them.
// Pending events stay unprocessed.
func (e *Engine) Stop() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if lifecycle(e.state.Swap(int32(stateStopped))) == stateStopped {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	st := e.Stats()
	e.logger.Info("Engine stopped",
		"events_processed", st.EventsProcessed,
		"admitted", st.Admitted,
		"risk_rejected", st.RiskRejected,
		"pending_events", st.QueueDepth,
		"live_orders", st.LiveOrders)
	return nil
}

// Run starts the engine and blocks until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Stop()
}

// Pause stops market events from being dequeued. Reports and timeouts are
// still folded back and SubmitEvent keeps queueing.
func (e *Engine) Pause() {
	if !e.paused.Swap(true) {
		e.logger.Info("Engine paused")
	}
}

func (e *Engine) Resume() {
	if e.paused.Swap(false) {
		e.logger.Info("Engine resumed")
		for _, sh := range e.shards {
			sh.wake()
		}
	}
}

func (e *Engine) IsPaused() bool {
	return e.paused.Load()
}

// ProcessNext is the manual drive step: it folds back every pending
// execution report in arrival order, then processes the oldest pending
// market event. It reports whether anything was processed. Not safe for
// concurrent use.
func (e *Engine) ProcessNext() (bool, error) {
	switch lifecycle(e.state.Load()) {
	case stateRunning:
		return false, apperrors.ErrEngineRunning
	case stateStopped:
		return false, apperrors.ErrEngineStopped
	}

	processed := false
	for {
		sh := e.oldest((*shard).peekReportSeq)
		if sh == nil {
			break
		}
		qr, ok := sh.popReport()
		if !ok {
			break
		}
		e.applyReport(sh, qr)
		processed = true
	}

	if e.paused.Load() {
		return processed, nil
	}
	if sh := e.oldest((*shard).peekEventSeq); sh != nil {
		if qe, ok := sh.popEvent(); ok {
			e.processEvent(sh, qe)
			processed = true
		}
	}
	return processed, nil
}

// Drain calls ProcessNext until nothing is pending and returns the number
// of steps taken
func (e *Engine) Drain() (int, error) {
	steps := 0
	for {
		ok, err := e.ProcessNext()
		if err != nil {
			return steps, err
		}
		if !ok {
			return steps, nil
		}
		steps++
	}
}

func (e *Engine) oldest(peek func(*shard) (uint64, bool)) *shard {
	var best *shard
	var bestSeq uint64
	for _, sh := range e.shards {
		if seq, ok := peek(sh); ok && (best == nil || seq < bestSeq) {
			best, bestSeq = sh, seq
		}
	}
	return best
}

func (e *Engine) runShard(ctx context.Context, sh *shard) {
	for {
		if ctx.Err() != nil {
			return
		}
		if sh.takeSweep() {
			e.sweepShard(sh, e.now())
		}
		if qr, ok := sh.popReport(); ok {
			e.applyReport(sh, qr)
			continue
		}
		if !e.paused.Load() {
			if qe, ok := sh.popEvent(); ok {
				e.processEvent(sh, qe)
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-sh.notify:
		}
	}
}

func (e *Engine) processEvent(sh *shard, qe queuedEvent) {
	ev := qe.ev
	start := e.now()
	e.measure(core.StageIngest, ev.Instrument, start.Sub(qe.enqueuedAt), false)

	ctx, span := e.tracer.Start(e.baseCtx, "ProcessEvent",
		trace.WithAttributes(
			attribute.String("instrument", ev.Instrument),
			attribute.String("kind", ev.Kind.String()),
		),
	)
	defer span.End()

	view := sh.view(ev.Instrument)
	e.updateView(view, ev)
	e.counters.events.Add(1)
	e.metrics.EventsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", ev.Kind.String())))

	intents, err := e.decide(ev, view.ctx)
	latency := e.now().Sub(start)
	if err != nil {
		e.counters.strategyFailures.Add(1)
		e.metrics.StrategyFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("instrument", ev.Instrument)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "strategy failure")
		e.logger.Error("Strategy failure",
			"instrument", ev.Instrument,
			"kind", ev.Kind.String(),
			"error", err)
		e.measure(core.StageStrategy, ev.Instrument, latency, true)
		return
	}
	e.measure(core.StageStrategy, ev.Instrument, latency, false)

	if len(intents) > 0 {
		span.SetAttributes(attribute.Int("intents", len(intents)))
	}
	for _, intent := range intents {
		e.handleIntent(sh, ev.Instrument, intent, view.ctx)
	}
}

// updateView folds ev into the instrument context. Regressions are logged
// and the event is still applied as received.
func (e *Engine) updateView(v *instrumentView, ev core.MarketEvent) {
	if !v.lastReceived.IsZero() && ev.ReceivedAt.Before(v.lastReceived) {
		e.protocolViolation("Receipt time regression",
			"instrument", ev.Instrument,
			"received_at", ev.ReceivedAt,
			"previous", v.lastReceived)
	} else {
		v.lastReceived = ev.ReceivedAt
	}

	c := &v.ctx
	switch ev.Kind {
	case core.EventKindTrade:
		c.LastPrice = ev.Trade.Price
	case core.EventKindL1Update:
		c.BestBid = ev.L1.BidPrice
		c.BestAsk = ev.L1.AskPrice
	case core.EventKindL2Update:
		if c.BookSeq != 0 && ev.L2.BookSeq <= c.BookSeq {
			e.protocolViolation("Book sequence regression",
				"instrument", ev.Instrument,
				"book_seq", ev.L2.BookSeq,
				"previous", c.BookSeq)
		}
		c.BookSeq = ev.L2.BookSeq
		if len(ev.L2.Bids) > 0 {
			c.BestBid = ev.L2.Bids[0].Price
		}
		if len(ev.L2.Asks) > 0 {
			c.BestAsk = ev.L2.Asks[0].Price
		}
	case core.EventKindCandle:
		c.LastPrice = ev.Candle.Close
	}
	c.EventsSeen++
	c.LastEventAt = ev.ExchangeTime

	pos := e.risk.Position(ev.Instrument)
	c.Position = pos.Quantity
	c.AvgEntryPrice = pos.AvgPrice
}

func (e *Engine) decide(ev core.MarketEvent, ictx core.InstrumentContext) (intents []core.OrderIntent, err error) {
	defer func() {
		if r := recover(); r != nil {
			intents = nil
			err = fmt.Errorf("%w: panic: %v", apperrors.ErrStrategyFailure, r)
		}
	}()
	intents, err = e.strategy.Decide(ev, ictx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrStrategyFailure, err)
	}
	return intents, nil
}

func (e *Engine) handleIntent(sh *shard, instrument string, intent core.OrderIntent, ictx core.InstrumentContext) {
	e.counters.intents.Add(1)
	if intent.Instrument == "" {
		intent.Instrument = instrument
	}

	created := e.now()
	order := &core.Order{
		Seq:       e.orderSeq.Add(1),
		Intent:    intent,
		State:     core.OrderStateCreated,
		CreatedAt: created,
	}

	var decision core.Decision
	if intent.Instrument != instrument {
		// intents may only target the instrument whose event produced them
		decision = core.Decision{Kind: core.DecisionReject, Reason: core.RejectInvalidIntent}
	} else {
		decision = e.risk.Evaluate(intent, ictx, order.Seq)
	}
	decided := e.now()
	order.DecidedAt = decided
	e.measure(core.StageRisk, instrument, decided.Sub(created), !decision.Admitted())

	if !decision.Admitted() {
		e.counters.riskRejected.Add(1)
		sh.putOrder(order)
		e.orderIndex.Store(order.Seq, sh)
		e.finish(sh, order.Seq, core.OrderStateRejected, decision.Reason, decided, false)
		return
	}

	e.counters.admitted.Add(1)
	if decision.Kind == core.DecisionClip {
		e.counters.clipped.Add(1)
	}
	order.Quantity = decision.Quantity
	order.ReservePrice = decision.ReservePrice

	// registered before the transport sees it so an immediate report routes
	order.State = core.OrderStateSubmitted
	order.SubmittedAt = e.now()
	snapshot := *order
	sh.putOrder(order)
	e.orderIndex.Store(order.Seq, sh)

	err := e.submit(snapshot)
	e.measure(core.StageSubmit, instrument, e.now().Sub(snapshot.SubmittedAt), err != nil)
	if err != nil {
		e.logger.Warn("Order submission failed",
			"seq", snapshot.Seq,
			"instrument", instrument,
			"error", err)
		e.risk.RecordExecutionOutcome(true)
		e.finish(sh, snapshot.Seq, core.OrderStateRejected, core.RejectTransport, e.now(), false)
		return
	}
	e.notifyObserver(snapshot)
}

func (e *Engine) submit(o core.Order) (err error) {
	ctx, cancel := context.WithTimeout(e.baseCtx, e.cfg.SubmitTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", apperrors.ErrSubmission, r)
		}
	}()
	if subErr := e.exec.Submit(ctx, o); subErr != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrSubmission, subErr)
	}
	return nil
}

func (e *Engine) protocolViolation(msg string, fields ...interface{}) {
	e.counters.protocolViolations.Add(1)
	e.logger.Warn(msg, append(fields, "error", apperrors.ErrProtocolViolation)...)
}

func (e *Engine) measure(stage core.Stage, instrument string, latency time.Duration, failed bool) {
	e.metrics.StageLatency.Record(context.Background(), float64(latency.Microseconds())/1000,
		metric.WithAttributes(attribute.String("stage", stage.String())))
	e.record(func() {
		e.sink.RecordMeasurement(core.Measurement{
			Stage:      stage,
			Instrument: instrument,
			Latency:    latency,
			Timestamp:  e.now(),
			Failed:     failed,
		})
	})
}

// record isolates the engine from a panicking statistics sink
func (e *Engine) record(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Statistics sink panic", "panic", r)
		}
	}()
	fn()
}

func (e *Engine) notifyObserver(o core.Order) {
	if e.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.counters.strategyFailures.Add(1)
			e.logger.Error("Order observer panic", "seq", o.Seq, "panic", r)
		}
	}()
	e.observer.OnOrderUpdate(o)
}

// Order returns a snapshot of a live or retained order
func (e *Engine) Order(seq uint64) (core.Order, bool) {
	v, ok := e.orderIndex.Load(seq)
	if !ok {
		return core.Order{}, false
	}
	return v.(*shard).order(seq)
}

func (e *Engine) publishQueueDepth() {
	for _, sh := range e.shards {
		events, _ := sh.depth()
		e.metrics.SetQueueDepth(strconv.Itoa(sh.id), int64(events))
	}
}

// CheckHealth fails when the engine is stopped or a shard queue is nearly
// full
func (e *Engine) CheckHealth() error {
	if lifecycle(e.state.Load()) == stateStopped {
		return apperrors.ErrEngineStopped
	}
	for _, sh := range e.shards {
		events, _ := sh.depth()
		if events*10 >= e.cfg.QueueCapacity*9 {
			return fmt.Errorf("shard %d queue at %d/%d", sh.id, events, e.cfg.QueueCapacity)
		}
	}
	return nil
}

type noopSink struct{}

func (noopSink) RecordMeasurement(core.Measurement) {}
func (noopSink) RecordOutcome(core.OrderOutcome)    {}
