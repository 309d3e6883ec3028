package engine

import (
	"context"
	"sort"
	"time"

	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
)

func (e *Engine) runWatchdog(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sh := range e.shards {
				sh.requestSweep()
			}
			e.publishQueueDepth()
		}
	}
}

// SweepTimeouts is the manual-mode watchdog step. Running engines sweep on
// their own ticker.
func (e *Engine) SweepTimeouts(now time.Time) error {
	switch lifecycle(e.state.Load()) {
	case stateRunning:
		return apperrors.ErrEngineRunning
	case stateStopped:
		return apperrors.ErrEngineStopped
	}
	for _, sh := range e.shards {
		e.sweepShard(sh, now)
	}
	e.publishQueueDepth()
	return nil
}

// sweepShard times out submitted orders that never heard back and evicts
// terminal orders past their retention
func (e *Engine) sweepShard(sh *shard, now time.Time) {
	var timedOut, evict []uint64

	sh.omu.RLock()
	for seq, o := range sh.orders {
		switch {
		case o.State == core.OrderStateSubmitted && o.ReportsApplied == 0 &&
			now.Sub(o.SubmittedAt) > e.cfg.SubmitTimeout:
			timedOut = append(timedOut, seq)
		case o.State.IsTerminal() && now.Sub(o.TerminalAt) > e.cfg.TerminalRetention:
			evict = append(evict, seq)
		}
	}
	sh.omu.RUnlock()

	sort.Slice(timedOut, func(i, j int) bool { return timedOut[i] < timedOut[j] })
	for _, seq := range timedOut {
		e.counters.timeouts.Add(1)
		e.logger.Warn("Order timed out",
			"seq", seq,
			"timeout", e.cfg.SubmitTimeout,
			"error", apperrors.ErrTimeout)
		e.risk.RecordExecutionOutcome(true)
		e.finish(sh, seq, core.OrderStateRejected, core.RejectTimeout, now, false)
	}

	if len(evict) == 0 {
		return
	}
	sh.omu.Lock()
	for _, seq := range evict {
		delete(sh.orders, seq)
	}
	sh.omu.Unlock()
	for _, seq := range evict {
		e.orderIndex.Delete(seq)
	}
	e.logger.Debug("Evicted terminal orders", "shard", sh.id, "count", len(evict))
}
