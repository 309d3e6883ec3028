package statistics

import "trading_engine/internal/core"

// Fanout forwards every record to each sink in order
type Fanout []core.IStatisticsSink

func (f Fanout) RecordMeasurement(m core.Measurement) {
	for _, s := range f {
		s.RecordMeasurement(m)
	}
}

func (f Fanout) RecordOutcome(o core.OrderOutcome) {
	for _, s := range f {
		s.RecordOutcome(o)
	}
}
