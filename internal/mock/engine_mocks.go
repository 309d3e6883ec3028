package mock

import (
	"context"
	"sync"

	"trading_engine/internal/core"

	"github.com/stretchr/testify/mock"
)

// MockStrategy is a testify mock of core.IStrategy
type MockStrategy struct {
	mock.Mock
}

func (m *MockStrategy) Decide(ev core.MarketEvent, ctx core.InstrumentContext) ([]core.OrderIntent, error) {
	args := m.Called(ev, ctx)
	var intents []core.OrderIntent
	if v := args.Get(0); v != nil {
		intents = v.([]core.OrderIntent)
	}
	return intents, args.Error(1)
}

// MockObservingStrategy also receives order updates
type MockObservingStrategy struct {
	MockStrategy
}

func (m *MockObservingStrategy) OnOrderUpdate(order core.Order) {
	m.Called(order)
}

// MockExecutionClient records submitted orders. Reports are pushed through
// the bound handler only when a test calls Report.
type MockExecutionClient struct {
	mu        sync.Mutex
	submitted []core.Order
	handler   core.IReportHandler
	err       error
	panicMsg  string
}

func NewMockExecutionClient() *MockExecutionClient {
	return &MockExecutionClient{}
}

func (m *MockExecutionClient) Submit(ctx context.Context, order core.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.err != nil {
		return m.err
	}
	m.submitted = append(m.submitted, order)
	return nil
}

func (m *MockExecutionClient) BindReports(handler core.IReportHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// FailWith makes subsequent submissions return err; nil restores success
func (m *MockExecutionClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// PanicWith makes subsequent submissions panic
func (m *MockExecutionClient) PanicWith(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicMsg = msg
}

func (m *MockExecutionClient) Submitted() []core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Order, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// Report delivers r to the bound handler
func (m *MockExecutionClient) Report(r core.ExecutionReport) error {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	return h.OnExecutionReport(r)
}

// RecordingSink keeps every measurement and outcome
type RecordingSink struct {
	mu           sync.Mutex
	measurements []core.Measurement
	outcomes     []core.OrderOutcome
}

func (s *RecordingSink) RecordMeasurement(m core.Measurement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.measurements = append(s.measurements, m)
}

func (s *RecordingSink) RecordOutcome(o core.OrderOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
}

func (s *RecordingSink) Measurements() []core.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Measurement(nil), s.measurements...)
}

func (s *RecordingSink) Outcomes() []core.OrderOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.OrderOutcome(nil), s.outcomes...)
}

// MockStatisticsSink is a testify mock of core.IStatisticsSink
type MockStatisticsSink struct {
	mock.Mock
}

func (m *MockStatisticsSink) RecordMeasurement(meas core.Measurement) {
	m.Called(meas)
}

func (m *MockStatisticsSink) RecordOutcome(o core.OrderOutcome) {
	m.Called(o)
}
