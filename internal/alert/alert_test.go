package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"trading_engine/internal/core"
	"trading_engine/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAlertChannel struct {
	name     string
	sent     []AlertPayload
	sendFunc func(ctx context.Context, alert AlertPayload) error
	mu       sync.Mutex
}

func (m *mockAlertChannel) Name() string {
	return m.name
}

func (m *mockAlertChannel) Send(ctx context.Context, alert AlertPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockAlertChannel) getSent() []AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]AlertPayload, len(m.sent))
	copy(res, m.sent)
	return res
}

func TestAlertManager_Alert(t *testing.T) {
	am := NewAlertManager(logging.NewNopLogger())

	ch1 := &mockAlertChannel{name: "mock1"}
	ch2 := &mockAlertChannel{name: "mock2", sendFunc: func(context.Context, AlertPayload) error {
		return assert.AnError
	}}

	am.AddChannel(ch1)
	am.AddChannel(ch2)
	assert.Equal(t, 2, am.Channels())

	ctx, cancel := context.WithCancel(context.Background())
	am.Alert(ctx, "Test Alert", "This is a test", Info, map[string]string{"key": "value"})
	cancel() // delivery outlives the caller's context
	am.Flush()

	sent1 := ch1.getSent()
	require.Len(t, sent1, 1)
	assert.Len(t, ch2.getSent(), 1, "a failing channel does not affect others")

	payload := sent1[0]
	assert.Equal(t, "Test Alert", payload.Title)
	assert.Equal(t, Info, payload.Level)
	assert.Equal(t, "value", payload.Fields["key"])
}

func TestChannels_PostJSON(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies = map[string]map[string]interface{}{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies[r.URL.Path] = body
		mu.Unlock()
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	alert := AlertPayload{Level: Critical, Title: "Circuit breaker tripped", Message: "drawdown", Fields: map[string]string{"b": "2", "a": "1"}}

	require.NoError(t, NewSlackChannel(srv.URL+"/slack").Send(context.Background(), alert))
	require.NoError(t, NewWebhookChannel(srv.URL+"/hook").Send(context.Background(), alert))
	assert.ErrorContains(t, NewWebhookChannel(srv.URL+"/broken").Send(context.Background(), alert), "502")
	assert.NoError(t, NewSlackChannel("").Send(context.Background(), alert), "unconfigured channel is a no-op")

	mu.Lock()
	defer mu.Unlock()
	attachments := bodies["/slack"]["attachments"].([]interface{})
	first := attachments[0].(map[string]interface{})
	assert.Equal(t, "#8b0000", first["color"])
	fields := first["fields"].([]interface{})
	assert.Equal(t, "a", fields[0].(map[string]interface{})["title"], "fields are sorted")
	assert.Equal(t, "CRITICAL", bodies["/hook"]["level"])
}

type recordingAlerter struct {
	titles []string
	levels []AlertLevel
}

func (r *recordingAlerter) Alert(_ context.Context, title, _ string, level AlertLevel, _ map[string]string) {
	r.titles = append(r.titles, title)
	r.levels = append(r.levels, level)
}

func TestWatcher_BreakerTransitionsAndCounters(t *testing.T) {
	rec := &recordingAlerter{}
	status := core.CircuitBreakerStatus{State: core.BreakerClosed, RealizedPnL: decimal.Zero}
	counters := map[string]uint64{"protocol_violations": 0, "timeouts": 0}

	w := NewWatcher(rec,
		func() core.CircuitBreakerStatus { return status },
		func() map[string]uint64 { return counters },
		0, logging.NewNopLogger())
	ctx := context.Background()

	w.Check(ctx)
	assert.Empty(t, rec.titles, "steady state is silent")

	status.State, status.Reason = core.BreakerOpen, "drawdown"
	counters["timeouts"] = 3
	w.Check(ctx)
	assert.Equal(t, []string{"Circuit breaker tripped", "Engine anomaly"}, rec.titles)
	assert.Equal(t, []AlertLevel{Critical, Warning}, rec.levels)

	w.Check(ctx)
	assert.Len(t, rec.titles, 2, "no repeat without change")

	status.State = core.BreakerHalfOpen
	w.Check(ctx)
	status.State = core.BreakerClosed
	w.Check(ctx)
	assert.Equal(t, "Circuit breaker probing", rec.titles[2])
	assert.Equal(t, "Circuit breaker closed", rec.titles[3])
}
