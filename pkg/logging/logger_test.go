package logging

import (
	"context"
	"testing"
	"time"

	"trading_engine/pkg/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZapLogger_OTelBridge(t *testing.T) {
	tel, err := telemetry.Setup("test-logger")
	require.NoError(t, err)
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := NewZapLogger("DEBUG")
	require.NoError(t, err)

	logger.Info("engine started", "workers", 4)
	logger.WithField("component", "risk").Debug("evaluated", "instrument", "BTCUSDT")

	// let the batch processor pick it up; stdout exporter only needs to not crash
	time.Sleep(100 * time.Millisecond)
	_ = logger.Sync()
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": DebugLevel,
		"INFO":  InfoLevel,
		"":      InfoLevel,
		"Warn":  WarnLevel,
		"ERROR": ErrorLevel,
		"fatal": FatalLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)

	_, err = NewZapLogger("verbose")
	assert.Error(t, err)
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.WithFields(map[string]interface{}{"a": 1}).Error("ignored", "k", "v", "dangling")
	assert.NotNil(t, NewLogger(WarnLevel))
}
