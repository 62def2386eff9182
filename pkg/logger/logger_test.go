package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hipo/sharemarket/pkg/config"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output: %s", buf.String())
	return entry
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *config.Config
		wantLevel zerolog.Level
	}{
		{"debug level", &config.Config{Env: "development", LogLevel: "debug", LogFormat: "json"}, zerolog.DebugLevel},
		{"info level", &config.Config{Env: "production", LogLevel: "info", LogFormat: "json"}, zerolog.InfoLevel},
		{"warn level console", &config.Config{Env: "staging", LogLevel: "warn", LogFormat: "console"}, zerolog.WarnLevel},
		{"unknown level", &config.Config{Env: "production", LogLevel: "loud", LogFormat: "json"}, zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := New(tt.cfg)
			require.NotNil(t, log)
			assert.Equal(t, tt.wantLevel, log.Zerolog().GetLevel())
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"invalid", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.input))
		})
	}
}

func TestLoggerMethods(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "debug")

	tests := []struct {
		name      string
		logFunc   func()
		wantMsg   string
		wantLevel string
	}{
		{"debug", func() { log.Debug("debug message") }, "debug message", "debug"},
		{"info", func() { log.Info("info message") }, "info message", "info"},
		{"warnf", func() { log.Warnf("retry attempt: %d", 3) }, "retry attempt: 3", "warn"},
		{"errorf", func() { log.Errorf("failed: %s", "timeout") }, "failed: timeout", "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc()

			entry := decode(t, &buf)
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, tt.wantMsg, entry["message"])
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "warn")

	log.Info("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept")
	assert.Equal(t, "kept", decode(t, &buf)["message"])
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "debug")

	log.WithFields(map[string]interface{}{
		"user_id":  "u-1",
		"quantity": 10,
	}).WithField("side", "BUY").Info("order placed")

	entry := decode(t, &buf)
	assert.Equal(t, "u-1", entry["user_id"])
	assert.Equal(t, float64(10), entry["quantity"])
	assert.Equal(t, "BUY", entry["side"])
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "debug")

	log.WithError(errors.New("connection refused")).Error("operation failed")

	entry := decode(t, &buf)
	assert.Equal(t, "connection refused", entry["error"])
	assert.Equal(t, "operation failed", entry["message"])
}

func TestDomainFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "debug")

	orderID := uuid.New()
	tradeID := uuid.New()

	log.WithComponent("orderbook").WithOrder(orderID, "creator-1").Info("order rested")
	entry := decode(t, &buf)
	assert.Equal(t, "orderbook", entry["component"])
	assert.Equal(t, orderID.String(), entry["order_id"])
	assert.Equal(t, "creator-1", entry["target_id"])

	buf.Reset()
	log.WithTrade(tradeID, "creator-2").Info("trade settled")
	entry = decode(t, &buf)
	assert.Equal(t, tradeID.String(), entry["trade_id"])
	assert.Equal(t, "creator-2", entry["target_id"])
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().WithField("k", "v").Error("nothing")
	})
}
