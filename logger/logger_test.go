package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fleet-ledger/logger"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logger.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, logger.ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, logger.ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, logger.ParseLevel("verbose"))
}

func TestNew_JSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, "warn", "json")

	log.Info("dropped")
	log.Warn("balance drift detected", "consigner_id", 7)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "balance drift detected", line["msg"])
	assert.Equal(t, float64(7), line["consigner_id"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger.New(&buf, "info", "text").Info("trip created", "trip_id", 3)
	assert.Contains(t, buf.String(), "msg=\"trip created\" trip_id=3")
}

func TestGet_InitializesOnce(t *testing.T) {
	l := logger.Get()
	require.NotNil(t, l)
	assert.Same(t, l, logger.Get())
	assert.NotNil(t, logger.WithService("ledger"))
}
