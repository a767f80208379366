package logging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestZapLogger_FieldsAreStructured(t *testing.T) {
	obsCore, logs := observer.New(zap.DebugLevel)
	logger := NewFromZap(zap.New(obsCore))

	child := logger.WithField("component", "fill_processor").WithFields(map[string]interface{}{"bot": "alpha"})
	child.Warn("Fill skipped", "fill_key", "1.7.1:10:0", "amount", decimal.RequireFromString("2.50"), "error", errors.New("duplicate"))

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "fill_processor", ctx["component"])
	assert.Equal(t, "alpha", ctx["bot"])
	assert.Equal(t, "2.5", ctx["amount"])
	assert.Equal(t, "duplicate", ctx["error"])
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestZapLogger_OddFieldCountDropsDanglingKey(t *testing.T) {
	obsCore, logs := observer.New(zap.DebugLevel)
	logger := NewFromZap(zap.New(obsCore))

	logger.Info("msg", "a", 1, "dangling")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Context, 1)
}

func TestNew_JSONFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.log")
	logger, err := New(Options{Level: "DEBUG", Format: "json", File: path})
	require.NoError(t, err)
	logger.WithField("bot", "alpha").Debug("Grid loaded", "slots", 6)
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Grid loaded"`)
	assert.Contains(t, string(data), `"bot":"alpha"`)

	_, err = New(Options{Level: "verbose"})
	assert.Error(t, err)
	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}
