package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_WritesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewZapLoggerFrom(zap.New(core))

	l.Warn("confirm notify failed", map[string]any{
		"charge_id": "ch_1",
		"error":     errors.New("connection refused"),
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "confirm notify failed", entries[0].Message)

	ctx := entries[0].ContextMap()
	assert.Equal(t, "ch_1", ctx["charge_id"])
	assert.Equal(t, "connection refused", ctx["error"])
}

func TestMerge(t *testing.T) {
	base := map[string]any{"charge_id": "ch_1", "attempt": 1}
	out := Merge(base, map[string]any{"attempt": 2})

	assert.Equal(t, 2, out["attempt"])
	assert.Equal(t, "ch_1", out["charge_id"])
	assert.Equal(t, 1, base["attempt"])
}

func TestOrNoop(t *testing.T) {
	assert.IsType(t, NoopLogger{}, OrNoop(nil))
	z := NewZapLogger("debug")
	assert.Same(t, z, OrNoop(z))
}
