package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	logg := New(Options{ServiceName: "wholesale", Output: &buf})

	ctx := logg.WithOrderID(context.Background(), "order-1")
	ctx = logg.WithFields(ctx, map[string]any{"unrestored": 3})
	logg.Warn(ctx, "reconciliation required")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "wholesale", entry["service"])
	assert.Equal(t, "order-1", entry["order_id"])
	assert.Equal(t, float64(3), entry["unrestored"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "reconciliation required", entry["message"])
}

func TestLogger_ErrorIncludesCause(t *testing.T) {
	var buf bytes.Buffer
	logg := New(Options{ServiceName: "wholesale", Output: &buf})

	logg.Error(context.Background(), "place order failed", errors.New("boom"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "boom", entry["error"])
	assert.NotEmpty(t, entry["stack"])
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logg := New(Options{ServiceName: "wholesale", Output: &buf, Level: zerolog.WarnLevel})

	logg.Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}
