package logging

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"chatty":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestParseTimeFormat(t *testing.T) {
	assert.Equal(t, "3:04PM", parseTimeFormat("kitchen"))
	assert.Equal(t, "2006-01-02", parseTimeFormat("2006-01-02"))
	assert.Equal(t, "3:04PM", parseTimeFormat("whenever"))
}

func TestNewLoggerFromConfigDiscard(t *testing.T) {
	old := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(old) })

	logger := NewLoggerFromConfig(&Config{Level: "warn", Output: "discard", Fields: map[string]string{"service": "ordersync"}})
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
}

func TestContextLogger(t *testing.T) {
	tl := NewTestLogger(t)

	ctx := WithLogger(context.Background(), tl.Logger)
	ctx = WithRoom(ctx, "r1", "kitchen")
	ctx = WithRequestID(ctx, "req-1")

	FromContext(ctx).Info().Msg("joined")

	require.Equal(t, 1, tl.Count())
	assert.True(t, tl.Contains(`"restaurant_id":"r1"`))
	assert.True(t, tl.Contains(`"role":"kitchen"`))
	assert.True(t, tl.Contains(`"request_id":"req-1"`))
}

func TestFromContextDefault(t *testing.T) {
	assert.Same(t, Default(), FromContext(context.Background()))
	//nolint:staticcheck // nil context is accepted
	assert.Same(t, Default(), FromContext(nil))
}
