package alerts

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertString(t *testing.T) {
	assert.Equal(t, "✓ Connected", NewSuccess("Connected").String())
	assert.Equal(t, "✗ Stopped: boom", NewError("Stopped").WithError(errors.New("boom")).String())
	assert.Equal(t, "! Reconnecting", NewWarning("Reconnecting").String())
	assert.Equal(t, "· Connecting", NewInfo("Connecting").String())
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "success", LevelSuccess.String())
	assert.Equal(t, "unknown(9)", Level(9).String())
}

func TestWriterPlainForBuffers(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, false)

	a := NewWarning("Disconnected")
	a.Timestamp = time.Date(2026, 3, 1, 21, 4, 5, 0, time.UTC)
	require.NoError(t, w.Write(a))

	assert.Equal(t, "21:04:05 ! Disconnected\n", buf.String())
	assert.False(t, strings.Contains(buf.String(), "\033["), "no color outside a terminal")
}

func TestWriterColor(t *testing.T) {
	var buf bytes.Buffer
	w := &Writer{out: &buf, color: true}
	require.NoError(t, w.Write(NewError("Rejected")))
	assert.True(t, strings.HasPrefix(buf.String(), LevelError.Color()))
	assert.Contains(t, buf.String(), resetColor)
}

func TestNilWriterDiscards(t *testing.T) {
	var w *Writer
	assert.NoError(t, w.Write(NewInfo("ignored")))
}
