// Package alerts prints one-line status notices, such as a watch losing
// its connection, next to command output.
package alerts

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Alert represents a status notification.
type Alert struct {
	Level     Level
	Message   string
	Timestamp time.Time
	Err       error
}

// New creates a new alert with the given level and message.
func New(level Level, message string) *Alert {
	return &Alert{
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewError creates a new error alert.
func NewError(message string) *Alert {
	return New(LevelError, message)
}

// NewWarning creates a new warning alert.
func NewWarning(message string) *Alert {
	return New(LevelWarning, message)
}

// NewInfo creates a new info alert.
func NewInfo(message string) *Alert {
	return New(LevelInfo, message)
}

// NewSuccess creates a new success alert.
func NewSuccess(message string) *Alert {
	return New(LevelSuccess, message)
}

// WithError adds an underlying error to the alert.
func (a *Alert) WithError(err error) *Alert {
	a.Err = err
	return a
}

// String returns a string representation of the alert.
func (a *Alert) String() string {
	message := a.Level.Icon() + " " + a.Message
	if a.Err != nil {
		message += fmt.Sprintf(": %v", a.Err)
	}
	return message
}

// Writer prints alerts to an io.Writer, colored when it is a terminal.
// It is safe for concurrent use.
type Writer struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
}

// NewWriter creates a Writer for out.
func NewWriter(out io.Writer, noColor bool) *Writer {
	return &Writer{out: out, color: !noColor && isTerminal(out)}
}

// Write prints one alert. A nil Writer discards.
func (w *Writer) Write(a *Alert) error {
	if w == nil || a == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	line := a.Timestamp.Format(time.TimeOnly) + " " + a.String()
	if w.color {
		line = a.Level.Color() + line + resetColor
	}
	_, err := fmt.Fprintln(w.out, line)
	return err
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
