// Package notify delivers user-facing messages and yes/no confirmations.
package notify

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/schaermu/addonsyncd/internal/config"
)

// Notifier is the user-facing sink of the sync engine and the lifecycle manager
type Notifier interface {
	// Notify shows a message
	Notify(message string)
	// Confirm asks a yes/no question and reports the answer
	Confirm(message string) bool
}

// New returns the notifier selected by cfg. The terminal mode degrades to the log notifier
// when stdin is not a terminal.
func New(cfg config.PromptConfig, logger *slog.Logger) Notifier {
	logNotifier := NewLog(logger, cfg.AssumeYes)
	if cfg.Mode != config.PromptTerminal {
		return logNotifier
	}
	fd := os.Stdin.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		logger.Warn("stdin is not a terminal, confirmations fall back to prompt.assume_yes",
			"assume_yes", cfg.AssumeYes)
		return logNotifier
	}
	return NewTerminal(os.Stdin, os.Stderr, logger)
}

// Log writes messages to the logger and answers confirmations with a fixed value
type Log struct {
	logger    *slog.Logger
	assumeYes bool
}

// NewLog creates a log-backed notifier
func NewLog(logger *slog.Logger, assumeYes bool) *Log {
	return &Log{logger: logger, assumeYes: assumeYes}
}

// Notify logs message at info level
func (l *Log) Notify(message string) {
	l.logger.Info("notification", "message", message)
}

// Confirm logs the question together with the configured answer
func (l *Log) Confirm(message string) bool {
	l.logger.Info("confirmation requested", "message", message, "answer", l.assumeYes)
	return l.assumeYes
}

// Terminal prints to out and reads answers line by line from in
type Terminal struct {
	mu     sync.Mutex
	in     *bufio.Reader
	out    io.Writer
	logger *slog.Logger
}

// NewTerminal creates a terminal notifier
func NewTerminal(in io.Reader, out io.Writer, logger *slog.Logger) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out, logger: logger}
}

// Notify prints message
func (t *Terminal) Notify(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintln(t.out, message)
}

// Confirm prints message and waits for an answer. Anything but y or yes is a no, so are
// read errors.
func (t *Terminal) Confirm(message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, _ = fmt.Fprintf(t.out, "%s [y/N]: ", message)
	line, err := t.in.ReadString('\n')
	if err != nil && line == "" {
		t.logger.Warn("failed to read confirmation", "error", err)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
