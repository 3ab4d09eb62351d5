package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kingrea/stoneforge/internal/config"
)

// Printer is the logging contract engine components accept. *Logger and the
// standard library's *log.Logger both satisfy it.
type Printer interface {
	Printf(format string, args ...any)
}

// Discard drops every line.
var Discard Printer = discard{}

type discard struct{}

func (discard) Printf(string, ...any) {}

// OrDiscard returns p, or Discard when p is nil.
func OrDiscard(p Printer) Printer {
	if p == nil {
		return Discard
	}
	return p
}

// Logger appends timestamped lines to .stoneforge/logs/stoneforge.log so
// users can see why an element was blocked or unblocked after the fact.
type Logger struct {
	file  *os.File
	clock func() time.Time
}

// New creates (or reuses) the log file for the current project directory.
func New(projectDir string) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.StoneforgeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, "stoneforge.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{file: f, clock: time.Now}, nil
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single timestamped line to the log file.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	line = strings.TrimRight(line, "\n")
	timestamp := l.clock().Format(time.RFC3339)
	fmt.Fprintf(l.file, "[%s] %s\n", timestamp, line)
}
