package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// LogLevel represents different log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger interface for logging functionality
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// StandardLogger implements Logger interface
type StandardLogger struct {
	verbose bool
	logger  *log.Logger
	now     func() time.Time
}

// New creates a new logger instance writing to stdout
func New(verbose bool) Logger {
	return NewWithWriter(os.Stdout, verbose)
}

// NewWithWriter creates a logger writing to w. A nil writer yields a quiet logger.
func NewWithWriter(w io.Writer, verbose bool) *StandardLogger {
	l := &StandardLogger{
		verbose: verbose,
		now:     time.Now,
	}
	if w != nil {
		l.logger = log.New(w, "", 0)
	}
	return l
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &StandardLogger{now: time.Now}
}

// Debug logs debug messages (only in verbose mode)
func (l *StandardLogger) Debug(format string, args ...interface{}) {
	if l.verbose {
		l.logWithLevel("DEBUG", format, args...)
	}
}

// Info logs informational messages
func (l *StandardLogger) Info(format string, args ...interface{}) {
	l.logWithLevel("INFO", format, args...)
}

// Warn logs warning messages
func (l *StandardLogger) Warn(format string, args ...interface{}) {
	l.logWithLevel("WARN", format, args...)
}

// Error logs error messages
func (l *StandardLogger) Error(format string, args ...interface{}) {
	l.logWithLevel("ERROR", format, args...)
}

func (l *StandardLogger) logWithLevel(level string, format string, args ...interface{}) {
	// quiet mode
	if l.logger == nil {
		return
	}
	timestamp := l.now().Format("15:04:05")
	prefix := fmt.Sprintf("[%s] %s: ", timestamp, level)
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%s%s", prefix, message)
}
