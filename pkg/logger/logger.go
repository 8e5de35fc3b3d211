package logger

import (
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	ErrorLevel
)

// walletColors is the palette wallet prefixes are picked from
var walletColors = []color.Attribute{
	color.FgHiGreen,
	color.FgYellow,
	color.FgMagenta,
	color.FgHiBlue,
	color.FgRed,
	color.FgBlue,
	color.FgGreen,
	color.FgCyan,
}

// ParseLevel converts a level name into a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "notice":
		return NoticeLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level: %s", s)
}

// ShortAddress returns the last four hex characters of an address, the form used in log prefixes.
func ShortAddress(address string) string {
	if len(address) <= 4 {
		return address
	}
	return address[len(address)-4:]
}

// Logger is a simple interface for logging messages.
type Logger interface {
	// Info logs an informational message.
	Info(format string, args ...interface{})
	InfoWithWallet(wallet string, format string, args ...interface{})

	// Error logs an error message.
	Error(format string, args ...interface{})
	ErrorWithWallet(wallet string, format string, args ...interface{})

	// Debug logs a debug message.
	Debug(format string, args ...interface{})
	DebugWithWallet(wallet string, format string, args ...interface{})

	// Notice logs a notice message.
	Notice(format string, args ...interface{})
	NoticeWithWallet(wallet string, format string, args ...interface{})
}

// EmptyLogger is a simple implementation of the Logger interface that does nothing.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})                       {}
func (l *EmptyLogger) InfoWithWallet(_ string, _ string, _ ...interface{})   {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})                      {}
func (l *EmptyLogger) ErrorWithWallet(_ string, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})                      {}
func (l *EmptyLogger) DebugWithWallet(_ string, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{})                     {}
func (l *EmptyLogger) NoticeWithWallet(_ string, _ string, _ ...interface{}) {}

// StdLogger is a standard implementation of the Logger interface that logs messages to the console.
type StdLogger struct {
	enableColoring bool
	level          Level
	mu             sync.Mutex
}

var _ Logger = (*StdLogger)(nil)

func NewStdLogger(enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
	}
}

// walletPrefix renders the short wallet tag, colored by a hash of the address so one wallet keeps one color.
func (l *StdLogger) walletPrefix(wallet string) string {
	if wallet == "" {
		return ""
	}
	prefix := "[.." + ShortAddress(wallet) + "] "
	if !l.enableColoring {
		return prefix
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(wallet)))
	attr := walletColors[h.Sum32()%uint32(len(walletColors))]
	return color.New(attr).Sprint(prefix)
}

// formatMessage formats the log message with the level tag and wallet prefix.
func (l *StdLogger) formatMessage(level Level, wallet string, format string) string {
	var levelStr string
	switch level {
	case DebugLevel:
		levelStr = "[DEBUG]  "
	case InfoLevel:
		levelStr = "[INFO]   "
	case NoticeLevel:
		levelStr = "[NOTICE] "
	case ErrorLevel:
		levelStr = "[ERROR]  "
		if l.enableColoring {
			levelStr = color.New(color.FgHiRed).Sprint(levelStr)
		}
	}

	return levelStr + l.walletPrefix(wallet) + format
}

func (l *StdLogger) logf(level Level, wallet string, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= level {
		log.Printf(l.formatMessage(level, wallet, format), args...)
	}
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.logf(InfoLevel, "", format, args...)
}

func (l *StdLogger) InfoWithWallet(wallet string, format string, args ...interface{}) {
	l.logf(InfoLevel, wallet, format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.logf(ErrorLevel, "", format, args...)
}

func (l *StdLogger) ErrorWithWallet(wallet string, format string, args ...interface{}) {
	l.logf(ErrorLevel, wallet, format, args...)
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.logf(DebugLevel, "", format, args...)
}

func (l *StdLogger) DebugWithWallet(wallet string, format string, args ...interface{}) {
	l.logf(DebugLevel, wallet, format, args...)
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.logf(NoticeLevel, "", format, args...)
}

func (l *StdLogger) NoticeWithWallet(wallet string, format string, args ...interface{}) {
	l.logf(NoticeLevel, wallet, format, args...)
}
