package tunnel

import (
	"errors"
	"fmt"
	"log"
	"os"
)

// LogLevel specifies the level of spew that shoud go to the log
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel. It's
	// behavior is undefined
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic causes output of an error message followed by a panic
	LogLevelPanic LogLevel = iota

	// LogLevelFatal causes output of an error message followed by os.Exit(1)
	LogLevelFatal LogLevel = iota

	// LogLevelError is for unexpected error messages
	LogLevelError LogLevel = iota

	// LogLevelWarning is for Warning messages
	LogLevelWarning LogLevel = iota

	// LogLevelInfo is for Info messages
	LogLevelInfo LogLevel = iota

	// LogLevelDebug is for debug messaged
	LogLevelDebug LogLevel = iota

	// LogLevelTrace is for trace messages
	LogLevelTrace LogLevel = iota
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

func (x *LogLevel) String() string {
	y := *x
	if y < LogLevelUnknown || y > LogLevelTrace {
		y = LogLevelUnknown
	}
	return logLevelNames[y]
}

// MinLogger is a minimal logging interface for a logging component
type MinLogger interface {
	Print(args ...interface{})
}

// GetLogLeveler is An interface for a logger that supports GetLogLevel()
type GetLogLeveler interface {
	GetLogLevel() LogLevel
}

// Logger is an interface for a logging component that supports logging levels and prefix forking
type Logger interface {
	MinLogger
	GetLogLeveler

	// Panic outputs a log message and then panics
	Panic(args ...interface{})

	// WLogf outputs to a Logger iff WARNING logging level is enabled
	WLogf(f string, args ...interface{})

	// ILogf outputs to a Logger iff INFO logging level is enabled
	ILogf(f string, args ...interface{})

	// DLogf outputs to a Logger iff DEBUG logging level is enabled
	DLogf(f string, args ...interface{})

	// Errorf returns an error object with a description string that has the
	// Logger's prefix
	Errorf(f string, args ...interface{}) error

	// DLogErrorf outputs an error message to a Logger iff DEBUG logging level
	// is enabled, and returns an error object with a description string that
	// has the logger's prefix
	DLogErrorf(f string, args ...interface{}) error

	// Sprintf returns a string that has the Logger's prefix
	Sprintf(f string, args ...interface{}) string

	// Sprint returns a string that has the Logger's prefix
	Sprint(args ...interface{}) string

	// Fork creates a new Logger that has an additional formatted string appended onto
	// an existing logger's prefix (with ": " added between)
	Fork(prefix string, args ...interface{}) Logger
}

// BasicLogger is a logical log output stream with a level filter
// and a prefix added to each output record.
type BasicLogger struct {
	prefix string
	// prefixC is prefix if prefix is empty; otherwise prefix + ": "
	prefixC  string
	logger   MinLogger
	logLevel LogLevel
}

const defaultLogFlags = log.Ldate | log.Ltime

// NewLogger creates a new Logger with a given prefix and Default flags,
// emitting output to os.Stderr
func NewLogger(prefix string, logLevel LogLevel) Logger {
	return NewLoggerWithFlags(prefix, defaultLogFlags, logLevel)
}

// NewLoggerWithFlags creates a new Logger with a given prefix flags, emitting output
// to os.Stderr
func NewLoggerWithFlags(prefix string, flag int, logLevel LogLevel) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}

	l := &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		logger:   log.New(os.Stderr, "", flag),
		logLevel: logLevel,
	}
	return l
}

// Print outputs to a Logger
func (l *BasicLogger) Print(args ...interface{}) {
	l.logger.Print(l.Sprint(args...))
}

// LogNoPrefix outputs to a Logger without the prefix if the given logLevel is enabled. Then,
// if the given logLevel is LogLevelPanic or LogLevelFatal, exits appropriately
func (l *BasicLogger) LogNoPrefix(logLevel LogLevel, args ...interface{}) {
	if logLevel <= l.logLevel || logLevel <= LogLevelFatal {
		msg := fmt.Sprint(args...)
		if logLevel >= LogLevelPanic {
			l.logger.Print(msg)
		}
		if logLevel == LogLevelFatal {
			os.Exit(1)
		}
		if logLevel == LogLevelPanic {
			panic(msg)
		}
	}
}

// Log outputs to a Logger if the given logLevel is enabled. Then,
// if the given logLevel is LogLevelPanic or LogLevelFatal, exits appropriately
func (l *BasicLogger) Log(logLevel LogLevel, args ...interface{}) {
	if logLevel <= l.logLevel || logLevel <= LogLevelFatal {
		msg := l.Sprint(args...)
		l.LogNoPrefix(logLevel, msg)
	}
}

// Logf outputs to a Logger if the given logLevel is enabled. Then,
// if the given logLevel is LogLevelPanic or LogLevelFatal, exits appropriately
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if logLevel <= l.logLevel || logLevel <= LogLevelFatal {
		msg := l.Sprintf(f, args...)
		l.LogNoPrefix(logLevel, msg)
	}
}

// LogErrorf outputs an error message to a Logger iff logging level is enabled,
// and returns an error object with a description string that has the
// logger's prefix
func (l *BasicLogger) LogErrorf(logLevel LogLevel, f string, args ...interface{}) error {
	msg := l.Sprintf(f, args...)
	l.LogNoPrefix(logLevel, msg)
	return errors.New(msg)
}

// Panic outputs a log message if logLevel permits, and then panics
func (l *BasicLogger) Panic(args ...interface{}) {
	l.Log(LogLevelPanic, args...)
}

// WLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) WLogf(f string, args ...interface{}) {
	l.Logf(LogLevelWarning, f, args...)
}

// ILogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) ILogf(f string, args ...interface{}) {
	l.Logf(LogLevelInfo, f, args...)
}

// DLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) DLogf(f string, args ...interface{}) {
	l.Logf(LogLevelDebug, f, args...)
}

// Errorf returns an error object with a description string that has the
// Logger's prefix
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

// Sprintf returns a string that has the Logger's prefix
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// Sprint returns a string that has the Logger's prefix
func (l *BasicLogger) Sprint(args ...interface{}) string {
	return l.prefixC + fmt.Sprint(args...)
}

// DLogErrorf outputs an error message to a Logger iff DEBUG logging level is enabled,
// and returns an error object with a description string that has the
// logger's prefix
func (l *BasicLogger) DLogErrorf(f string, args ...interface{}) error {
	return l.LogErrorf(LogLevelDebug, f, args...)
}

// Flags returns the logger flags bits
func (l *BasicLogger) Flags() int {
	return defaultLogFlags
}

// Fork creates a new Logger that has an additional formatted string appended onto
// an existing logger's prefix (with ": " added between)
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	//slip the parent prefix at the front
	args = append([]interface{}{l.prefix}, args...)
	newPrefix := fmt.Sprintf("%s: "+prefix, args...)
	ll := NewLoggerWithFlags(newPrefix, l.Flags(), l.GetLogLevel())
	return ll
}

// GetLogLevel returns the log level
func (l *BasicLogger) GetLogLevel() LogLevel {
	return l.logLevel
}
