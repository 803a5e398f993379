package rsm

import (
	"fmt"
	"log"
	"os"
)

// Logger is implemented by any leveled logger a caller wants to plug into
// the transport. hclog.Logger does not satisfy it directly; pkg/rsm's
// HCLogAdapter wraps one so that it does.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})

	Warn(v ...interface{})
	Warnf(format string, v ...interface{})

	Error(v ...interface{})
	Errorf(format string, v ...interface{})

	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
}

const calldepth = 3

const (
	levelInfo  = "INFO"
	levelWarn  = "WARN"
	levelError = "ERROR"
	levelDebug = "DEBUG"
)

// DefaultLogger wraps the standard library logger with leveled helpers,
// used whenever a caller does not supply its own Logger.
type DefaultLogger struct {
	*log.Logger
	debug bool
}

// NewDefaultLogger builds a DefaultLogger that writes to stderr.
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{
		Logger: log.New(os.Stderr, "rsm ", log.LstdFlags),
	}
}

// NewDefaultLoggerDebug is the same as NewDefaultLogger but with Debug
// output enabled.
func NewDefaultLoggerDebug() *DefaultLogger {
	l := NewDefaultLogger()
	l.debug = true
	return l
}

func level(prefix, message string) string {
	return fmt.Sprintf("[%s] %s", prefix, message)
}

func (l *DefaultLogger) Info(v ...interface{}) { l.Output(calldepth, level(levelInfo, fmt.Sprint(v...))) }
func (l *DefaultLogger) Infof(format string, v ...interface{}) {
	l.Output(calldepth, level(levelInfo, fmt.Sprintf(format, v...)))
}

func (l *DefaultLogger) Warn(v ...interface{}) { l.Output(calldepth, level(levelWarn, fmt.Sprint(v...))) }
func (l *DefaultLogger) Warnf(format string, v ...interface{}) {
	l.Output(calldepth, level(levelWarn, fmt.Sprintf(format, v...)))
}

func (l *DefaultLogger) Error(v ...interface{}) {
	l.Output(calldepth, level(levelError, fmt.Sprint(v...)))
}
func (l *DefaultLogger) Errorf(format string, v ...interface{}) {
	l.Output(calldepth, level(levelError, fmt.Sprintf(format, v...)))
}

func (l *DefaultLogger) Debug(v ...interface{}) {
	if l.debug {
		l.Output(calldepth, level(levelDebug, fmt.Sprint(v...)))
	}
}
func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.Output(calldepth, level(levelDebug, fmt.Sprintf(format, v...)))
	}
}
