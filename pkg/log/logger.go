package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// Logger is a leveled printf-style logger. An instance is passed explicitly
// through constructors instead of living in package state, so tests and
// nested components can carry their own.
type Logger struct {
	level  Level
	logger *log.Logger
}

func New(level Level) *Logger {
	return &Logger{
		level:  level,
		logger: log.New(os.Stderr, "", 0),
	}
}

// NewWriter creates a logger writing to w.
func NewWriter(w io.Writer, level Level) *Logger {
	return &Logger{
		level:  level,
		logger: log.New(w, "", 0),
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWriter(io.Discard, LevelError+1)
}

func (l *Logger) SetLevel(level Level) {
	l.level = level
}

// DebugEnabled reports whether debug output would be emitted. Callers use it
// to gate expensive argument formatting (e.g. subprocess command lines).
func (l *Logger) DebugEnabled() bool {
	return l != nil && l.level <= LevelDebug
}

func (l *Logger) Debug(format string, args ...any) {
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func (l *Logger) log(level Level, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	fileName := "unknown"
	if ok {
		fileName = filepath.Base(file)
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)

	l.logger.Println(fmt.Sprintf("[%s] [%s] [%s:%d] %s",
		timestamp,
		levelNames[level],
		fileName,
		line,
		message))
}

// Stage logs the start of a coarse pipeline stage and returns a function
// that logs completion or failure with the elapsed time.
func (l *Logger) Stage(name string) func(err error) {
	t0 := time.Now()
	l.Debug("stage:start %s", name)
	return func(err error) {
		dt := time.Since(t0).Seconds()
		if err == nil {
			l.Debug("stage:done %s (%.2fs)", name, dt)
			return
		}
		l.Error("stage:fail %s: %v", name, err)
	}
}
