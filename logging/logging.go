/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/PivotLLM/Switchboard/global"
)

var levels = map[string]int{
	global.LogLevelDebug: 0,
	global.LogLevelInfo:  1,
	global.LogLevelWarn:  2,
	global.LogLevelError: 3,
	global.LogLevelFatal: 4,
}

// sink is shared by a logger and every logger derived from it with Named
type sink struct {
	mu      sync.RWMutex
	logger  *log.Logger
	level   string
	logFile *os.File
}

// Logger writes leveled log lines in the form
// "2006-01-02 15:04:05 [LEVEL] [pid] [component] message"
type Logger struct {
	sink      *sink
	component string
}

// New creates a new logger instance that writes to the specified file
func New(logPath string) (*Logger, error) {
	logPath = global.ExpandHomePath(logPath)

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	return &Logger{sink: &sink{
		logger:  log.New(logFile, "", 0),
		level:   global.LogLevelInfo,
		logFile: logFile,
	}}, nil
}

// NewWithWriter creates a logger writing to w (stderr, a test buffer)
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{sink: &sink{
		logger: log.New(w, "", 0),
		level:  global.LogLevelInfo,
	}}
}

// Named returns a logger sharing this logger's output and level that tags
// each line with component
func (l *Logger) Named(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{sink: l.sink, component: component}
}

// Sync flushes any buffered log data to disk
func (l *Logger) Sync() error {
	if l.sink.logFile != nil {
		return l.sink.logFile.Sync()
	}
	return nil
}

// Close closes the log file
func (l *Logger) Close() error {
	if l.sink.logFile != nil {
		_ = l.sink.logFile.Sync()
		return l.sink.logFile.Close()
	}
	return nil
}

// SetLevel sets the minimum log level for this logger and all Named loggers
func (l *Logger) SetLevel(level string) {
	l.sink.mu.Lock()
	l.sink.level = level
	l.sink.mu.Unlock()
}

// Level returns the current minimum level
func (l *Logger) Level() string {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()
	return l.sink.level
}

func (l *Logger) shouldLog(level string) bool {
	currentLevel, exists := levels[l.Level()]
	if !exists {
		currentLevel = levels[global.LogLevelInfo]
	}
	messageLevel, exists := levels[level]
	if !exists {
		messageLevel = levels[global.LogLevelInfo]
	}
	return messageLevel >= currentLevel
}

func (l *Logger) formatMessage(level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	if l.component != "" {
		return fmt.Sprintf("%s [%s] [%d] [%s] %s", timestamp, level, os.Getpid(), l.component, message)
	}
	return fmt.Sprintf("%s [%s] [%d] %s", timestamp, level, os.Getpid(), message)
}

func (l *Logger) log(level, message string) {
	if l == nil || !l.shouldLog(level) {
		return
	}
	l.sink.logger.Println(l.formatMessage(level, message))
}

// Debug logs a debug message
func (l *Logger) Debug(message string) {
	l.log(global.LogLevelDebug, message)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

// Info logs an info message
func (l *Logger) Info(message string) {
	l.log(global.LogLevelInfo, message)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

// Warn logs a warning message
func (l *Logger) Warn(message string) {
	l.log(global.LogLevelWarn, message)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

// Error logs an error message
func (l *Logger) Error(message string) {
	l.log(global.LogLevelError, message)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string) {
	l.log(global.LogLevelFatal, message)
	_ = l.Close()
	os.Exit(1)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.Fatal(fmt.Sprintf(format, args...))
}
