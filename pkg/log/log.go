// Copyright 2024 The roOs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides a minimal leveled logging facility for the kernel.
//
// The log target and level are process-wide. Components log through the
// package-level helpers (log.Infof etc.) or capture the current logger via
// Log() for repeated use.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the log level.
type Level uint32

const (
	// Warning indicates that output should always be emitted.
	Warning Level = iota

	// Info indicates that output should normally be emitted.
	Info

	// Debug indicates that output should not normally be emitted.
	Debug
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "Warning"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	default:
		return fmt.Sprintf("Invalid level: %d", l)
	}
}

// Emitter is the final destination for log lines.
type Emitter interface {
	// Emit emits the given log statement. timestamp is the time of the log
	// statement and format with args is the statement itself.
	Emit(level Level, timestamp time.Time, format string, v ...any)
}

// Writer writes formatted log lines to an io.Writer, serializing concurrent
// emits. Write errors are swallowed: logging must never take the kernel down.
type Writer struct {
	// Next is where output is written.
	Next io.Writer

	// mu protects Next.
	mu sync.Mutex
}

// Write writes out the contents of the buffer.
func (l *Writer) Write(data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.Next.Write(data)
	if err != nil {
		// Pretend everything was written to keep fmt.Fprintf callers happy.
		return len(data), nil
	}
	return n, nil
}

// Emit emits the message in a glog-like "L0625 15:04:05.000000] msg" form.
func (l *Writer) Emit(level Level, timestamp time.Time, format string, args ...any) {
	var prefix byte
	switch level {
	case Warning:
		prefix = 'W'
	case Info:
		prefix = 'I'
	case Debug:
		prefix = 'D'
	}
	fmt.Fprintf(l, "%c%s] %s\n",
		prefix,
		timestamp.Format("0102 15:04:05.000000"),
		fmt.Sprintf(format, args...))
}

// Logger is a high-level logging interface. It is in fact, not used within
// this package. This is only to serve as a documented interface for wrappers
// such as the rate limited logger.
type Logger interface {
	// Debugf logs a debug statement.
	Debugf(format string, v ...any)

	// Infof logs at an info level.
	Infof(format string, v ...any)

	// Warningf logs at a warning level.
	Warningf(format string, v ...any)

	// IsLogging returns true iff this level is being logged. This may be
	// used to short-circuit expensive operations for debugging calls.
	IsLogging(level Level) bool
}

// BasicLogger is the default implementation of Logger.
type BasicLogger struct {
	Level
	Emitter
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	if l.IsLogging(Debug) {
		l.Emit(Debug, time.Now(), format, v...)
	}
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	if l.IsLogging(Info) {
		l.Emit(Info, time.Now(), format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	if l.IsLogging(Warning) {
		l.Emit(Warning, time.Now(), format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return level <= l.Level
}

// log is the default logger.
var (
	log          atomic.Pointer[BasicLogger]
	logInitOnce  sync.Once
	logStderrDst = &Writer{Next: os.Stderr}
)

// Log retrieves the global logger.
func Log() *BasicLogger {
	logInitOnce.Do(func() {
		log.CompareAndSwap(nil, &BasicLogger{Level: Info, Emitter: logStderrDst})
	})
	return log.Load()
}

// SetTarget sets the log target.
//
// This is not thread safe and shouldn't be changed while in use.
func SetTarget(target Emitter) {
	current := Log()
	log.Store(&BasicLogger{Level: current.Level, Emitter: target})
}

// SetLevel sets the log level.
func SetLevel(newLevel Level) {
	current := Log()
	log.Store(&BasicLogger{Level: newLevel, Emitter: current.Emitter})
}

// Debugf logs to the global logger.
func Debugf(format string, v ...any) {
	Log().Debugf(format, v...)
}

// Infof logs to the global logger.
func Infof(format string, v ...any) {
	Log().Infof(format, v...)
}

// Warningf logs to the global logger.
func Warningf(format string, v ...any) {
	Log().Warningf(format, v...)
}
