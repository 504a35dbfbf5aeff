// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package logger defines the leveled Logger accepted by every stratum
// component that logs, plus the implementations used in binaries and tests.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// Logger is a shared leveled logger. Printf logs at info level; it predates
// the leveled methods and remains the common case.
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Panicf(format string, v ...interface{})

	// WithPrefix returns a Logger equivalent to this one with every
	// message prefixed by prefix.
	WithPrefix(prefix string) Logger
}

// Level is a message severity. Lower values are more severe.
type Level int

const (
	LevelPanic Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

// prefix returns the fixed-width marker written ahead of each message.
func (l Level) prefix() string {
	switch l {
	case LevelPanic:
		return "PANIC: "
	case LevelError:
		return "ERROR: "
	case LevelWarn:
		return "WARN:  "
	case LevelInfo:
		return "INFO:  "
	case LevelDebug:
		return "DEBUG: "
	}
	return ""
}

// NopLogger discards everything logged to it.
var NopLogger Logger = nopLogger{}

var _ Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Printf(format string, v ...interface{}) {}
func (nopLogger) Debugf(format string, v ...interface{}) {}
func (nopLogger) Infof(format string, v ...interface{})  {}
func (nopLogger) Warnf(format string, v ...interface{})  {}
func (nopLogger) Errorf(format string, v ...interface{}) {}
func (nopLogger) Panicf(format string, v ...interface{}) {}

func (n nopLogger) WithPrefix(prefix string) Logger { return n }

// timeFormat keeps timestamps constant-width: UTC, microsecond resolution.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// timestampWriter prepends the current time to every write.
type timestampWriter struct {
	w io.Writer
}

func (tw timestampWriter) Write(p []byte) (int, error) {
	return fmt.Fprintf(tw.w, "%s %s", time.Now().UTC().Format(timeFormat), p)
}

var _ Logger = (*standardLogger)(nil)

// standardLogger writes timestamped, severity-prefixed lines to a single
// writer, dropping messages below its verbosity.
type standardLogger struct {
	logger *log.Logger
	level  Level
	w      io.Writer
}

// NewStandardLogger returns a Logger writing info and above to w.
func NewStandardLogger(w io.Writer) *standardLogger {
	return newStandardLogger(w, LevelInfo, "")
}

// NewVerboseLogger returns a Logger writing every level, debug included,
// to w.
func NewVerboseLogger(w io.Writer) *standardLogger {
	return newStandardLogger(w, LevelDebug, "")
}

func newStandardLogger(w io.Writer, level Level, prefix string) *standardLogger {
	return &standardLogger{
		logger: log.New(timestampWriter{w: w}, prefix, 0),
		level:  level,
		w:      w,
	}
}

func (s *standardLogger) logf(level Level, format string, v ...interface{}) {
	if level > s.level {
		return
	}
	s.logger.Printf(level.prefix()+format, v...)
}

func (s *standardLogger) Printf(format string, v ...interface{}) {
	s.logf(LevelInfo, format, v...)
}

func (s *standardLogger) Debugf(format string, v ...interface{}) {
	s.logf(LevelDebug, format, v...)
}

func (s *standardLogger) Infof(format string, v ...interface{}) {
	s.logf(LevelInfo, format, v...)
}

func (s *standardLogger) Warnf(format string, v ...interface{}) {
	s.logf(LevelWarn, format, v...)
}

func (s *standardLogger) Errorf(format string, v ...interface{}) {
	s.logf(LevelError, format, v...)
}

func (s *standardLogger) Panicf(format string, v ...interface{}) {
	s.logf(LevelPanic, format, v...)
}

func (s *standardLogger) WithPrefix(prefix string) Logger {
	return newStandardLogger(s.w, s.level, prefix)
}

// Logfer is anything with a Logf method, notably *testing.T and *testing.B.
type Logfer interface {
	Logf(format string, v ...interface{})
}

var _ Logger = (*logfLogger)(nil)

// logfLogger routes every level to one Logf sink, so components under test
// log through the test runner.
type logfLogger struct {
	sink Logfer
}

// NewLogfLogger returns a Logger over the given Logf sink.
func NewLogfLogger(l Logfer) *logfLogger {
	return &logfLogger{sink: l}
}

func (ll *logfLogger) Printf(format string, v ...interface{}) { ll.sink.Logf(format, v...) }
func (ll *logfLogger) Debugf(format string, v ...interface{}) { ll.sink.Logf(format, v...) }
func (ll *logfLogger) Infof(format string, v ...interface{})  { ll.sink.Logf(format, v...) }
func (ll *logfLogger) Warnf(format string, v ...interface{})  { ll.sink.Logf(format, v...) }
func (ll *logfLogger) Errorf(format string, v ...interface{}) { ll.sink.Logf(format, v...) }
func (ll *logfLogger) Panicf(format string, v ...interface{}) { ll.sink.Logf(format, v...) }

// WithPrefix returns the logger unchanged; the test runner already
// attributes output.
func (ll *logfLogger) WithPrefix(prefix string) Logger { return ll }

var _ Logger = (*bufferLogger)(nil)

// bufferLogger collects messages in memory for tests to inspect.
type bufferLogger struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewBufferLogger returns an empty bufferLogger.
func NewBufferLogger() *bufferLogger {
	return &bufferLogger{}
}

func (b *bufferLogger) writef(level Level, format string, v ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintf(&b.buf, level.prefix()+format, v...)
}

func (b *bufferLogger) Printf(format string, v ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintf(&b.buf, format, v...)
}

func (b *bufferLogger) Debugf(format string, v ...interface{}) {
	b.writef(LevelDebug, format, v...)
}

func (b *bufferLogger) Infof(format string, v ...interface{}) {
	b.writef(LevelInfo, format, v...)
}

func (b *bufferLogger) Warnf(format string, v ...interface{}) {
	b.writef(LevelWarn, format, v...)
}

func (b *bufferLogger) Errorf(format string, v ...interface{}) {
	b.writef(LevelError, format, v...)
}

func (b *bufferLogger) Panicf(format string, v ...interface{}) {
	b.writef(LevelPanic, format, v...)
}

// WithPrefix returns the logger unchanged; buffered output is inspected
// whole.
func (b *bufferLogger) WithPrefix(prefix string) Logger { return b }

// ReadAll drains and returns everything logged so far.
func (b *bufferLogger) ReadAll() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return io.ReadAll(&b.buf)
}
