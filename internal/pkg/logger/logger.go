/*******************************************************************************
 * Copyright 2019 Dell Inc.
 * Copyright (C) 2025 IOTech Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License. You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software distributed under the License
 * is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
 * or implied. See the License for the specific language governing permissions and limitations under
 * the License.
 *******************************************************************************/

/*
Package logger writes aligned, level-filtered log lines to the console, a log
file, or both. Console output is decorated with level icons only when stdout is
a terminal.
*/
package logger

import (
	"fmt"
	"io"
	stdLog "log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	TraceLog = "TRACE"
	DebugLog = "DEBUG"
	InfoLog  = "INFO"
	WarnLog  = "WARN"
	ErrorLog = "ERROR"
)

type lineLogger struct {
	logLevel   string
	writer     io.Writer
	icons      bool
	mu         sync.RWMutex // guards logLevel
	writeMu    sync.Mutex
	fileHandle *os.File
	filePath   string
}

// LoggerConfig holds configuration for logger creation
type LoggerConfig struct {
	LogLevel      string    // TRACE, DEBUG, INFO, WARN, ERROR
	FilePath      string    // log file, appended to; empty for none
	EnableConsole bool      // also write to stdout
	Output        io.Writer // extra destination, mostly for tests
}

// NewClient creates a LoggingClient writing to stdout only.
func NewClient(logLevel string) LoggingClient {
	return NewClientWithConfig(LoggerConfig{
		LogLevel:      logLevel,
		EnableConsole: true,
	})
}

// NewClientWithFile creates a LoggingClient writing to stdout and filePath.
func NewClientWithFile(logLevel string, filePath string) (LoggingClient, error) {
	return NewClientWithConfig(LoggerConfig{
		LogLevel:      logLevel,
		FilePath:      filePath,
		EnableConsole: true,
	}), nil
}

// NewClientWithConfig creates a LoggingClient from config. With no console,
// no file and no Output the client discards everything, which is what the
// terminal page needs while it owns the screen.
func NewClientWithConfig(config LoggerConfig) LoggingClient {
	upper := strings.ToUpper(config.LogLevel)
	if !isValidLogLevel(upper) {
		upper = InfoLog
	}

	l := &lineLogger{
		logLevel: upper,
		filePath: config.FilePath,
	}

	var writers []io.Writer
	if config.EnableConsole {
		writers = append(writers, os.Stdout)
		l.icons = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	}
	if config.FilePath != "" {
		dir := filepath.Dir(config.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			stdLog.Printf("Failed to create log directory %s: %v", dir, err)
		} else {
			file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				stdLog.Printf("Failed to open log file %s: %v", config.FilePath, err)
			} else {
				l.fileHandle = file
				writers = append(writers, file)
			}
		}
	}
	if config.Output != nil {
		writers = append(writers, config.Output)
	}

	switch len(writers) {
	case 0:
		l.writer = io.Discard
	case 1:
		l.writer = writers[0]
	default:
		l.writer = io.MultiWriter(writers...)
	}
	return l
}

// Close closes the log file if one is open
func (l *lineLogger) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.fileHandle != nil {
		err := l.fileHandle.Close()
		l.fileHandle = nil
		return err
	}
	return nil
}

// logLevels returns the levels from most to least verbose.
func logLevels() []string {
	return []string{TraceLog, DebugLog, InfoLog, WarnLog, ErrorLog}
}

func isValidLogLevel(l string) bool {
	l = strings.ToUpper(l)
	for _, name := range logLevels() {
		if name == l {
			return true
		}
	}
	return false
}

var logLevelIconMap = map[string]string{
	TraceLog: "🟣",
	DebugLog: "🟦",
	InfoLog:  "🟩",
	WarnLog:  "🟨",
	ErrorLog: "🟥",
}

var levelOrder = map[string]int{
	TraceLog: 0,
	DebugLog: 1,
	InfoLog:  2,
	WarnLog:  3,
	ErrorLog: 4,
}

func (l *lineLogger) currentLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logLevel
}

func (l *lineLogger) enabled(target string) bool {
	return levelOrder[target] >= levelOrder[l.currentLevel()]
}

func caller(skip int) string {
	if _, file, line, ok := runtime.Caller(skip); ok {
		parts := strings.Split(file, "/")
		if len(parts) > 2 {
			file = strings.Join(parts[len(parts)-2:], "/")
		}
		return fmt.Sprintf("%s:%d", file, line)
	}
	return "?? ?"
}

// formatLine renders one log line without the trailing newline.
func (l *lineLogger) formatLine(level string, ts time.Time, src string, formatted bool, msg string, args ...interface{}) string {
	const (
		levelWidth  = 5
		sourceWidth = 30
		timeLayout  = "2006-01-02 15:04:05.000000000"
	)

	if len(src) > sourceWidth {
		src = src[len(src)-sourceWidth:]
	}

	renderedMsg := msg
	var extraKVs []string
	if formatted {
		renderedMsg = fmt.Sprintf(msg, args...)
	} else if len(args) > 0 {
		if len(args)%2 == 1 {
			args = append(args, "")
		}
		for i := 0; i < len(args); i += 2 {
			k := fmt.Sprintf("%v", args[i])
			v := fmt.Sprintf("%v", args[i+1])
			if k == "level" || k == "ts" || k == "source" || k == "msg" {
				k = "extra_" + k
			}
			v = strings.ReplaceAll(v, "\"", "'")
			extraKVs = append(extraKVs, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var b strings.Builder
	if l.icons {
		b.WriteString(logLevelIconMap[level])
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "[%-*s] [ts=%s] (source=%-*s) msg=\"%s\"",
		levelWidth, level, ts.Format(timeLayout), sourceWidth, src,
		strings.ReplaceAll(renderedMsg, "\"", "'"))
	if len(extraKVs) > 0 {
		b.WriteByte(' ')
		b.WriteString(strings.Join(extraKVs, " "))
	}
	return b.String()
}

func (l *lineLogger) output(level string, formatted bool, msg string, args ...interface{}) {
	if !isValidLogLevel(level) || !l.enabled(level) {
		return
	}
	line := l.formatLine(level, time.Now(), caller(3), formatted, msg, args...) + "\n"

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := io.WriteString(l.writer, line); err != nil {
		stdLog.Printf("logger write error: %v", err)
	}
}

func (l *lineLogger) SetLogLevel(logLevel string) error {
	upper := strings.ToUpper(logLevel)
	if !isValidLogLevel(upper) {
		return fmt.Errorf("invalid log level `%s`", logLevel)
	}
	l.mu.Lock()
	l.logLevel = upper
	l.mu.Unlock()
	return nil
}

func (l *lineLogger) LogLevel() string { return l.currentLevel() }

func (l *lineLogger) Info(msg string, args ...interface{})  { l.output(InfoLog, false, msg, args...) }
func (l *lineLogger) Trace(msg string, args ...interface{}) { l.output(TraceLog, false, msg, args...) }
func (l *lineLogger) Debug(msg string, args ...interface{}) { l.output(DebugLog, false, msg, args...) }
func (l *lineLogger) Warn(msg string, args ...interface{})  { l.output(WarnLog, false, msg, args...) }
func (l *lineLogger) Error(msg string, args ...interface{}) { l.output(ErrorLog, false, msg, args...) }

func (l *lineLogger) Infof(msg string, args ...interface{})  { l.output(InfoLog, true, msg, args...) }
func (l *lineLogger) Tracef(msg string, args ...interface{}) { l.output(TraceLog, true, msg, args...) }
func (l *lineLogger) Debugf(msg string, args ...interface{}) { l.output(DebugLog, true, msg, args...) }
func (l *lineLogger) Warnf(msg string, args ...interface{})  { l.output(WarnLog, true, msg, args...) }
func (l *lineLogger) Errorf(msg string, args ...interface{}) { l.output(ErrorLog, true, msg, args...) }
