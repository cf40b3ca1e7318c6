// Package logger writes leveled, component-tagged log lines to stderr and,
// optionally, JSON lines to a rotating file.
package logger

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Fields carries structured key/value context for a log line.
type Fields = map[string]interface{}

type LogEntry struct {
	Level     string                 `json:"level"`
	Timestamp string                 `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// emit is called from the exported helpers, so the caller sits two frames up.
func emit(level LogLevel, component, message string, fields Fields) {
	if !enabled(level) {
		return
	}

	e := LogEntry{
		Level:     level.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: component,
		Message:   message,
		Fields:    fields,
	}
	if pc, path, line, ok := runtime.Caller(2); ok {
		name := "?"
		if fn := runtime.FuncForPC(pc); fn != nil {
			name = fn.Name()
		}
		e.Caller = fmt.Sprintf("%s:%d (%s)", path, line, name)
	}

	if rf := currentFile(); rf != nil {
		rf.write(e)
	}
	log.Print(consoleLine(e))

	if level == FATAL {
		os.Exit(1)
	}
}

func consoleLine(e LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s]", e.Timestamp, e.Level)
	if e.Component != "" {
		fmt.Fprintf(&b, " %s:", e.Component)
	}
	b.WriteString(" ")
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		b.WriteString(" ")
		b.WriteString(formatFields(e.Fields))
	}
	return b.String()
}

// formatFields renders fields in key order so console lines are stable.
func formatFields(fields Fields) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, fields[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func Debug(message string) { emit(DEBUG, "", message, nil) }
func DebugC(component, message string) { emit(DEBUG, component, message, nil) }
func DebugCF(component, message string, f Fields) { emit(DEBUG, component, message, f) }
func Info(message string) { emit(INFO, "", message, nil) }
func InfoC(component, message string) { emit(INFO, component, message, nil) }
func InfoCF(component, message string, f Fields) { emit(INFO, component, message, f) }
func Warn(message string) { emit(WARN, "", message, nil) }
func WarnC(component, message string) { emit(WARN, component, message, nil) }
func WarnCF(component, message string, f Fields) { emit(WARN, component, message, f) }
func Error(message string) { emit(ERROR, "", message, nil) }
func ErrorC(component, message string) { emit(ERROR, component, message, nil) }
func ErrorCF(component, message string, f Fields) { emit(ERROR, component, message, f) }
func FatalC(component, message string) { emit(FATAL, component, message, nil) }
func FatalCF(component, message string, f Fields) { emit(FATAL, component, message, f) }
