// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger writes structured entries for one component.
type Logger struct {
	Component  string
	InstanceID string
	Container  string

	out *log.Logger
}

// LogEntry is the JSON shape of a single log line.
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	AccountID  string                 `json:"account_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Message    string                 `json:"message"`
	ErrorCode  string                 `json:"error_code,omitempty"`
	DurationMS *float64               `json:"duration_ms,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the given component writing to the standard logger.
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// NewWithWriter creates a Logger that writes bare JSON lines to w.
func NewWithWriter(component string, w io.Writer) *Logger {
	l := New(component)
	l.out = log.New(w, "", 0)
	return l
}

// Named returns a copy of the logger for a sub-component sharing the same output.
func (l *Logger) Named(component string) *Logger {
	cp := *l
	cp.Component = component
	return &cp
}

func (l *Logger) write(entry LogEntry) {
	entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	entry.Component = l.Component
	entry.InstanceID = l.InstanceID
	entry.Container = l.Container

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	if l.out != nil {
		l.out.Println(string(jsonBytes))
		return
	}
	log.Println(string(jsonBytes))
}

// Log writes an entry at the given level.
func (l *Logger) Log(level LogLevel, accountID, requestID, message string, fields map[string]interface{}) {
	l.write(LogEntry{
		Level:     level,
		AccountID: accountID,
		RequestID: requestID,
		Message:   message,
		Fields:    fields,
	})
}

func (l *Logger) Info(accountID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, accountID, requestID, message, fields)
}

func (l *Logger) Error(accountID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, accountID, requestID, message, fields)
}

func (l *Logger) Warn(accountID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, accountID, requestID, message, fields)
}

func (l *Logger) Debug(accountID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, accountID, requestID, message, fields)
}

// InfoWithDuration logs an info entry with the elapsed time since start.
func (l *Logger) InfoWithDuration(accountID, requestID, message string, start time.Time, fields map[string]interface{}) {
	ms := float64(time.Since(start).Microseconds()) / 1000
	l.write(LogEntry{
		Level:      INFO,
		AccountID:  accountID,
		RequestID:  requestID,
		Message:    message,
		DurationMS: &ms,
		Fields:     fields,
	})
}

// ErrorWithCode logs an error entry tagged with a machine readable code.
func (l *Logger) ErrorWithCode(accountID, requestID, message, code string, err error, fields map[string]interface{}) {
	l.withCode(ERROR, accountID, requestID, message, code, err, fields)
}

// WarnWithCode is ErrorWithCode at WARN level.
func (l *Logger) WarnWithCode(accountID, requestID, message, code string, err error, fields map[string]interface{}) {
	l.withCode(WARN, accountID, requestID, message, code, err, fields)
}

func (l *Logger) withCode(level LogLevel, accountID, requestID, message, code string, err error, fields map[string]interface{}) {
	if err != nil {
		if fields == nil {
			fields = make(map[string]interface{}, 1)
		}
		fields["error"] = err.Error()
	}
	l.write(LogEntry{
		Level:     level,
		AccountID: accountID,
		RequestID: requestID,
		Message:   message,
		ErrorCode: code,
		Fields:    fields,
	})
}
