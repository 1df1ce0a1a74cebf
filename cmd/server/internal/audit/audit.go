// Package audit appends one JSON record per API request to a rotating log
// file. Writes are fire-and-forget: an audit failure must never fail or slow
// the request that triggered it.
package audit

import (
	"encoding/json"
	"io"
	"log"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Record is the durable trace of one request.
type Record struct {
	Timestamp  string `json:"timestamp"`
	Endpoint   string `json:"endpoint"`
	Method     string `json:"method"`
	Status     int    `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
	ClientIP   string `json:"client_ip,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// Logger writes Records with automatic size/age-based rotation.
type Logger struct {
	logger *log.Logger
}

// Options configures log rotation.
type Options struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New creates a rotating audit logger.
func New(opts Options) *Logger {
	writer := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	return &Logger{
		logger: log.New(writer, "", 0), // records carry their own timestamp
	}
}

// NewWithWriter creates a logger on an arbitrary writer (tests).
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{logger: log.New(w, "", 0)}
}

// Log appends one record. Errors are swallowed by design.
func (l *Logger) Log(rec Record) {
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	l.logger.Println(string(data))
}
