// Package ops carries the logging plumbing shared by the runtime: a small
// Logger interface, adapters for tagging and teeing, and forwarding of
// subprocess output into structured logs.
package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Logger publishes log events that relate to a specific task or
// subprocess. Events flow to the process logger by default, and can be
// teed into per-task log files under the vault.
type Logger interface {
	Log(level log.Level, fields log.Fields, message string) error
	// Level is the threshold below which events may be skipped by the
	// implementation. Forwarders use it to decide the child's verbosity.
	Level() log.Level
}

type stdLogger struct{}

func (stdLogger) Log(level log.Level, fields log.Fields, message string) error {
	log.WithFields(fields).Log(level, message)
	return nil
}

func (stdLogger) Level() log.Level { return log.GetLevel() }

// StdLogger returns a Logger that forwards to the logrus package logger.
func StdLogger() Logger { return stdLogger{} }

type fieldedLogger struct {
	inner  Logger
	fields log.Fields
}

func (l *fieldedLogger) Log(level log.Level, fields log.Fields, message string) error {
	var merged = make(log.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return l.inner.Log(level, merged, message)
}

func (l *fieldedLogger) Level() log.Level { return l.inner.Level() }

// NewLoggerWithFields returns a Logger that adds |fields| to every event
// before delegating to |inner|. Event-level fields win on collision.
func NewLoggerWithFields(inner Logger, fields log.Fields) Logger {
	return &fieldedLogger{inner: inner, fields: fields}
}

// FileLogger tees events into an append-only file as JSON lines, and
// also forwards them to an inner Logger. It's used for per-task logs of
// reasoning subprocess output under Logs/.
type FileLogger struct {
	inner Logger
	mu    sync.Mutex
	f     *os.File
}

// NewFileLogger opens (creating if needed) the log file at |path| for
// appending.
func NewFileLogger(path string, inner Logger) (*FileLogger, error) {
	var f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening task log %s: %w", path, err)
	}
	return &FileLogger{inner: inner, f: f}, nil
}

func (l *FileLogger) Log(level log.Level, fields log.Fields, message string) error {
	var line = make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		line[k] = v
	}
	line["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	line["level"] = level.String()
	line["msg"] = message

	if b, err := json.Marshal(line); err == nil {
		l.mu.Lock()
		_, _ = l.f.Write(append(b, '\n'))
		l.mu.Unlock()
	}
	return l.inner.Log(level, fields, message)
}

func (l *FileLogger) Level() log.Level { return l.inner.Level() }

// Close syncs and closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		_ = l.f.Close()
		return err
	}
	return l.f.Close()
}

// InitLog configures the process logger from the `log` configuration
// section. Unknown levels fall back to info rather than failing startup.
func InitLog(level, format string) {
	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := log.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(log.InfoLevel)
		log.WithField("level", level).Warn("unknown log level, using info")
	}
}
