package ops

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// LogSourceField tags every forwarded event with the subprocess that
// produced it.
const LogSourceField = "logSource"

// maxLineBytes is the longest single line the forwarder will buffer.
// Longer runs without a newline are broken into chunks of this size.
const maxLineBytes = 1 << 16

// ForwardLogs reads lines from |source| and publishes them through
// |logger| until EOF or error, then closes |source|. Each line is first
// tried as a JSON-encoded log event so that structured subprocess output
// keeps its level, timestamp, and fields; lines that don't parse are
// published verbatim at |fallbackLevel|. Every event gets a logSource
// field naming the subprocess.
//
// Field matching is permissive: level/lvl, ts/time/timestamp, and
// msg/message are recognized ignoring ASCII case, and common level
// spellings ("warn", "warning", "ERR") all map to the expected logrus
// level.
func ForwardLogs(sourceDesc string, fallbackLevel log.Level, source io.ReadCloser, logger Logger) {
	defer source.Close()

	var fwd = lineForwarder{
		sourceDesc:    sourceDesc,
		fallbackLevel: fallbackLevel,
		logger:        logger,
	}
	var reader = bufio.NewReaderSize(source, maxLineBytes)
	for {
		var line, err = reader.ReadBytes('\n')
		if len(line) > 0 {
			fwd.publishLine(bytes.TrimRight(line, "\n"))
		}
		if err != nil {
			if err != io.EOF {
				logger.Log(log.ErrorLevel, log.Fields{
					"error":        err,
					LogSourceField: sourceDesc,
				}, "failed to read subprocess output")
			}
			break
		}
	}
	fwd.finish()
}

// NewLogForwardWriter returns an io.WriteCloser suitable for wiring
// directly to a subprocess's stderr. Written bytes are split on
// newlines and published exactly as ForwardLogs does; a partial line is
// held until its newline arrives or Close flushes it.
func NewLogForwardWriter(sourceDesc string, fallbackLevel log.Level, logger Logger) *LogForwardWriter {
	return &LogForwardWriter{
		fwd: lineForwarder{
			sourceDesc:    sourceDesc,
			fallbackLevel: fallbackLevel,
			logger:        logger,
		},
	}
}

type LogForwardWriter struct {
	fwd lineForwarder
	rem []byte
}

func (w *LogForwardWriter) Write(p []byte) (int, error) {
	var n = len(p)
	for {
		var idx = bytes.IndexByte(p, '\n')
		if idx < 0 {
			break
		}
		var line = p[:idx]
		if len(w.rem) > 0 {
			line = append(w.rem, line...)
			w.rem = w.rem[:0]
		}
		w.fwd.publishLine(line)
		p = p[idx+1:]
	}
	// Oversized lines are published in chunks rather than buffered forever.
	for len(w.rem)+len(p) >= maxLineBytes {
		var take = maxLineBytes - len(w.rem)
		w.fwd.publishLine(append(w.rem, p[:take]...))
		w.rem = w.rem[:0]
		p = p[take:]
	}
	if len(p) > 0 {
		w.rem = append(w.rem, p...)
	}
	return n, nil
}

// Close flushes a trailing partial line and publishes the forwarding
// summary.
func (w *LogForwardWriter) Close() error {
	if len(w.rem) > 0 {
		w.fwd.publishLine(w.rem)
		w.rem = nil
	}
	w.fwd.finish()
	return nil
}

type lineForwarder struct {
	sourceDesc    string
	fallbackLevel log.Level
	logger        Logger
	jsonLines     int
	textLines     int
}

func (f *lineForwarder) publishLine(line []byte) {
	var trimmed = bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}

	var event subprocessEvent
	if err := json.Unmarshal(trimmed, &event); err == nil {
		f.jsonLines++
		var fields = make(log.Fields, len(event.Fields)+1)
		for k, v := range event.Fields {
			fields[k] = v
		}
		fields[LogSourceField] = f.sourceDesc
		if !event.Timestamp.IsZero() {
			fields["subprocessTs"] = event.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		var level = f.fallbackLevel
		if event.Level != 0 {
			level = event.Level
		}
		f.logger.Log(level, fields, event.Message)
		return
	}

	f.textLines++
	f.logger.Log(f.fallbackLevel, log.Fields{LogSourceField: f.sourceDesc}, string(line))
}

func (f *lineForwarder) finish() {
	f.logger.Log(log.TraceLevel, log.Fields{
		"jsonLines":    f.jsonLines,
		"textLines":    f.textLines,
		LogSourceField: f.sourceDesc,
	}, "finished forwarding subprocess output")
}

// subprocessEvent is the permissive decoding of one JSON log line.
type subprocessEvent struct {
	Level     log.Level
	Timestamp time.Time
	Message   string
	Fields    map[string]json.RawMessage
}

func (e *subprocessEvent) UnmarshalJSON(b []byte) error {
	*e = subprocessEvent{}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		switch {
		case fieldMatches(k, "level", "lvl") && e.Level == 0:
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				if lvl, ok := parseLevel(s); ok {
					e.Level = lvl
					delete(m, k)
				}
			}
		case fieldMatches(k, "timestamp", "time", "ts") && e.Timestamp.IsZero():
			var t time.Time
			if err := json.Unmarshal(v, &t); err == nil {
				e.Timestamp = t
				delete(m, k)
			}
		case fieldMatches(k, "message", "msg") && e.Message == "":
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				e.Message = s
				delete(m, k)
			}
		}
	}
	e.Fields = m
	return nil
}

// parseLevel matches case-insensitive prefixes so that "warn" and
// "warning", or "err" and "error", land on the same level. Fatal and
// panic map to error: a subprocess exiting is handled by its caller, not
// by the logger.
func parseLevel(s string) (log.Level, bool) {
	var lower = strings.ToLower(s)
	for _, candidate := range []struct {
		prefix string
		level  log.Level
	}{
		{"trace", log.TraceLevel},
		{"debug", log.DebugLevel},
		{"info", log.InfoLevel},
		{"warn", log.WarnLevel},
		{"err", log.ErrorLevel},
		{"fatal", log.ErrorLevel},
		{"panic", log.ErrorLevel},
	} {
		if strings.HasPrefix(lower, candidate.prefix) {
			return candidate.level, true
		}
	}
	return 0, false
}

func fieldMatches(field string, allowed ...string) bool {
	for _, candidate := range allowed {
		if strings.EqualFold(field, candidate) {
			return true
		}
	}
	return false
}
