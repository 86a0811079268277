package ops

import (
	"context"
	"io"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type capturedEvent struct {
	level   log.Level
	fields  log.Fields
	message string
}

type captureLogger struct {
	events []capturedEvent
}

func (c *captureLogger) Log(level log.Level, fields log.Fields, message string) error {
	c.events = append(c.events, capturedEvent{level: level, fields: fields, message: message})
	return nil
}

func (c *captureLogger) Level() log.Level { return log.TraceLevel }

func TestForwardLogsMixedContent(t *testing.T) {
	var raw = `
{"level": "WARning", "msg": "structured warning", "code": 7}
plain text line
{"lvl": "err", "message": "structured error", "ts": "2026-03-01T10:00:00Z"}

{"no": "level or message"}
`
	var logger = new(captureLogger)
	ForwardLogs("test stderr", log.InfoLevel, io.NopCloser(strings.NewReader(raw)), logger)

	// Four published lines plus the trailing summary.
	require.Len(t, logger.events, 5)

	require.Equal(t, log.WarnLevel, logger.events[0].level)
	require.Equal(t, "structured warning", logger.events[0].message)
	require.Equal(t, "test stderr", logger.events[0].fields[LogSourceField])
	require.Contains(t, logger.events[0].fields, "code")

	require.Equal(t, log.InfoLevel, logger.events[1].level)
	require.Equal(t, "plain text line", logger.events[1].message)

	require.Equal(t, log.ErrorLevel, logger.events[2].level)
	require.Equal(t, "structured error", logger.events[2].message)
	require.Contains(t, logger.events[2].fields, "subprocessTs")

	// A JSON object with no recognized keys still counts as structured;
	// unknown keys ride along as fields at the fallback level.
	require.Equal(t, log.InfoLevel, logger.events[3].level)
	require.Equal(t, "", logger.events[3].message)
	require.Contains(t, logger.events[3].fields, "no")

	var summary = logger.events[4]
	require.Equal(t, log.TraceLevel, summary.level)
	require.Equal(t, "finished forwarding subprocess output", summary.message)
	require.Equal(t, 3, summary.fields["jsonLines"])
	require.Equal(t, 1, summary.fields["textLines"])
}

func TestLogForwardWriterReassemblesLines(t *testing.T) {
	var logger = new(captureLogger)
	var w = NewLogForwardWriter("driver stderr", log.InfoLevel, logger)

	var write = func(s string) {
		var n, err = w.Write([]byte(s))
		require.NoError(t, err)
		require.Equal(t, len(s), n)
	}

	write(`{"level": "debu`)
	write(`g", "msg": "split across writes"}` + "\n")
	write("trailing without newline")
	require.NoError(t, w.Close())

	require.Len(t, logger.events, 3)
	require.Equal(t, log.DebugLevel, logger.events[0].level)
	require.Equal(t, "split across writes", logger.events[0].message)
	require.Equal(t, "trailing without newline", logger.events[1].message)
	require.Equal(t, "finished forwarding subprocess output", logger.events[2].message)
}

func TestLogForwardWriterChunksOversizedLines(t *testing.T) {
	var logger = new(captureLogger)
	var w = NewLogForwardWriter("noisy", log.InfoLevel, logger)

	var raw = strings.Repeat("x", maxLineBytes*2+17)
	var n, err = w.Write([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, len(raw), n)
	require.NoError(t, w.Close())

	require.Len(t, logger.events, 4)
	require.Len(t, logger.events[0].message, maxLineBytes)
	require.Len(t, logger.events[1].message, maxLineBytes)
	require.Len(t, logger.events[2].message, 17)
}

func TestParseLevelSpellings(t *testing.T) {
	var cases = []struct {
		input  string
		expect log.Level
	}{
		{"trace", log.TraceLevel},
		{"DEBUG", log.DebugLevel},
		{"Info", log.InfoLevel},
		{"warn", log.WarnLevel},
		{"warning", log.WarnLevel},
		{"err", log.ErrorLevel},
		{"ERROR", log.ErrorLevel},
		{"fatal", log.ErrorLevel},
		{"panic", log.ErrorLevel},
	}
	for _, tc := range cases {
		var level, ok = parseLevel(tc.input)
		require.Truef(t, ok, "parsing %q", tc.input)
		require.Equalf(t, tc.expect, level, "parsing %q", tc.input)
	}

	var _, ok = parseLevel("not a level")
	require.False(t, ok)
}

func TestLoggerWithFields(t *testing.T) {
	var logger = new(captureLogger)
	var tagged = NewLoggerWithFields(logger, log.Fields{"task": "t-1", "shared": "outer"})

	require.NoError(t, tagged.Log(log.InfoLevel, log.Fields{"shared": "inner", "extra": 1}, "hello"))
	require.Len(t, logger.events, 1)
	require.Equal(t, "t-1", logger.events[0].fields["task"])
	require.Equal(t, "inner", logger.events[0].fields["shared"])
	require.Equal(t, 1, logger.events[0].fields["extra"])
}

func TestTraceRoundTrip(t *testing.T) {
	var id = NewTraceID()
	require.NotEmpty(t, id)
	require.NotEqual(t, id, NewTraceID())

	var ctx = WithTrace(context.Background(), id)
	require.Equal(t, id, Trace(ctx))
	require.Equal(t, "", Trace(context.Background()))
}
