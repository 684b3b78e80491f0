package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloseBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *nopCloseBuffer) Close() error { b.closed = true; return nil }

func decodeRecords(t *testing.T, out string) []map[string]any {
	t.Helper()
	var recs []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line %q", line)
		recs = append(recs, m)
	}
	return recs
}

func TestLineWriter_SplitsAndClassifies(t *testing.T) {
	var out bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w := NewLineWriter(l, "", nil)

	_, err := w.Write([]byte("starting up\nfatal ERROR: boom\npart"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ial line\n\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	recs := decodeRecords(t, out.String())
	require.Len(t, recs, 3)
	assert.Equal(t, "INFO", recs[0]["level"])
	assert.Equal(t, "starting up", recs[0]["line"])
	assert.Equal(t, "worker stderr", recs[0]["msg"])
	assert.Equal(t, "ERROR", recs[1]["level"])
	assert.Equal(t, "partial line", recs[2]["line"])
}

func TestLineWriter_FlushesTrailingOnClose(t *testing.T) {
	var out bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&out, nil))
	tee := &nopCloseBuffer{}
	w := NewLineWriter(l, "stderr", tee)

	_, _ = w.Write([]byte("no newline"))
	assert.Empty(t, out.String())
	require.NoError(t, w.Close())

	recs := decodeRecords(t, out.String())
	require.Len(t, recs, 1)
	assert.Equal(t, "no newline", recs[0]["line"])
	assert.Equal(t, "no newline", tee.String())
	assert.True(t, tee.closed)
}

func TestNewSloggerTo_LevelAndFormat(t *testing.T) {
	var out bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelWarn, Format: FormatJSON}}
	l := cfg.NewSloggerTo(&out)
	l.Info("hidden")
	l.Warn("shown", "k", 1)

	recs := decodeRecords(t, out.String())
	require.Len(t, recs, 1)
	assert.Equal(t, "shown", recs[0]["msg"])
	_, hasTime := recs[0]["time"]
	assert.False(t, hasTime, "timestamps disabled")
}

func TestNewSloggerTo_ColorText(t *testing.T) {
	var out bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelDebug, Color: true}}
	l := cfg.NewSloggerTo(&out).With("worker", "w1")
	l.Error("bad")
	s := out.String()
	assert.Contains(t, s, ansiRed+"ERROR"+ansiReset)
	assert.Contains(t, s, "worker=w1")
	assert.NotContains(t, s, "time=")
}

func TestParseLevel_Case(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(LevelError))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewProcessLogger(t *testing.T) {
	assert.Nil(t, Config{}.NewProcessLogger("w"))
	dir := t.TempDir()
	l := Config{File: FileConfig{Dir: dir}}.NewProcessLogger("w")
	require.NotNil(t, l)
	l.Info("hello")
}
