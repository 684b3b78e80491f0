package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// maxPendingLine caps a line without a newline before it is flushed anyway.
const maxPendingLine = 64 * 1024

// LineWriter turns a byte stream (a worker's stderr) into one log record per
// line. Lines mentioning "error" are logged at error level, the rest at info.
// Raw bytes are also copied to Tee when set.
type LineWriter struct {
	Logger *slog.Logger
	Tee    io.WriteCloser
	Msg    string

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLineWriter returns a LineWriter logging through l with message msg.
func NewLineWriter(l *slog.Logger, msg string, tee io.WriteCloser) *LineWriter {
	if l == nil {
		l = slog.Default()
	}
	if msg == "" {
		msg = "worker stderr"
	}
	return &LineWriter{Logger: l, Tee: tee, Msg: msg}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Tee != nil {
		if _, err := w.Tee.Write(p); err != nil {
			w.Logger.Debug("stderr tee write failed", "error", err)
		}
	}
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// incomplete line: keep it for the next write
			w.buf.Reset()
			w.buf.Write(line)
			break
		}
		w.emit(line)
	}
	if w.buf.Len() > maxPendingLine {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
	return len(p), nil
}

func (w *LineWriter) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r\n")
	if strings.TrimSpace(text) == "" {
		return
	}
	level := slog.LevelInfo
	if strings.Contains(strings.ToLower(text), "error") {
		level = slog.LevelError
	}
	w.Logger.Log(context.Background(), level, w.Msg, "line", text)
}

// Close flushes a trailing partial line and closes Tee.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
	if w.Tee != nil {
		return w.Tee.Close()
	}
	return nil
}
