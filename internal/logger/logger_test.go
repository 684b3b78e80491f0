package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestProcessWriters(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name         string
		cfg          FileConfig
		wantOut      string
		wantErr      string
		noOut, noErr bool
	}{
		{name: "none", cfg: FileConfig{}, noOut: true, noErr: true},
		{name: "dir", cfg: FileConfig{Dir: dir}, wantOut: filepath.Join(dir, "calc.stdout.log"), wantErr: filepath.Join(dir, "calc.stderr.log")},
		{name: "explicit", cfg: FileConfig{Dir: dir, StdoutPath: filepath.Join(dir, "o.log"), StderrPath: filepath.Join(dir, "e.log")},
			wantOut: filepath.Join(dir, "o.log"), wantErr: filepath.Join(dir, "e.log")},
		{name: "stderr only", cfg: FileConfig{StderrPath: filepath.Join(dir, "only-err.log")}, noOut: true, wantErr: filepath.Join(dir, "only-err.log")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, errW, err := Config{File: tc.cfg}.ProcessWriters("calc")
			require.NoError(t, err)
			if tc.noOut {
				assert.Nil(t, out)
			} else {
				require.NotNil(t, out)
				assert.Equal(t, tc.wantOut, out.(*lj.Logger).Filename)
				_ = out.Close()
			}
			if tc.noErr {
				assert.Nil(t, errW)
				return
			}
			require.NotNil(t, errW)
			_, _ = errW.Write([]byte("boom\n"))
			_ = errW.Close()
			_, statErr := os.Stat(tc.wantErr)
			assert.NoError(t, statErr)
		})
	}
}

func TestProcessWriters_Rotation(t *testing.T) {
	dir := t.TempDir()
	_, errW, err := Config{File: FileConfig{Dir: dir}}.ProcessWriters("calc")
	require.NoError(t, err)
	l := errW.(*lj.Logger)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
	assert.False(t, l.Compress)

	_, errW, err = Config{File: FileConfig{Dir: dir, MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}.ProcessWriters("calc")
	require.NoError(t, err)
	l = errW.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("rotation overrides not applied: %+v", l)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel(LevelError))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewSloggerTo(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelWarn, Format: FormatJSON}}
	l := cfg.NewSloggerTo(&buf)
	l.Info("hidden")
	l.Warn("worker crashed", "worker", "calc")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"worker crashed"`)
	assert.NotContains(t, out, `"time"`)

	buf.Reset()
	cfg = Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatText, TimeStamps: true}}
	cfg.NewSloggerTo(&buf).Info("ready")
	assert.True(t, strings.HasPrefix(buf.String(), "time="), buf.String())
}

func TestNewSlogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.log")
	l := Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatJSON, File: path}}.NewSlogger()
	l.Info("to file")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "to file")
}
