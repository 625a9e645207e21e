package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_InitAndGet(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Init(Config{Level: LevelInfo, Format: FormatText, Writer: buf}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer Shutdown()

	Get().Info("test message", "root", 1)

	output := buf.String()
	if !strings.Contains(output, "test message") || !strings.Contains(output, "root=1") {
		t.Errorf("log output missing message: %s", output)
	}
}

func TestLogger_InitTwice(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Init(Config{Writer: buf}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer Shutdown()

	if err := Init(Config{Writer: buf}); err == nil {
		t.Error("second Init() should fail")
	}
}

func TestLogger_NullLogger(t *testing.T) {
	// 未初始化時不應 panic
	Shutdown()

	logger := Get()
	logger.Info("should not crash")
	logger.With("k", "v").Error("should not crash")
}

func TestLogger_With(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(Config{Level: LevelInfo, Format: FormatText, Writer: buf})
	defer Shutdown()

	With("component", "engine").Info("message")

	if !strings.Contains(buf.String(), "component=engine") {
		t.Errorf("output missing context: %s", buf.String())
	}
}

func TestLogger_SetLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(Config{Level: LevelInfo, Format: FormatText, Writer: buf})
	defer Shutdown()

	Get().Debug("hidden")
	SetLevel(LevelDebug)
	Get().Debug("visible")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("debug logged at info level: %s", output)
	}
	if !strings.Contains(output, "visible") {
		t.Errorf("debug not logged after SetLevel: %s", output)
	}
}

func TestSlogLogger_Levels(t *testing.T) {
	tests := []struct {
		name      string
		level     Level
		log       func(Logger)
		shouldLog bool
	}{
		{"debug at debug level", LevelDebug, func(l Logger) { l.Debug("msg") }, true},
		{"debug at info level", LevelInfo, func(l Logger) { l.Debug("msg") }, false},
		{"warn at info level", LevelInfo, func(l Logger) { l.Warn("msg") }, true},
		{"info at error level", LevelError, func(l Logger) { l.Info("msg") }, false},
		{"error at error level", LevelError, func(l Logger) { l.Error("msg") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			l, err := NewSlogLogger(Config{Level: tt.level, Format: FormatText, Writer: buf})
			if err != nil {
				t.Fatalf("NewSlogLogger() error = %v", err)
			}
			tt.log(l)

			if got := strings.Contains(buf.String(), "msg"); got != tt.shouldLog {
				t.Errorf("logged = %v, want %v: %q", got, tt.shouldLog, buf.String())
			}
		})
	}
}

func TestSlogLogger_JSONFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	l, err := NewSlogLogger(Config{Level: LevelInfo, Format: FormatJSON, Writer: buf})
	if err != nil {
		t.Fatalf("NewSlogLogger() error = %v", err)
	}

	l.Info("json test", "path", "a/b.txt")

	output := buf.String()
	if !strings.Contains(output, `"msg":"json test"`) || !strings.Contains(output, `"path":"a/b.txt"`) {
		t.Errorf("unexpected JSON output: %s", output)
	}
}

func TestSlogLogger_ConsoleNoColorOnBuffer(t *testing.T) {
	buf := &bytes.Buffer{}
	l, err := NewSlogLogger(Config{Level: LevelInfo, Format: FormatConsole, Writer: buf})
	if err != nil {
		t.Fatalf("NewSlogLogger() error = %v", err)
	}

	l.Info("console test", "root", 2)

	output := buf.String()
	if !strings.Contains(output, "console test") {
		t.Errorf("missing message: %s", output)
	}
	if strings.Contains(output, "\x1b[") {
		t.Errorf("colour codes written to a non-terminal: %q", output)
	}
}

func TestSlogLogger_FileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "meshsync.log")
	buf := &bytes.Buffer{}

	l, err := NewSlogLogger(Config{
		Level:  LevelInfo,
		Format: FormatText,
		Writer: buf,
		File:   FileConfig{Path: logPath, MaxSizeMB: 1, MaxAgeDays: 7, MaxBackups: 3},
	})
	if err != nil {
		t.Fatalf("NewSlogLogger() error = %v", err)
	}

	l.With("root", 0).Info("file logging")
	if err := l.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), `"msg":"file logging"`) {
		t.Errorf("log file missing message: %s", content)
	}
	if !strings.Contains(buf.String(), "file logging") {
		t.Errorf("terminal output missing message: %s", buf.String())
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	if ParseLevel("WARNING") != LevelWarn {
		t.Error("ParseLevel(WARNING) != warn")
	}
	if ParseLevel("bogus") != LevelInfo {
		t.Error("unknown level should default to info")
	}
	if ParseFormat("json") != FormatJSON || ParseFormat("") != FormatConsole {
		t.Error("ParseFormat mismatch")
	}
}
