package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
		enabled       zapcore.Level
	}{
		{"info", "json", false, zapcore.InfoLevel},
		{"DEBUG", "console", false, zapcore.DebugLevel},
		{"warn", "", false, zapcore.WarnLevel},
		{"", "", false, zapcore.InfoLevel},
		{"loud", "json", true, 0},
		{"info", "xml", true, 0},
	}
	for _, tt := range tests {
		log, err := New(Options{Level: tt.level, Format: tt.format})
		if tt.wantErr {
			if err == nil {
				t.Errorf("New(%q, %q): expected error", tt.level, tt.format)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%q, %q): %v", tt.level, tt.format, err)
		}
		if !log.Core().Enabled(tt.enabled) {
			t.Errorf("New(%q, %q): level %s not enabled", tt.level, tt.format, tt.enabled)
		}
		if tt.enabled > zapcore.DebugLevel && log.Core().Enabled(tt.enabled-1) {
			t.Errorf("New(%q, %q): level below %s enabled", tt.level, tt.format, tt.enabled)
		}
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "amm.log")
	log, err := New(Options{Level: "info", File: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("pair registered", zap.String("pair", "0xabc"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"pair":"0xabc"`) {
		t.Errorf("log file missing entry: %s", data)
	}
}
