package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{" warn ", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"chatty", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewHonoursLevel(t *testing.T) {
	logger := New("warn", FormatJSON)
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("Expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("Expected error to be enabled at warn level")
	}
}
