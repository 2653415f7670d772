package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{input: "debug", want: zapcore.DebugLevel},
		{input: "", want: zapcore.InfoLevel},
		{input: " WARNING ", want: zapcore.WarnLevel},
		{input: "error", want: zapcore.ErrorLevel},
		{input: "verbose", want: zapcore.InfoLevel, wantErr: true},
	}
	for _, tt := range testCases {
		got, err := ParseLevel(tt.input)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, %v", tt.input, got, err)
		}
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger("warn", "console")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info must be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("warn must be enabled")
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatalf("expected unknown format to be rejected")
	}
}
