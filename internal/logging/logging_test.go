package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	testCases := []struct {
		level       string
		development bool
		expectErr   bool
	}{
		{level: "info"},
		{level: "debug", development: true},
		{level: "WARN"},
		{level: "verbose", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			logger, err := New(tc.level, tc.development)
			if tc.expectErr {
				if err == nil {
					t.Error("Expected error for invalid level")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if logger == nil {
				t.Fatal("Expected logger")
			}
		})
	}
}

func TestCronLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewCronLogger(zap.New(core))

	cl.Info("schedule", "entry", 1)
	cl.Error(errors.New("boom"), "job failed", "entry", 2)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 log entries, got %d", len(entries))
	}
	// cronの通常ログはdebugに落とす
	if entries[0].Level != zapcore.DebugLevel {
		t.Errorf("Expected debug level, got %s", entries[0].Level)
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("Expected error level, got %s", entries[1].Level)
	}
	if got := entries[1].ContextMap()["error"]; got != "boom" {
		t.Errorf("Expected error field 'boom', got %v", got)
	}
}
