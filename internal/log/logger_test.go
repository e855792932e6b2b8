package log

import (
	"testing"

	"venuelink/internal/config"
)

func TestNewLogger_BuildsFromConfig(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{
		Level:            "debug",
		Encoding:         "json",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	})
	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}
	if logger == nil {
		t.Fatal("expected a logger instance")
	}
	_ = logger.Sync()
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{
		Level:            "loudest",
		Encoding:         "json",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	})
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
}
