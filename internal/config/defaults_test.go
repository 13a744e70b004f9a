package config

import (
	"testing"
	"time"
)

// TestDefaultChannelConfig verifies the channel defaults are themselves valid
func TestDefaultChannelConfig(t *testing.T) {
	cfg := DefaultChannelConfig()

	if cfg.Transport != TransportTCP {
		t.Errorf("Expected Transport to be %s, got %s", TransportTCP, cfg.Transport)
	}
	if cfg.Codec != CodecJSONLines {
		t.Errorf("Expected Codec to be %s, got %s", CodecJSONLines, cfg.Codec)
	}
	if cfg.MaxFrameSize != DefaultMaxFrameSize {
		t.Errorf("Expected MaxFrameSize to be %d, got %d", DefaultMaxFrameSize, cfg.MaxFrameSize)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected ShutdownTimeout to be 30s, got %v", cfg.ShutdownTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default channel config should validate, got %v", err)
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate, got %v", err)
	}
}
