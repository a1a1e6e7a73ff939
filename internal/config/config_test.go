package config

import (
	"testing"
	"time"
)

func TestMatchmakerDefaults(t *testing.T) {
	cfg := LoadMatchmaker()

	if cfg.TickInterval != 200*time.Millisecond {
		t.Fatalf("expected 200ms tick, got %s", cfg.TickInterval)
	}
	if cfg.MMRBandInitial != 100 || cfg.MMRBandMax != 500 {
		t.Fatalf("unexpected band defaults: %+v", cfg)
	}
	if cfg.MinMatchQuality != 0.6 {
		t.Fatalf("expected quality floor 0.6, got %g", cfg.MinMatchQuality)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "50ms")
	t.Setenv("MMR_BAND_MAX", "750")
	t.Setenv("MIN_MATCH_QUALITY", "0.75")

	cfg := LoadMatchmaker()
	if cfg.TickInterval != 50*time.Millisecond {
		t.Fatalf("expected 50ms tick, got %s", cfg.TickInterval)
	}
	if cfg.MMRBandMax != 750 {
		t.Fatalf("expected band max 750, got %d", cfg.MMRBandMax)
	}
	if cfg.MinMatchQuality != 0.75 {
		t.Fatalf("expected quality 0.75, got %g", cfg.MinMatchQuality)
	}
}

func TestBadValuesFallBack(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "soon")
	t.Setenv("MMR_BAND_MAX", "lots")

	cfg := LoadMatchmaker()
	if cfg.TickInterval != 200*time.Millisecond || cfg.MMRBandMax != 500 {
		t.Fatalf("expected defaults for unparsable values, got %+v", cfg)
	}
}
