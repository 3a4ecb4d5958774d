package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown := Setup("queue-sync", zerolog.Nop())
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("expected nil shutdown error, got %v", err)
	}
}

func TestSampleRatio(t *testing.T) {
	tests := map[string]float64{
		"":     1,
		"0.25": 0.25,
		"0":    0,
		"1.5":  1,
		"-1":   1,
		"half": 1,
	}
	for raw, want := range tests {
		if got := SampleRatio(raw); got != want {
			t.Fatalf("SampleRatio(%q) = %v, want %v", raw, got, want)
		}
	}
}
