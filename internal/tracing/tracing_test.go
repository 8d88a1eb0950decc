package tracing

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/warden/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	p, err := Setup(context.Background(), config.TracingConfig{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if p.Tracer("warden") == nil {
		t.Error("no tracer from disabled provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{
		Enabled:  true,
		Endpoint: "localhost:4317",
		Exporter: "udp",
	})
	if err == nil {
		t.Fatal("unknown exporter accepted")
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4317":         "collector:4317",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Errorf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}
