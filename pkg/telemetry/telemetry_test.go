package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig("skiff", "test")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg.ServiceName = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing service name should fail")
	}

	cfg = DefaultConfig("skiff", "test")
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("otlp without endpoint should fail")
	}
	cfg.Tracing.Endpoint = "localhost:4317"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("otlp with endpoint should validate: %v", err)
	}

	cfg.Tracing.Exporter = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown exporter should fail")
	}

	cfg.Tracing.Exporter = "stdout"
	cfg.Tracing.SamplingRate = 2.0
	if err := cfg.Validate(); err == nil {
		t.Fatal("sampling rate above 1 should fail")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	// Recorders on a nil or disabled collector must be no-ops.
	m.RecordProviderCall("hcloud", "create", "ok", time.Second)
	m.RecordDeploy("web", "ok", time.Second)
	m.RecordReconcile("web", "succeeded", time.Second)
	m.SetMachinesTracked("running", 3)
	m.RecordLockWait(time.Millisecond)

	disabled := NewMetrics(MetricsConfig{Enabled: false})
	disabled.RecordProvision("hcloud", time.Second)
}

func TestDisabledTracerIsSafe(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "skiff", "test", "dev")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	ctx, span := tr.Start(context.Background(), "test.span")
	RecordSuccess(span)
	span.End()
	if ctx == nil {
		t.Fatal("context must survive")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	var nilTracer *Tracer
	_, span = nilTracer.StartReconcileSpan(context.Background(), "web", 3)
	span.End()
	if err := nilTracer.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil tracer Shutdown: %v", err)
	}
}
