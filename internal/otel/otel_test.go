package otel

import (
	"context"
	"errors"
	"testing"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		sdk     bool
	}{
		{name: "disabled is noop", cfg: Config{}},
		{name: "none exporter", cfg: Config{Enabled: true, Exporter: "none"}, sdk: true},
		{name: "custom service and sampling", cfg: Config{Enabled: true, Exporter: "none", ServiceName: "clawdash-test", SampleRate: 0.5}, sdk: true},
		{name: "empty exporter keeps spans local", cfg: Config{Enabled: true}, sdk: true},
		{name: "stdout exporter with version", cfg: Config{Enabled: true, Exporter: ExporterStdout, ServiceVersion: "v1.2.3"}, sdk: true},
		{name: "unknown exporter", cfg: Config{Enabled: true, Exporter: "carrier-pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Init(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			if p.Tracer == nil || p.Meter == nil || p.MeterProvider == nil {
				t.Fatalf("provider has nil members: %+v", p)
			}
			if tt.sdk != (p.TracerProvider != nil) {
				t.Fatalf("TracerProvider set = %t, want %t", p.TracerProvider != nil, tt.sdk)
			}
			_, span := p.Tracer.Start(context.Background(), "supervisor.start")
			span.End()
			if err := p.Shutdown(context.Background()); err != nil {
				t.Fatalf("Shutdown: %v", err)
			}
		})
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, internal := StartSpan(context.Background(), p.Tracer, "supervisor.stop",
		AttrOperation.String("stop"), AttrPID.Int(4242))
	EndSpan(internal, context.DeadlineExceeded)

	_, server := StartServerSpan(context.Background(), p.Tracer, "GET /api/status")
	EndSpan(server, nil)

	_, client := StartClientSpan(context.Background(), p.Tracer, "gateway.send",
		AttrMessageType.String("chat.message"))
	EndSpan(client, nil)

	if !internal.SpanContext().IsValid() || !client.SpanContext().IsValid() {
		t.Fatal("expected recording spans from the sdk tracer")
	}
}

func TestSampleRate(t *testing.T) {
	for in, want := range map[float64]float64{0: 1, -1: 1, 0.25: 0.25, 1: 1, 3: 1} {
		if got := sampleRate(in); got != want {
			t.Errorf("sampleRate(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestOutcome(t *testing.T) {
	if Outcome(nil) != "ok" || Outcome(errors.New("boom")) != "error" {
		t.Fatal("unexpected outcome mapping")
	}
	if NoopTracer() == nil {
		t.Fatal("expected noop tracer")
	}
}
