package otel

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.RequestDuration == nil || m.ProcessOps == nil || m.GatewaySent == nil ||
		m.GatewayQueued == nil || m.GatewayReceived == nil || m.GatewayReconnects == nil ||
		m.StreamClients == nil || m.RateLimitRejects == nil {
		t.Fatalf("missing instrument: %+v", m)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordProcessOp(ctx, "start", errors.New("boom"))
	m.GatewaySentInc(ctx, "chat.message")
	m.GatewayQueuedInc(ctx, "chat.message")
	m.GatewayReceivedInc(ctx, "chat.message")
	m.GatewayReconnectInc(ctx)
	m.ObserveRequest(ctx, "/api/status", 0.1)
	m.StreamOpened(ctx, "status")
	m.StreamClosed(ctx, "status")
	m.RateLimited(ctx, "api")
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			out[md.Name] = md.Data
		}
	}
	return out
}

func TestProcessOpsAndGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", MetricReader: reader})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordProcessOp(context.Background(), "start", nil)
	m.RecordProcessOp(context.Background(), "stop", nil)

	if _, err := RegisterProcessGauges(p.Meter, func(context.Context) ProcessSample {
		return ProcessSample{CPUPercent: 12.5, MemoryMB: 524.29, UptimeSeconds: 3723, Running: true}
	}); err != nil {
		t.Fatalf("RegisterProcessGauges: %v", err)
	}

	data := collect(t, reader)
	ops, ok := data["clawdash.process.ops"].(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("process.ops missing or wrong type: %#v", data["clawdash.process.ops"])
	}
	var total int64
	for _, dp := range ops.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Fatalf("process.ops total = %d, want 2", total)
	}
	cpu, ok := data["clawdash.process.cpu"].(metricdata.Gauge[float64])
	if !ok || len(cpu.DataPoints) != 1 || cpu.DataPoints[0].Value != 12.5 {
		t.Fatalf("unexpected cpu gauge %#v", data["clawdash.process.cpu"])
	}
	uptime, ok := data["clawdash.process.uptime"].(metricdata.Gauge[int64])
	if !ok || uptime.DataPoints[0].Value != 3723 {
		t.Fatalf("unexpected uptime gauge %#v", data["clawdash.process.uptime"])
	}
}
