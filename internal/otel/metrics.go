package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the dashboard's metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	ProcessOps        metric.Int64Counter
	GatewaySent       metric.Int64Counter
	GatewayQueued     metric.Int64Counter
	GatewayReceived   metric.Int64Counter
	GatewayReconnects metric.Int64Counter
	StreamClients     metric.Int64UpDownCounter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("clawdash.request.duration",
		metric.WithDescription("Dashboard API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProcessOps, err = meter.Int64Counter("clawdash.process.ops",
		metric.WithDescription("Supervisor operations by op and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewaySent, err = meter.Int64Counter("clawdash.gateway.sent",
		metric.WithDescription("Messages written to the gateway socket"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayQueued, err = meter.Int64Counter("clawdash.gateway.queued",
		metric.WithDescription("Messages queued while the gateway was disconnected"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayReceived, err = meter.Int64Counter("clawdash.gateway.received",
		metric.WithDescription("Messages received from the gateway socket"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayReconnects, err = meter.Int64Counter("clawdash.gateway.reconnects",
		metric.WithDescription("Automatic gateway reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamClients, err = meter.Int64UpDownCounter("clawdash.stream.clients",
		metric.WithDescription("Open Server-Sent Event streams"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("clawdash.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordProcessOp counts one supervisor operation.
func (m *Metrics) RecordProcessOp(ctx context.Context, op string, err error) {
	if m == nil || m.ProcessOps == nil {
		return
	}
	m.ProcessOps.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(op), AttrOutcome.String(Outcome(err))))
}

// GatewaySentInc, GatewayQueuedInc, GatewayReceivedInc and GatewayReconnectInc
// count gateway traffic by message type. They are safe on a nil *Metrics.
func (m *Metrics) GatewaySentInc(ctx context.Context, msgType string) {
	m.gateway(ctx, func(m *Metrics) metric.Int64Counter { return m.GatewaySent }, msgType)
}

func (m *Metrics) GatewayQueuedInc(ctx context.Context, msgType string) {
	m.gateway(ctx, func(m *Metrics) metric.Int64Counter { return m.GatewayQueued }, msgType)
}

func (m *Metrics) GatewayReceivedInc(ctx context.Context, msgType string) {
	m.gateway(ctx, func(m *Metrics) metric.Int64Counter { return m.GatewayReceived }, msgType)
}

func (m *Metrics) GatewayReconnectInc(ctx context.Context) {
	m.gateway(ctx, func(m *Metrics) metric.Int64Counter { return m.GatewayReconnects }, "")
}

func (m *Metrics) gateway(ctx context.Context, pick func(*Metrics) metric.Int64Counter, msgType string) {
	if m == nil {
		return
	}
	c := pick(m)
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(AttrMessageType.String(msgType)))
}

// ObserveRequest records one API request.
func (m *Metrics) ObserveRequest(ctx context.Context, route string, seconds float64) {
	if m == nil || m.RequestDuration == nil {
		return
	}
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(AttrRoute.String(route)))
}

// StreamOpened and StreamClosed track live SSE clients.
func (m *Metrics) StreamOpened(ctx context.Context, kind string) { m.stream(ctx, kind, 1) }
func (m *Metrics) StreamClosed(ctx context.Context, kind string) { m.stream(ctx, kind, -1) }

func (m *Metrics) stream(ctx context.Context, kind string, delta int64) {
	if m == nil || m.StreamClients == nil {
		return
	}
	m.StreamClients.Add(ctx, delta, metric.WithAttributes(attribute.String("stream", kind)))
}

// RateLimited counts one rejected request.
func (m *Metrics) RateLimited(ctx context.Context, scope string) {
	if m == nil || m.RateLimitRejects == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

// ProcessSample is one reading reported by the process gauges.
type ProcessSample struct {
	CPUPercent    float64
	MemoryMB      float64
	UptimeSeconds int64
	Running       bool
}

// RegisterProcessGauges exposes supervised-process readings as observable
// gauges. sample is called once per collection.
func RegisterProcessGauges(meter metric.Meter, sample func(context.Context) ProcessSample) (metric.Registration, error) {
	cpu, err := meter.Float64ObservableGauge("clawdash.process.cpu",
		metric.WithDescription("Supervised process CPU percent"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return nil, err
	}
	mem, err := meter.Float64ObservableGauge("clawdash.process.memory",
		metric.WithDescription("Supervised process resident memory"),
		metric.WithUnit("MiBy"),
	)
	if err != nil {
		return nil, err
	}
	uptime, err := meter.Int64ObservableGauge("clawdash.process.uptime",
		metric.WithDescription("Supervised process uptime"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	running, err := meter.Int64ObservableGauge("clawdash.process.running",
		metric.WithDescription("1 when the supervised process is alive"),
	)
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		s := sample(ctx)
		o.ObserveFloat64(cpu, s.CPUPercent)
		o.ObserveFloat64(mem, s.MemoryMB)
		o.ObserveInt64(uptime, s.UptimeSeconds)
		up := int64(0)
		if s.Running {
			up = 1
		}
		o.ObserveInt64(running, up)
		return nil
	}, cpu, mem, uptime, running)
}
