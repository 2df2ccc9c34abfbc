package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all trustd metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	PingDuration     metric.Float64Histogram
	DriftScore       metric.Float64Histogram
	DriftWarnings    metric.Int64Counter
	Revocations      metric.Int64Counter
	PersonaUpdates   metric.Int64Counter
	Verifications    metric.Int64Counter
	VerifyFailures   metric.Int64Counter
	SweepRevoked     metric.Int64Counter
	WebhookFailures  metric.Int64Counter
	ActiveCommitters metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("trustd.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PingDuration, err = meter.Float64Histogram("trustd.ping.duration",
		metric.WithDescription("Health-ping processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DriftScore, err = meter.Float64Histogram("trustd.drift.score",
		metric.WithDescription("Computed drift scores"),
	)
	if err != nil {
		return nil, err
	}

	m.DriftWarnings, err = meter.Int64Counter("trustd.drift.warnings",
		metric.WithDescription("Pings that crossed the warning threshold"),
	)
	if err != nil {
		return nil, err
	}

	m.Revocations, err = meter.Int64Counter("trustd.drift.revocations",
		metric.WithDescription("Agents revoked by the drift threshold"),
	)
	if err != nil {
		return nil, err
	}

	m.PersonaUpdates, err = meter.Int64Counter("trustd.persona.updates",
		metric.WithDescription("Persona registrations and updates"),
	)
	if err != nil {
		return nil, err
	}

	m.Verifications, err = meter.Int64Counter("trustd.verify.attempts",
		metric.WithDescription("Anonymous verification attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.VerifyFailures, err = meter.Int64Counter("trustd.verify.failures",
		metric.WithDescription("Anonymous verification failures"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepRevoked, err = meter.Int64Counter("trustd.sweep.revoked",
		metric.WithDescription("Commitments revoked by the expiry sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookFailures, err = meter.Int64Counter("trustd.webhook.failures",
		metric.WithDescription("Webhook deliveries that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveCommitters, err = meter.Int64UpDownCounter("trustd.commitments.active",
		metric.WithDescription("Commitments currently active"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
