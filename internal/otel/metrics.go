package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all aide metric instruments.
type Metrics struct {
	RunDuration   metric.Float64Histogram
	RunsStarted   metric.Int64Counter
	RunsCompleted metric.Int64Counter
	RunsFailed    metric.Int64Counter
	RunRetries    metric.Int64Counter
	ForceResolves metric.Int64Counter
	StuckKills    metric.Int64Counter
	ActiveRuns    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("aide.run.duration",
		metric.WithDescription("Agent run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsStarted, err = meter.Int64Counter("aide.run.started",
		metric.WithDescription("Agent runs started"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("aide.run.completed",
		metric.WithDescription("Agent runs completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("aide.run.failed",
		metric.WithDescription("Agent runs that ended in failure"),
	)
	if err != nil {
		return nil, err
	}

	m.RunRetries, err = meter.Int64Counter("aide.run.retries",
		metric.WithDescription("Chat run retry attempts against an unchanged message set"),
	)
	if err != nil {
		return nil, err
	}

	m.ForceResolves, err = meter.Int64Counter("aide.run.force_resolves",
		metric.WithDescription("Force-resolved message sets (retry exhaustion or success-loop breaker)"),
	)
	if err != nil {
		return nil, err
	}

	m.StuckKills, err = meter.Int64Counter("aide.run.stuck_kills",
		metric.WithDescription("Processes killed by the stuck-job health check"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("aide.run.active",
		metric.WithDescription("Agent runs currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
