// Package metrics owns the coordinator's OpenTelemetry instruments. A nil
// *Recorder is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// Outcome labels.
const (
	OutcomeQueued   = "queued"
	OutcomeDropped  = "dropped"
	OutcomeRejected = "rejected"
	OutcomeFreed    = "freed"
	OutcomeIdle     = "idle"
	OutcomeDenied   = "denied"
)

// State is polled by the observable gauges.
type State interface {
	QueueDepth() int
	PermitHeld() bool
	Sessions() int
}

// Recorder wraps every permitd instrument.
type Recorder struct {
	logger pslog.Logger

	grants     metric.Int64Counter
	requests   metric.Int64Counter
	releases   metric.Int64Counter
	malformed  metric.Int64Counter
	deliveries metric.Int64Counter
	grantWait  metric.Float64Histogram

	queueDepth metric.Int64ObservableGauge
	sessions   metric.Int64ObservableGauge
	held       metric.Int64ObservableGauge
}

// New builds the instruments on the global meter provider.
func New(logger pslog.Logger) *Recorder {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	meter := otel.Meter("pkt.systems/permitd")
	r := &Recorder{logger: logger}
	var err error

	r.grants, err = meter.Int64Counter(
		"permitd.grants",
		metric.WithDescription("Permits granted"),
	)
	logMetricInitError(logger, "permitd.grants", err)

	r.requests, err = meter.Int64Counter(
		"permitd.requests",
		metric.WithDescription("REQUEST frames received, by outcome"),
	)
	logMetricInitError(logger, "permitd.requests", err)

	r.releases, err = meter.Int64Counter(
		"permitd.releases",
		metric.WithDescription("RELEASE frames received, by outcome"),
	)
	logMetricInitError(logger, "permitd.releases", err)

	r.malformed, err = meter.Int64Counter(
		"permitd.malformed",
		metric.WithDescription("Frames rejected by the decoder"),
	)
	logMetricInitError(logger, "permitd.malformed", err)

	r.deliveries, err = meter.Int64Counter(
		"permitd.delivery.failures",
		metric.WithDescription("GRANT frames that could not be delivered"),
	)
	logMetricInitError(logger, "permitd.delivery.failures", err)

	r.grantWait, err = meter.Float64Histogram(
		"permitd.grant.wait",
		metric.WithDescription("Time between REQUEST and GRANT"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "permitd.grant.wait", err)

	r.queueDepth, err = meter.Int64ObservableGauge(
		"permitd.queue.depth",
		metric.WithDescription("Pending requests"),
	)
	logMetricInitError(logger, "permitd.queue.depth", err)

	r.sessions, err = meter.Int64ObservableGauge(
		"permitd.sessions",
		metric.WithDescription("Open client connections"),
	)
	logMetricInitError(logger, "permitd.sessions", err)

	r.held, err = meter.Int64ObservableGauge(
		"permitd.permit.held",
		metric.WithDescription("1 while the permit is held"),
	)
	logMetricInitError(logger, "permitd.permit.held", err)

	return r
}

// Observe registers the gauge callback against state. The returned function
// unregisters it.
func (r *Recorder) Observe(state State) func() {
	noop := func() {}
	if r == nil || state == nil || r.queueDepth == nil || r.sessions == nil || r.held == nil {
		return noop
	}
	meter := otel.Meter("pkt.systems/permitd")
	reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(r.queueDepth, int64(state.QueueDepth()))
		o.ObserveInt64(r.sessions, int64(state.Sessions()))
		held := int64(0)
		if state.PermitHeld() {
			held = 1
		}
		o.ObserveInt64(r.held, held)
		return nil
	}, r.queueDepth, r.sessions, r.held)
	if err != nil {
		r.logger.Warn("telemetry.metric.callback_failed", "name", "permitd.state", "error", err)
		return noop
	}
	return func() { _ = reg.Unregister() }
}

// Grant records a granted permit and how long the request waited.
func (r *Recorder) Grant(ctx context.Context, requester string, waited time.Duration) {
	if r == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("permitd.requester", requester))
	if r.grants != nil {
		r.grants.Add(ctx, 1, attrs)
	}
	if r.grantWait != nil {
		r.grantWait.Record(ctx, waited.Seconds(), attrs)
	}
}

// Request records a REQUEST frame outcome.
func (r *Recorder) Request(ctx context.Context, outcome string) {
	if r == nil || r.requests == nil {
		return
	}
	r.requests.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("permitd.outcome", outcome)))
}

// Release records a RELEASE frame outcome.
func (r *Recorder) Release(ctx context.Context, outcome string) {
	if r == nil || r.releases == nil {
		return
	}
	r.releases.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("permitd.outcome", outcome)))
}

// Malformed records a decode failure.
func (r *Recorder) Malformed(ctx context.Context) {
	if r == nil || r.malformed == nil {
		return
	}
	r.malformed.Add(metricContext(ctx), 1)
}

// DeliveryFailure records a GRANT that could not be written.
func (r *Recorder) DeliveryFailure(ctx context.Context) {
	if r == nil || r.deliveries == nil {
		return
	}
	r.deliveries.Add(metricContext(ctx), 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
