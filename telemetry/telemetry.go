package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the relay.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with critical paths such as the per-connection poll loop.
type Collector interface {
	SetConnectedClients(count int)
	IncEventPushed(event string, bytes int)
	IncPollError(reason string)
	IncQuery(outcome string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) SetConnectedClients(int)    {}
func (noopCollector) IncEventPushed(string, int) {}
func (noopCollector) IncPollError(string)        {}
func (noopCollector) IncQuery(string)            {}

// PrometheusCollector exposes relay counters via Prometheus.
type PrometheusCollector struct {
	connectedClients prometheus.Gauge
	eventsPushed     *prometheus.CounterVec
	bytesPushed      *prometheus.CounterVec
	pollErrors       *prometheus.CounterVec
	queries          *prometheus.CounterVec
}

var (
	connectedClientsGauge     prometheus.Gauge
	connectedClientsGaugeLock sync.Mutex
	eventsPushedCounter       *prometheus.CounterVec
	eventsPushedCounterLock   sync.Mutex
	bytesPushedCounter        *prometheus.CounterVec
	bytesPushedCounterLock    sync.Mutex
	pollErrorCounter          *prometheus.CounterVec
	pollErrorCounterLock      sync.Mutex
	queryCounter              *prometheus.CounterVec
	queryCounterLock          sync.Mutex
)

func registerGauge(reg prometheus.Registerer, target *prometheus.Gauge, lock *sync.Mutex, opts prometheus.GaugeOpts) error {
	lock.Lock()
	defer lock.Unlock()
	if *target != nil {
		return nil
	}
	gauge := prometheus.NewGauge(opts)
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				*target = existing
				return nil
			}
		}
		return err
	}
	*target = gauge
	return nil
}

func registerCounterVec(reg prometheus.Registerer, target **prometheus.CounterVec, lock *sync.Mutex, opts prometheus.CounterOpts, labels []string) error {
	lock.Lock()
	defer lock.Unlock()
	if *target != nil {
		return nil
	}
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				*target = existing
				return nil
			}
		}
		return err
	}
	*target = counter
	return nil
}

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := registerGauge(reg, &connectedClientsGauge, &connectedClientsGaugeLock, prometheus.GaugeOpts{
		Name: "pulse_connected_clients",
		Help: "Number of currently connected push-channel clients.",
	}); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &eventsPushedCounter, &eventsPushedCounterLock, prometheus.CounterOpts{
		Name: "pulse_events_pushed_total",
		Help: "Number of events pushed to clients per event name.",
	}, []string{"event"}); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &bytesPushedCounter, &bytesPushedCounterLock, prometheus.CounterOpts{
		Name: "pulse_bytes_pushed_total",
		Help: "Payload bytes pushed to clients per event name.",
	}, []string{"event"}); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &pollErrorCounter, &pollErrorCounterLock, prometheus.CounterOpts{
		Name: "pulse_poll_errors_total",
		Help: "Number of scheduled poll failures per reason.",
	}, []string{"reason"}); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &queryCounter, &queryCounterLock, prometheus.CounterOpts{
		Name: "pulse_history_queries_total",
		Help: "Number of on-demand history queries per outcome.",
	}, []string{"outcome"}); err != nil {
		return nil, err
	}
	return &PrometheusCollector{
		connectedClients: connectedClientsGauge,
		eventsPushed:     eventsPushedCounter,
		bytesPushed:      bytesPushedCounter,
		pollErrors:       pollErrorCounter,
		queries:          queryCounter,
	}, nil
}

// SetConnectedClients updates the live client count gauge.
func (p *PrometheusCollector) SetConnectedClients(count int) {
	if p == nil || p.connectedClients == nil {
		return
	}
	p.connectedClients.Set(float64(count))
}

// IncEventPushed records one pushed event and its payload size.
func (p *PrometheusCollector) IncEventPushed(event string, bytes int) {
	if p == nil || p.eventsPushed == nil {
		return
	}
	p.eventsPushed.WithLabelValues(event).Inc()
	if p.bytesPushed != nil && bytes > 0 {
		p.bytesPushed.WithLabelValues(event).Add(float64(bytes))
	}
}

// IncPollError counts a swallowed scheduled-poll failure.
func (p *PrometheusCollector) IncPollError(reason string) {
	if p == nil || p.pollErrors == nil {
		return
	}
	p.pollErrors.WithLabelValues(reason).Inc()
}

// IncQuery counts an on-demand history query by outcome.
func (p *PrometheusCollector) IncQuery(outcome string) {
	if p == nil || p.queries == nil {
		return
	}
	p.queries.WithLabelValues(outcome).Inc()
}
