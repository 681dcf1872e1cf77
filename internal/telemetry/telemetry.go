// Package telemetry threads structured logging and optional Prometheus
// metrics through every component: a nil registry yields a no-op sink so
// the hot path never pays for metric updates when the caller hasn't asked
// for them.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Telemetry bundles a logger and a metrics sink. Zero value is not usable;
// construct with New.
type Telemetry struct {
	Log     *zap.SugaredLogger
	metrics metricsSink
}

// New builds a Telemetry. A nil registry disables metrics collection
// without changing any call site.
func New(logger *zap.Logger, reg *prometheus.Registry) *Telemetry {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	t := &Telemetry{Log: logger.Sugar()}
	if reg == nil {
		t.metrics = noopMetrics{}
	} else {
		t.metrics = newPromMetrics(reg)
	}
	return t
}

// Noop returns a Telemetry with a no-op logger and no-op metrics, suitable
// for tests.
func Noop() *Telemetry {
	return &Telemetry{Log: zap.NewNop().Sugar(), metrics: noopMetrics{}}
}

func (t *Telemetry) IncPut(ok bool)    { t.metrics.incPut(ok) }
func (t *Telemetry) IncGet(ok bool)    { t.metrics.incGet(ok) }
func (t *Telemetry) IncRetry()         { t.metrics.incRetry() }
func (t *Telemetry) SetInFlight(n int) { t.metrics.setInFlight(n) }
func (t *Telemetry) IncRepair(n int)   { t.metrics.incRepair(n) }
func (t *Telemetry) SetIndexSize(files int, bytes int64) {
	t.metrics.setIndexSize(files, bytes)
}

type metricsSink interface {
	incPut(ok bool)
	incGet(ok bool)
	incRetry()
	setInFlight(n int)
	incRepair(n int)
	setIndexSize(files int, bytes int64)
}

type noopMetrics struct{}

func (noopMetrics) incPut(bool)             {}
func (noopMetrics) incGet(bool)             {}
func (noopMetrics) incRetry()               {}
func (noopMetrics) setInFlight(int)         {}
func (noopMetrics) incRepair(int)           {}
func (noopMetrics) setIndexSize(int, int64) {}

type promMetrics struct {
	mu         sync.Mutex
	puts       *prometheus.CounterVec
	gets       *prometheus.CounterVec
	retries    prometheus.Counter
	inFlight   prometheus.Gauge
	repaired   prometheus.Counter
	indexFiles prometheus.Gauge
	indexBytes prometheus.Gauge
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	label := []string{"result"}
	pm := &promMetrics{
		puts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamesh", Subsystem: "scheduler", Name: "shard_puts_total",
			Help: "Number of shard put attempts by result.",
		}, label),
		gets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamesh", Subsystem: "scheduler", Name: "shard_gets_total",
			Help: "Number of shard get attempts by result.",
		}, label),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datamesh", Subsystem: "scheduler", Name: "shard_retries_total",
			Help: "Number of shard operation retries.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "datamesh", Subsystem: "scheduler", Name: "shard_ops_in_flight",
			Help: "Number of shard operations currently in flight.",
		}),
		repaired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datamesh", Subsystem: "health", Name: "shards_repaired_total",
			Help: "Number of shards successfully republished during repair.",
		}),
		indexFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "datamesh", Subsystem: "index", Name: "files",
			Help: "Number of files tracked by the metadata index.",
		}),
		indexBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "datamesh", Subsystem: "index", Name: "bytes_total",
			Help: "Total original bytes tracked by the metadata index.",
		}),
	}
	reg.MustRegister(pm.puts, pm.gets, pm.retries, pm.inFlight, pm.repaired, pm.indexFiles, pm.indexBytes)
	return pm
}

func (p *promMetrics) incPut(ok bool) {
	p.puts.WithLabelValues(resultLabel(ok)).Inc()
}
func (p *promMetrics) incGet(ok bool) {
	p.gets.WithLabelValues(resultLabel(ok)).Inc()
}
func (p *promMetrics) incRetry()         { p.retries.Inc() }
func (p *promMetrics) setInFlight(n int) { p.inFlight.Set(float64(n)) }
func (p *promMetrics) incRepair(n int)   { p.repaired.Add(float64(n)) }
func (p *promMetrics) setIndexSize(files int, bytes int64) {
	p.indexFiles.Set(float64(files))
	p.indexBytes.Set(float64(bytes))
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
