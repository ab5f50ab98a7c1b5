// Package metrics exposes Prometheus collectors for the audio engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineMetrics contains the collectors an engine updates. Counters used on
// the render path are resolved up front so recording is a single atomic add.
type EngineMetrics struct {
	callbacks     prometheus.Counter
	renderSeconds prometheus.Histogram
	underruns     prometheus.Counter
	poolExhausted prometheus.Counter
	inputDropped  prometheus.Counter

	activeStreams prometheus.Gauge
	state         *prometheus.GaugeVec
	reaped        *prometheus.CounterVec
	deviceLost    *prometheus.CounterVec
	recorded      prometheus.Counter

	collectors []prometheus.Collector
}

// New creates engine metrics and registers them with reg.
func New(reg prometheus.Registerer) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	m.init()
	if err := reg.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewUnregistered creates metrics that are updated but never exported.
func NewUnregistered() *EngineMetrics {
	m := &EngineMetrics{}
	m.init()
	return m
}

func (m *EngineMetrics) init() {
	m.callbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "devsound_render_callbacks_total",
		Help: "Number of output render callbacks served",
	})
	m.renderSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "devsound_render_duration_seconds",
		Help:    "Time spent mixing one output buffer",
		Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14), // 10µs to ~80ms
	})
	m.underruns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "devsound_stream_underruns_total",
		Help: "Buffers a stream could not fill in time",
	})
	m.poolExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "devsound_pool_exhausted_total",
		Help: "Render cycles that fell back to silence because no buffer was free",
	})
	m.inputDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "devsound_input_dropped_frames_total",
		Help: "Captured frames dropped because the capture queue was full",
	})
	m.activeStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "devsound_active_streams",
		Help: "Streams in the current mixing snapshot",
	})
	m.state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "devsound_session_state",
		Help: "1 for the current session state",
	}, []string{"state"})
	m.reaped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devsound_streams_removed_total",
		Help: "Streams removed from the session by reason",
	}, []string{"reason"})
	m.deviceLost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devsound_device_lost_total",
		Help: "Device disconnections by direction",
	}, []string{"direction"})
	m.recorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "devsound_recorded_frames_total",
		Help: "Frames written to recording destinations",
	})

	m.collectors = []prometheus.Collector{
		m.callbacks, m.renderSeconds, m.underruns, m.poolExhausted, m.inputDropped,
		m.activeStreams, m.state, m.reaped, m.deviceLost, m.recorded,
	}
}

// Describe implements prometheus.Collector.
func (m *EngineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *EngineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// ObserveRender records one render callback.
func (m *EngineMetrics) ObserveRender(d time.Duration, underruns int) {
	m.callbacks.Inc()
	m.renderSeconds.Observe(d.Seconds())
	if underruns > 0 {
		m.underruns.Add(float64(underruns))
	}
}

// PoolExhausted records a render cycle served with silence.
func (m *EngineMetrics) PoolExhausted() { m.poolExhausted.Inc() }

// InputDropped records frames the capture queue could not take.
func (m *EngineMetrics) InputDropped(frames uint64) {
	if frames > 0 {
		m.inputDropped.Add(float64(frames))
	}
}

// SetActiveStreams sets the snapshot size.
func (m *EngineMetrics) SetActiveStreams(n int) { m.activeStreams.Set(float64(n)) }

// SetState marks current as the only active state.
func (m *EngineMetrics) SetState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

// StreamRemoved counts a stream leaving the session.
func (m *EngineMetrics) StreamRemoved(reason string) {
	m.reaped.WithLabelValues(reason).Inc()
}

// DeviceLost counts a disconnection.
func (m *EngineMetrics) DeviceLost(direction string) {
	m.deviceLost.WithLabelValues(direction).Inc()
}

// Recorded counts frames written by the recorder.
func (m *EngineMetrics) Recorded(frames int) { m.recorded.Add(float64(frames)) }

// Handler serves the gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
