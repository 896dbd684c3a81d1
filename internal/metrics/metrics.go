// Package metrics exposes daemon counters through Prometheus.
//
// Every recording method is safe on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "circuitd"

// Message directions.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Edit outcomes.
const (
	EditRecorded = "recorded"
	EditNoop     = "noop"
	LayoutMerged = "layout_merged"
	LayoutDirect = "layout_direct"
	SaveFlush    = "flush"
)

// Operation results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds the daemon's collectors.
type Metrics struct {
	registry *prometheus.Registry

	messages    *prometheus.CounterVec
	edits       *prometheus.CounterVec
	synthesis   *prometheus.CounterVec
	synthTime   prometheus.Histogram
	saves       *prometheus.CounterVec
	restores    prometheus.Counter
	peers       *prometheus.GaugeVec
	dirty       prometheus.Gauge
	tick        prometheus.Gauge
	sources     prometheus.Gauge
	fileEvents  *prometheus.CounterVec
	startedUnix prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Protocol commands handled, by direction and command name.",
		}, []string{"direction", "command"}),
		edits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_updates_total",
			Help:      "Circuit updates from the presentation context, by outcome.",
		}, []string{"outcome"}),
		synthesis: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_total",
			Help:      "Synthesis runs, by result.",
		}, []string{"result"}),
		synthTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_duration_seconds",
			Help:      "Time spent in the synthesis collaborator.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Circuit document writes, by result.",
		}, []string{"result"}),
		restores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_restores_total",
			Help:      "Sessions restored from the session cache.",
		}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Attached peers, by role.",
		}, []string{"role"}),
		dirty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_dirty",
			Help:      "1 when the circuit has unsaved changes.",
		}),
		tick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "simulation_tick",
			Help:      "Last simulation tick reported by the presentation context.",
		}),
		sources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_sources",
			Help:      "Number of tracked source files.",
		}),
		fileEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_events_total",
			Help:      "File system events acted on, by kind.",
		}, []string{"kind"}),
		startedUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Daemon start time as a unix timestamp.",
		}),
	}

	reg.MustRegister(
		m.messages, m.edits, m.synthesis, m.synthTime, m.saves, m.restores,
		m.peers, m.dirty, m.tick, m.sources, m.fileEvents, m.startedUnix,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.startedUnix.Set(float64(time.Now().Unix()))
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordMessage counts one protocol command.
func (m *Metrics) RecordMessage(direction, command string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, command).Inc()
}

// RecordUpdate counts one circuit update by outcome.
func (m *Metrics) RecordUpdate(outcome string) {
	if m == nil {
		return
	}
	m.edits.WithLabelValues(outcome).Inc()
}

// RecordSynthesis counts a synthesis run and its duration.
func (m *Metrics) RecordSynthesis(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.synthesis.WithLabelValues(result(err)).Inc()
	m.synthTime.Observe(d.Seconds())
}

// RecordSave counts a document write.
func (m *Metrics) RecordSave(err error) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(result(err)).Inc()
}

// RecordRestore counts a session restore.
func (m *Metrics) RecordRestore() {
	if m == nil {
		return
	}
	m.restores.Inc()
}

// RecordFileEvent counts a watcher event.
func (m *Metrics) RecordFileEvent(kind string) {
	if m == nil {
		return
	}
	m.fileEvents.WithLabelValues(kind).Inc()
}

// PeerAttached and PeerDetached track attached peers by role.
func (m *Metrics) PeerAttached(role string) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues(role).Inc()
}

func (m *Metrics) PeerDetached(role string) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues(role).Dec()
}

// SetDirty records the dirty flag.
func (m *Metrics) SetDirty(dirty bool) {
	if m == nil {
		return
	}
	if dirty {
		m.dirty.Set(1)
	} else {
		m.dirty.Set(0)
	}
}

// SetTick records the simulation tick.
func (m *Metrics) SetTick(tick int) {
	if m == nil {
		return
	}
	m.tick.Set(float64(tick))
}

// SetSources records the number of tracked sources.
func (m *Metrics) SetSources(n int) {
	if m == nil {
		return
	}
	m.sources.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Handler returns the scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Route is an extra endpoint served next to /metrics.
type Route struct {
	Pattern string
	Handler http.Handler
}

// Serve exposes /metrics and routes on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger, routes ...Route) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	for _, r := range routes {
		mux.Handle(r.Pattern, r.Handler)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics endpoint: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics endpoint: %w", err)
		}
		<-errCh
		return nil
	}
}
