// Package metrics exposes the agent's state to Prometheus and serves the
// liveness endpoint.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/logx"
	"github.com/bandwatch/bandwatch/pkg/scoring"
)

// Metrics holds the instruments. All of them live on a private registry so
// tests can create as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	rsrp           *prometheus.GaugeVec
	rsrq           *prometheus.GaugeVec
	sinr           *prometheus.GaugeVec
	rssi           *prometheus.GaugeVec
	bandwidthScore *prometheus.GaugeVec
	qualityScore   *prometheus.GaugeVec
	currentBand    *prometheus.GaugeVec

	samplesTotal   prometheus.Counter
	pollFailures   *prometheus.CounterVec
	switchesTotal  *prometheus.CounterVec
	predictedSlope prometheus.Gauge
	autoSwitch     prometheus.Gauge
}

// New creates and registers the instrument set.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	gauge := func(name, help string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bandwatch",
			Name:      name,
			Help:      help,
		}, []string{"band"})
		m.registry.MustRegister(g)
		return g
	}

	m.rsrp = gauge("rsrp_dbm", "Last observed RSRP in dBm.")
	m.rsrq = gauge("rsrq_db", "Last observed RSRQ in dB.")
	m.sinr = gauge("sinr_db", "Last observed SINR in dB.")
	m.rssi = gauge("rssi_dbm", "Last observed RSSI in dBm.")
	m.bandwidthScore = gauge("bandwidth_score", "Last derived bandwidth score (0-1).")
	m.qualityScore = gauge("quality_score", "Last derived quality score (lower bound 0, unclamped above).")
	m.currentBand = gauge("current_band", "1 for the band currently camped on, 0 otherwise.")

	m.samplesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bandwatch", Name: "samples_total",
		Help: "Samples recorded since start.",
	})
	m.pollFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bandwatch", Name: "poll_failures_total",
		Help: "Failed ticks by failure kind.",
	}, []string{"kind"})
	m.switchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bandwatch", Name: "band_switches_total",
		Help: "Band switches by trigger and outcome.",
	}, []string{"trigger", "outcome"})
	m.predictedSlope = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bandwatch", Name: "predicted_score_slope",
		Help: "Fitted bandwidth score change per second.",
	})
	m.autoSwitch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bandwatch", Name: "auto_switch_enabled",
		Help: "Whether automatic degradation switching is enabled.",
	})

	m.registry.MustRegister(m.samplesTotal, m.pollFailures, m.switchesTotal, m.predictedSlope, m.autoSwitch)
	return m
}

// ObserveSample updates the per-band gauges from one recorded sample.
func (m *Metrics) ObserveSample(sample *pkg.SignalSample) {
	labels := prometheus.Labels{"band": sample.Band}
	m.rsrp.With(labels).Set(sample.RSRP)
	m.rsrq.With(labels).Set(sample.RSRQ)
	m.sinr.With(labels).Set(sample.SINR)
	m.rssi.With(labels).Set(sample.RSSI)
	m.bandwidthScore.With(labels).Set(sample.BandwidthScore)
	m.qualityScore.With(labels).Set(scoring.QualityScore(sample.RSRP, sample.RSRQ, sample.SINR))
	m.samplesTotal.Inc()

	m.currentBand.Reset()
	m.currentBand.With(labels).Set(1)
}

// IncPollFailure counts a failed tick.
func (m *Metrics) IncPollFailure(kind string) {
	m.pollFailures.With(prometheus.Labels{"kind": kind}).Inc()
}

// ObserveSwitch counts one switch attempt.
func (m *Metrics) ObserveSwitch(trigger string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.switchesTotal.With(prometheus.Labels{"trigger": trigger, "outcome": outcome}).Inc()
}

// SetPredictedSlope publishes the regression slope.
func (m *Metrics) SetPredictedSlope(slope float64) {
	m.predictedSlope.Set(slope)
}

// SetAutoSwitch publishes the toggle state.
func (m *Metrics) SetAutoSwitch(enabled bool) {
	if enabled {
		m.autoSwitch.Set(1)
	} else {
		m.autoSwitch.Set(0)
	}
}

// Server serves /metrics and /healthz.
type Server struct {
	metrics *Metrics
	logger  *logx.Logger
	httpSrv *http.Server
}

// NewServer wraps the instrument set in an HTTP server on the given port.
func NewServer(m *Metrics, port int, logger *logx.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	return &Server{
		metrics: m,
		logger:  logger,
		httpSrv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop shuts the server down within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
