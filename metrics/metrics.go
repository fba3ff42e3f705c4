package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

// Recorder records engine metrics on a private prometheus registry.
type Recorder struct {
	registry         *prometheus.Registry
	cycles           *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	groups           *prometheus.CounterVec
	signals          *prometheus.CounterVec
	blocks           *prometheus.CounterVec
	positionsOpened  *prometheus.CounterVec
	positionsClosed  *prometheus.CounterVec
	closedPNL        *prometheus.HistogramVec
	openPositions    prometheus.Gauge
	leader           prometheus.Gauge
	momentum         prometheus.Gauge
	regimeConfidence *prometheus.GaugeVec
	events           *prometheus.CounterVec
}

// New creates a new prometheus metrics recorder.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_cycles_total",
				Help:      "Total scan cycles by result",
			},
			[]string{"result"},
		),
		cycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_cycle_seconds",
				Help:      "Scan cycle duration",
				Buckets:   prometheus.DefBuckets,
			},
		),
		groups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_groups_total",
				Help:      "Total instrument groups scanned by outcome",
			},
			[]string{"outcome"},
		),
		signals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_total",
				Help:      "Total matched strategy signals",
			},
			[]string{"strategy"},
		),
		blocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_total",
				Help:      "Total blocked candidates by reason",
			},
			[]string{"reason"},
		),
		positionsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "positions_opened_total",
				Help:      "Total positions opened",
			},
			[]string{"strategy"},
		),
		positionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "positions_closed_total",
				Help:      "Total positions closed by reason",
			},
			[]string{"strategy", "reason"},
		),
		closedPNL: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "position_pnl_percent",
				Help:      "Realised pnl percent of closed positions",
				Buckets:   []float64{-10, -5, -2, -1, 0, 1, 2, 5, 10},
			},
			[]string{"strategy"},
		),
		openPositions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_positions",
				Help:      "Currently open positions",
			},
		),
		leader: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leader",
				Help:      "Whether this session holds the leadership lease",
			},
		),
		momentum: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "momentum_score",
				Help:      "Rolling momentum of recently closed trades",
			},
		),
		regimeConfidence: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "regime_confidence",
				Help:      "Confidence of the detected market regime",
			},
			[]string{"state"},
		),
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total events published to sinks by result",
			},
			[]string{"sink", "result"},
		),
	}
}

// Registry returns the private registry metrics are recorded on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler returns the http handler exposing the recorded metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveCycle records the outcome of a scan cycle.
func (r *Recorder) ObserveCycle(result string, dur time.Duration, evaluated int, skipped int) {
	r.cycles.WithLabelValues(result).Inc()
	r.cycleDuration.Observe(dur.Seconds())
	r.groups.WithLabelValues("evaluated").Add(float64(evaluated))
	r.groups.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveSignal records a matched strategy signal.
func (r *Recorder) ObserveSignal(strategyID string) {
	r.signals.WithLabelValues(strategyID).Inc()
}

// ObserveBlock records a blocked candidate.
func (r *Recorder) ObserveBlock(reason string) {
	r.blocks.WithLabelValues(reason).Inc()
}

// ObservePositionOpened records an opened position.
func (r *Recorder) ObservePositionOpened(strategyID string) {
	r.positionsOpened.WithLabelValues(strategyID).Inc()
}

// ObservePositionClosed records a closed position and its realised pnl.
func (r *Recorder) ObservePositionClosed(strategyID string, reason string, pnlPercent float64) {
	r.positionsClosed.WithLabelValues(strategyID, reason).Inc()
	r.closedPNL.WithLabelValues(strategyID).Observe(pnlPercent)
}

// SetOpenPositions records the number of open positions.
func (r *Recorder) SetOpenPositions(n int) {
	r.openPositions.Set(float64(n))
}

// SetLeader records the leadership state of the session.
func (r *Recorder) SetLeader(leader bool) {
	if leader {
		r.leader.Set(1)
		return
	}
	r.leader.Set(0)
}

// SetMomentum records the rolling momentum score.
func (r *Recorder) SetMomentum(score float64) {
	r.momentum.Set(score)
}

// SetRegime records the detected regime, clearing the other states.
func (r *Recorder) SetRegime(state string, confidence float64) {
	r.regimeConfidence.Reset()
	r.regimeConfidence.WithLabelValues(state).Set(confidence)
}

// ObserveEvent records the outcome of publishing an event to a sink.
func (r *Recorder) ObserveEvent(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.events.WithLabelValues(sink, result).Inc()
}
