// Package metrics exposes the prometheus metrics of the coordinator and of
// participant servers.
package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/common/log"
)

var (
	// PrivateMetrics about the internal world (go process, private stuff)
	PrivateMetrics = prometheus.NewRegistry()
	// RoundMetrics about training runs
	RoundMetrics = prometheus.NewRegistry()
	// HTTPMetrics about the participant servers
	HTTPMetrics = prometheus.NewRegistry()

	// RoundsCompleted counts committed rounds per mode.
	RoundsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rounds_completed",
		Help: "Number of committed rounds",
	}, []string{"mode"})

	// RoundFailures counts failed round attempts per mode and cause.
	RoundFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "round_failures",
		Help: "Number of failed round attempts",
	}, []string{"mode", "reason"})

	// CurrentRound is the last committed round of a mode.
	CurrentRound = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "current_round",
		Help: "Last committed round",
	}, []string{"mode"})

	// AggregationLatency measures a round from solicitation to commit.
	AggregationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "round_duration_seconds",
		Help:    "Duration of a round from solicitation to commit",
		Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600},
	}, []string{"mode"})

	// Participants is the number of distinct clients aggregated last round.
	Participants = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "round_participants",
		Help: "Number of clients aggregated in the last round",
	}, []string{"mode"})

	// DropoutRate of the last round.
	DropoutRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "round_dropout_rate",
		Help: "Share of solicited clients that did not contribute",
	}, []string{"mode"})

	GlobalLoss = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "global_loss",
		Help: "Held-out loss of the global model",
	}, []string{"mode"})

	GlobalAccuracy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "global_accuracy",
		Help: "Held-out accuracy of the global model",
	}, []string{"mode"})

	// ClientFailures counts per client failures during fit.
	ClientFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "client_failures",
		Help: "Number of failed fit calls",
	}, []string{"client"})

	// ClientEpsilon is the cumulative ε spent by a client.
	ClientEpsilon = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "client_epsilon",
		Help: "Cumulative privacy loss of a client",
	}, []string{"client"})

	// Verifications counts verification attempts by outcome.
	Verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verifications",
		Help: "Number of client verification attempts",
	}, []string{"result"})

	// HTTPCallCounter (HTTP) how many http requests
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})
	// HTTPLatency (HTTP) how long http request handling takes
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_response_duration",
		Help:        "histogram of request latencies",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: prometheus.Labels{"handler": "http"},
	}, []string{"method"})
	// HTTPInFlight (HTTP) how many http requests exist
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight",
		Help: "A gauge of requests currently being served.",
	})

	metricsBound sync.Once
)

func bindMetrics(l log.Logger) {
	// The private go-level metrics live in private.
	if err := PrivateMetrics.Register(collectors.NewGoCollector()); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "goCollector", "err", err)
		return
	}
	if err := PrivateMetrics.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "processCollector", "err", err)
		return
	}

	rounds := []prometheus.Collector{
		RoundsCompleted,
		RoundFailures,
		CurrentRound,
		AggregationLatency,
		Participants,
		DropoutRate,
		GlobalLoss,
		GlobalAccuracy,
		ClientFailures,
		ClientEpsilon,
		Verifications,
	}
	httpMetrics := []prometheus.Collector{
		HTTPCallCounter,
		HTTPLatency,
		HTTPInFlight,
	}
	for _, set := range []struct {
		reg *prometheus.Registry
		cs  []prometheus.Collector
	}{{RoundMetrics, rounds}, {HTTPMetrics, httpMetrics}} {
		for _, c := range set.cs {
			if err := set.reg.Register(c); err != nil {
				l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
				return
			}
			if err := PrivateMetrics.Register(c); err != nil {
				l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
				return
			}
		}
	}
}

// Start starts a prometheus metrics server. If metricsBind is only a port the
// server listens on localhost.
func Start(logger log.Logger, metricsBind string, pprof http.Handler) net.Listener {
	logger.Infow("metrics starting", "desired_port", metricsBind)

	metricsBound.Do(func() {
		bindMetrics(logger)
	})

	if !strings.Contains(metricsBind, ":") {
		metricsBind = "127.0.0.1:" + metricsBind
	}
	//nolint:noctx
	l, err := net.Listen("tcp", metricsBind)
	if err != nil {
		logger.Warnw("", "metrics", "listen failed", "err", err)
		return nil
	}
	logger.Infow("metric listener started", "addr", l.Addr())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))
	mux.Handle("/metrics/rounds", promhttp.HandlerFor(RoundMetrics, promhttp.HandlerOpts{Registry: RoundMetrics}))
	if pprof != nil {
		mux.Handle("/debug/pprof/", pprof)
	}
	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, _ *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})

	s := http.Server{Addr: l.Addr().String(), ReadHeaderTimeout: 3 * time.Second, Handler: mux}
	go func() {
		logger.Warnw("", "metrics", "listen finished", "err", s.Serve(l))
	}()
	return l
}

// FailureReason classifies a round error for RoundFailures.
func FailureReason(err error) string {
	var q *common.QuorumError
	var d *common.DropoutError
	var m *common.MaskReconciliationError
	var p *common.PreconditionError
	switch {
	case errors.As(err, &q):
		return "quorum"
	case errors.As(err, &d):
		return "dropout"
	case errors.As(err, &m):
		return "mask_reconciliation"
	case errors.As(err, &p):
		return "precondition"
	default:
		return "other"
	}
}

// RoundFailed records a failed attempt of a round of mode.
func RoundFailed(mode string, err error) {
	RoundFailures.WithLabelValues(mode, FailureReason(err)).Inc()
}

// RoundCommitted records the outcome of a committed round.
func RoundCommitted(mode string, round uint64, participants int, dropout, loss, accuracy float64, took time.Duration) {
	RoundsCompleted.WithLabelValues(mode).Inc()
	CurrentRound.WithLabelValues(mode).Set(float64(round))
	Participants.WithLabelValues(mode).Set(float64(participants))
	DropoutRate.WithLabelValues(mode).Set(dropout)
	GlobalLoss.WithLabelValues(mode).Set(loss)
	GlobalAccuracy.WithLabelValues(mode).Set(accuracy)
	AggregationLatency.WithLabelValues(mode).Observe(took.Seconds())
}
