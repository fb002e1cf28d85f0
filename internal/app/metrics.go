package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moodart/mood-art-nft/server/internal/chain"
	"github.com/moodart/mood-art-nft/server/internal/failure"
	"github.com/moodart/mood-art-nft/server/internal/mint"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	mintsTotal       *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	failuresTotal    *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	fallbacksTotal   *prometheus.CounterVec
	feeReadsTotal    *prometheus.CounterVec
	generationsTotal *prometheus.CounterVec
	imageBytes       prometheus.Histogram
	gasApplied       prometheus.Histogram
	inFlight         prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	mints := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moodart_mint_attempts_total",
		Help: "Mint attempts by outcome",
	}, []string{"status"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moodart_mint_transitions_total",
		Help: "Pipeline state transitions",
	}, []string{"state"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moodart_mint_failures_total",
		Help: "Failed mint runs by classified kind",
	}, []string{"kind"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moodart_mint_retries_total",
		Help: "Explicit retry requests",
	}, []string{"result"})

	fallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moodart_mint_fallbacks_total",
		Help: "Successful mints that used a fallback fee or gas limit",
	}, []string{"kind"})

	feeReads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moodart_fee_reads_total",
		Help: "Minting fee quotes served by source",
	}, []string{"source"})

	generations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moodart_image_generations_total",
		Help: "AI image generation requests",
	}, []string{"status"})

	imageBytes := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "moodart_mint_image_bytes",
		Help:    "Size of the encoded image sent on-chain",
		Buckets: []float64{2500, 5000, 7500, 10000, 12500, 15000, 20000, 30000},
	})

	gasApplied := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "moodart_mint_gas_applied",
		Help:    "Gas limit applied to mint transactions",
		Buckets: prometheus.LinearBuckets(100000, 100000, 10),
	})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moodart_mint_in_flight",
		Help: "Mint attempts currently running",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(mints, transitions, failures, retries, fallbacks, feeReads, generations, imageBytes, gasApplied, inFlight)

	return &metricsRegistry{
		registry:         r,
		mintsTotal:       mints,
		transitionsTotal: transitions,
		failuresTotal:    failures,
		retriesTotal:     retries,
		fallbacksTotal:   fallbacks,
		feeReadsTotal:    feeReads,
		generationsTotal: generations,
		imageBytes:       imageBytes,
		gasApplied:       gasApplied,
		inFlight:         inFlight,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incMint(status string) {
	m.mintsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incRetry(result string) {
	m.retriesTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incFailure(kind failure.Kind) {
	m.mintsTotal.WithLabelValues("failed").Inc()
	m.failuresTotal.WithLabelValues(string(kind)).Inc()
}

func (m *metricsRegistry) incFeeRead(source string) {
	m.feeReadsTotal.WithLabelValues(source).Inc()
}

func (m *metricsRegistry) incGeneration(status string) {
	m.generationsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) observeTransition(state mint.State) {
	m.transitionsTotal.WithLabelValues(string(state)).Inc()
}

func (m *metricsRegistry) observeResult(res *mint.Result) {
	m.mintsTotal.WithLabelValues("succeeded").Inc()
	m.imageBytes.Observe(float64(res.Image.ByteLength))
	m.gasApplied.Observe(float64(res.Gas.AppliedUnits))
	if res.Fee.Source == chain.FeeFallback {
		m.fallbacksTotal.WithLabelValues("fee").Inc()
	}
	if res.Gas.Source == chain.GasFallback {
		m.fallbacksTotal.WithLabelValues("gas").Inc()
	}
}
