package metrics

import (
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Collector gathers operational metrics and doubles as the telemetry sink
// for infrastructural validation errors (transport, decode, unexpected
// simulation responses).
type Collector interface {
	ApiErrorOccurred()
	ServerPanicked(err error)
	OperationValidated(version string)
	OperationValidationFailed(version string)
	UnexpectedSimulationResult()
	TransportErrorOccurred()
	DecodeErrorOccurred()
	GasStationFetchFailed()
	GasPriceSuggested(maxFeePerGas, maxPriorityFeePerGas *big.Int)
	PooledOperations(count int)
	RequestRateLimited(method string)
	MeasureRequestDuration(start time.Time, labels prometheus.Labels)
}

type DefaultCollector struct {
	apiErrorsCounter         prometheus.Counter
	serverPanicsCounters     *prometheus.CounterVec
	validationSuccess        *prometheus.CounterVec
	validationFailure        *prometheus.CounterVec
	unexpectedSimResponses   prometheus.Counter
	transportErrorsCounter   prometheus.Counter
	decodeErrorsCounter      prometheus.Counter
	gasStationFetchFailures  prometheus.Counter
	suggestedMaxFeePerGas    prometheus.Gauge
	suggestedMaxPriorityFee  prometheus.Gauge
	pooledOperations         prometheus.Gauge
	requestsRateLimited      *prometheus.CounterVec
	requestDurations         *prometheus.HistogramVec
}

func NewCollector(logger zerolog.Logger) Collector {
	apiErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "api_errors_total",
		Help: "Total number of errors returned by the endpoint resolvers",
	})

	serverPanicsCounters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "api_server_panics_total",
		Help: "Total number of panics handled by server",
	}, []string{"error"})

	validationSuccess := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "userop_validation_success_total",
		Help: "Total number of user operations admitted by validation",
	}, []string{"version"})

	validationFailure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "userop_validation_failure_total",
		Help: "Total number of user operations rejected by validation",
	}, []string{"version"})

	unexpectedSimResponses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "simulation_unexpected_responses_total",
		Help: "Total number of simulation responses that matched no known schema",
	})

	transportErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "node_transport_errors_total",
		Help: "Total number of transport failures against the execution node",
	})

	decodeErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "node_decode_errors_total",
		Help: "Total number of response decode failures",
	})

	gasStationFetchFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gas_station_fetch_failures_total",
		Help: "Total number of failed gas station fetches",
	})

	suggestedMaxFeePerGas := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "suggested_max_fee_per_gas_wei",
		Help: "Latest maxFeePerGas suggestion in wei",
	})

	suggestedMaxPriorityFee := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "suggested_max_priority_fee_per_gas_wei",
		Help: "Latest maxPriorityFeePerGas suggestion in wei",
	})

	pooledOperations := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mempool_pending_operations",
		Help: "Number of user operations currently pending in the mempool",
	})

	requestsRateLimited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_rate_limited_total",
		Help: "Total number of requests rejected by the rate limiter",
	}, []string{"method"})

	requestDurations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "Duration of requests made to the endpoint resolvers",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	metrics := []prometheus.Collector{
		apiErrors,
		serverPanicsCounters,
		validationSuccess,
		validationFailure,
		unexpectedSimResponses,
		transportErrors,
		decodeErrors,
		gasStationFetchFailures,
		suggestedMaxFeePerGas,
		suggestedMaxPriorityFee,
		pooledOperations,
		requestsRateLimited,
		requestDurations,
	}
	if err := registerMetrics(logger, metrics...); err != nil {
		logger.Info().Msg("using noop collector as metric register failed")
		return NewNoopCollector()
	}

	return &DefaultCollector{
		apiErrorsCounter:        apiErrors,
		serverPanicsCounters:    serverPanicsCounters,
		validationSuccess:       validationSuccess,
		validationFailure:       validationFailure,
		unexpectedSimResponses:  unexpectedSimResponses,
		transportErrorsCounter:  transportErrors,
		decodeErrorsCounter:     decodeErrors,
		gasStationFetchFailures: gasStationFetchFailures,
		suggestedMaxFeePerGas:   suggestedMaxFeePerGas,
		suggestedMaxPriorityFee: suggestedMaxPriorityFee,
		pooledOperations:        pooledOperations,
		requestsRateLimited:     requestsRateLimited,
		requestDurations:        requestDurations,
	}
}

func registerMetrics(logger zerolog.Logger, metrics ...prometheus.Collector) error {
	for _, m := range metrics {
		if err := prometheus.Register(m); err != nil {
			logger.Err(err).Msg("failed to register metric")
			return err
		}
	}

	return nil
}

func (c *DefaultCollector) ApiErrorOccurred() {
	c.apiErrorsCounter.Inc()
}

func (c *DefaultCollector) ServerPanicked(err error) {
	c.serverPanicsCounters.With(prometheus.Labels{"error": err.Error()}).Inc()
}

func (c *DefaultCollector) OperationValidated(version string) {
	c.validationSuccess.With(prometheus.Labels{"version": version}).Inc()
}

func (c *DefaultCollector) OperationValidationFailed(version string) {
	c.validationFailure.With(prometheus.Labels{"version": version}).Inc()
}

func (c *DefaultCollector) UnexpectedSimulationResult() {
	c.unexpectedSimResponses.Inc()
}

func (c *DefaultCollector) TransportErrorOccurred() {
	c.transportErrorsCounter.Inc()
}

func (c *DefaultCollector) DecodeErrorOccurred() {
	c.decodeErrorsCounter.Inc()
}

func (c *DefaultCollector) GasStationFetchFailed() {
	c.gasStationFetchFailures.Inc()
}

func (c *DefaultCollector) GasPriceSuggested(maxFeePerGas, maxPriorityFeePerGas *big.Int) {
	c.suggestedMaxFeePerGas.Set(approximateWei(maxFeePerGas))
	c.suggestedMaxPriorityFee.Set(approximateWei(maxPriorityFeePerGas))
}

func (c *DefaultCollector) PooledOperations(count int) {
	c.pooledOperations.Set(float64(count))
}

func (c *DefaultCollector) RequestRateLimited(method string) {
	c.requestsRateLimited.With(prometheus.Labels{"method": method}).Inc()
}

func (c *DefaultCollector) MeasureRequestDuration(start time.Time, labels prometheus.Labels) {
	duration := time.Since(start)
	c.requestDurations.With(labels).Observe(float64(duration.Seconds()))
}

func approximateWei(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
