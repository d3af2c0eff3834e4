package metrics

import (
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type NoopCollector struct{}

var _ Collector = &NoopCollector{}

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (c *NoopCollector) ApiErrorOccurred()                                   {}
func (c *NoopCollector) ServerPanicked(error)                                {}
func (c *NoopCollector) OperationValidated(string)                           {}
func (c *NoopCollector) OperationValidationFailed(string)                    {}
func (c *NoopCollector) UnexpectedSimulationResult()                         {}
func (c *NoopCollector) TransportErrorOccurred()                             {}
func (c *NoopCollector) DecodeErrorOccurred()                                {}
func (c *NoopCollector) GasStationFetchFailed()                              {}
func (c *NoopCollector) GasPriceSuggested(*big.Int, *big.Int)                {}
func (c *NoopCollector) PooledOperations(int)                                {}
func (c *NoopCollector) RequestRateLimited(string)                           {}
func (c *NoopCollector) MeasureRequestDuration(time.Time, prometheus.Labels) {}
