package gasprice

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/outlier-collective/alto/models"
)

// gasStationTier is one congestion tier of the gas station response.
// Values are in gwei and may be fractional.
type gasStationTier struct {
	MaxFeePerGas         float64 `json:"maxFeePerGas"`
	MaxPriorityFeePerGas float64 `json:"maxPriorityFeePerGas"`
}

type gasStationResponse struct {
	SafeLow  *gasStationTier `json:"safeLow"`
	Standard *gasStationTier `json:"standard"`
	Fast     *gasStationTier `json:"fast"`
	Fastest  *gasStationTier `json:"fastest"`
}

// gasStation fetches fee suggestions from the public Polygon-style gas
// station endpoints. The fast tier is what gets suggested; anything the
// schema cannot account for is an error so a changed upstream shape
// cannot silently misprice operations.
type gasStation struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

func newGasStation(url string, logger zerolog.Logger) *gasStation {
	return &gasStation{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger.With().Str("component", "gas-station").Logger(),
	}
}

// fetch returns the fast-tier fees converted to wei.
func (g *gasStation) fetch(ctx context.Context) (*models.GasPriceParameters, error) {
	var fees *models.GasPriceParameters

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url, nil)
		if err != nil {
			return err
		}

		resp, err := g.client.Do(req)
		if err != nil {
			g.logger.Debug().Err(err).Msg("gas station request failed, retrying")
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			g.logger.Debug().Int("status", resp.StatusCode).Msg("gas station request failed, retrying")
			return retry.RetryableError(
				fmt.Errorf("gas station returned status %d", resp.StatusCode),
			)
		}

		var decoded gasStationResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("malformed gas station response: %w", err)
		}

		fees, err = decoded.fastTierWei()
		return err
	})
	if err != nil {
		return nil, err
	}

	return fees, nil
}

func (r *gasStationResponse) fastTierWei() (*models.GasPriceParameters, error) {
	if r.Fast == nil {
		return nil, fmt.Errorf("gas station response is missing the fast tier")
	}
	if r.Fast.MaxFeePerGas <= 0 || r.Fast.MaxPriorityFeePerGas <= 0 {
		return nil, fmt.Errorf(
			"gas station fast tier carries non-positive fees: maxFee %f, maxPriority %f",
			r.Fast.MaxFeePerGas, r.Fast.MaxPriorityFeePerGas,
		)
	}

	return &models.GasPriceParameters{
		MaxFeePerGas:         gweiFloatToWei(r.Fast.MaxFeePerGas),
		MaxPriorityFeePerGas: gweiFloatToWei(r.Fast.MaxPriorityFeePerGas),
	}, nil
}

// gweiFloatToWei converts a fractional gwei quote to integer wei,
// truncating sub-wei precision.
func gweiFloatToWei(value float64) *big.Int {
	wei, _ := new(big.Float).Mul(
		big.NewFloat(value),
		big.NewFloat(1_000_000_000),
	).Int(nil)
	return wei
}
