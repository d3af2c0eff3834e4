package api

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/outlier-collective/alto/metrics"
	"github.com/outlier-collective/alto/models"
	errs "github.com/outlier-collective/alto/models/errors"
)

// Version is overridden at build time with the release tag.
var Version = "development"

const AltoGetUserOperationGasPrice = "alto_getUserOperationGasPrice"

func SupportedAPIs(bundlerAPI *BundlerAPI, altoAPI *AltoAPI) []rpc.API {
	return []rpc.API{{
		Namespace: "eth",
		Service:   bundlerAPI,
	}, {
		Namespace: "alto",
		Service:   altoAPI,
	}}
}

// GasPricer produces the current fee suggestion and polices submitted fees
// against the recent suggestion window.
type GasPricer interface {
	GasPrice(ctx context.Context) (*models.GasPriceParameters, error)
	ValidateGasPrice(ctx context.Context, submitted *models.GasPriceParameters) error
}

// AltoAPI exposes the bundler's own namespace.
type AltoAPI struct {
	logger      zerolog.Logger
	gasPrices   GasPricer
	rateLimiter RateLimiter
	collector   metrics.Collector
}

func NewAltoAPI(
	logger zerolog.Logger,
	gasPrices GasPricer,
	rateLimiter RateLimiter,
	collector metrics.Collector,
) *AltoAPI {
	return &AltoAPI{
		logger:      logger.With().Str("component", "alto-api").Logger(),
		gasPrices:   gasPrices,
		rateLimiter: rateLimiter,
		collector:   collector,
	}
}

// GetUserOperationGasPrice returns the fee values an operation should
// declare to be accepted right now.
func (a *AltoAPI) GetUserOperationGasPrice(ctx context.Context) (*GasPriceResult, error) {
	l := a.logger.With().Str("endpoint", AltoGetUserOperationGasPrice).Logger()

	if err := a.rateLimiter.Apply(ctx, AltoGetUserOperationGasPrice); err != nil {
		return nil, err
	}

	fees, err := a.gasPrices.GasPrice(ctx)
	if err != nil {
		return handleError[*GasPriceResult](err, l, a.collector)
	}

	return &GasPriceResult{
		MaxFeePerGas:         hexBig(fees.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(fees.MaxPriorityFeePerGas),
	}, nil
}

// handleError maps service failures onto API responses. Lookups that find
// nothing resolve to a null result. Rejections the caller can act on pass
// through untouched, carrying their reason. Infrastructure failures are
// logged, counted and collapsed into an internal error.
func handleError[T any](err error, log zerolog.Logger, collector metrics.Collector) (T, error) {
	var (
		zero          T
		revertErr     *errs.RevertError
		gasTooLowErr  *errs.GasPriceTooLowError
		validationErr *errs.ValidationError
	)

	switch {
	case errors.Is(err, errs.ErrEntityNotFound):
		return zero, nil
	case errors.Is(err, errs.ErrRateLimit),
		errors.Is(err, errs.ErrInvalid),
		errors.Is(err, errs.ErrDuplicateUserOperation),
		errors.Is(err, errs.ErrNonceConflict):
		return zero, err
	case errors.As(err, &revertErr):
		return zero, err
	case errors.As(err, &gasTooLowErr):
		return zero, err
	case errors.As(err, &validationErr):
		switch validationErr.Kind {
		case errs.KindTransport, errs.KindDecode, errs.KindUnexpected:
			collector.ApiErrorOccurred()
			log.Error().Err(err).Msg("api error")
			return zero, errs.ErrInternal
		default:
			return zero, err
		}
	default:
		collector.ApiErrorOccurred()
		log.Error().Err(err).Msg("api error")
		return zero, errs.ErrInternal
	}
}
