package api

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-limiter"

	"github.com/outlier-collective/alto/metrics"
	errs "github.com/outlier-collective/alto/models/errors"
)

type RateLimiter interface {
	Apply(ctx context.Context, method string) error
}

type DefaultRateLimiter struct {
	limiter   limiter.Store
	collector metrics.Collector
	logger    zerolog.Logger
}

func NewRateLimiter(
	limiter limiter.Store,
	collector metrics.Collector,
	logger zerolog.Logger,
) RateLimiter {
	return DefaultRateLimiter{
		limiter:   limiter,
		collector: collector,
		logger:    logger,
	}
}

// Apply will limit requests with the configured limiter.
// In case the limit is reached, an ErrRateLimit error
// will be returned.
func (rl DefaultRateLimiter) Apply(ctx context.Context, method string) error {
	// Requests are keyed on the client address go-ethereum's server recorded
	// in the context. In-process calls carry no peer info and go unlimited.
	remote := rpc.PeerInfoFromContext(ctx).RemoteAddr
	if remote == "" {
		return nil
	}

	_, _, _, ok, err := rl.limiter.Take(ctx, remote)
	if err != nil {
		return fmt.Errorf("failed to check rate limit: %w", err)
	}
	if !ok {
		rl.collector.RequestRateLimited(method)
		rl.logger.Debug().Str("origin", remote).Msg("rate limit reached")
		return errs.ErrRateLimit
	}

	return nil
}
