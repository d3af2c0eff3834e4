package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/outlier-collective/alto/config"
	"github.com/outlier-collective/alto/metrics"
)

const (
	shutdownTimeout = 5 * time.Second

	batchRequestLimit    = 50
	batchResponseMaxSize = 10 * 1000 * 1000 // 10MB
)

// Server hosts the JSON-RPC APIs over HTTP.
type Server struct {
	logger    zerolog.Logger
	config    *config.Config
	collector metrics.Collector
	timeouts  rpc.HTTPTimeouts

	httpServer *http.Server
	listener   net.Listener // non-nil while the server is running

	rpcServer *rpc.Server
	handler   http.Handler

	host     string
	port     int
	endpoint string
}

func NewServer(
	logger zerolog.Logger,
	collector metrics.Collector,
	cfg *config.Config,
) *Server {
	timeouts := rpc.DefaultHTTPTimeouts
	if cfg.RPCRequestTimeout > 0 {
		timeouts.WriteTimeout = cfg.RPCRequestTimeout
	}

	return &Server{
		logger:    logger.With().Str("component", "api-server").Logger(),
		config:    cfg,
		collector: collector,
		timeouts:  timeouts,
	}
}

// EnableRPC builds the JSON-RPC server for the given APIs and wires the
// HTTP middleware around it.
func (s *Server) EnableRPC(apis []rpc.API) error {
	if s.rpcServer != nil {
		return fmt.Errorf("JSON-RPC over HTTP is already enabled")
	}

	srv := rpc.NewServer()
	srv.SetBatchLimits(batchRequestLimit, batchResponseMaxSize)
	for _, api := range apis {
		if err := srv.RegisterName(api.Namespace, api.Service); err != nil {
			return fmt.Errorf("failed to register %s API: %w", api.Namespace, err)
		}
	}

	s.rpcServer = srv
	s.handler = s.buildHandler(srv)

	return nil
}

// SetListenAddr configures the listening address of the server. The
// address can only be set while the server is not running.
func (s *Server) SetListenAddr(host string, port int) error {
	if s.listener != nil && (host != s.host || port != s.port) {
		return fmt.Errorf("HTTP server already running on %s", s.endpoint)
	}

	s.host, s.port = host, port
	s.endpoint = net.JoinHostPort(host, fmt.Sprintf("%d", port))

	return nil
}

// ListenAddr returns the listening address of the server.
func (s *Server) ListenAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.endpoint
}

// Start brings the configured server up and begins serving.
func (s *Server) Start() error {
	if s.listener != nil {
		return nil // already running
	}
	if s.handler == nil {
		return fmt.Errorf("no APIs enabled")
	}
	if s.endpoint == "" {
		return fmt.Errorf("no listen address configured")
	}

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.timeouts.ReadTimeout,
		ReadHeaderTimeout: s.timeouts.ReadHeaderTimeout,
		WriteTimeout:      s.timeouts.WriteTimeout,
		IdleTimeout:       s.timeouts.IdleTimeout,
	}

	listener, err := net.Listen("tcp", s.endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.endpoint, err)
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Err(err).Msg("error serving api server")
		}
	}()

	s.logger.Info().Str("address", listener.Addr().String()).Msg("JSON-RPC server started")

	return nil
}

// Stop shuts the server down, draining in-flight requests first.
func (s *Server) Stop() {
	if s.listener == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Err(err).Msg("error shutting down api server")
	}
	s.rpcServer.Stop()
	s.listener = nil

	s.logger.Info().Msg("JSON-RPC server stopped")
}

// buildHandler stacks the HTTP middleware around the RPC server: panic
// recovery, request correlation ids, proxy address resolution and request
// duration metrics, outermost first.
func (s *Server) buildHandler(srv *rpc.Server) http.Handler {
	var handler http.Handler = srv
	handler = metrics.NewHttpHandler(handler, s.collector)
	if s.config.AddressHeader != "" {
		handler = clientAddressHandler(handler, s.config.AddressHeader)
	}
	handler = s.requestIDHandler(handler)
	handler = s.recoverHandler(handler)
	return handler
}

func (s *Server) recoverHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if reason := recover(); reason != nil {
				err := fmt.Errorf("%v", reason)
				s.collector.ServerPanicked(err)
				s.logger.Error().Err(err).Str("url", r.URL.String()).Msg("panic while handling request")
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHandler tags every request with a correlation id, echoed back
// in the X-Request-ID response header.
func (s *Server) requestIDHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		s.logger.Debug().
			Str("requestID", requestID).
			Str("remote", r.RemoteAddr).
			Msg("handling request")

		next.ServeHTTP(w, r)
	})
}

// clientAddressHandler trusts the configured proxy header for the client
// address, so rate limiting keys on the origin rather than the proxy.
func clientAddressHandler(next http.Handler, header string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if addr := r.Header.Get(header); addr != "" {
			r.RemoteAddr = addr
		}
		next.ServeHTTP(w, r)
	})
}
