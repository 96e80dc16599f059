package server

import (
	"github.com/rs/zerolog"

	"sockline/pkg/retry"
	"sockline/pkg/transport"
)

// Option configures collaborators that do not belong in core.ServerConfig.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRetryStrategy makes StartServer retry a failed bind. Without it a
// bind failure is final.
func WithRetryStrategy(strategy retry.Strategy) Option {
	return func(s *Server) {
		s.strategy = strategy
	}
}

// WithTransport replaces the listener derived from the config.
func WithTransport(ln transport.Listener) Option {
	return func(s *Server) {
		s.transport = ln
	}
}
