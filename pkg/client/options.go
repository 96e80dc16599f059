package client

import (
	"io"

	"github.com/rs/zerolog"

	"sockline/pkg/retry"
	"sockline/pkg/transport"
)

// Option configures collaborators that do not belong in core.ClientConfig.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRetryStrategy replaces the default Constant(10, 2s) strategy.
func WithRetryStrategy(s retry.Strategy) Option {
	return func(c *Client) {
		c.strategy = s
	}
}

// WithRetryHook installs a hook consulted before every retry. Returning true
// means the hook has taken over and the default retry logic is skipped.
func WithRetryHook(hook func(c *Client) bool) Option {
	return func(c *Client) {
		c.retryHook = hook
	}
}

// WithTLS enables TLS. certificate is a PEM stream the server must chain to;
// nil disables verification. wss URLs always use TLS.
func WithTLS(certificate io.Reader) Option {
	return func(c *Client) {
		c.useTLS = true
		c.certificate = certificate
	}
}

// WithDialer replaces the dialer derived from the config.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}
