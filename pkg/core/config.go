package core

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultConnectTimeout bounds both the socket connect and the websocket upgrade.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultMaxLineLength is the largest newline-delimited frame accepted in plain mode.
	DefaultMaxLineLength = 65535
	// DefaultMaxWebSocketFrame is the largest websocket message accepted by a client.
	DefaultMaxWebSocketFrame = 1024 * 1024
	// DefaultMaxWebSocketMessage is the largest websocket message accepted by a server.
	DefaultMaxWebSocketMessage = 65536
	// DefaultWebSocketPath is where a websocket server accepts upgrades.
	DefaultWebSocketPath = "/ws"
)

// ClientConfig contains all configuration options for a client connection.
// Either Host and Port (plain mode) or URL (websocket mode) must be set.
type ClientConfig struct {
	Host string `json:"host" validate:"required_without=URL"`
	Port int    `json:"port" validate:"min=0,max=65535"`
	// URL is a ws:// or wss:// endpoint. Setting it selects websocket mode.
	URL     string            `json:"url" validate:"omitempty,url"`
	Headers map[string]string `json:"headers,omitempty"`

	ConnectTimeout   time.Duration `json:"connect_timeout" validate:"min=1ms"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" validate:"min=1ms"`
	WriteTimeout     time.Duration `json:"write_timeout" validate:"min=0"`
	MaxFrameLength   int           `json:"max_frame_length" validate:"min=1"`

	// RetryOnUnexpected schedules a retry after protocol errors on a live channel.
	RetryOnUnexpected bool `json:"retry_on_unexpected"`

	CommandRateLimit  int           `json:"command_rate_limit" validate:"min=0"`
	CommandRatePeriod time.Duration `json:"command_rate_period" validate:"min=0"`

	CircuitBreakerEnabled          bool          `json:"circuit_breaker_enabled"`
	CircuitBreakerFailThreshold    int           `json:"circuit_breaker_fail_threshold"`
	CircuitBreakerSuccessThreshold int           `json:"circuit_breaker_success_threshold"`
	CircuitBreakerTimeout          time.Duration `json:"circuit_breaker_timeout"`

	LogLevel string `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultClientConfig returns a plain mode ClientConfig for host:port.
// Default values: 30s connect and handshake timeout, 65535 byte frames,
// retry after unexpected exceptions, no rate limit, circuit breaker off.
func DefaultClientConfig(host string, port int) *ClientConfig {
	return &ClientConfig{
		Host:              host,
		Port:              port,
		ConnectTimeout:    DefaultConnectTimeout,
		HandshakeTimeout:  DefaultConnectTimeout,
		WriteTimeout:      10 * time.Second,
		MaxFrameLength:    DefaultMaxLineLength,
		RetryOnUnexpected: true,

		CircuitBreakerEnabled:          false,
		CircuitBreakerFailThreshold:    5,
		CircuitBreakerSuccessThreshold: 2,
		CircuitBreakerTimeout:          30 * time.Second,

		LogLevel: "info",
	}
}

// DefaultWebSocketClientConfig returns a websocket mode ClientConfig for rawURL.
func DefaultWebSocketClientConfig(rawURL string) *ClientConfig {
	cfg := DefaultClientConfig("", 0)
	cfg.URL = rawURL
	cfg.MaxFrameLength = DefaultMaxWebSocketFrame
	return cfg
}

var validate = validator.New()

func (c *ClientConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.URL == "" && c.Port == 0 {
		return errors.New("Port is required in plain mode")
	}
	if c.URL != "" {
		if _, _, _, err := c.WebSocketTarget(); err != nil {
			return err
		}
	}
	if c.CommandRateLimit > 0 && c.CommandRatePeriod <= 0 {
		return errors.New("CommandRatePeriod must be positive when CommandRateLimit is set")
	}
	if c.CircuitBreakerEnabled {
		if c.CircuitBreakerFailThreshold <= 0 {
			return errors.New("CircuitBreakerFailThreshold must be positive when enabled")
		}
		if c.CircuitBreakerSuccessThreshold <= 0 {
			return errors.New("CircuitBreakerSuccessThreshold must be positive when enabled")
		}
		if c.CircuitBreakerTimeout <= 0 {
			return errors.New("CircuitBreakerTimeout must be positive when enabled")
		}
	}
	return nil
}

// Mode returns ModeWebSocket when a URL is configured, ModePlain otherwise.
func (c *ClientConfig) Mode() Mode {
	if c.URL != "" {
		return ModeWebSocket
	}
	return ModePlain
}

// Endpoint returns the configured URL or host:port.
func (c *ClientConfig) Endpoint() string {
	if c.URL != "" {
		return c.URL
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WebSocketTarget parses URL and returns it together with the dial address
// and whether TLS is required. Missing ports default to 80 for ws and 443 for wss.
func (c *ClientConfig) WebSocketTarget() (*url.URL, string, bool, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, "", false, fmt.Errorf("parse url: %w", err)
	}
	var secure bool
	var port string
	switch u.Scheme {
	case "ws":
		port = "80"
	case "wss":
		secure = true
		port = "443"
	default:
		return nil, "", false, fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, "", false, errors.New("websocket url has no host")
	}
	if p := u.Port(); p != "" {
		port = p
	}
	return u, net.JoinHostPort(u.Hostname(), port), secure, nil
}

// WithConnectTimeout sets the connect and handshake timeouts and returns the config for chaining.
func (c *ClientConfig) WithConnectTimeout(timeout time.Duration) *ClientConfig {
	c.ConnectTimeout = timeout
	c.HandshakeTimeout = timeout
	return c
}

// WithHeaders sets extra upgrade request headers and returns the config for chaining.
func (c *ClientConfig) WithHeaders(headers map[string]string) *ClientConfig {
	c.Headers = headers
	return c
}

// WithCommandRateLimit limits outbound commands and returns the config for chaining.
func (c *ClientConfig) WithCommandRateLimit(requests int, period time.Duration) *ClientConfig {
	c.CommandRateLimit = requests
	c.CommandRatePeriod = period
	return c
}

// WithCircuitBreaker configures the connect circuit breaker and returns the config for chaining.
func (c *ClientConfig) WithCircuitBreaker(enabled bool, failThreshold, successThreshold int, timeout time.Duration) *ClientConfig {
	c.CircuitBreakerEnabled = enabled
	c.CircuitBreakerFailThreshold = failThreshold
	c.CircuitBreakerSuccessThreshold = successThreshold
	c.CircuitBreakerTimeout = timeout
	return c
}

// WithRetryOnUnexpected toggles retrying after unexpected exceptions and returns the config for chaining.
func (c *ClientConfig) WithRetryOnUnexpected(retry bool) *ClientConfig {
	c.RetryOnUnexpected = retry
	return c
}

// WithLogLevel sets the log level and returns the config for chaining.
func (c *ClientConfig) WithLogLevel(level string) *ClientConfig {
	c.LogLevel = level
	return c
}

// ServerConfig contains all configuration options for a server.
type ServerConfig struct {
	Host string `json:"host"`
	// Port 0 binds an ephemeral port.
	Port int `json:"port" validate:"min=0,max=65535"`

	WebSocket     bool   `json:"websocket"`
	WebSocketPath string `json:"websocket_path" validate:"omitempty,startswith=/"`

	MaxFrameLength int           `json:"max_frame_length" validate:"min=1"`
	WriteTimeout   time.Duration `json:"write_timeout" validate:"min=0"`

	// CommandRateLimit applies per client channel.
	CommandRateLimit  int           `json:"command_rate_limit" validate:"min=0"`
	CommandRatePeriod time.Duration `json:"command_rate_period" validate:"min=0"`

	LogLevel string `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultServerConfig returns a plain mode ServerConfig listening on port.
func DefaultServerConfig(port int) *ServerConfig {
	return &ServerConfig{
		Port:           port,
		WebSocketPath:  DefaultWebSocketPath,
		MaxFrameLength: DefaultMaxLineLength,
		WriteTimeout:   10 * time.Second,
		LogLevel:       "info",
	}
}

// DefaultWebSocketServerConfig returns a websocket mode ServerConfig listening on port.
func DefaultWebSocketServerConfig(port int) *ServerConfig {
	cfg := DefaultServerConfig(port)
	cfg.WebSocket = true
	cfg.MaxFrameLength = DefaultMaxWebSocketMessage
	return cfg
}

func (c *ServerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.WebSocket && c.WebSocketPath == "" {
		return errors.New("WebSocketPath is required in websocket mode")
	}
	if c.CommandRateLimit > 0 && c.CommandRatePeriod <= 0 {
		return errors.New("CommandRatePeriod must be positive when CommandRateLimit is set")
	}
	return nil
}

// Mode returns the wire mode of the server.
func (c *ServerConfig) Mode() Mode {
	if c.WebSocket {
		return ModeWebSocket
	}
	return ModePlain
}

// Address returns the listen address.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WithWebSocket switches the server to websocket mode on path and returns the config for chaining.
func (c *ServerConfig) WithWebSocket(path string) *ServerConfig {
	c.WebSocket = true
	c.WebSocketPath = path
	return c
}

// WithCommandRateLimit limits outbound commands per client and returns the config for chaining.
func (c *ServerConfig) WithCommandRateLimit(requests int, period time.Duration) *ServerConfig {
	c.CommandRateLimit = requests
	c.CommandRatePeriod = period
	return c
}

// WithLogLevel sets the log level and returns the config for chaining.
func (c *ServerConfig) WithLogLevel(level string) *ServerConfig {
	c.LogLevel = level
	return c
}
