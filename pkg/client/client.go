// Package client keeps one long-lived connection to a remote endpoint,
// reconnecting after failures according to a retry strategy.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sockline/internal/circuitbreaker"
	"sockline/internal/ratelimit"
	"sockline/pkg/codec"
	"sockline/pkg/core"
	"sockline/pkg/retry"
	"sockline/pkg/transport"
)

// Client drives the connection state machine for one endpoint.
//
// The state, the retry counter and the current channel are guarded by one
// mutex shared by caller goroutines, I/O goroutines and the retry timer.
// Listener callbacks always run without the mutex held.
type Client struct {
	cfg      *core.ClientConfig
	endpoint string
	mode     core.Mode
	listener Listener
	strategy retry.Strategy
	encoder  codec.Encoder
	dialer   transport.Dialer
	router   *router
	logger   zerolog.Logger

	retryHook   func(c *Client) bool
	useTLS      bool
	certificate io.Reader
	breaker     *circuitbreaker.Breaker
	limiter     *ratelimit.RateLimiter

	mu                 sync.Mutex
	state              core.ConnState
	retryCount         int
	channel            transport.Channel
	released           bool
	disconnectManually bool
	retryTimer         retry.Timer
}

// New creates a client for the endpoint in cfg. Nothing is dialed until Connect.
func New(cfg *core.ClientConfig, listener Listener, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("nil client config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}

	c := &Client{
		cfg:      cfg,
		endpoint: cfg.Endpoint(),
		mode:     cfg.Mode(),
		listener: listener,
		strategy: retry.DefaultConstant(),
		encoder:  codec.NewEncoder(cfg.Mode()),
		logger:   zerolog.Nop(),
		state:    core.StateUninitialized,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Level(core.ParseLevel(cfg.LogLevel))
	if c.dialer == nil {
		d, err := c.newDialer()
		if err != nil {
			return nil, err
		}
		c.dialer = d
	}
	if cfg.CircuitBreakerEnabled {
		c.breaker = circuitbreaker.New(circuitbreaker.Config{
			FailThreshold:    cfg.CircuitBreakerFailThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
		})
	}
	if cfg.CommandRateLimit > 0 {
		c.limiter = ratelimit.New(cfg.CommandRateLimit, cfg.CommandRatePeriod)
	}
	c.router = newRouter(c)
	return c, nil
}

func (c *Client) newDialer() (transport.Dialer, error) {
	chCfg := transport.ChannelConfig{
		ConnectTimeout: c.cfg.ConnectTimeout,
		WriteTimeout:   c.cfg.WriteTimeout,
		MaxFrameLength: c.cfg.MaxFrameLength,
	}
	certPEM, err := transport.ReadCertificate(c.certificate)
	if err != nil {
		return nil, err
	}

	if c.mode == core.ModeWebSocket {
		target, addr, secure, err := c.cfg.WebSocketTarget()
		if err != nil {
			return nil, err
		}
		var tlsConfig *tls.Config
		if secure || c.useTLS {
			if tlsConfig, err = transport.TLSConfig(target.Hostname(), certPEM); err != nil {
				return nil, err
			}
		}
		header := make(http.Header, len(c.cfg.Headers))
		for k, v := range c.cfg.Headers {
			header.Set(k, v)
		}
		d := transport.NewWebSocketDialer(target, addr, header, chCfg, c.cfg.HandshakeTimeout, tlsConfig)
		d.SetLogger(c.logger)
		return d, nil
	}

	var tlsConfig *tls.Config
	if c.useTLS {
		if tlsConfig, err = transport.TLSConfig(c.cfg.Host, certPEM); err != nil {
			return nil, err
		}
	}
	d := transport.NewTCPDialer(c.endpoint, chCfg, tlsConfig)
	d.SetLogger(c.logger)
	return d, nil
}

// SetLogger configures the logger for the client and its dialer. The
// configured log level still applies.
func (c *Client) SetLogger(logger zerolog.Logger) {
	logger = logger.Level(core.ParseLevel(c.cfg.LogLevel))
	c.logger = logger
	if l, ok := c.dialer.(interface{ SetLogger(zerolog.Logger) }); ok {
		l.SetLogger(logger)
	}
}

// Connect starts a connect attempt and blocks until it resolves. It returns
// the resulting state. A call while already connecting or connected does
// nothing and returns the current state.
func (c *Client) Connect(ctx context.Context) core.ConnState {
	return c.connect(ctx, nil)
}

func (c *Client) connect(ctx context.Context, token *retry.Token) core.ConnState {
	c.mu.Lock()
	if token != nil && !c.retryTimer.Valid(*token) {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug().Str("endpoint", c.endpoint).Msg("retry revoked before connect")
		return state
	}
	if c.released {
		c.mu.Unlock()
		c.logger.Warn().Str("endpoint", c.endpoint).Msg("connect after release")
		c.notifyFailed(core.ErrCodeAlreadyReleased, "client already released", core.ErrAlreadyReleased)
		return core.StateUninitialized
	}
	if c.state == core.StateConnecting || c.state == core.StateConnected {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn().Str("endpoint", c.endpoint).Str("state", state.String()).Msg("connect ignored")
		return state
	}
	c.state = core.StateConnecting
	c.disconnectManually = false
	c.mu.Unlock()

	c.logger.Info().Str("endpoint", c.endpoint).Str("mode", c.mode.String()).Msg("connecting")
	c.listener.OnConnecting(c)

	if c.breaker != nil && !c.breaker.Allow() {
		return c.failConnect(nil, core.ErrCodeConnectException, "circuit breaker open", core.ErrCircuitOpen)
	}

	ch, err := c.dialer.Dial(ctx)
	if err != nil {
		return c.failConnect(nil, core.ClassifyConnectError(err), "connect failed", err)
	}
	if c.mode == core.ModeWebSocket {
		return c.awaitHandshake(ctx, ch)
	}
	return c.establish(ch)
}

// attemptLiveLocked reports whether the connect attempt that set CONNECTING
// is still the one in charge.
func (c *Client) attemptLiveLocked() bool {
	return !c.released && c.state == core.StateConnecting
}

func (c *Client) establish(ch transport.Channel) core.ConnState {
	c.mu.Lock()
	if !c.attemptLiveLocked() {
		state := c.state
		c.mu.Unlock()
		_ = ch.Close()
		return state
	}
	c.channel = ch
	c.state = core.StateConnected
	c.retryCount = 0
	c.retryTimer.Cancel()
	c.mu.Unlock()

	c.connected(ch)
	if err := ch.Serve(c.router); err != nil {
		c.logger.Warn().Err(err).Str("endpoint", c.endpoint).Msg("channel not served")
	}
	return c.State()
}

func (c *Client) awaitHandshake(ctx context.Context, ch transport.Channel) core.ConnState {
	c.mu.Lock()
	if !c.attemptLiveLocked() {
		state := c.state
		c.mu.Unlock()
		_ = ch.Close()
		return state
	}
	c.channel = ch
	hs := c.router.armHandshake(ch)
	c.mu.Unlock()

	if err := ch.Serve(c.router); err != nil {
		return c.failConnect(ch, core.ClassifyConnectError(err), "connect failed", err)
	}

	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()
	var err error
	select {
	case <-hs.Done():
		err = hs.Err()
	case <-timer.C:
		err = core.ErrHandshakeTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		code := core.ErrCodeUnexpectedException
		if errors.Is(err, core.ErrAlreadyReleased) {
			code = core.ErrCodeAlreadyReleased
		}
		return c.failConnect(ch, code, "websocket handshake failed", err)
	}

	c.mu.Lock()
	if !c.attemptLiveLocked() || c.channel != ch {
		state := c.state
		c.mu.Unlock()
		return state
	}
	if !ch.IsActive() {
		c.mu.Unlock()
		return c.failConnect(ch, core.ErrCodeServerDown, "channel closed after handshake", core.ErrHandshakeAborted)
	}
	c.state = core.StateConnected
	c.retryCount = 0
	c.retryTimer.Cancel()
	c.router.holdLocked(ch)
	c.mu.Unlock()

	c.connected(ch)
	c.router.drain(ch)
	return core.StateConnected
}

func (c *Client) connected(ch transport.Channel) {
	if c.breaker != nil {
		c.breaker.Record(true)
	}
	c.logger.Info().
		Str("endpoint", c.endpoint).
		Str("channel", ch.ID()).
		Msg("connected")
	c.listener.OnConnected(c)
}

// failConnect ends the current attempt as FAILED unless a disconnect or
// release has already taken it over. ch is closed either way.
func (c *Client) failConnect(ch transport.Channel, code core.ErrorCode, msg string, cause error) core.ConnState {
	c.mu.Lock()
	if !c.attemptLiveLocked() || (ch != nil && c.channel != ch) {
		state := c.state
		c.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return state
	}
	c.state = core.StateFailed
	if ch != nil {
		c.channel = nil
		c.router.dropPendingLocked()
	}
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if c.breaker != nil {
		c.breaker.Record(false)
	}
	c.logger.Warn().
		Err(cause).
		Str("endpoint", c.endpoint).
		Str("code", code.String()).
		Msg(msg)
	c.notifyFailed(code, msg, cause)
	if code.Retryable() {
		c.doRetry()
	}
	return core.StateFailed
}

// doRetry schedules the next connect attempt, or ends the chain with
// EXCEED_MAX_RETRY_TIMES once the strategy's limit is passed.
func (c *Client) doRetry() {
	if c.retryHook != nil && c.retryHook(c) {
		c.logger.Debug().Str("endpoint", c.endpoint).Msg("retry taken over by hook")
		return
	}

	c.mu.Lock()
	if c.released || c.disconnectManually {
		c.mu.Unlock()
		return
	}
	c.retryCount++
	attempt := c.retryCount
	maxTimes := c.strategy.MaxTimes()
	if attempt > maxTimes {
		c.retryTimer.Cancel()
		c.retryCount = 0
		c.state = core.StateFailed
		c.mu.Unlock()

		c.logger.Error().
			Str("endpoint", c.endpoint).
			Int("max_times", maxTimes).
			Msg("retry limit exceeded")
		c.notifyFailed(core.ErrCodeExceedMaxRetryTimes, fmt.Sprintf("exceed max retry times (%d)", maxTimes), nil)
		return
	}
	delay := c.strategy.Delay(attempt)
	c.retryTimer.Schedule(delay, func(token retry.Token) {
		c.connect(context.Background(), &token)
	})
	c.mu.Unlock()

	c.logger.Info().
		Str("endpoint", c.endpoint).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

// DisconnectManually closes the connection on purpose. Pending retries are
// cancelled and no retry follows. The client can Connect again afterwards.
// It returns false when already disconnected or never connected.
func (c *Client) DisconnectManually() bool {
	c.mu.Lock()
	if c.released || c.state == core.StateDisconnected || c.state == core.StateUninitialized {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug().Str("endpoint", c.endpoint).Str("state", state.String()).Msg("disconnect ignored")
		return false
	}
	c.disconnectManually = true
	c.retryTimer.Cancel()
	c.retryCount = 0
	c.state = core.StateDisconnected
	ch := c.channel
	c.mu.Unlock()

	c.logger.Info().Str("endpoint", c.endpoint).Msg("disconnecting manually")
	if ch != nil {
		if err := ch.Close(); err != nil {
			c.logger.Warn().Err(err).Str("endpoint", c.endpoint).Msg("close failed")
			c.notifyFailed(core.ErrCodeDisconnectManuallyError, "disconnect failed", err)
		}
	}
	c.listener.OnDisconnected(c)
	return true
}

// Release tears the client down for good: retries are cancelled, the channel
// is closed and the dialer's goroutines are stopped. It blocks until they
// exit or ctx expires. Only the first call on a used client does anything.
func (c *Client) Release(ctx context.Context) bool {
	c.mu.Lock()
	if c.released || c.state == core.StateUninitialized {
		c.mu.Unlock()
		return false
	}
	c.released = true
	c.disconnectManually = true
	c.retryTimer.Cancel()
	c.retryCount = 0
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()

	c.logger.Info().Str("endpoint", c.endpoint).Msg("releasing")
	c.router.release()
	if ch != nil {
		_ = ch.Close()
	}
	if err := c.dialer.Shutdown(ctx); err != nil {
		c.logger.Warn().Err(err).Str("endpoint", c.endpoint).Msg("dialer shutdown incomplete")
	}
	c.logStats()

	c.mu.Lock()
	c.state = core.StateUninitialized
	c.mu.Unlock()
	return true
}

// ExecuteCommand writes cmd to the connected channel. It returns false
// without writing when not connected, when the payload is empty, or when
// the command rate limit is hit.
func (c *Client) ExecuteCommand(cmd codec.Command) bool {
	return c.execute(cmd, false)
}

// ExecutePingCommand sends cmd as a websocket ping frame. In plain mode it
// is an ordinary write.
func (c *Client) ExecutePingCommand(cmd codec.Command) bool {
	return c.execute(cmd, true)
}

func (c *Client) execute(cmd codec.Command, ping bool) bool {
	c.mu.Lock()
	state, ch := c.state, c.channel
	c.mu.Unlock()

	if ch == nil || state != core.StateConnected || !ch.IsActive() {
		c.logger.Warn().
			Str("endpoint", c.endpoint).
			Str("state", state.String()).
			Object("cmd", cmd).
			Msg("command dropped, not connected")
		return false
	}
	frame, err := c.encoder.Encode(cmd.Payload, ping)
	if err != nil {
		c.logger.Warn().Err(err).Object("cmd", cmd).Msg("command dropped")
		return false
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Warn().Err(core.ErrRateLimited).Object("cmd", cmd).Msg("command dropped")
		return false
	}
	if err := ch.Write(frame); err != nil {
		c.logger.Warn().Err(err).Str("endpoint", c.endpoint).Object("cmd", cmd).Msg("write failed")
		return false
	}
	if cmd.ShowLog {
		c.logger.Info().
			Str("endpoint", c.endpoint).
			Str("frame", frame.Type.String()).
			Object("cmd", cmd).
			Msg("command sent")
	}
	return true
}

// notifyFailed hands the listener a *core.ConnError that unwraps to cause.
func (c *Client) notifyFailed(code core.ErrorCode, msg string, cause error) {
	c.listener.OnFailed(c, code, msg, core.NewConnError(c.endpoint, code, msg, cause))
}

func (c *Client) logStats() {
	e := c.logger.Debug().Str("endpoint", c.endpoint)
	if c.breaker != nil {
		m := c.breaker.Metrics()
		e = e.Int64("connect_attempts", m.Attempts).
			Int64("connect_rejected", m.Rejected).
			Str("breaker", m.CurrentState)
	}
	if c.limiter != nil {
		m := c.limiter.Metrics()
		e = e.Int64("commands_allowed", m.Allowed).Int64("commands_denied", m.Denied)
	}
	e.Msg("released")
}

// State returns the current connection state.
func (c *Client) State() core.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount returns the number of retries made in the current chain.
func (c *Client) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// IsDisconnectedManually reports whether the last disconnect was requested by the caller.
func (c *Client) IsDisconnectedManually() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectManually
}

// Endpoint returns the host:port or URL the client connects to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Mode returns the wire mode.
func (c *Client) Mode() core.Mode {
	return c.mode
}
