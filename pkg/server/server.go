// Package server accepts client channels on one address and tracks them in
// a registry so commands can be sent to any of them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sockline/internal/ratelimit"
	"sockline/internal/state"
	"sockline/pkg/codec"
	"sockline/pkg/core"
	"sockline/pkg/retry"
	"sockline/pkg/transport"
)

const serveFailureGrace = 5 * time.Second

// ErrAlreadyStarted is returned by StartServer while another call is running.
var ErrAlreadyStarted = errors.New("server already started")

// Server owns a listening socket and the channels it accepts.
type Server struct {
	cfg       *core.ServerConfig
	mode      core.Mode
	listener  Listener
	encoder   codec.Encoder
	transport transport.Listener
	strategy  retry.Strategy
	limiter   *ratelimit.RateLimiter
	logger    zerolog.Logger
	router    *router

	clients  *ChannelGroup
	state    *state.Value[core.ServerState]
	liveness *state.Value[core.ClientLiveness]

	running  atomic.Bool
	released atomic.Bool

	stopMu  sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

// New creates a server for cfg. Nothing is bound until StartServer.
func New(cfg *core.ServerConfig, listener Listener, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("nil server config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}

	s := &Server{
		cfg:      cfg,
		mode:     cfg.Mode(),
		listener: listener,
		encoder:  codec.NewEncoder(cfg.Mode()),
		logger:   zerolog.Nop(),
		clients:  NewChannelGroup(),
		state:    state.New(core.ServerUninitialized),
		liveness: state.New(core.ClientNone),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Level(core.ParseLevel(cfg.LogLevel))
	if s.transport == nil {
		chCfg := transport.ChannelConfig{
			WriteTimeout:   cfg.WriteTimeout,
			MaxFrameLength: cfg.MaxFrameLength,
		}
		if s.mode == core.ModeWebSocket {
			ln := transport.NewWebSocketListener(cfg.Address(), cfg.WebSocketPath, chCfg)
			ln.SetLogger(s.logger)
			s.transport = ln
		} else {
			ln := transport.NewTCPListener(cfg.Address(), chCfg)
			ln.SetLogger(s.logger)
			s.transport = ln
		}
	}
	if cfg.CommandRateLimit > 0 {
		s.limiter = ratelimit.New(cfg.CommandRateLimit, cfg.CommandRatePeriod)
	}
	s.router = &router{s: s}
	return s, nil
}

// SetLogger configures the logger for the server and its transport. The
// configured log level still applies.
func (s *Server) SetLogger(logger zerolog.Logger) {
	logger = logger.Level(core.ParseLevel(s.cfg.LogLevel))
	s.logger = logger
	if l, ok := s.transport.(interface{ SetLogger(zerolog.Logger) }); ok {
		l.SetLogger(logger)
	}
}

// StartServer binds the listening socket and serves clients until the
// server is stopped or ctx is cancelled. A bind failure is reported through
// OnStartFailed and, with a retry strategy, retried before giving up.
func (s *Server) StartServer(ctx context.Context) error {
	if s.released.Load() || s.isStopped() {
		s.listener.OnStartFailed(s, core.ErrCodeAlreadyReleased, "server already stopped")
		return core.ErrServerStopped
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer s.running.Store(false)

	if err := s.bind(ctx); err != nil {
		return err
	}

	s.state.Store(core.ServerStarted)
	s.logger.Info().
		Str("mode", s.mode.String()).
		Stringer("addr", s.transport.Addr()).
		Msg("server started")
	s.listener.OnStarted(s)

	go func() {
		select {
		case <-ctx.Done():
			s.StopServer(context.Background())
		case <-s.stopCh:
		}
	}()

	err := s.transport.Serve(s.router)
	if err == nil && s.isStopped() {
		return nil
	}
	if err == nil {
		err = errors.New("listener closed unexpectedly")
	}
	ctxStop, cancel := context.WithTimeout(context.Background(), serveFailureGrace)
	defer cancel()
	if !s.shutdown(ctxStop, core.ServerFailed) {
		return nil
	}
	s.logger.Error().Err(err).Stringer("addr", s.transport.Addr()).Msg("serve failed")
	s.listener.OnStartFailed(s, core.ErrCodeUnexpectedException, err.Error())
	return err
}

func (s *Server) bind(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := s.transport.Bind(ctx)
		if err == nil {
			return nil
		}
		s.state.Store(core.ServerFailed)
		code := core.ClassifyConnectError(err)
		s.logger.Error().Err(err).Str("addr", s.cfg.Address()).Msg("bind failed")
		s.listener.OnStartFailed(s, code, err.Error())

		if s.strategy == nil || !code.Retryable() {
			return err
		}
		next := attempt + 1
		if next > s.strategy.MaxTimes() {
			msg := fmt.Sprintf("exceed max retry times (%d)", s.strategy.MaxTimes())
			s.listener.OnStartFailed(s, core.ErrCodeExceedMaxRetryTimes, msg)
			return fmt.Errorf("%s: %w", msg, err)
		}
		delay := s.strategy.Delay(next)
		s.logger.Info().Int("attempt", next).Dur("delay", delay).Msg("bind retry scheduled")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.stopCh:
			timer.Stop()
			return core.ErrServerStopped
		}
	}
}

func (s *Server) isStopped() bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stopped
}

// StopServer closes the listening socket and every client channel, then
// waits for the I/O goroutines to exit or ctx to expire. Only the first call
// on a started or failed server does anything.
func (s *Server) StopServer(ctx context.Context) bool {
	if !s.shutdown(ctx, core.ServerStopped) {
		return false
	}
	s.listener.OnStopped(s)
	return true
}

// shutdown tears the server down once and leaves it in final.
func (s *Server) shutdown(ctx context.Context, final core.ServerState) bool {
	s.stopMu.Lock()
	if s.stopped || s.state.Load() == core.ServerUninitialized {
		s.stopMu.Unlock()
		return false
	}
	s.stopped = true
	close(s.stopCh)
	s.stopMu.Unlock()

	s.logger.Info().Int("clients", s.clients.Len()).Msg("stopping server")
	if err := s.transport.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("close listener failed")
	}
	for _, ch := range s.clients.Snapshot() {
		_ = ch.Close()
	}
	if err := s.transport.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("transport shutdown incomplete")
	}
	s.clients.Clear()
	if s.limiter != nil {
		m := s.limiter.Metrics()
		s.logger.Debug().
			Int64("commands_allowed", m.Allowed).
			Int64("commands_denied", m.Denied).
			Int("buckets", m.Buckets).
			Msg("command rate limit stats")
	}

	s.state.Store(final)
	return true
}

// Release stops the server if needed and resets it to UNINITIALIZED. The
// server cannot be started again.
func (s *Server) Release(ctx context.Context) bool {
	if !s.released.CompareAndSwap(false, true) {
		return false
	}
	s.StopServer(ctx)
	s.state.Store(core.ServerUninitialized)
	return true
}

// ExecuteCommand writes cmd to the client channel ch.
func (s *Server) ExecuteCommand(ch transport.Channel, cmd codec.Command) bool {
	return s.execute(ch, cmd, false)
}

// ExecutePingCommand sends cmd to ch as a websocket ping frame. In plain
// mode it is an ordinary write.
func (s *Server) ExecutePingCommand(ch transport.Channel, cmd codec.Command) bool {
	return s.execute(ch, cmd, true)
}

// Broadcast writes cmd to every connected client and returns how many
// writes succeeded.
func (s *Server) Broadcast(cmd codec.Command) int {
	n := 0
	for _, ch := range s.clients.Snapshot() {
		if s.execute(ch, cmd, false) {
			n++
		}
	}
	return n
}

func (s *Server) execute(ch transport.Channel, cmd codec.Command, ping bool) bool {
	if ch == nil || !ch.IsActive() || s.state.Load() != core.ServerStarted {
		s.logger.Warn().
			Str("state", s.state.Load().String()).
			Object("cmd", cmd).
			Msg("command dropped, channel not active")
		return false
	}
	frame, err := s.encoder.Encode(cmd.Payload, ping)
	if err != nil {
		s.logger.Warn().Err(err).Str("channel", ch.ID()).Object("cmd", cmd).Msg("command dropped")
		return false
	}
	if s.limiter != nil && !s.limiter.AllowKey(ch.ID()) {
		s.logger.Warn().Err(core.ErrRateLimited).Str("channel", ch.ID()).Object("cmd", cmd).Msg("command dropped")
		return false
	}
	if err := ch.Write(frame); err != nil {
		s.logger.Warn().Err(err).Str("channel", ch.ID()).Object("cmd", cmd).Msg("write failed")
		return false
	}
	if cmd.ShowLog {
		s.logger.Info().
			Str("channel", ch.ID()).
			Str("frame", frame.Type.String()).
			Object("cmd", cmd).
			Msg("command sent")
	}
	return true
}

// DisconnectClient closes the registered channel with the given ID.
func (s *Server) DisconnectClient(id string) bool {
	ch, err := s.clients.Get(id)
	if err != nil {
		s.logger.Debug().Err(err).Msg("disconnect ignored")
		return false
	}
	_ = ch.Close()
	return true
}

// Addr returns the bound address, or nil before the server is started.
func (s *Server) Addr() net.Addr {
	return s.transport.Addr()
}

func (s *Server) State() core.ServerState {
	return s.state.Load()
}

// ClientLiveness returns the most recent client connect or disconnect signal.
func (s *Server) ClientLiveness() core.ClientLiveness {
	return s.liveness.Load()
}

// Clients returns the connected client channels.
func (s *Server) Clients() []transport.Channel {
	return s.clients.Snapshot()
}

// Client returns the connected client channel with the given ID.
func (s *Server) Client(id string) (transport.Channel, error) {
	return s.clients.Get(id)
}

func (s *Server) Mode() core.Mode {
	return s.mode
}
