package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sockline/pkg/codec"
	"sockline/pkg/core"
)

// tcpChannel is a newline framed stream socket.
type tcpChannel struct {
	id           string
	conn         net.Conn
	loop         *EventLoop
	maxFrame     int
	writeTimeout time.Duration
	logger       zerolog.Logger

	active  atomic.Bool
	closing atomic.Bool
	wmu     sync.Mutex
}

func newTCPChannel(conn net.Conn, loop *EventLoop, cfg ChannelConfig, logger zerolog.Logger) *tcpChannel {
	c := &tcpChannel{
		id:           uuid.NewString(),
		conn:         conn,
		loop:         loop,
		maxFrame:     cfg.MaxFrameLength,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
	}
	c.active.Store(true)
	return c
}

func (c *tcpChannel) ID() string           { return c.id }
func (c *tcpChannel) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *tcpChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *tcpChannel) IsActive() bool       { return c.active.Load() }

func (c *tcpChannel) Write(f codec.Frame) error {
	if !c.active.Load() {
		return core.ErrChannelInactive
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(f.Data); err != nil {
		return fmt.Errorf("write %s: %w", c.id, err)
	}
	return nil
}

func (c *tcpChannel) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.active.Store(false)
	return c.conn.Close()
}

func (c *tcpChannel) Serve(h Handler) error {
	if err := c.loop.register(c); err != nil {
		_ = c.Close()
		return err
	}
	err := c.loop.Go(func() {
		defer c.loop.unregister(c)
		c.readLoop(h)
	})
	if err != nil {
		c.loop.unregister(c)
		_ = c.Close()
	}
	return err
}

func (c *tcpChannel) readLoop(h Handler) {
	h.ChannelActive(c)

	dec := codec.NewLineDecoder(c.conn, c.maxFrame)
	for {
		line, err := dec.Next()
		if err != nil {
			c.finish(h, err)
			return
		}
		if len(line) == 0 {
			continue
		}
		h.ChannelRead(c, Message{Kind: KindText, Payload: line})
	}
}

// finish reports how the read loop ended. A local close or a clean end of
// stream is not an exception.
func (c *tcpChannel) finish(h Handler, err error) {
	local := c.closing.Load()
	c.active.Store(false)
	if !local && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.logger.Debug().Err(err).Str("channel", c.id).Msg("read failed")
		h.ExceptionCaught(c, err)
	}
	_ = c.Close()
	h.ChannelInactive(c)
}

// TCPDialer opens newline framed channels to one address, optionally over TLS.
type TCPDialer struct {
	addr   string
	cfg    ChannelConfig
	tls    *tls.Config
	loop   *EventLoop
	logger zerolog.Logger
}

// NewTCPDialer creates a dialer for addr. tlsConfig may be nil.
func NewTCPDialer(addr string, cfg ChannelConfig, tlsConfig *tls.Config) *TCPDialer {
	return &TCPDialer{
		addr:   addr,
		cfg:    cfg,
		tls:    tlsConfig,
		loop:   NewEventLoop("tcp-client " + addr),
		logger: zerolog.Nop(),
	}
}

// SetLogger configures the logger for the dialer and its event loop.
func (d *TCPDialer) SetLogger(logger zerolog.Logger) {
	d.logger = logger
	d.loop.SetLogger(logger)
}

func (d *TCPDialer) Dial(ctx context.Context) (Channel, error) {
	if d.loop.IsShutdown() {
		return nil, core.ErrAlreadyReleased
	}
	conn, err := dialTCP(ctx, d.addr, d.cfg.ConnectTimeout, d.tls)
	if err != nil {
		return nil, err
	}
	return newTCPChannel(conn, d.loop, d.cfg, d.logger), nil
}

func (d *TCPDialer) Shutdown(ctx context.Context) error {
	return d.loop.Shutdown(ctx)
}

func dialTCP(ctx context.Context, addr string, timeout time.Duration, tlsConfig *tls.Config) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tlsConfig == nil {
		return conn, nil
	}
	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake %s: %w", addr, err)
	}
	return tlsConn, nil
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// TCPListener accepts newline framed channels. The accept loop runs on the
// boss loop and every accepted channel on the worker loop.
type TCPListener struct {
	addr    string
	cfg     ChannelConfig
	boss    *EventLoop
	workers *EventLoop
	logger  zerolog.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewTCPListener creates a listener for addr.
func NewTCPListener(addr string, cfg ChannelConfig) *TCPListener {
	return &TCPListener{
		addr:    addr,
		cfg:     cfg,
		boss:    NewEventLoop("tcp-boss " + addr),
		workers: NewEventLoop("tcp-worker " + addr),
		logger:  zerolog.Nop(),
	}
}

// SetLogger configures the logger for the listener and its event loops.
func (l *TCPListener) SetLogger(logger zerolog.Logger) {
	l.logger = logger
	l.boss.SetLogger(logger)
	l.workers.SetLogger(logger)
}

func (l *TCPListener) Bind(ctx context.Context) error {
	if l.boss.IsShutdown() {
		return core.ErrAlreadyReleased
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	return nil
}

func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *TCPListener) Serve(h Handler) error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return errors.New("listener not bound")
	}

	done := make(chan error, 1)
	if err := l.boss.Go(func() {
		done <- l.acceptLoop(ln, h)
	}); err != nil {
		return err
	}
	return <-done
}

// acceptLoop runs until ln is closed or Accept fails for good. Temporary
// failures such as EMFILE back off and retry.
func (l *TCPListener) acceptLoop(ln net.Listener, h Handler) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var te interface{ Temporary() bool }
			if errors.As(err, &te) && te.Temporary() {
				if delay == 0 {
					delay = minAcceptDelay
				} else {
					delay = min(2*delay, maxAcceptDelay)
				}
				l.logger.Warn().Err(err).Str("addr", l.addr).Dur("retry_in", delay).Msg("accept failed")
				time.Sleep(delay)
				continue
			}
			l.logger.Error().Err(err).Str("addr", l.addr).Msg("accept failed")
			return fmt.Errorf("accept %s: %w", l.addr, err)
		}
		delay = 0
		ch := newTCPChannel(conn, l.workers, l.cfg, l.logger)
		if err := ch.Serve(h); err != nil {
			l.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("rejecting connection")
		}
	}
}

func (l *TCPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *TCPListener) Shutdown(ctx context.Context) error {
	_ = l.Close()
	werr := l.workers.Shutdown(ctx)
	berr := l.boss.Shutdown(ctx)
	return errors.Join(werr, berr)
}
