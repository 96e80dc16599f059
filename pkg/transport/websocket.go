package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lxzan/gws"
	"github.com/rs/zerolog"

	"sockline/pkg/codec"
	"sockline/pkg/core"
)

const sessionChannelKey = "sockline.channel"

// wsChannel is a websocket connection. On the client side the upgrade runs
// on the event loop after ChannelActive; on the server side the connection
// is already upgraded when the channel is created.
type wsChannel struct {
	id      string
	netConn net.Conn
	conn    atomic.Pointer[gws.Conn]
	loop    *EventLoop
	logger  zerolog.Logger
	handler Handler

	// upgrade is nil for server channels.
	upgrade func(ev gws.Event) (*gws.Conn, error)

	active  atomic.Bool
	closing atomic.Bool
}

func newWSChannel(netConn net.Conn, loop *EventLoop, logger zerolog.Logger) *wsChannel {
	c := &wsChannel{
		id:      uuid.NewString(),
		netConn: netConn,
		loop:    loop,
		logger:  logger,
	}
	c.active.Store(true)
	return c
}

func (c *wsChannel) ID() string           { return c.id }
func (c *wsChannel) LocalAddr() net.Addr  { return c.netConn.LocalAddr() }
func (c *wsChannel) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }
func (c *wsChannel) IsActive() bool       { return c.active.Load() }

func (c *wsChannel) Write(f codec.Frame) error {
	if !c.active.Load() {
		return core.ErrChannelInactive
	}
	conn := c.conn.Load()
	if conn == nil {
		return core.ErrNotConnected
	}
	var err error
	switch f.Type {
	case codec.FrameText:
		err = conn.WriteMessage(gws.OpcodeText, f.Data)
	case codec.FramePing:
		err = conn.WritePing(f.Data)
	default:
		err = conn.WriteMessage(gws.OpcodeBinary, f.Data)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", c.id, err)
	}
	return nil
}

func (c *wsChannel) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.active.Store(false)
	if conn := c.conn.Load(); conn != nil {
		conn.WriteClose(1000, nil)
	}
	return c.netConn.Close()
}

func (c *wsChannel) Serve(h Handler) error {
	c.handler = h
	if err := c.loop.register(c); err != nil {
		_ = c.Close()
		return err
	}
	err := c.loop.Go(func() {
		defer c.loop.unregister(c)
		if c.upgrade != nil && !c.handshake(h) {
			return
		}
		c.conn.Load().ReadLoop()
	})
	if err != nil {
		c.loop.unregister(c)
		_ = c.Close()
	}
	return err
}

func (c *wsChannel) handshake(h Handler) bool {
	h.ChannelActive(c)
	conn, err := c.upgrade(c)
	if err == nil && c.closing.Load() {
		err = core.ErrHandshakeAborted
	}
	if err != nil {
		h.ChannelRead(c, Message{Kind: KindHandshake, Err: err})
		c.active.Store(false)
		_ = c.Close()
		h.ChannelInactive(c)
		return false
	}
	c.conn.Store(conn)
	h.ChannelRead(c, Message{Kind: KindHandshake})
	return true
}

func (c *wsChannel) OnOpen(socket *gws.Conn) {
	if c.upgrade == nil {
		c.handler.ChannelActive(c)
	}
}

func (c *wsChannel) OnClose(socket *gws.Conn, err error) {
	local := c.closing.Load()
	c.active.Store(false)

	var closeErr *gws.CloseError
	switch {
	case local, err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case errors.As(err, &closeErr):
		c.handler.ChannelRead(c, Message{
			Kind:      KindClose,
			Payload:   codec.Binary(closeErr.Reason),
			CloseCode: closeErr.Code,
		})
	default:
		c.logger.Debug().Err(err).Str("channel", c.id).Msg("websocket read failed")
		c.handler.ExceptionCaught(c, err)
	}

	_ = c.Close()
	c.handler.ChannelInactive(c)
}

func (c *wsChannel) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
	c.handler.ChannelRead(c, Message{Kind: KindPing, Payload: codec.Binary(clone(payload))})
}

func (c *wsChannel) OnPong(socket *gws.Conn, payload []byte) {
	c.handler.ChannelRead(c, Message{Kind: KindPong, Payload: codec.Binary(clone(payload))})
}

func (c *wsChannel) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	data := message.Bytes()
	if message.Opcode == gws.OpcodeText {
		c.handler.ChannelRead(c, Message{Kind: KindText, Payload: codec.Text(data)})
		return
	}
	c.handler.ChannelRead(c, Message{Kind: KindBinary, Payload: codec.Binary(clone(data))})
}

// gws recycles message buffers once the callback returns.
func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// WebSocketDialer opens websocket channels to one URL.
type WebSocketDialer struct {
	target *url.URL
	addr   string
	header http.Header
	cfg    ChannelConfig
	// handshakeTimeout bounds the HTTP upgrade.
	handshakeTimeout time.Duration
	tls              *tls.Config
	loop             *EventLoop
	logger           zerolog.Logger
}

// NewWebSocketDialer creates a dialer that connects to addr and upgrades to target.
// tlsConfig is required for wss targets and ignored otherwise.
func NewWebSocketDialer(target *url.URL, addr string, header http.Header, cfg ChannelConfig, handshakeTimeout time.Duration, tlsConfig *tls.Config) *WebSocketDialer {
	if target.Scheme != "wss" {
		tlsConfig = nil
	}
	return &WebSocketDialer{
		target:           target,
		addr:             addr,
		header:           header,
		cfg:              cfg,
		handshakeTimeout: handshakeTimeout,
		tls:              tlsConfig,
		loop:             NewEventLoop("ws-client " + target.String()),
		logger:           zerolog.Nop(),
	}
}

// SetLogger configures the logger for the dialer and its event loop.
func (d *WebSocketDialer) SetLogger(logger zerolog.Logger) {
	d.logger = logger
	d.loop.SetLogger(logger)
}

// Dial connects the socket. The returned channel upgrades once Serve is called.
func (d *WebSocketDialer) Dial(ctx context.Context) (Channel, error) {
	if d.loop.IsShutdown() {
		return nil, core.ErrAlreadyReleased
	}
	netConn, err := dialTCP(ctx, d.addr, d.cfg.ConnectTimeout, d.tls)
	if err != nil {
		return nil, err
	}
	ch := newWSChannel(netConn, d.loop, d.logger)
	option := &gws.ClientOption{
		Addr:               d.target.String(),
		RequestHeader:      d.header,
		HandshakeTimeout:   d.handshakeTimeout,
		ReadMaxPayloadSize: d.cfg.MaxFrameLength,
	}
	ch.upgrade = func(ev gws.Event) (*gws.Conn, error) {
		conn, _, err := gws.NewClientFromConn(ev, option, netConn)
		if err != nil {
			return nil, fmt.Errorf("upgrade %s: %w", d.target, err)
		}
		return conn, nil
	}
	return ch, nil
}

func (d *WebSocketDialer) Shutdown(ctx context.Context) error {
	return d.loop.Shutdown(ctx)
}

// WebSocketListener serves websocket upgrades on one path. Requests to other
// paths get 404.
type WebSocketListener struct {
	addr     string
	path     string
	cfg      ChannelConfig
	boss     *EventLoop
	workers  *EventLoop
	upgrader *gws.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	ln      net.Listener
	srv     *http.Server
	handler Handler
}

// NewWebSocketListener creates a listener for addr accepting upgrades on path.
func NewWebSocketListener(addr, path string, cfg ChannelConfig) *WebSocketListener {
	l := &WebSocketListener{
		addr:    addr,
		path:    path,
		cfg:     cfg,
		boss:    NewEventLoop("ws-boss " + addr),
		workers: NewEventLoop("ws-worker " + addr),
		logger:  zerolog.Nop(),
	}
	l.upgrader = gws.NewUpgrader(dispatcher{}, &gws.ServerOption{
		ReadMaxPayloadSize: cfg.MaxFrameLength,
		HandshakeTimeout:   cfg.ConnectTimeout,
	})
	return l
}

// SetLogger configures the logger for the listener and its event loops.
func (l *WebSocketListener) SetLogger(logger zerolog.Logger) {
	l.logger = logger
	l.boss.SetLogger(logger)
	l.workers.SetLogger(logger)
}

func (l *WebSocketListener) Bind(ctx context.Context) error {
	if l.boss.IsShutdown() {
		return core.ErrAlreadyReleased
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.serveUpgrade)

	l.mu.Lock()
	l.ln = ln
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	l.mu.Unlock()
	return nil
}

func (l *WebSocketListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *WebSocketListener) Serve(h Handler) error {
	l.mu.Lock()
	ln, srv := l.ln, l.srv
	l.handler = h
	l.mu.Unlock()
	if ln == nil {
		return errors.New("listener not bound")
	}

	errCh := make(chan error, 1)
	if err := l.boss.Go(func() {
		errCh <- srv.Serve(ln)
	}); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", l.addr, err)
	}
	return nil
}

func (l *WebSocketListener) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()

	socket, err := l.upgrader.Upgrade(w, r)
	if err != nil {
		l.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	ch := newWSChannel(socket.NetConn(), l.workers, l.logger)
	ch.conn.Store(socket)
	socket.Session().Store(sessionChannelKey, ch)
	if err := ch.Serve(h); err != nil {
		l.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejecting connection")
	}
}

func (l *WebSocketListener) Close() error {
	l.mu.Lock()
	srv := l.srv
	l.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (l *WebSocketListener) Shutdown(ctx context.Context) error {
	_ = l.Close()
	werr := l.workers.Shutdown(ctx)
	berr := l.boss.Shutdown(ctx)
	return errors.Join(werr, berr)
}

// dispatcher routes upgrader events to the channel stored in the socket session.
type dispatcher struct{}

func channelOf(socket *gws.Conn) (*wsChannel, bool) {
	v, ok := socket.Session().Load(sessionChannelKey)
	if !ok {
		return nil, false
	}
	ch, ok := v.(*wsChannel)
	return ch, ok
}

func (dispatcher) OnOpen(socket *gws.Conn) {
	if ch, ok := channelOf(socket); ok {
		ch.OnOpen(socket)
	}
}

func (dispatcher) OnClose(socket *gws.Conn, err error) {
	if ch, ok := channelOf(socket); ok {
		ch.OnClose(socket, err)
	}
}

func (dispatcher) OnPing(socket *gws.Conn, payload []byte) {
	if ch, ok := channelOf(socket); ok {
		ch.OnPing(socket, payload)
	}
}

func (dispatcher) OnPong(socket *gws.Conn, payload []byte) {
	if ch, ok := channelOf(socket); ok {
		ch.OnPong(socket, payload)
	}
}

func (dispatcher) OnMessage(socket *gws.Conn, message *gws.Message) {
	if ch, ok := channelOf(socket); ok {
		ch.OnMessage(socket, message)
		return
	}
	message.Close()
}
