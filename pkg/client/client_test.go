package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sockline/pkg/codec"
	"sockline/pkg/core"
	"sockline/pkg/retry"
	"sockline/pkg/transport"
)

type failure struct {
	code  core.ErrorCode
	msg   string
	cause error
}

// recorder is a Listener that keeps every callback for later assertions.
type recorder struct {
	mu           sync.Mutex
	connecting   int
	connected    int
	disconnected int
	failures     []failure
	data         []codec.Payload
}

func (r *recorder) OnConnecting(*Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connecting++
}

func (r *recorder) OnConnected(*Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *recorder) OnReceivedData(_ *Client, data codec.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, data)
}

func (r *recorder) OnDisconnected(*Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *recorder) OnFailed(_ *Client, code core.ErrorCode, msg string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, failure{code: code, msg: msg, cause: cause})
}

func (r *recorder) codes() []core.ErrorCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.ErrorCode, 0, len(r.failures))
	for _, f := range r.failures {
		out = append(out, f.code)
	}
	return out
}

func (r *recorder) count(code core.ErrorCode) int {
	n := 0
	for _, c := range r.codes() {
		if c == code {
			n++
		}
	}
	return n
}

func (r *recorder) counts() (connecting, connected, disconnected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connecting, r.connected, r.disconnected
}

func (r *recorder) received() []codec.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]codec.Payload(nil), r.data...)
}

// fakeChannel is served by hand: tests drive the handler directly.
type fakeChannel struct {
	id       string
	active   atomic.Bool
	closeErr error

	mu      sync.Mutex
	frames  []codec.Frame
	handler transport.Handler
}

func newFakeChannel() *fakeChannel {
	ch := &fakeChannel{id: uuid.NewString()}
	ch.active.Store(true)
	return ch
}

func (f *fakeChannel) ID() string           { return f.id }
func (f *fakeChannel) LocalAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (f *fakeChannel) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999} }
func (f *fakeChannel) IsActive() bool       { return f.active.Load() }

func (f *fakeChannel) Write(frame codec.Frame) error {
	if !f.active.Load() {
		return core.ErrChannelInactive
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeChannel) Close() error {
	f.active.Store(false)
	return f.closeErr
}

func (f *fakeChannel) Serve(h transport.Handler) error {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) written() []codec.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]codec.Frame(nil), f.frames...)
}

func (f *fakeChannel) h() transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

type fakeDialer struct {
	dials    atomic.Int32
	shutdown atomic.Int32
	dial     func(ctx context.Context) (transport.Channel, error)
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Channel, error) {
	d.dials.Add(1)
	return d.dial(ctx)
}

func (d *fakeDialer) Shutdown(context.Context) error {
	d.shutdown.Add(1)
	return nil
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// echoServer accepts newline framed connections and writes every line back.
type echoServer struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &echoServer{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			go func() {
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					if _, err := conn.Write(append(sc.Bytes(), '\n')); err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(s.kill)
	return s
}

func (s *echoServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *echoServer) kill() {
	_ = s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func releaseOnCleanup(t *testing.T, c *Client) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Release(ctx)
	})
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  *core.ClientConfig
	}{
		{"nil", nil},
		{"no_port", core.DefaultClientConfig("127.0.0.1", 0)},
		{"bad_scheme", core.DefaultWebSocketClientConfig("http://127.0.0.1:1/ws")},
		{"zero_timeout", core.DefaultClientConfig("127.0.0.1", 1).WithConnectTimeout(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg, nil)
			assert.Error(t, err)
			assert.Nil(t, c)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(core.DefaultClientConfig("127.0.0.1", 9999), nil)
	require.NoError(t, err)

	assert.Equal(t, core.StateUninitialized, c.State())
	assert.Equal(t, "127.0.0.1:9999", c.Endpoint())
	assert.Equal(t, core.ModePlain, c.Mode())
	assert.Equal(t, 0, c.RetryCount())
	assert.False(t, c.IsDisconnectedManually())
	assert.False(t, c.ExecuteCommand(codec.TextCommand("hello")))
}

func TestClient_RefusedConnectExceedsRetries(t *testing.T) {
	rec := &recorder{}
	cfg := core.DefaultClientConfig("127.0.0.1", closedPort(t)).WithConnectTimeout(time.Second)
	c, err := New(cfg, rec, WithRetryStrategy(retry.Constant(3, 20*time.Millisecond)))
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	assert.Equal(t, core.StateFailed, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return rec.count(core.ErrCodeExceedMaxRetryTimes) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []core.ErrorCode{
		core.ErrCodeConnectException,
		core.ErrCodeConnectException,
		core.ErrCodeConnectException,
		core.ErrCodeConnectException,
		core.ErrCodeExceedMaxRetryTimes,
	}, rec.codes())
	assert.Equal(t, core.StateFailed, c.State())
	assert.Equal(t, 0, c.RetryCount())

	connecting, connected, _ := rec.counts()
	assert.Equal(t, 4, connecting)
	assert.Equal(t, 0, connected)

	// The chain is over: nothing else fires.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.codes(), 5)
}

func TestClient_ConcurrentConnectDialsOnce(t *testing.T) {
	gate := make(chan struct{})
	ch := newFakeChannel()
	d := &fakeDialer{dial: func(ctx context.Context) (transport.Channel, error) {
		<-gate
		return ch, nil
	}}
	rec := &recorder{}
	c, err := New(core.DefaultClientConfig("127.0.0.1", 9999), rec, WithDialer(d))
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	var wg sync.WaitGroup
	wg.Go(func() {
		assert.Equal(t, core.StateConnected, c.Connect(context.Background()))
	})
	require.Eventually(t, func() bool { return d.dials.Load() == 1 }, time.Second, time.Millisecond)

	for range 8 {
		wg.Go(func() {
			assert.Equal(t, core.StateConnecting, c.Connect(context.Background()))
		})
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, core.StateConnected, c.State())
	assert.Equal(t, core.StateConnected, c.Connect(context.Background()))

	connecting, connected, _ := rec.counts()
	assert.Equal(t, 1, connecting)
	assert.Equal(t, 1, connected)
}

func TestClient_ReleaseCancelsPendingRetry(t *testing.T) {
	d := &fakeDialer{dial: func(ctx context.Context) (transport.Channel, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}}
	rec := &recorder{}
	c, err := New(core.DefaultClientConfig("127.0.0.1", 9999), rec,
		WithDialer(d),
		WithRetryStrategy(retry.Constant(5, 100*time.Millisecond)))
	require.NoError(t, err)

	assert.Equal(t, core.StateFailed, c.Connect(context.Background()))
	assert.Equal(t, 1, c.RetryCount())
	assert.True(t, c.retryTimer.Pending())

	assert.True(t, c.Release(context.Background()))
	assert.False(t, c.retryTimer.Pending())
	assert.Equal(t, core.StateUninitialized, c.State())
	assert.Equal(t, 0, c.RetryCount())

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, []core.ErrorCode{core.ErrCodeConnectException}, rec.codes())
}

func TestClient_ReleaseIsIdempotent(t *testing.T) {
	ch := newFakeChannel()
	d := &fakeDialer{dial: func(ctx context.Context) (transport.Channel, error) { return ch, nil }}
	rec := &recorder{}
	c, err := New(core.DefaultClientConfig("127.0.0.1", 9999), rec, WithDialer(d))
	require.NoError(t, err)

	assert.False(t, c.Release(context.Background()), "release before first use")

	require.Equal(t, core.StateConnected, c.Connect(context.Background()))
	assert.True(t, c.Release(context.Background()))
	assert.False(t, c.Release(context.Background()))
	assert.Equal(t, int32(1), d.shutdown.Load())
	assert.False(t, ch.IsActive())

	// Late events from the released channel are ignored.
	ch.h().ChannelInactive(ch)
	assert.Empty(t, rec.codes())
	_, _, disconnected := rec.counts()
	assert.Equal(t, 0, disconnected)
}

func TestClient_ConnectAfterRelease(t *testing.T) {
	d := &fakeDialer{dial: func(ctx context.Context) (transport.Channel, error) { return newFakeChannel(), nil }}
	rec := &recorder{}
	c, err := New(core.DefaultClientConfig("127.0.0.1", 9999), rec, WithDialer(d))
	require.NoError(t, err)

	require.Equal(t, core.StateConnected, c.Connect(context.Background()))
	require.True(t, c.Release(context.Background()))

	assert.Equal(t, core.StateUninitialized, c.Connect(context.Background()))
	assert.Equal(t, []core.ErrorCode{core.ErrCodeAlreadyReleased}, rec.codes())
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestClient_EchoRoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	rec := &recorder{}
	c, err := New(core.DefaultClientConfig("127.0.0.1", srv.port()), rec)
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	require.Equal(t, core.StateConnected, c.Connect(context.Background()))
	assert.True(t, c.ExecuteCommand(codec.TextCommand("hello")))
	assert.True(t, c.ExecuteCommand(codec.TextCommand("world").Logged(true)))

	require.Eventually(t, func() bool { return len(rec.received()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []codec.Payload{codec.Text("hello"), codec.Text("world")}, rec.received())
}

func TestClient_ServerDownSchedulesRetry(t *testing.T) {
	srv := newEchoServer(t)
	rec := &recorder{}
	c, err := New(core.DefaultClientConfig("127.0.0.1", srv.port()).WithConnectTimeout(time.Second), rec,
		WithRetryStrategy(retry.Constant(1, 20*time.Millisecond)))
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	require.Equal(t, core.StateConnected, c.Connect(context.Background()))
	srv.kill()

	require.Eventually(t, func() bool {
		return rec.count(core.ErrCodeExceedMaxRetryTimes) == 1
	}, 3*time.Second, 10*time.Millisecond)

	codes := rec.codes()
	require.NotEmpty(t, codes)
	assert.Equal(t, core.ErrCodeServerDown, codes[0])
	assert.Equal(t, 1, rec.count(core.ErrCodeServerDown))
	assert.Equal(t, core.StateFailed, c.State())
}

func TestClient_DisconnectManuallyDoesNotRetry(t *testing.T) {
	srv := newEchoServer(t)
	rec := &recorder{}
	c, err := New(core.DefaultClientConfig("127.0.0.1", srv.port()), rec,
		WithRetryStrategy(retry.Constant(3, 10*time.Millisecond)))
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	assert.False(t, c.DisconnectManually(), "nothing to disconnect yet")

	require.Equal(t, core.StateConnected, c.Connect(context.Background()))
	assert.True(t, c.DisconnectManually())
	assert.False(t, c.DisconnectManually())
	assert.True(t, c.IsDisconnectedManually())
	assert.Equal(t, core.StateDisconnected, c.State())

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.codes())
	_, _, disconnected := rec.counts()
	assert.Equal(t, 1, disconnected)
	assert.False(t, c.ExecuteCommand(codec.TextCommand("late")))

	// A fresh connect clears the manual flag.
	require.Equal(t, core.StateConnected, c.Connect(context.Background()))
	assert.False(t, c.IsDisconnectedManually())
}

// timeline records callbacks in order along with the state seen in each.
type timeline struct {
	mu     sync.Mutex
	events []string
	states []core.ConnState
}

func (tl *timeline) add(c *Client, event string) {
	state := c.State()
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.events = append(tl.events, event)
	tl.states = append(tl.states, state)
}

func (tl *timeline) snapshot() ([]string, []core.ConnState) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string(nil), tl.events...), append([]core.ConnState(nil), tl.states...)
}

func (tl *timeline) funcs() ListenerFuncs {
	return ListenerFuncs{
		Connecting:   func(c *Client) { tl.add(c, "connecting") },
		Connected:    func(c *Client) { tl.add(c, "connected") },
		ReceivedData: func(c *Client, _ codec.Payload) { tl.add(c, "data") },
		Disconnected: func(c *Client) { tl.add(c, "disconnected") },
		Failed:       func(c *Client, code core.ErrorCode, _ string, _ error) { tl.add(c, "failed:"+code.String()) },
	}
}

func TestClient_ReconnectAfterDisconnectPassesThroughConnecting(t *testing.T) {
	srv := newEchoServer(t)
	tl := &timeline{}
	c, err := New(core.DefaultClientConfig("127.0.0.1", srv.port()), tl.funcs())
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	require.Equal(t, core.StateConnected, c.Connect(context.Background()))
	require.True(t, c.DisconnectManually())
	require.Equal(t, core.StateDisconnected, c.State())
	require.Equal(t, core.StateConnected, c.Connect(context.Background()))

	events, states := tl.snapshot()
	assert.Equal(t, []string{"connecting", "connected", "disconnected", "connecting", "connected"}, events)
	assert.Equal(t, []core.ConnState{
		core.StateConnecting,
		core.StateConnected,
		core.StateDisconnected,
		core.StateConnecting,
		core.StateConnected,
	}, states)
}

func TestClient_DisconnectManuallyCloseError(t *testing.T) {
	ch := newFakeChannel()
	ch.closeErr = io.ErrClosedPipe
	d := &fakeDialer{dial: func(ctx context.Context) (transport.Channel, error) { return ch, nil }}
	rec := &recorder{}
	c, err := New(core.DefaultClientConfig("127.0.0.1", 9999), rec, WithDialer(d))
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	require.Equal(t, core.StateConnected, c.Connect(context.Background()))
	assert.True(t, c.DisconnectManually())
	assert.Equal(t, []core.ErrorCode{core.ErrCodeDisconnectManuallyError}, rec.codes())
	_, _, disconnected := rec.counts()
	assert.Equal(t, 1, disconnected)
}

func TestClient_ExceptionThenInactiveReportsOnce(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      core.ErrorCode
		unexpRetr bool
		retries   bool
	}{
		{"network", &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset")}, core.ErrCodeNetworkLost, false, true},
		{"unexpected_with_retry", core.ErrFrameTooLong, core.ErrCodeUnexpectedException, true, true},
		{"unexpected_without_retry", core.ErrFrameTooLong, core.ErrCodeUnexpectedException, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel()
			d := &fakeDialer{dial: func(ctx context.Context) (transport.Channel, error) { return ch, nil }}
			rec := &recorder{}
			cfg := core.DefaultClientConfig("127.0.0.1", 9999).WithRetryOnUnexpected(tt.unexpRetr)
			c, err := New(cfg, rec, WithDialer(d), WithRetryStrategy(retry.Constant(3, time.Hour)))
			require.NoError(t, err)
			releaseOnCleanup(t, c)

			require.Equal(t, core.StateConnected, c.Connect(context.Background()))
			h := ch.h()
			h.ChannelActive(ch)
			h.ExceptionCaught(ch, tt.err)
			h.ExceptionCaught(ch, tt.err)
			h.ChannelInactive(ch)

			assert.Equal(t, []core.ErrorCode{tt.want}, rec.codes())
			assert.Equal(t, core.StateFailed, c.State())
			assert.False(t, ch.IsActive())
			assert.Equal(t, tt.retries, c.retryTimer.Pending())
		})
	}
}

func TestClient_InactiveWithoutException(t *testing.T) {
	ch := newFakeChannel()
	d := &fakeDialer{dial: func(ctx context.Context) (transport.Channel, error) { return ch, nil }}
	rec := &recorder{}
	c, err := New(core.DefaultClientConfig("127.0.0.1", 9999), rec,
		WithDialer(d), WithRetryStrategy(retry.Constant(3, time.Hour)))
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	require.Equal(t, core.StateConnected, c.Connect(context.Background()))
	ch.active.Store(false)
	ch.h().ChannelInactive(ch)
	ch.h().ChannelInactive(ch)

	assert.Equal(t, []core.ErrorCode{core.ErrCodeServerDown}, rec.codes())
	assert.Equal(t, 1, c.RetryCount())
	assert.True(t, c.retryTimer.Pending())
}

func TestClient_ExecuteCommandGating(t *testing.T) {
	ch := newFakeChannel()
	d := &fakeDialer{dial: func(ctx context.Context) (transport.Channel, error) { return ch, nil }}
	c, err := New(core.DefaultClientConfig("127.0.0.1", 9999).WithCommandRateLimit(2, time.Hour), nil, WithDialer(d))
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	assert.False(t, c.ExecuteCommand(codec.TextCommand("before")), "not connected")
	require.Equal(t, core.StateConnected, c.Connect(context.Background()))

	assert.False(t, c.ExecuteCommand(codec.TextCommand("")), "empty payload")
	assert.True(t, c.ExecuteCommand(codec.TextCommand("a")))
	assert.True(t, c.ExecutePingCommand(codec.BinaryCommand([]byte{0x01})))
	assert.False(t, c.ExecuteCommand(codec.TextCommand("b")), "rate limited")

	frames := ch.written()
	require.Len(t, frames, 2)
	assert.Equal(t, []byte("a\n"), frames[0].Data)
	assert.Equal(t, []byte{0x01}, frames[1].Data)

	ch.active.Store(false)
	assert.False(t, c.ExecuteCommand(codec.TextCommand("c")), "inactive channel")
}

func TestClient_RetryHookTakesOver(t *testing.T) {
	d := &fakeDialer{dial: func(ctx context.Context) (transport.Channel, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}}
	var hooked atomic.Int32
	rec := &recorder{}
	c, err := New(core.DefaultClientConfig("127.0.0.1", 9999), rec,
		WithDialer(d),
		WithRetryStrategy(retry.Constant(3, time.Millisecond)),
		WithRetryHook(func(*Client) bool {
			hooked.Add(1)
			return true
		}))
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	assert.Equal(t, core.StateFailed, c.Connect(context.Background()))
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int32(1), hooked.Load())
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, 0, c.RetryCount())
}

func TestClient_CircuitBreakerRejectsDial(t *testing.T) {
	d := &fakeDialer{dial: func(ctx context.Context) (transport.Channel, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}}
	rec := &recorder{}
	cfg := core.DefaultClientConfig("127.0.0.1", 9999).WithCircuitBreaker(true, 1, 1, time.Hour)
	c, err := New(cfg, rec, WithDialer(d), WithRetryHook(func(*Client) bool { return true }))
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	assert.Equal(t, core.StateFailed, c.Connect(context.Background()))
	assert.Equal(t, core.StateFailed, c.Connect(context.Background()))

	assert.Equal(t, int32(1), d.dials.Load())
	codes := rec.codes()
	require.Len(t, codes, 2)
	assert.Equal(t, core.ErrCodeConnectException, codes[1])
	cause := rec.failures[1].cause
	assert.ErrorIs(t, cause, core.ErrCircuitOpen)
	var connErr *core.ConnError
	require.ErrorAs(t, cause, &connErr)
	assert.Equal(t, "127.0.0.1:9999", connErr.Endpoint)
	assert.True(t, core.IsErrorCode(cause, core.ErrCodeConnectException))
	assert.False(t, core.IsTerminalError(cause))
}

// wsEcho is a server side handler that writes every data message back.
type wsEcho struct{}

func (wsEcho) ChannelActive(transport.Channel)          {}
func (wsEcho) ChannelInactive(transport.Channel)        {}
func (wsEcho) ExceptionCaught(transport.Channel, error) {}

func (wsEcho) ChannelRead(ch transport.Channel, msg transport.Message) {
	if !msg.IsData() {
		return
	}
	frame, err := codec.NewEncoder(core.ModeWebSocket).Encode(msg.Payload, false)
	if err == nil {
		_ = ch.Write(frame)
	}
}

// wsGreeter writes a greeting as soon as a client socket opens.
type wsGreeter struct{ wsEcho }

func (wsGreeter) ChannelActive(ch transport.Channel) {
	frame, err := codec.NewEncoder(core.ModeWebSocket).Encode(codec.Text("welcome"), false)
	if err == nil {
		_ = ch.Write(frame)
	}
}

func startWebSocketServer(t *testing.T, h transport.Handler) string {
	t.Helper()
	ln := transport.NewWebSocketListener("127.0.0.1:0", "/ws", transport.ChannelConfig{
		WriteTimeout:   time.Second,
		MaxFrameLength: core.DefaultMaxWebSocketMessage,
	})
	require.NoError(t, ln.Bind(context.Background()))
	go func() { _ = ln.Serve(h) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ln.Shutdown(ctx)
	})
	return "127.0.0.1:" + strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
}

func TestClient_WebSocketRoundTrip(t *testing.T) {
	addr := startWebSocketServer(t, wsEcho{})
	rec := &recorder{}
	cfg := core.DefaultWebSocketClientConfig("ws://" + addr + "/ws").WithConnectTimeout(2 * time.Second)
	c, err := New(cfg, rec)
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	require.Equal(t, core.StateConnected, c.Connect(context.Background()))
	assert.Equal(t, core.ModeWebSocket, c.Mode())
	assert.True(t, c.ExecuteCommand(codec.TextCommand("hello")))
	assert.True(t, c.ExecuteCommand(codec.BinaryCommand([]byte{0xCA, 0xFE})))
	assert.True(t, c.ExecutePingCommand(codec.TextCommand("")))

	require.Eventually(t, func() bool { return len(rec.received()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []codec.Payload{codec.Text("hello"), codec.Binary{0xCA, 0xFE}}, rec.received())

	assert.True(t, c.DisconnectManually())
	_, _, disconnected := rec.counts()
	assert.Equal(t, 1, disconnected)
	assert.Empty(t, rec.codes())
}

func TestClient_WebSocketHandshakeRejected(t *testing.T) {
	addr := startWebSocketServer(t, wsEcho{})
	rec := &recorder{}
	cfg := core.DefaultWebSocketClientConfig("ws://" + addr + "/missing").WithConnectTimeout(2 * time.Second)
	c, err := New(cfg, rec, WithRetryHook(func(*Client) bool { return true }))
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	assert.Equal(t, core.StateFailed, c.Connect(context.Background()))
	assert.Equal(t, []core.ErrorCode{core.ErrCodeUnexpectedException}, rec.codes())
	connecting, connected, _ := rec.counts()
	assert.Equal(t, 1, connecting)
	assert.Equal(t, 0, connected)
}

func TestClient_WebSocketHandshakeTimeout(t *testing.T) {
	// A raw TCP listener that never answers the upgrade request.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	rec := &recorder{}
	cfg := core.DefaultWebSocketClientConfig("ws://" + ln.Addr().String() + "/ws").WithConnectTimeout(100 * time.Millisecond)
	c, err := New(cfg, rec, WithRetryHook(func(*Client) bool { return true }))
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	assert.Equal(t, core.StateFailed, c.Connect(context.Background()))
	require.Len(t, rec.codes(), 1)
	assert.Equal(t, core.ErrCodeUnexpectedException, rec.codes()[0])
}

func TestClient_WebSocketGreetingDeliveredAfterConnected(t *testing.T) {
	addr := startWebSocketServer(t, wsGreeter{})
	tl := &timeline{}
	cfg := core.DefaultWebSocketClientConfig("ws://" + addr + "/ws").WithConnectTimeout(2 * time.Second)
	c, err := New(cfg, tl.funcs())
	require.NoError(t, err)
	releaseOnCleanup(t, c)

	for i := range 20 {
		require.Equal(t, core.StateConnected, c.Connect(context.Background()), "connect %d", i)
		require.Eventually(t, func() bool {
			events, _ := tl.snapshot()
			return len(events) > 0 && events[len(events)-1] == "data"
		}, 2*time.Second, 5*time.Millisecond)
		require.True(t, c.DisconnectManually())
	}

	events, states := tl.snapshot()
	require.Len(t, events, 20*4)
	for i := 0; i < len(events); i += 4 {
		assert.Equal(t, []string{"connecting", "connected", "data", "disconnected"}, events[i:i+4])
		assert.Equal(t, core.StateConnected, states[i+2])
	}
}

func TestClient_SetLoggerKeepsConfiguredLevel(t *testing.T) {
	c, err := New(core.DefaultClientConfig("127.0.0.1", 9999).WithLogLevel("warn"), nil)
	require.NoError(t, err)

	var buf strings.Builder
	c.SetLogger(zerolog.New(&buf))
	c.logger.Info().Msg("hidden")
	c.logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
