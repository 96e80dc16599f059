package transport

import (
	"context"
	"net"
)

// Dialer opens client channels to one endpoint.
type Dialer interface {
	// Dial connects a new channel. It does not start reading; call Serve.
	Dial(ctx context.Context) (Channel, error)
	// Shutdown closes every channel and stops the dialer for good.
	Shutdown(ctx context.Context) error
}

// Listener accepts server channels on one address.
type Listener interface {
	// Bind opens the listening socket.
	Bind(ctx context.Context) error
	// Serve accepts channels until the listener is closed, then returns nil.
	// It returns the error that stopped accepting otherwise.
	Serve(h Handler) error
	// Addr returns the bound address, or nil before Bind.
	Addr() net.Addr
	// Close stops accepting. Accepted channels stay open.
	Close() error
	// Shutdown closes the listener and every accepted channel for good.
	Shutdown(ctx context.Context) error
}

var (
	_ Dialer   = (*TCPDialer)(nil)
	_ Dialer   = (*WebSocketDialer)(nil)
	_ Listener = (*TCPListener)(nil)
	_ Listener = (*WebSocketListener)(nil)
	_ Channel  = (*tcpChannel)(nil)
	_ Channel  = (*wsChannel)(nil)
)
