package client

import (
	"sockline/pkg/codec"
	"sockline/pkg/core"
)

// Listener receives client lifecycle callbacks. Callbacks may run on the
// caller's goroutine, an I/O goroutine or the retry timer, and are never
// invoked while the client holds its lock.
type Listener interface {
	OnConnecting(c *Client)
	OnConnected(c *Client)
	OnReceivedData(c *Client, data codec.Payload)
	OnDisconnected(c *Client)
	// OnFailed reports a failure. cause may be nil.
	OnFailed(c *Client, code core.ErrorCode, msg string, cause error)
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Connecting   func(c *Client)
	Connected    func(c *Client)
	ReceivedData func(c *Client, data codec.Payload)
	Disconnected func(c *Client)
	Failed       func(c *Client, code core.ErrorCode, msg string, cause error)
}

func (f ListenerFuncs) OnConnecting(c *Client) {
	if f.Connecting != nil {
		f.Connecting(c)
	}
}

func (f ListenerFuncs) OnConnected(c *Client) {
	if f.Connected != nil {
		f.Connected(c)
	}
}

func (f ListenerFuncs) OnReceivedData(c *Client, data codec.Payload) {
	if f.ReceivedData != nil {
		f.ReceivedData(c, data)
	}
}

func (f ListenerFuncs) OnDisconnected(c *Client) {
	if f.Disconnected != nil {
		f.Disconnected(c)
	}
}

func (f ListenerFuncs) OnFailed(c *Client, code core.ErrorCode, msg string, cause error) {
	if f.Failed != nil {
		f.Failed(c, code, msg, cause)
	}
}
