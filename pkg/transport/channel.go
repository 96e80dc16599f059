// Package transport carries bytes between a local handler and one remote peer.
// It knows nothing about connection states or retries; it only reports
// channel lifecycle events to a Handler.
package transport

import (
	"net"
	"time"

	"sockline/pkg/codec"
)

// Channel is one open socket to a peer.
type Channel interface {
	// ID returns a unique identifier for the lifetime of the channel.
	ID() string
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// IsActive reports whether the channel can still be written to.
	IsActive() bool
	// Write puts one frame on the wire and flushes it.
	Write(f codec.Frame) error
	// Close closes the socket. It is safe to call more than once.
	Close() error
	// Serve starts reading on the channel's event loop and delivers events to h.
	Serve(h Handler) error
}

// Handler receives channel lifecycle events. Calls for one channel are made
// from a single goroutine and in order: ChannelActive, any number of
// ChannelRead, at most one ExceptionCaught, then ChannelInactive.
type Handler interface {
	ChannelActive(ch Channel)
	ChannelInactive(ch Channel)
	ExceptionCaught(ch Channel, err error)
	ChannelRead(ch Channel, msg Message)
}

// MessageKind classifies an inbound event.
type MessageKind int

const (
	KindText MessageKind = iota
	KindBinary
	// KindHandshake carries the outcome of a client websocket upgrade in Err.
	KindHandshake
	// KindClose is a close frame received from the peer.
	KindClose
	KindPing
	KindPong
)

func (k MessageKind) String() string {
	return [...]string{
		"text",
		"binary",
		"handshake",
		"close",
		"ping",
		"pong",
	}[k]
}

// Message is one decoded inbound event.
type Message struct {
	Kind    MessageKind
	Payload codec.Payload
	Err     error
	// CloseCode is the status code of a KindClose message.
	CloseCode uint16
}

// IsData reports whether the message carries application data.
func (m Message) IsData() bool {
	return m.Kind == KindText || m.Kind == KindBinary
}

// ChannelConfig holds the per-channel settings shared by dialers and listeners.
type ChannelConfig struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	MaxFrameLength int
}
