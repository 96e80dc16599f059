package server

import (
	"sockline/pkg/codec"
	"sockline/pkg/core"
	"sockline/pkg/transport"
)

// Listener receives server lifecycle and per-client callbacks. Client
// callbacks run on that client's I/O goroutine.
type Listener interface {
	OnStarted(s *Server)
	OnStartFailed(s *Server, code core.ErrorCode, msg string)
	OnStopped(s *Server)
	OnClientConnected(s *Server, ch transport.Channel)
	OnClientDisconnected(s *Server, ch transport.Channel)
	OnReceivedData(s *Server, ch transport.Channel, data codec.Payload)
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Started            func(s *Server)
	StartFailed        func(s *Server, code core.ErrorCode, msg string)
	Stopped            func(s *Server)
	ClientConnected    func(s *Server, ch transport.Channel)
	ClientDisconnected func(s *Server, ch transport.Channel)
	ReceivedData       func(s *Server, ch transport.Channel, data codec.Payload)
}

func (f ListenerFuncs) OnStarted(s *Server) {
	if f.Started != nil {
		f.Started(s)
	}
}

func (f ListenerFuncs) OnStartFailed(s *Server, code core.ErrorCode, msg string) {
	if f.StartFailed != nil {
		f.StartFailed(s, code, msg)
	}
}

func (f ListenerFuncs) OnStopped(s *Server) {
	if f.Stopped != nil {
		f.Stopped(s)
	}
}

func (f ListenerFuncs) OnClientConnected(s *Server, ch transport.Channel) {
	if f.ClientConnected != nil {
		f.ClientConnected(s, ch)
	}
}

func (f ListenerFuncs) OnClientDisconnected(s *Server, ch transport.Channel) {
	if f.ClientDisconnected != nil {
		f.ClientDisconnected(s, ch)
	}
}

func (f ListenerFuncs) OnReceivedData(s *Server, ch transport.Channel, data codec.Payload) {
	if f.ReceivedData != nil {
		f.ReceivedData(s, ch, data)
	}
}
