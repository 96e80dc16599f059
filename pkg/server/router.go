package server

import (
	"sockline/pkg/codec"
	"sockline/pkg/core"
	"sockline/pkg/transport"
)

// router maps client channel events onto the registry and the listener.
// Client failures never change the server state.
type router struct {
	s *Server
}

func (r *router) ChannelActive(ch transport.Channel) {
	s := r.s
	s.clients.Add(ch)
	s.liveness.Store(core.ClientConnected)
	s.logger.Info().
		Str("channel", ch.ID()).
		Stringer("remote", ch.RemoteAddr()).
		Int("clients", s.clients.Len()).
		Msg("client connected")
	s.listener.OnClientConnected(s, ch)
}

func (r *router) ChannelInactive(ch transport.Channel) {
	s := r.s
	if !s.clients.Remove(ch.ID()) {
		return
	}
	if s.limiter != nil {
		s.limiter.Forget(ch.ID())
	}
	s.liveness.Store(core.ClientDisconnected)
	s.logger.Info().
		Str("channel", ch.ID()).
		Stringer("remote", ch.RemoteAddr()).
		Int("clients", s.clients.Len()).
		Msg("client disconnected")
	s.listener.OnClientDisconnected(s, ch)
}

func (r *router) ExceptionCaught(ch transport.Channel, err error) {
	r.s.logger.Warn().
		Err(err).
		Str("channel", ch.ID()).
		Stringer("remote", ch.RemoteAddr()).
		Msg("client exception, closing")
	_ = ch.Close()
}

func (r *router) ChannelRead(ch transport.Channel, msg transport.Message) {
	s := r.s
	switch msg.Kind {
	case transport.KindClose:
		s.logger.Info().
			Str("channel", ch.ID()).
			Uint16("code", msg.CloseCode).
			Msg("close frame received")
		_ = ch.Close()
	case transport.KindPing, transport.KindPong:
		s.logger.Debug().
			Str("channel", ch.ID()).
			Str("kind", msg.Kind.String()).
			Msg("control frame")
	case transport.KindText, transport.KindBinary:
		if !codec.IsEmpty(msg.Payload) {
			s.listener.OnReceivedData(s, ch, msg.Payload)
		}
	}
}
