package client

import (
	"sockline/pkg/codec"
	"sockline/pkg/core"
	"sockline/pkg/transport"
)

// router turns channel events into client state transitions. All of its
// fields are guarded by the client's mutex.
type router struct {
	c *Client

	// caught is the channel whose failure was already reported by
	// ExceptionCaught, so its ChannelInactive is not reported again.
	caught transport.Channel

	hs        *handshake
	hsChannel transport.Channel

	// pending holds data read on the current channel before the connect
	// attempt reported CONNECTED. While drainCh is set, new data queues
	// behind it so delivery keeps arrival order.
	pending []codec.Payload
	drainCh transport.Channel
}

func newRouter(c *Client) *router {
	return &router{c: c}
}

// armHandshake must be called with c.mu held.
func (r *router) armHandshake(ch transport.Channel) *handshake {
	r.hs = newHandshake()
	r.hsChannel = ch
	r.pending, r.drainCh = nil, nil
	return r.hs
}

// resolveLocked must be called with c.mu held.
func (r *router) resolveLocked(ch transport.Channel, err error) {
	if r.hs == nil || r.hsChannel != ch {
		return
	}
	r.hs.resolve(err)
	r.hs, r.hsChannel = nil, nil
}

// holdLocked makes ChannelRead queue data for ch until drain runs. It must
// be called with c.mu held.
func (r *router) holdLocked(ch transport.Channel) {
	r.drainCh = ch
}

// drain delivers the data held for ch once OnConnected has run. Held data
// is dropped if ch stopped being the connected channel in the meantime.
func (r *router) drain(ch transport.Channel) {
	c := r.c
	for {
		c.mu.Lock()
		if r.drainCh != ch {
			c.mu.Unlock()
			return
		}
		batch := r.pending
		r.pending = nil
		if len(batch) == 0 || c.channel != ch || c.state != core.StateConnected {
			r.drainCh = nil
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		for _, data := range batch {
			c.listener.OnReceivedData(c, data)
		}
	}
}

// dropPendingLocked must be called with c.mu held.
func (r *router) dropPendingLocked() {
	r.pending, r.drainCh = nil, nil
}

func (r *router) release() {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.hs != nil {
		r.hs.resolve(core.ErrAlreadyReleased)
		r.hs, r.hsChannel = nil, nil
	}
}

func (r *router) ChannelActive(ch transport.Channel) {
	c := r.c
	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	r.caught = nil
	c.mu.Unlock()

	c.logger.Debug().
		Str("channel", ch.ID()).
		Stringer("remote", ch.RemoteAddr()).
		Msg("channel active")
}

func (r *router) ChannelInactive(ch transport.Channel) {
	c := r.c
	c.mu.Lock()
	r.resolveLocked(ch, core.ErrHandshakeAborted)
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	if c.released || c.state == core.StateConnecting {
		c.mu.Unlock()
		return
	}
	c.channel = nil
	if r.caught == ch {
		r.caught = nil
		c.mu.Unlock()
		return
	}
	if c.disconnectManually {
		notify := c.state != core.StateDisconnected
		c.state = core.StateDisconnected
		c.mu.Unlock()
		if notify {
			c.listener.OnDisconnected(c)
		}
		return
	}
	if c.state != core.StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = core.StateFailed
	c.mu.Unlock()

	c.logger.Warn().Str("endpoint", c.endpoint).Str("channel", ch.ID()).Msg("server down")
	c.notifyFailed(core.ErrCodeServerDown, "server down", nil)
	c.doRetry()
}

func (r *router) ExceptionCaught(ch transport.Channel, err error) {
	c := r.c
	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		_ = ch.Close()
		return
	}
	if r.hsChannel == ch || c.state == core.StateConnecting || c.released {
		r.resolveLocked(ch, err)
		c.mu.Unlock()
		_ = ch.Close()
		return
	}
	if r.caught == ch {
		c.mu.Unlock()
		return
	}
	r.caught = ch
	if c.disconnectManually || c.state != core.StateConnected {
		c.mu.Unlock()
		_ = ch.Close()
		return
	}
	c.state = core.StateFailed
	c.mu.Unlock()

	_ = ch.Close()
	code := core.ErrCodeUnexpectedException
	if core.IsNetworkError(err) {
		code = core.ErrCodeNetworkLost
	}
	c.logger.Error().
		Err(err).
		Str("endpoint", c.endpoint).
		Str("channel", ch.ID()).
		Str("code", code.String()).
		Msg("channel exception")
	c.notifyFailed(code, "channel exception", err)
	if code == core.ErrCodeNetworkLost || c.cfg.RetryOnUnexpected {
		c.doRetry()
	}
}

func (r *router) ChannelRead(ch transport.Channel, msg transport.Message) {
	c := r.c
	switch msg.Kind {
	case transport.KindHandshake:
		c.mu.Lock()
		r.resolveLocked(ch, msg.Err)
		c.mu.Unlock()
		return
	case transport.KindClose:
		c.logger.Info().
			Str("endpoint", c.endpoint).
			Uint16("code", msg.CloseCode).
			Msg("close frame received")
		_ = ch.Close()
		return
	case transport.KindPing, transport.KindPong:
		c.logger.Debug().
			Str("endpoint", c.endpoint).
			Str("kind", msg.Kind.String()).
			Msg("control frame")
		return
	}

	if codec.IsEmpty(msg.Payload) {
		return
	}
	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	if c.state == core.StateConnecting || r.drainCh == ch {
		r.pending = append(r.pending, msg.Payload)
		c.mu.Unlock()
		return
	}
	connected := c.state == core.StateConnected
	c.mu.Unlock()
	if connected {
		c.listener.OnReceivedData(c, msg.Payload)
	}
}
