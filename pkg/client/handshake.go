package client

import "sync"

// handshake is resolved once with the outcome of a websocket upgrade.
type handshake struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newHandshake() *handshake {
	return &handshake{done: make(chan struct{})}
}

func (h *handshake) resolve(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *handshake) Done() <-chan struct{} {
	return h.done
}

// Err returns the outcome. Only valid after Done is closed.
func (h *handshake) Err() error {
	return h.err
}
