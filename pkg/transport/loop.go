package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"sockline/pkg/core"
)

// EventLoop owns the goroutines that perform channel I/O. Once shut down it
// refuses new work, so dialers and listeners built on it are one-shot.
type EventLoop struct {
	name     string
	mu       sync.Mutex
	closed   bool
	channels map[string]Channel
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewEventLoop creates an event loop; name appears in log lines.
func NewEventLoop(name string) *EventLoop {
	return &EventLoop{
		name:     name,
		channels: make(map[string]Channel),
		logger:   zerolog.Nop(),
	}
}

// SetLogger configures the logger for the event loop.
func (l *EventLoop) SetLogger(logger zerolog.Logger) {
	l.logger = logger
}

// Go runs fn on a tracked goroutine. It returns core.ErrAlreadyReleased after Shutdown.
func (l *EventLoop) Go(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return core.ErrAlreadyReleased
	}
	l.wg.Go(fn)
	return nil
}

func (l *EventLoop) register(ch Channel) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return core.ErrAlreadyReleased
	}
	l.channels[ch.ID()] = ch
	return nil
}

func (l *EventLoop) unregister(ch Channel) {
	l.mu.Lock()
	delete(l.channels, ch.ID())
	l.mu.Unlock()
}

// Len returns the number of channels currently served.
func (l *EventLoop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.channels)
}

// IsShutdown reports whether Shutdown has been called.
func (l *EventLoop) IsShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Shutdown closes every channel and waits for all goroutines to return or ctx to expire.
// Calling it again only waits.
func (l *EventLoop) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	first := !l.closed
	l.closed = true
	channels := make([]Channel, 0, len(l.channels))
	for _, ch := range l.channels {
		channels = append(channels, ch)
	}
	l.mu.Unlock()

	if first {
		l.logger.Debug().Str("loop", l.name).Int("channels", len(channels)).Msg("shutting down event loop")
	}
	for _, ch := range channels {
		_ = ch.Close()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		l.logger.Warn().Str("loop", l.name).Msg("event loop shutdown timed out")
		return ctx.Err()
	}
}
