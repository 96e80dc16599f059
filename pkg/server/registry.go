package server

import (
	"fmt"
	"sync"

	"sockline/pkg/transport"
)

// ChannelGroup is a thread-safe registry of connected client channels keyed
// by channel ID. It is written from I/O goroutines and read by command
// dispatch callers.
type ChannelGroup struct {
	mu       sync.RWMutex
	channels map[string]transport.Channel
}

// NewChannelGroup creates an empty group.
func NewChannelGroup() *ChannelGroup {
	return &ChannelGroup{
		channels: make(map[string]transport.Channel),
	}
}

// Add registers ch. A channel with the same ID is replaced.
func (g *ChannelGroup) Add(ch transport.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[ch.ID()] = ch
}

// Remove drops the channel with the given ID and reports whether it was present.
func (g *ChannelGroup) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.channels[id]
	delete(g.channels, id)
	return ok
}

// Get returns the channel with the given ID.
func (g *ChannelGroup) Get(id string) (transport.Channel, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ch, ok := g.channels[id]
	if !ok {
		return nil, fmt.Errorf("channel %q not found", id)
	}
	return ch, nil
}

// Exists reports whether a channel with the given ID is registered.
func (g *ChannelGroup) Exists(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.channels[id]
	return ok
}

func (g *ChannelGroup) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.channels)
}

// Snapshot returns the registered channels in no particular order.
func (g *ChannelGroup) Snapshot() []transport.Channel {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]transport.Channel, 0, len(g.channels))
	for _, ch := range g.channels {
		out = append(out, ch)
	}
	return out
}

// Clear removes every channel without closing it.
func (g *ChannelGroup) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels = make(map[string]transport.Channel)
}
