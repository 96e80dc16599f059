package retry

import (
	"sync"
	"time"
)

// Token identifies one scheduled task. A token stays valid until the next
// Schedule or Cancel call.
type Token uint64

// Timer runs at most one deferred task at a time.
type Timer struct {
	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
}

// Schedule replaces any pending task with fn, to run after delay.
// fn receives its token so it can check Valid before acting.
func (t *Timer) Schedule(delay time.Duration, fn func(Token)) Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.gen++
	token := Token(t.gen)
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if Token(t.gen) != token {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		fn(token)
	})
	return token
}

// Cancel revokes every outstanding token and stops the pending timer.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.gen++
}

// Valid reports whether token belongs to the most recent Schedule call
// and has not been cancelled. It stays true while the task runs.
func (t *Timer) Valid(token Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Token(t.gen) == token
}

// Pending reports whether a task is waiting to fire.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *Timer) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
