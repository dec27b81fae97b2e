// Package progress fans provisioning notifications out to the page and to
// websocket subscribers.
package progress

import (
	"context"
	"sync"

	"xrayscope/internal/provision"
)

const defaultHistory = 64

// Broadcaster keeps the most recent events and pushes new ones to every
// subscriber. Notify never blocks; a slow subscriber loses its oldest
// queued event.
type Broadcaster struct {
	mu      sync.Mutex
	limit   int
	history []provision.Event
	subs    map[chan provision.Event]struct{}
}

func New(limit int) *Broadcaster {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &Broadcaster{limit: limit, subs: map[chan provision.Event]struct{}{}}
}

func (b *Broadcaster) Notify(e provision.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, e)
	if over := len(b.history) - b.limit; over > 0 {
		b.history = append([]provision.Event(nil), b.history[over:]...)
	}
	for ch := range b.subs {
		pushEvent(ch, e)
	}
}

// Events returns a copy of the retained history, oldest first.
func (b *Broadcaster) Events() []provision.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]provision.Event(nil), b.history...)
}

// Clear drops the retained history, e.g. before a model reload.
func (b *Broadcaster) Clear() {
	b.mu.Lock()
	b.history = nil
	b.mu.Unlock()
}

// Subscribe returns the history so far and a channel of later events. The
// channel is closed when ctx ends.
func (b *Broadcaster) Subscribe(ctx context.Context) ([]provision.Event, <-chan provision.Event) {
	ch := make(chan provision.Event, 16)
	b.mu.Lock()
	history := append([]provision.Event(nil), b.history...)
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return history, ch
}

func (b *Broadcaster) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func pushEvent(ch chan provision.Event, e provision.Event) {
	select {
	case ch <- e:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- e:
	default:
	}
}
