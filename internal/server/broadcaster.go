package server

import (
	"sync"

	"pilot/internal/runner"
)

// Broadcaster fans runner events out to per-run stream subscribers. Publish
// never blocks: a subscriber that stops draining loses events rather than
// stalling the runner.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[chan runner.Event]struct{}
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan runner.Event]struct{})}
}

// Publish delivers the event to every subscriber of its run.
func (b *Broadcaster) Publish(e runner.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[e.RunID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events for runID and a cancel function.
func (b *Broadcaster) Subscribe(runID string) (<-chan runner.Event, func()) {
	ch := make(chan runner.Event, 32)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan runner.Event]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[runID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, runID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
