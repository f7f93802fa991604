package emulator

import "sync"

// hub tells listen sessions that a database changed. Notifications
// coalesce: a session that has not consumed the previous one re-queries
// once for both.
type hub struct {
	mu   sync.Mutex
	subs map[chan struct{}]string
}

func newHub() *hub {
	return &hub{subs: make(map[chan struct{}]string)}
}

// subscribe registers interest in database. The returned function
// unsubscribes.
func (h *hub) subscribe(database string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.subs[ch] = database
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

func (h *hub) publish(database string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, db := range h.subs {
		if db != database {
			continue
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
