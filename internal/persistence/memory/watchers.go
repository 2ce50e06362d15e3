package memory

import (
	"sync"
	"sync/atomic"
)

// watcher re-reads its result set on every notification. Holding mu while reading keeps the
// emissions of one watcher ordered and never older than the previous one.
type watcher struct {
	mu     sync.Mutex
	closed atomic.Bool
	emit   func()
}

func (w *watcher) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return
	}
	w.emit()
}

// hub tracks watchers per user.
type hub struct {
	mu     sync.Mutex
	nextID int
	byUser map[string]map[int]*watcher
}

func newHub() *hub {
	return &hub{byUser: make(map[string]map[int]*watcher)}
}

func (h *hub) add(userID string, w *watcher) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[int]*watcher)
		h.byUser[userID] = set
	}
	set[id] = w
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		if set, ok := h.byUser[userID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(h.byUser, userID)
			}
		}
		h.mu.Unlock()
		w.closed.Store(true)
	}
}

func (h *hub) notify(userID string) {
	h.mu.Lock()
	watchers := make([]*watcher, 0, len(h.byUser[userID]))
	for _, w := range h.byUser[userID] {
		watchers = append(watchers, w)
	}
	h.mu.Unlock()

	for _, w := range watchers {
		w.fire()
	}
}

func (h *hub) count(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byUser[userID])
}
