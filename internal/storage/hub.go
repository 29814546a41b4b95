package storage

import (
	"context"
	"sync"

	"github.com/TheMichaelB/notesync/internal/models"
)

// hub fans snapshots out to subscribers. Each subscriber holds at most
// one undelivered snapshot; a newer one replaces it. Stores call publish
// while holding their write lock, so subscribers see commit order.
type hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan []models.Note
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]chan []models.Note)}
}

// active reports whether anyone is listening.
func (h *hub) active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs) > 0
}

// subscribe registers a subscriber primed with the current snapshot.
// The caller must hold the store's lock so no publish interleaves.
func (h *hub) subscribe(ctx context.Context, current []models.Note) <-chan []models.Note {
	ch := make(chan []models.Note, 1)
	ch <- current

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}()

	return ch
}

// publish delivers snapshot to every subscriber without blocking.
func (h *hub) publish(snapshot []models.Note) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

// close ends every subscription.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
