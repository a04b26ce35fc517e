// Package memory provides an in-process KV implementation. A single Hub can
// hand out one client per simulated process, which makes multi-process
// coordination scenarios testable without Redis.
package memory

import (
	"context"
	"sync"

	"github.com/tunevault/harvester/internal/store"
)

// Hub owns the shared state and fans change notifications out to every
// client watching a key.
type Hub struct {
	mu       sync.Mutex
	data     map[string][]byte
	watchers map[string][]*watcher
}

type watcher struct {
	processID string
	ch        chan store.Change
	closed    bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		data:     make(map[string][]byte),
		watchers: make(map[string][]*watcher),
	}
}

// Client returns a KV view of the hub for one logical process.
func (h *Hub) Client(processID string) *Store {
	return &Store{hub: h, processID: processID}
}

func (h *Hub) set(key string, value []byte, senderID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data[key] = append([]byte(nil), value...)
	h.notifyLocked(key, senderID)
}

// notifyLocked fans the change out under h.mu. Cancelled watchers leave the
// list and close their channel under the same lock, so a send can never hit
// a closed channel.
func (h *Hub) notifyLocked(key, senderID string) {
	for _, w := range h.watchers[key] {
		select {
		case w.ch <- store.Change{Key: key, Remote: w.processID != senderID}:
		default:
			// Watchers that fall behind miss intermediate updates; they
			// re-read the key on the next notification.
		}
	}
}

func (h *Hub) get(key string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (h *Hub) delete(key string, senderID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.data, key)
	h.notifyLocked(key, senderID)
}

func (h *Hub) watch(key, processID string) (*watcher, func()) {
	w := &watcher{processID: processID, ch: make(chan store.Change, 16)}
	h.mu.Lock()
	h.watchers[key] = append(h.watchers[key], w)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if w.closed {
			return
		}
		w.closed = true
		list := h.watchers[key]
		for i, cand := range list {
			if cand == w {
				h.watchers[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(w.ch)
	}
	return w, cancel
}

// Store implements store.KV against a shared Hub.
type Store struct {
	hub       *Hub
	processID string
}

// Get returns the stored value.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.hub.get(key)
	return v, ok, nil
}

// Set writes the value and notifies watchers across all hub clients.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.hub.set(key, value, s.processID)
	return nil
}

// Delete removes the key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.hub.delete(key, s.processID)
	return nil
}

// Watch subscribes to key changes.
func (s *Store) Watch(_ context.Context, key string) (<-chan store.Change, func(), error) {
	w, cancel := s.hub.watch(key, s.processID)
	return w.ch, cancel, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
