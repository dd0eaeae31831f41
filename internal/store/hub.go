package store

import (
	"context"
	"sync"

	"github.com/zhouzirui/whisper/backend/internal/model/chat"
)

const defaultHubBuffer = 64

// Hub fans chat messages out to in-process watchers keyed by message id.
// A watcher that falls behind is dropped and its channel closed, which
// tells the caller to resubscribe and replay history.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan chat.Message]struct{}
	buffer int
}

// NewHub creates a hub whose watcher channels hold buffer entries.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	return &Hub{
		subs:   make(map[string]map[chan chat.Message]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a watcher for messageID until ctx ends.
func (h *Hub) Subscribe(ctx context.Context, messageID string) <-chan chat.Message {
	ch := make(chan chat.Message, h.buffer)

	h.mu.Lock()
	set, ok := h.subs[messageID]
	if !ok {
		set = make(map[chan chat.Message]struct{})
		h.subs[messageID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(messageID, ch)
	}()
	return ch
}

// Publish delivers m to every watcher of m.MessageID without blocking.
func (h *Hub) Publish(m chat.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[m.MessageID] {
		select {
		case ch <- m:
		default:
			h.removeLocked(m.MessageID, ch)
		}
	}
}

// CloseAll drops every watcher, e.g. after the upstream notification
// source was lost.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for messageID, set := range h.subs {
		for ch := range set {
			h.removeLocked(messageID, ch)
		}
	}
}

// Watchers returns the number of live watchers for messageID.
func (h *Hub) Watchers(messageID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[messageID])
}

func (h *Hub) remove(messageID string, ch chan chat.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(messageID, ch)
}

func (h *Hub) removeLocked(messageID string, ch chan chat.Message) {
	set, ok := h.subs[messageID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(h.subs, messageID)
	}
}
