package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/zhouzirui/whisper/backend/internal/model/chat"
	"github.com/zhouzirui/whisper/backend/internal/model/inbox"
	"github.com/zhouzirui/whisper/backend/internal/store"
)

// Store keeps every record in process memory. Suitable for development and
// tests; state is lost on restart.
type Store struct {
	mu       sync.RWMutex
	messages map[string]inbox.Message
	tokens   map[string]string
	inboxes  map[string][]string
	stats    map[string]inbox.Stats
	chats    map[string][]chat.Message
	hub      *store.Hub
}

var _ store.Store = (*Store)(nil)

// New bootstraps an empty in-memory store.
func New() *Store {
	return &Store{
		messages: make(map[string]inbox.Message),
		tokens:   make(map[string]string),
		inboxes:  make(map[string][]string),
		stats:    make(map[string]inbox.Stats),
		chats:    make(map[string][]chat.Message),
		hub:      store.NewHub(0),
	}
}

func (s *Store) CreateMessage(ctx context.Context, m inbox.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.SessionToken != "" {
		if _, taken := s.tokens[m.SessionToken]; taken {
			return store.ErrDuplicateToken
		}
		s.tokens[m.SessionToken] = m.ID
	}
	s.messages[m.ID] = m
	s.inboxes[m.ReceiverID] = append(s.inboxes[m.ReceiverID], m.ID)
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (inbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return inbox.Message{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return inbox.Message{}, store.ErrNotFound
	}
	return m, nil
}

func (s *Store) FindFanMessage(ctx context.Context, token, receiverID string) (inbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return inbox.Message{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[token]
	if !ok {
		return inbox.Message{}, store.ErrNotFound
	}
	m := s.messages[id]
	if m.ReceiverID != receiverID || m.MessageType != inbox.TypeFan {
		return inbox.Message{}, store.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, receiverID string) ([]inbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.inboxes[receiverID]
	out := make([]inbox.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.messages[id])
	}
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, expected, next inbox.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	if m.Status != expected {
		return store.ErrConflict
	}
	m.Status = next
	s.messages[id] = m
	return nil
}

func (s *Store) IncrementStats(ctx context.Context, receiverID string, t inbox.MessageType) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats[receiverID]
	st.TotalMessages++
	if t == inbox.TypeFan {
		st.Fans++
	}
	s.stats[receiverID] = st
	return nil
}

func (s *Store) GetStats(ctx context.Context, receiverID string) (inbox.Stats, error) {
	if err := ctx.Err(); err != nil {
		return inbox.Stats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats[receiverID], nil
}

func (s *Store) CreateChatMessage(ctx context.Context, m chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.messages[m.MessageID]; !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	s.chats[m.MessageID] = append(s.chats[m.MessageID], m)
	s.mu.Unlock()

	s.hub.Publish(m)
	return nil
}

func (s *Store) ListChatMessages(ctx context.Context, messageID string) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	copied := make([]chat.Message, len(s.chats[messageID]))
	copy(copied, s.chats[messageID])
	s.mu.RUnlock()

	sort.SliceStable(copied, func(i, j int) bool {
		return copied[i].CreatedAt.Before(copied[j].CreatedAt)
	})
	return copied, nil
}

func (s *Store) WatchChat(ctx context.Context, messageID string) (<-chan chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, messageID), nil
}

func (s *Store) Close() error {
	s.hub.CloseAll()
	return nil
}
