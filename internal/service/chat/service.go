package chat

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/zhouzirui/whisper/backend/internal/errs"
	"github.com/zhouzirui/whisper/backend/internal/model/chat"
	"github.com/zhouzirui/whisper/backend/internal/model/inbox"
	"github.com/zhouzirui/whisper/backend/internal/store"
)

const (
	// MaxContentLength is the character limit for one chat turn.
	MaxContentLength = 300

	defaultStoreTimeout = 5 * time.Second
	defaultRewatchDelay = 500 * time.Millisecond
	defaultRecheck      = 5 * time.Second
	appendStripes       = 64
)

// Config 控制会话线程服务。
type Config struct {
	StoreTimeout time.Duration
	Now          func() time.Time
	// RewatchDelay is the pause before a lost store watch is reopened.
	RewatchDelay time.Duration
	// RecheckInterval bounds how long an idle fan subscription outlives a
	// rejection.
	RecheckInterval time.Duration
}

// Service encapsulates the chat thread attached to each accepted fan message.
type Service struct {
	store        store.Store
	now          func() time.Time
	timeout      time.Duration
	rewatch      time.Duration
	recheckEvery time.Duration

	// stripes serialise appends per thread so arrival order follows
	// createdAt within this process.
	stripes [appendStripes]sync.Mutex
}

// NewService bootstraps the chat thread service.
func NewService(st store.Store, cfg Config) (*Service, error) {
	if st == nil {
		return nil, errors.New("chat: store is required")
	}
	svc := &Service{
		store:        st,
		now:          cfg.Now,
		timeout:      cfg.StoreTimeout,
		rewatch:      cfg.RewatchDelay,
		recheckEvery: cfg.RecheckInterval,
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.timeout <= 0 {
		svc.timeout = defaultStoreTimeout
	}
	if svc.rewatch <= 0 {
		svc.rewatch = defaultRewatchDelay
	}
	if svc.recheckEvery <= 0 {
		svc.recheckEvery = defaultRecheck
	}
	return svc, nil
}

// Append adds a turn to the thread of messageID. The parent must be an
// accepted fan message at the time of the call.
func (s *Service) Append(ctx context.Context, messageID string, role chat.SenderRole, content string) (chat.Message, error) {
	return s.append(ctx, messageID, role, content, nil)
}

// SendAsFan appends a fan turn using a verified session handle. The handle's
// expiry and the message status are re-checked on every send.
func (s *Service) SendAsFan(ctx context.Context, sess chat.Session, content string) (chat.Message, error) {
	if sess.Expired(s.now()) {
		return chat.Message{}, errs.Expired("session expired")
	}
	return s.append(ctx, sess.MessageID, chat.RoleFan, content, func(m inbox.Message) error {
		if m.SessionToken != sess.Token || m.ReceiverID != sess.ReceiverID {
			return errs.NotFound("invalid token")
		}
		if m.Expired(s.now()) {
			return errs.Expired("session expired")
		}
		return nil
	})
}

// SendAsHolder appends a holder turn after checking ownership.
func (s *Service) SendAsHolder(ctx context.Context, holderID, messageID, content string) (chat.Message, error) {
	return s.append(ctx, messageID, chat.RoleHolder, content, func(m inbox.Message) error {
		if m.ReceiverID != holderID {
			return errs.NotFound("message not found")
		}
		return nil
	})
}

func (s *Service) append(ctx context.Context, messageID string, role chat.SenderRole, content string, check func(inbox.Message) error) (chat.Message, error) {
	if !role.Valid() {
		return chat.Message{}, errs.Validation("unknown sender role")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return chat.Message{}, errs.Validation("content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return chat.Message{}, errs.Validation("content exceeds 300 characters")
	}

	parent, err := s.loadParent(ctx, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if check != nil {
		if err := check(parent); err != nil {
			return chat.Message{}, err
		}
	}
	switch parent.Status {
	case inbox.StatusRejected:
		return chat.Message{}, errs.State("rejected")
	case inbox.StatusPending:
		return chat.Message{}, errs.State("pending")
	}

	mu := s.stripe(messageID)
	mu.Lock()
	defer mu.Unlock()

	message := chat.Message{
		ID:         uuid.NewString(),
		MessageID:  messageID,
		SenderRole: role,
		Content:    content,
		CreatedAt:  s.now().UTC().Truncate(time.Millisecond),
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.CreateChatMessage(sctx, message); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.Message{}, errs.NotFound("message not found")
		}
		return chat.Message{}, errs.Store("append chat message", err)
	}
	return message, nil
}

// History returns the thread so far: the opening turn followed by every chat
// turn in createdAt order.
func (s *Service) History(ctx context.Context, messageID string) ([]chat.Message, error) {
	parent, err := s.loadParent(ctx, messageID)
	if err != nil {
		return nil, err
	}
	turns, err := s.listTurns(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return append([]chat.Message{opening(parent)}, turns...), nil
}

// HolderHistory is History restricted to the owning holder.
func (s *Service) HolderHistory(ctx context.Context, holderID, messageID string) ([]chat.Message, error) {
	if err := s.CheckOwner(ctx, holderID, messageID); err != nil {
		return nil, err
	}
	return s.History(ctx, messageID)
}

// CheckOwner reports NotFound unless messageID is a fan message owned by
// holderID.
func (s *Service) CheckOwner(ctx context.Context, holderID, messageID string) error {
	parent, err := s.loadParent(ctx, messageID)
	if err != nil {
		return err
	}
	if parent.ReceiverID != holderID {
		return errs.NotFound("message not found")
	}
	return nil
}

func (s *Service) loadParent(ctx context.Context, messageID string) (inbox.Message, error) {
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	parent, err := s.store.GetMessage(sctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return inbox.Message{}, errs.NotFound("message not found")
	}
	if err != nil {
		return inbox.Message{}, errs.Store("load message", err)
	}
	if !parent.IsFan() {
		return inbox.Message{}, errs.Validation("chat requires a fan message")
	}
	return parent, nil
}

func (s *Service) listTurns(ctx context.Context, messageID string) ([]chat.Message, error) {
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	turns, err := s.store.ListChatMessages(sctx, messageID)
	if err != nil {
		return nil, errs.Store("list chat messages", err)
	}
	return turns, nil
}

func (s *Service) stripe(messageID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(messageID))
	return &s.stripes[h.Sum32()%appendStripes]
}

// opening renders the originating fan message as turn zero.
func opening(m inbox.Message) chat.Message {
	return chat.Message{
		ID:         m.ID,
		MessageID:  m.ID,
		SenderRole: chat.RoleFan,
		Content:    m.Content,
		Opening:    true,
		CreatedAt:  m.CreatedAt,
	}
}
