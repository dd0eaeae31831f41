package inbox

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/zhouzirui/whisper/backend/internal/errs"
	"github.com/zhouzirui/whisper/backend/internal/model/holder"
	"github.com/zhouzirui/whisper/backend/internal/model/inbox"
	"github.com/zhouzirui/whisper/backend/internal/store"
)

const (
	// MaxContentLength is the character limit for an inbox message.
	MaxContentLength = 500

	issueAttempts       = 3
	defaultStoreTimeout = 5 * time.Second
)

// Config 控制收件箱服务的行为。
type Config struct {
	StoreTimeout time.Duration
	// Now overrides the clock; tests pin it to check expiry arithmetic.
	Now    func() time.Time
	Issuer *TokenIssuer
}

// SendResult is what the sender sees after a successful send. Token is only
// set for fan messages and is never returned again.
type SendResult struct {
	Message inbox.Message `json:"message"`
	Token   string        `json:"sessionToken,omitempty"`
}

// Service accepts inbound messages, moderates fan requests and serves the
// holder's inbox.
type Service struct {
	store   store.Store
	holders holder.Directory
	issuer  *TokenIssuer
	now     func() time.Time
	timeout time.Duration
}

// NewService 创建收件箱服务。
func NewService(st store.Store, holders holder.Directory, cfg Config) (*Service, error) {
	if st == nil {
		return nil, errors.New("inbox: store is required")
	}
	if holders == nil {
		return nil, errors.New("inbox: holder directory is required")
	}

	svc := &Service{
		store:   st,
		holders: holders,
		issuer:  cfg.Issuer,
		now:     cfg.Now,
		timeout: cfg.StoreTimeout,
	}
	if svc.issuer == nil {
		svc.issuer = NewTokenIssuer(nil)
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.timeout <= 0 {
		svc.timeout = defaultStoreTimeout
	}
	return svc, nil
}

// Send validates and stores a message for receiverID. Fan messages get a
// pending status and a fresh session token in the same write.
func (s *Service) Send(ctx context.Context, receiverID, content string, messageType inbox.MessageType) (SendResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return SendResult{}, errs.Validation("content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return SendResult{}, errs.Validation("content exceeds 500 characters")
	}
	if !messageType.Valid() {
		return SendResult{}, errs.Validation("unknown message type")
	}
	if _, ok := s.holders.FindByID(receiverID); !ok {
		return SendResult{}, errs.NotFound("receiver not found")
	}

	msg := inbox.Message{
		ID:          uuid.NewString(),
		ReceiverID:  receiverID,
		Content:     content,
		MessageType: messageType,
		CreatedAt:   s.now().UTC().Truncate(time.Millisecond),
	}

	var err error
	if msg.IsFan() {
		msg, err = s.createFan(ctx, msg)
	} else {
		err = s.create(ctx, msg)
	}
	if err != nil {
		return SendResult{}, err
	}

	s.bumpStats(ctx, msg)
	log.Printf("[inbox] stored %s message %s for %s", msg.MessageType, msg.ID, msg.ReceiverID)

	return SendResult{Message: msg, Token: msg.SessionToken}, nil
}

func (s *Service) create(ctx context.Context, msg inbox.Message) error {
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.store.CreateMessage(sctx, msg); err != nil {
		return errs.Store("create message", err)
	}
	return nil
}

// createFan retries on token collisions, which with 256-bit tokens only
// happen when the entropy source is broken.
func (s *Service) createFan(ctx context.Context, msg inbox.Message) (inbox.Message, error) {
	msg.Status = inbox.StatusPending

	var lastErr error
	for attempt := 1; attempt <= issueAttempts; attempt++ {
		issued, err := s.issuer.Issue(msg.CreatedAt)
		if err != nil {
			return inbox.Message{}, errs.Store("issue session token", err)
		}
		msg.SessionToken = issued.Token
		msg.SessionExpiresAt = issued.ExpiresAt

		sctx, cancel := context.WithTimeout(ctx, s.timeout)
		err = s.store.CreateMessage(sctx, msg)
		cancel()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, store.ErrDuplicateToken) {
			return inbox.Message{}, errs.Store("create message", err)
		}
		log.Printf("[inbox] session token collision on attempt %d", attempt)
		lastErr = err
	}
	return inbox.Message{}, errs.Store("issue unique session token", lastErr)
}

// bumpStats updates derived counters. The message is already persisted, so a
// failure here is logged and swallowed.
func (s *Service) bumpStats(ctx context.Context, msg inbox.Message) {
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.store.IncrementStats(sctx, msg.ReceiverID, msg.MessageType); err != nil {
		log.Printf("[inbox] failed to update stats for %s: %v", msg.ReceiverID, err)
	}
}

// List returns the holder's messages matching filter, fan messages first.
func (s *Service) List(ctx context.Context, holderID string, filter inbox.Filter) ([]inbox.Message, error) {
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	all, err := s.store.ListMessages(sctx, holderID)
	if err != nil {
		return nil, errs.Store("list messages", err)
	}

	out := make([]inbox.Message, 0, len(all))
	for _, m := range all {
		if !filter.Match(m) {
			continue
		}
		m.SessionToken = ""
		out = append(out, m)
	}
	inbox.SortForInbox(out)
	return out, nil
}

// Stats returns the holder's counters, or zero values if they cannot be read.
func (s *Service) Stats(ctx context.Context, holderID string) inbox.Stats {
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stats, err := s.store.GetStats(sctx, holderID)
	if err != nil {
		log.Printf("[inbox] stats unavailable for %s: %v", holderID, err)
		return inbox.Stats{}
	}
	return stats.WithRate()
}
