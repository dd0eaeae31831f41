// Package store declares the persistence contract used by the inbox, session
// and chat services. Implementations live in the memory, dynamodb and
// postgres subpackages.
package store

import (
	"context"
	"errors"

	"github.com/zhouzirui/whisper/backend/internal/model/chat"
	"github.com/zhouzirui/whisper/backend/internal/model/inbox"
)

var (
	ErrNotFound       = errors.New("store: record not found")
	ErrConflict       = errors.New("store: conditional update failed")
	ErrDuplicateToken = errors.New("store: session token already in use")
)

// Store is the record store behind the services. Every method is a single
// atomic document operation; nothing relies on cross-document transactions.
type Store interface {
	// CreateMessage persists m. For fan messages the session token is
	// claimed in the same write; a clash yields ErrDuplicateToken.
	CreateMessage(ctx context.Context, m inbox.Message) error
	GetMessage(ctx context.Context, id string) (inbox.Message, error)
	// FindFanMessage returns the fan message bound to token and receiverID.
	FindFanMessage(ctx context.Context, token, receiverID string) (inbox.Message, error)
	ListMessages(ctx context.Context, receiverID string) ([]inbox.Message, error)
	// UpdateStatus sets status to next only if it currently equals expected.
	UpdateStatus(ctx context.Context, id string, expected, next inbox.Status) error

	IncrementStats(ctx context.Context, receiverID string, t inbox.MessageType) error
	GetStats(ctx context.Context, receiverID string) (inbox.Stats, error)

	CreateChatMessage(ctx context.Context, m chat.Message) error
	// ListChatMessages returns the thread in createdAt order, ties by arrival.
	ListChatMessages(ctx context.Context, messageID string) ([]chat.Message, error)
	// WatchChat delivers chat messages persisted for messageID after the
	// call, at least once. The channel closes when ctx ends or when the
	// watch is lost; callers resubscribe in the latter case.
	WatchChat(ctx context.Context, messageID string) (<-chan chat.Message, error)

	Close() error
}
