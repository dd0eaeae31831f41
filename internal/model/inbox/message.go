package inbox

import "time"

// MessageType distinguishes fire-and-forget notes from fan requests.
type MessageType string

const (
	TypeAnonymous MessageType = "anonymous"
	TypeFan       MessageType = "fan"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t == TypeAnonymous || t == TypeFan
}

// Status is the moderation state of a fan message.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether a fan message may move from s to next.
// Rejected is terminal; an accepted session may still be revoked.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusAccepted || next == StatusRejected
	case StatusAccepted:
		return next == StatusRejected
	}
	return false
}

// Message is one inbound contact addressed to a holder.
//
// Status, SessionToken and SessionExpiresAt are only set for fan messages.
// SessionExpiresAt is an epoch-millisecond timestamp.
type Message struct {
	ID               string      `json:"id"`
	ReceiverID       string      `json:"receiverId"`
	Content          string      `json:"content"`
	MessageType      MessageType `json:"messageType"`
	Status           Status      `json:"status,omitempty"`
	SessionToken     string      `json:"-"`
	SessionExpiresAt int64       `json:"sessionExpiresAt,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// IsFan reports whether the message carries a chat session.
func (m Message) IsFan() bool {
	return m.MessageType == TypeFan
}

// Expired reports whether the fan session is past its expiry at now.
func (m Message) Expired(now time.Time) bool {
	return m.SessionExpiresAt < now.UnixMilli()
}
