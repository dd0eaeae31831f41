package chat

import "time"

// SenderRole identifies which side of a thread wrote a turn.
type SenderRole string

const (
	RoleHolder SenderRole = "holder"
	RoleFan    SenderRole = "fan"
)

// Valid reports whether r is a known role.
func (r SenderRole) Valid() bool {
	return r == RoleHolder || r == RoleFan
}

// Message is one turn of a fan session thread.
//
// Opening marks the synthetic first turn built from the originating inbox
// message; it is never persisted as a chat record.
type Message struct {
	ID         string     `json:"id"`
	MessageID  string     `json:"messageId"`
	SenderRole SenderRole `json:"senderRole"`
	Content    string     `json:"content"`
	Opening    bool       `json:"opening,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}
