package chat

import "time"

// Session is the handle a verified fan receives for one accepted message.
type Session struct {
	MessageID      string `json:"messageId"`
	ReceiverID     string `json:"receiverId"`
	Token          string `json:"-"`
	ExpiresAt      int64  `json:"expiresAt"`
	InitialContent string `json:"initialContent"`
}

// Expired reports whether the handle is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt < now.UnixMilli()
}
