package inbox

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

const (
	// SessionTTL is how long a fan session token stays valid after the
	// message is created.
	SessionTTL = 7 * 24 * time.Hour

	tokenBytes = 32
)

// IssuedToken is a freshly minted session credential.
type IssuedToken struct {
	Token     string
	ExpiresAt int64
}

// TokenIssuer mints opaque bearer tokens for fan messages.
type TokenIssuer struct {
	source io.Reader
}

// NewTokenIssuer 使用 source 作为随机源，nil 时使用 crypto/rand。
func NewTokenIssuer(source io.Reader) *TokenIssuer {
	if source == nil {
		source = rand.Reader
	}
	return &TokenIssuer{source: source}
}

// Issue returns a 256-bit URL-safe token expiring SessionTTL after now.
func (i *TokenIssuer) Issue(now time.Time) (IssuedToken, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(i.source, buf); err != nil {
		return IssuedToken{}, fmt.Errorf("read token entropy: %w", err)
	}
	return IssuedToken{
		Token:     base64.RawURLEncoding.EncodeToString(buf),
		ExpiresAt: now.Add(SessionTTL).UnixMilli(),
	}, nil
}
