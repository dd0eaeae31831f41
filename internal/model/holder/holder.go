package holder

import (
	"fmt"
	"strings"
)

// Holder is the public face of a profile owner.
type Holder struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// ParseSeed reads holders from "username:id[:display name]" entries
// separated by commas.
func ParseSeed(raw string) ([]Holder, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var holders []Holder
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid holder entry %q: want username:id[:display name]", entry)
		}
		h := Holder{
			Username: strings.ToLower(strings.TrimSpace(parts[0])),
			ID:       strings.TrimSpace(parts[1]),
		}
		if len(parts) == 3 {
			h.DisplayName = strings.TrimSpace(parts[2])
		}
		if h.Username == "" || h.ID == "" {
			return nil, fmt.Errorf("invalid holder entry %q: username and id are required", entry)
		}
		holders = append(holders, h)
	}
	return holders, nil
}

// Seed provides the development holders used when no seed is configured.
func Seed() []Holder {
	return []Holder{
		{ID: "holder-ada", Username: "ada", DisplayName: "Ada"},
		{ID: "holder-linus", Username: "linus", DisplayName: "Linus"},
	}
}
