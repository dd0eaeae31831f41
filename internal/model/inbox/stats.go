package inbox

import (
	"math"
	"sort"
)

// Stats are the derived counters shown on a holder's inbox.
type Stats struct {
	TotalMessages int `json:"totalMessages"`
	Fans          int `json:"fans"`
	FanRate       int `json:"fanRate"`
}

// WithRate fills FanRate as a rounded percentage of fan messages.
func (s Stats) WithRate() Stats {
	if s.TotalMessages <= 0 {
		s.FanRate = 0
		return s
	}
	s.FanRate = int(math.Round(float64(s.Fans) / float64(s.TotalMessages) * 100))
	return s
}

// Filter narrows an inbox listing by message type.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterAnonymous Filter = "anonymous"
	FilterFan       Filter = "fan"
)

// ParseFilter maps a query value to a Filter, defaulting to FilterAll.
func ParseFilter(raw string) (Filter, bool) {
	switch Filter(raw) {
	case "", FilterAll:
		return FilterAll, true
	case FilterAnonymous, FilterFan:
		return Filter(raw), true
	}
	return "", false
}

// Match reports whether m passes the filter.
func (f Filter) Match(m Message) bool {
	switch f {
	case FilterAnonymous:
		return m.MessageType == TypeAnonymous
	case FilterFan:
		return m.MessageType == TypeFan
	}
	return true
}

// SortForInbox orders fan messages first, then newest first.
func SortForInbox(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		if a.IsFan() != b.IsFan() {
			return a.IsFan()
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}
