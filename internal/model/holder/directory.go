package holder

import "strings"

// Directory resolves holders by username or id. Account management lives
// outside this service; the directory is read-only.
type Directory interface {
	FindByUsername(username string) (Holder, bool)
	FindByID(id string) (Holder, bool)
}

// MemoryDirectory implements Directory over a fixed set of holders.
type MemoryDirectory struct {
	byUsername map[string]Holder
	byID       map[string]Holder
}

// NewMemoryDirectory indexes the supplied holders. Later duplicates win.
func NewMemoryDirectory(items []Holder) *MemoryDirectory {
	d := &MemoryDirectory{
		byUsername: make(map[string]Holder, len(items)),
		byID:       make(map[string]Holder, len(items)),
	}
	for _, item := range items {
		item.Username = strings.ToLower(item.Username)
		d.byUsername[item.Username] = item
		d.byID[item.ID] = item
	}
	return d
}

// FindByUsername looks up a holder by case-insensitive username.
func (d *MemoryDirectory) FindByUsername(username string) (Holder, bool) {
	h, ok := d.byUsername[strings.ToLower(strings.TrimSpace(username))]
	return h, ok
}

// FindByID looks up a holder by identifier.
func (d *MemoryDirectory) FindByID(id string) (Holder, bool) {
	h, ok := d.byID[id]
	return h, ok
}
