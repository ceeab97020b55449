// Package presence keeps the room's member directory and refreshes it from
// the server with a debounce.
package presence

import (
	"sort"
	"sync"

	"github.com/4xmen/jashn/internal/models"
)

// Directory is the latest presence snapshot for one room.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]models.PresenceStatus
}

func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]models.PresenceStatus)}
}

// ApplySnapshot replaces the directory. Entries absent from the snapshot are
// forgotten.
func (d *Directory) ApplySnapshot(entries []models.PresenceEntry) {
	next := make(map[string]models.PresenceStatus, len(entries))
	for _, e := range entries {
		next[e.Nickname] = e.Status
	}
	d.mu.Lock()
	d.entries = next
	d.mu.Unlock()
}

// List returns online members first, each group sorted by nickname.
func (d *Directory) List() []models.PresenceEntry {
	d.mu.RLock()
	out := make([]models.PresenceEntry, 0, len(d.entries))
	for nick, status := range d.entries {
		out = append(out, models.PresenceEntry{Nickname: nick, Status: status})
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		oi, oj := out[i].Status == models.StatusOnline, out[j].Status == models.StatusOnline
		if oi != oj {
			return oi
		}
		return out[i].Nickname < out[j].Nickname
	})
	return out
}

func (d *Directory) Status(nickname string) (models.PresenceStatus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.entries[nickname]
	return s, ok
}

// Online counts members currently online.
func (d *Directory) Online() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, s := range d.entries {
		if s == models.StatusOnline {
			n++
		}
	}
	return n
}

func (d *Directory) Reset() {
	d.ApplySnapshot(nil)
}
