package messagelog

import (
	"sort"

	"github.com/4xmen/jashn/internal/models"
)

// sequence keeps messages sorted oldest first, with at most one entry per
// server id and one per provisional client id. Every insert is stamped with a
// monotonic clock so a page reload can tell what arrived while it was in flight.
type sequence struct {
	items   []*models.Message
	ids     map[int64]struct{}
	pending map[string]struct{}
	clock   uint64
	stamps  map[*models.Message]uint64
}

func newSequence() sequence {
	return sequence{
		ids:     make(map[int64]struct{}),
		pending: make(map[string]struct{}),
		stamps:  make(map[*models.Message]uint64),
	}
}

// mark returns the current clock. Entries inserted later compare greater.
func (s *sequence) mark() uint64 { return s.clock }

func (s *sequence) len() int { return len(s.items) }

// upsert merges m and reports whether it added a new entry. A confirmed
// message replaces the provisional entry carrying the same client id.
func (s *sequence) upsert(m *models.Message) bool {
	if m.Provisional() {
		if _, ok := s.pending[m.ClientID]; ok {
			s.removeAt(s.indexOfClient(m.ClientID))
			s.insert(m)
			return false
		}
		s.insert(m)
		return true
	}

	if _, ok := s.ids[m.ID]; ok {
		s.removeAt(s.indexOfID(m.ID))
		s.insert(m)
		return false
	}
	if m.ClientID != "" {
		if _, ok := s.pending[m.ClientID]; ok {
			s.removeAt(s.indexOfClient(m.ClientID))
			s.insert(m)
			return false
		}
	}
	s.insert(m)
	return true
}

func (s *sequence) insert(m *models.Message) {
	i := sort.Search(len(s.items), func(i int) bool { return m.Before(s.items[i]) })
	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = m
	s.clock++
	s.stamps[m] = s.clock
	if m.Provisional() {
		s.pending[m.ClientID] = struct{}{}
	} else {
		s.ids[m.ID] = struct{}{}
	}
}

func (s *sequence) removeAt(i int) *models.Message {
	if i < 0 || i >= len(s.items) {
		return nil
	}
	m := s.items[i]
	s.items = append(s.items[:i], s.items[i+1:]...)
	delete(s.stamps, m)
	if m.Provisional() {
		delete(s.pending, m.ClientID)
	} else {
		delete(s.ids, m.ID)
	}
	return m
}

// Lookups scan from the newest end, where almost all updates land.

func (s *sequence) indexOfID(id int64) int {
	for i := len(s.items) - 1; i >= 0; i-- {
		if !s.items[i].Provisional() && s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *sequence) indexOfClient(clientID string) int {
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].Provisional() && s.items[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

func (s *sequence) indexOfContent(content string) int {
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].Content == content {
			return i
		}
	}
	return -1
}

func (s *sequence) hasClient(clientID string) bool {
	_, ok := s.pending[clientID]
	return ok
}

// replaceWith installs a fresh first page requested at clock since. Provisional
// entries, entries inserted after since and entries newer than the page
// survive. An empty page therefore clears everything the server no longer
// returns.
func (s *sequence) replaceWith(page []*models.Message, since uint64) {
	var newest *models.Message
	for _, m := range page {
		if newest == nil || newest.Before(m) {
			newest = m
		}
	}
	var keep []*models.Message
	for _, m := range s.items {
		if m.Provisional() || s.stamps[m] > since || (newest != nil && newest.Before(m)) {
			keep = append(keep, m)
		}
	}
	oldStamps := s.stamps
	clock := s.clock

	*s = newSequence()
	for _, m := range page {
		s.upsert(m)
	}
	for _, m := range keep {
		s.upsert(m)
	}
	// Page entries count as known at since; survivors keep their own stamps.
	for _, m := range s.items {
		if stamp, ok := oldStamps[m]; ok {
			s.stamps[m] = stamp
		} else {
			s.stamps[m] = since
		}
	}
	s.clock = clock
}

func (s *sequence) newestConfirmed() *models.Message {
	for i := len(s.items) - 1; i >= 0; i-- {
		if !s.items[i].Provisional() {
			return s.items[i]
		}
	}
	return nil
}

func (s *sequence) snapshot(order Order) []models.Message {
	out := make([]models.Message, len(s.items))
	for i, m := range s.items {
		if order == NewestFirst {
			out[len(s.items)-1-i] = *m
		} else {
			out[i] = *m
		}
	}
	return out
}
