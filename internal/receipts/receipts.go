// Package receipts tracks server-computed read counts and reports the
// member's own read position.
package receipts

import (
	"context"
	"sync"

	"github.com/4xmen/jashn/internal/apperr"
	"github.com/4xmen/jashn/internal/models"
)

// Aggregator holds the latest read-count snapshot for a room. Snapshots
// replace the whole map; counts are never computed locally.
type Aggregator struct {
	mu     sync.RWMutex
	counts map[int64]int
}

func NewAggregator() *Aggregator {
	return &Aggregator{counts: make(map[int64]int)}
}

// ApplySnapshot replaces every count with the ones in counts.
func (a *Aggregator) ApplySnapshot(counts []models.ReadCount) {
	next := make(map[int64]int, len(counts))
	for _, c := range counts {
		next[c.MessageID] = c.Count
	}
	a.mu.Lock()
	a.counts = next
	a.mu.Unlock()
}

func (a *Aggregator) Count(messageID int64) (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.counts[messageID]
	return n, ok
}

// Snapshot returns a copy of the current counts.
func (a *Aggregator) Snapshot() map[int64]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[int64]int, len(a.counts))
	for id, n := range a.counts {
		out[id] = n
	}
	return out
}

func (a *Aggregator) Reset() {
	a.ApplySnapshot(nil)
}

// ReadStatusWriter is the REST call behind markRead.
type ReadStatusWriter interface {
	MarkRead(ctx context.Context, room string, messageID int64) error
}

// Marker writes the member's read position through to the server whenever
// the newest message changes.
type Marker struct {
	room   string
	writer ReadStatusWriter

	mu       sync.Mutex
	last     int64
	inflight int64
}

func NewMarker(room string, writer ReadStatusWriter) *Marker {
	return &Marker{room: room, writer: writer}
}

// Observe marks messageID read unless it is not newer than the last position
// written or already being written. Provisional ids are ignored.
func (m *Marker) Observe(ctx context.Context, messageID int64) error {
	if messageID <= 0 {
		return nil
	}
	m.mu.Lock()
	if messageID <= m.last || messageID <= m.inflight {
		m.mu.Unlock()
		return nil
	}
	m.inflight = messageID
	m.mu.Unlock()

	err := m.writer.MarkRead(ctx, m.room, messageID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight == messageID {
		m.inflight = 0
	}
	if err != nil {
		return apperr.Wrap(apperr.TransientNetwork, "mark read", err)
	}
	if messageID > m.last {
		m.last = messageID
	}
	return nil
}

// Last returns the newest id written successfully.
func (m *Marker) Last() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
