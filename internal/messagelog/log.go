// Package messagelog merges paginated history, live pushes and search results
// into one ordered, de-duplicated message sequence per room.
package messagelog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/4xmen/jashn/internal/apperr"
	"github.com/4xmen/jashn/internal/metrics"
	"github.com/4xmen/jashn/internal/models"
)

// Order selects the direction of RenderedView.
type Order int

const (
	// Chronological is oldest first.
	Chronological Order = iota
	// NewestFirst suits displays that reverse into chat order.
	NewestFirst
)

// ErrStale is returned by LoadPage when the view changed while the page was
// in flight. The page is discarded.
var ErrStale = errors.New("messagelog: page result is stale")

// PageSource is the REST collaborator the log pulls pages from.
type PageSource interface {
	Messages(ctx context.Context, room string, page, size int) (*models.PageResult, error)
	Search(ctx context.Context, room string, filter models.SearchFilter, page, size int) (*models.PageResult, error)
}

// view is one paginated sequence with its own cursor.
type view struct {
	seq     sequence
	next    int
	hasMore bool
	epoch   uint64
	loading bool
	primed  bool
}

func newView() view {
	return view{seq: newSequence()}
}

// Live reports what ReceiveLive did with a message.
type Live struct {
	// Added is false for duplicates and confirmations of provisional entries.
	Added bool
	// Visible is true when the message is part of the rendered view.
	Visible bool
}

// Log is safe for concurrent use.
type Log struct {
	room     string
	source   PageSource
	pageSize int
	metrics  *metrics.Client

	mu     sync.Mutex
	live   view
	search view
	filter models.SearchFilter
	closed bool
}

func New(room string, source PageSource, pageSize int, m *metrics.Client) *Log {
	if pageSize <= 0 {
		pageSize = 10
	}
	return &Log{
		room:     room,
		source:   source,
		pageSize: pageSize,
		metrics:  m,
		live:     newView(),
		search:   newView(),
	}
}

func (l *Log) Room() string { return l.room }

// active returns the view backing RenderedView. Callers hold mu.
func (l *Log) active() *view {
	if l.filter.Active() {
		return &l.search
	}
	return &l.live
}

func viewName(searching bool) string {
	if searching {
		return "search"
	}
	return "live"
}

// LoadPage fetches page n of the active view. Page 0 replaces the view, any
// other page merges into its older end. It returns the updated hasMore.
func (l *Log) LoadPage(ctx context.Context, n int) (bool, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false, apperr.ErrClosed
	}
	searching := l.filter.Active()
	filter := l.filter
	v := l.active()
	epoch := v.epoch
	since := v.seq.mark()
	v.loading = true
	l.mu.Unlock()

	var (
		res *models.PageResult
		err error
	)
	if searching {
		res, err = l.source.Search(ctx, l.room, filter, n, l.pageSize)
	} else {
		res, err = l.source.Messages(ctx, l.room, n, l.pageSize)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	v = &l.live
	if searching {
		v = &l.search
	}
	if l.closed || v.epoch != epoch {
		l.metrics.Stale()
		return l.active().hasMore, ErrStale
	}
	v.loading = false
	if err != nil {
		l.metrics.PageLoad(viewName(searching), "error")
		return v.hasMore, apperr.Wrap(apperr.TransientNetwork, "load page", err)
	}
	l.metrics.PageLoad(viewName(searching), "ok")

	if n == 0 {
		v.seq.replaceWith(res.Items, since)
	} else {
		for _, m := range res.Items {
			if !v.seq.upsert(m) {
				l.metrics.Duplicate()
			}
		}
	}
	v.next = n + 1
	v.hasMore = res.HasMore(l.pageSize)
	v.primed = true
	return v.hasMore, nil
}

// LoadOlder fetches the next page of the active view. It is a no-op while a
// load is in flight or when no older page exists.
func (l *Log) LoadOlder(ctx context.Context) (bool, error) {
	l.mu.Lock()
	v := l.active()
	if v.loading || (v.primed && !v.hasMore) {
		more := v.hasMore
		l.mu.Unlock()
		return more, nil
	}
	next := v.next
	l.mu.Unlock()
	return l.LoadPage(ctx, next)
}

// Refresh merges the newest page into the live log without resetting its
// cursor. Used after a reconnect to fetch whatever was missed.
func (l *Log) Refresh(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return apperr.ErrClosed
	}
	epoch := l.live.epoch
	l.mu.Unlock()

	res, err := l.source.Messages(ctx, l.room, 0, l.pageSize)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.live.epoch != epoch {
		l.metrics.Stale()
		return ErrStale
	}
	if err != nil {
		l.metrics.PageLoad("live", "error")
		return apperr.Wrap(apperr.TransientNetwork, "refresh", err)
	}
	l.metrics.PageLoad("live", "ok")
	for _, m := range res.Items {
		l.mergeLive(m)
	}
	if !l.live.primed {
		l.live.next = 1
		l.live.hasMore = res.HasMore(l.pageSize)
		l.live.primed = true
	}
	return nil
}

// mergeLive upserts m into the live log and, when it matches the filter,
// into the search view. Callers hold mu.
func (l *Log) mergeLive(m *models.Message) Live {
	added := l.live.seq.upsert(m)
	if !added {
		l.metrics.Duplicate()
	}
	if !l.filter.Active() {
		return Live{Added: added, Visible: true}
	}
	if l.filter.Matches(m) || (m.ClientID != "" && l.search.seq.hasClient(m.ClientID)) {
		l.search.seq.upsert(m)
		return Live{Added: added, Visible: true}
	}
	return Live{Added: added}
}

// ReceiveLive merges a pushed message. A message whose client id matches a
// provisional entry confirms it in place.
func (l *Log) ReceiveLive(m *models.Message) Live {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || m == nil {
		return Live{}
	}
	l.metrics.Live()
	return l.mergeLive(m)
}

// ReconcileProvisional replaces the provisional entry clientID with the
// confirmed message. Without a provisional match it behaves as ReceiveLive.
func (l *Log) ReconcileProvisional(clientID string, confirmed *models.Message) Live {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || confirmed == nil {
		return Live{}
	}
	if clientID != "" && confirmed.ClientID != clientID {
		c := *confirmed
		c.ClientID = clientID
		confirmed = &c
	}
	return l.mergeLive(confirmed)
}

// AddProvisional appends an optimistic entry and returns it.
func (l *Log) AddProvisional(author, content, fileName string) *models.Message {
	m := &models.Message{
		ClientID:       uuid.NewString(),
		RoomID:         l.room,
		AuthorNickname: author,
		Content:        content,
		FileName:       fileName,
		Timestamp:      time.Now(),
	}
	out := *m
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return &out
	}
	l.live.seq.upsert(m)
	if l.filter.Active() && l.filter.Matches(m) {
		l.search.seq.upsert(m)
	}
	return &out
}

// DropProvisional rolls back an optimistic entry. It reports whether the
// entry was still provisional.
func (l *Log) DropProvisional(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropProvisional(clientID)
}

func (l *Log) dropProvisional(clientID string) bool {
	dropped := l.live.seq.removeAt(l.live.seq.indexOfClient(clientID)) != nil
	l.search.seq.removeAt(l.search.seq.indexOfClient(clientID))
	return dropped
}

// ExpireProvisional removes provisional entries created before cutoff and
// returns them.
func (l *Log) ExpireProvisional(cutoff time.Time) []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var expired []models.Message
	for _, m := range append([]*models.Message(nil), l.live.seq.items...) {
		if m.Provisional() && m.Timestamp.Before(cutoff) {
			expired = append(expired, *m)
			l.dropProvisional(m.ClientID)
		}
	}
	return expired
}

// IsProvisional reports whether clientID is still awaiting its echo.
func (l *Log) IsProvisional(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live.seq.hasClient(clientID)
}

// FindByContent returns the newest message whose content equals content.
func (l *Log) FindByContent(content string) (models.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.live.seq.indexOfContent(content)
	if i < 0 {
		return models.Message{}, false
	}
	return *l.live.seq.items[i], true
}

// RemoveByContent deletes every message whose content equals content from
// both views and returns how many live entries were removed.
func (l *Log) RemoveByContent(content string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i := l.live.seq.indexOfContent(content); i >= 0; i = l.live.seq.indexOfContent(content) {
		l.live.seq.removeAt(i)
		n++
	}
	for i := l.search.seq.indexOfContent(content); i >= 0; i = l.search.seq.indexOfContent(content) {
		l.search.seq.removeAt(i)
	}
	return n
}

// EnterSearch switches the rendered view to a fresh search view for filter.
// The live log and its cursor are kept untouched. Call LoadPage(ctx, 0) to
// fetch the first result page.
func (l *Log) EnterSearch(filter models.SearchFilter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	epoch := l.search.epoch + 1
	l.search = newView()
	l.search.epoch = epoch
	l.filter = filter
}

// ExitSearch drops the search view and restores the live view.
func (l *Log) ExitSearch() {
	l.EnterSearch(models.SearchFilter{})
}

func (l *Log) IsSearchMode() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filter.Active()
}

func (l *Log) Filter() models.SearchFilter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filter
}

// HasMore reports whether the active view has older pages.
func (l *Log) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active().hasMore
}

// Loaded reports whether the live log has received its first page.
func (l *Log) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live.primed
}

// Newest returns the newest confirmed message in the live log.
func (l *Log) Newest() (models.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.live.seq.newestConfirmed()
	if m == nil {
		return models.Message{}, false
	}
	return *m, true
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active().seq.len()
}

// RenderedView returns the active view: the search results in search mode,
// the full log otherwise.
func (l *Log) RenderedView(order Order) []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active().seq.snapshot(order)
}

// Reset empties both views. In-flight pages for either view are discarded.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset()
}

func (l *Log) reset() {
	liveEpoch, searchEpoch := l.live.epoch+1, l.search.epoch+1
	l.live, l.search = newView(), newView()
	l.live.epoch, l.search.epoch = liveEpoch, searchEpoch
	l.filter = models.SearchFilter{}
}

// Close resets the log and rejects further mutation.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset()
	l.closed = true
}
