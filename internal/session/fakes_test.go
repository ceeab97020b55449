package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/4xmen/jashn/internal/api"
	"github.com/4xmen/jashn/internal/apperr"
	"github.com/4xmen/jashn/internal/models"
	"github.com/4xmen/jashn/internal/ws"
)

var base = time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)

func msg(id int64, author, content string) *models.Message {
	return &models.Message{
		ID:             id,
		RoomID:         "r1",
		AuthorNickname: author,
		Content:        content,
		Timestamp:      base.Add(time.Duration(id) * time.Second),
	}
}

// events records calls across fakes so tests can check ordering.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeChannel struct {
	ev       *events
	onStatus func(ws.Status)

	mu         sync.Mutex
	handlers   map[string]ws.Handler
	onReady    func()
	published  []models.OutgoingMessage
	publishErr error
	closed     bool
}

func (f *fakeChannel) Connect(ctx context.Context, onReady func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReady = onReady
	f.ev.add("connect")
	return nil
}

func (f *fakeChannel) Subscribe(topic string, h ws.Handler) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	return topic, nil
}

func (f *fakeChannel) Publish(dest string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return apperr.ErrClosed
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, payload.(models.OutgoingMessage))
	return nil
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.ev.add("disconnect")
	}
}

// ready simulates the broker acknowledging a connection.
func (f *fakeChannel) ready() {
	f.mu.Lock()
	fn := f.onReady
	f.mu.Unlock()
	f.onStatus(ws.StatusConnected)
	fn()
}

func (f *fakeChannel) deliver(topic string, env models.Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	h(body)
}

func (f *fakeChannel) sent() []models.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OutgoingMessage(nil), f.published...)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeBackend is an in-memory room served newest first.
type fakeBackend struct {
	ev *events

	mu       sync.Mutex
	msgs     []*models.Message
	members  []models.PresenceEntry
	counts   []models.ReadCount
	marked   []int64
	gate     chan struct{}
	uploads  int
	deleted  []string
	listings int
}

func (b *fakeBackend) add(ms ...*models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, ms...)
}

func (b *fakeBackend) wait(ctx context.Context) error {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func page(items []*models.Message, n, size int) *models.PageResult {
	res := &models.PageResult{Page: models.Page{Number: n, Size: size, TotalPages: (len(items) + size - 1) / size}}
	for i := len(items) - 1 - n*size; i >= 0 && len(res.Items) < size; i-- {
		c := *items[i]
		res.Items = append(res.Items, &c)
	}
	return res
}

func (b *fakeBackend) Messages(ctx context.Context, room string, n, size int) (*models.PageResult, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return page(b.msgs, n, size), nil
}

func (b *fakeBackend) Search(ctx context.Context, room string, filter models.SearchFilter, n, size int) (*models.PageResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var hits []*models.Message
	for _, m := range b.msgs {
		if filter.Matches(m) {
			hits = append(hits, m)
		}
	}
	return page(hits, n, size), nil
}

func (b *fakeBackend) MarkRead(ctx context.Context, room string, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marked = append(b.marked, id)
	return nil
}

func (b *fakeBackend) Members(ctx context.Context, room string) ([]models.PresenceEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listings++
	return append([]models.PresenceEntry(nil), b.members...), nil
}

func (b *fakeBackend) ReadCounts(ctx context.Context, room string) ([]models.ReadCount, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.ReadCount(nil), b.counts...), nil
}

func (b *fakeBackend) AnnounceOnline(ctx context.Context, room string) error {
	b.ev.add("online " + room)
	return nil
}

func (b *fakeBackend) AnnounceOffline(ctx context.Context, room string) error {
	b.ev.add("offline " + room)
	return nil
}

func (b *fakeBackend) Upload(ctx context.Context, room, fileName, contentType string, data []byte) (*api.UploadResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads++
	return &api.UploadResult{StorageURL: "/api/files/stored-" + fileName, FileName: fileName}, nil
}

func (b *fakeBackend) DeleteFile(ctx context.Context, room, storedName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, storedName)
	return nil
}

func (b *fakeBackend) markedIDs() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.marked...)
}

func (b *fakeBackend) listingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listings
}
