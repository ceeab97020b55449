// Package session runs one open chat room: it owns the push channel, the
// message log, read receipts and presence for that room, and exposes the
// operations a UI drives.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/4xmen/jashn/internal/apperr"
	"github.com/4xmen/jashn/internal/attachment"
	"github.com/4xmen/jashn/internal/messagelog"
	"github.com/4xmen/jashn/internal/metrics"
	"github.com/4xmen/jashn/internal/models"
	"github.com/4xmen/jashn/internal/presence"
	"github.com/4xmen/jashn/internal/receipts"
	"github.com/4xmen/jashn/internal/ws"
	"github.com/4xmen/jashn/pkg/i18n"
)

const offlineTimeout = 2 * time.Second

// Backend is every REST call a room session makes.
type Backend interface {
	messagelog.PageSource
	receipts.ReadStatusWriter
	presence.MemberLister
	attachment.Store
	ReadCounts(ctx context.Context, room string) ([]models.ReadCount, error)
	AnnounceOnline(ctx context.Context, room string) error
	AnnounceOffline(ctx context.Context, room string) error
}

// Channel is the push channel as the session uses it. *ws.Channel
// implements it.
type Channel interface {
	Connect(ctx context.Context, onReady func()) error
	Subscribe(topic string, handler ws.Handler) (string, error)
	Publish(destination string, payload any) error
	Disconnect()
}

// ChannelFactory opens a new channel for a room. onStatus must be passed to
// the channel's status hook.
type ChannelFactory func(onStatus func(ws.Status)) Channel

type Options struct {
	Nickname         string
	Backend          Backend
	NewChannel       ChannelFactory
	PageSize         int
	UploadLimit      int64
	PresenceDebounce time.Duration
	ProvisionalTTL   time.Duration
	NearBottom       int
	Locale           string
	Metrics          *metrics.Client

	// OnChange is called after any state change, from any goroutine.
	OnChange func()
	// OnAlert receives bodies from the member's private alert queue.
	OnAlert func(body []byte)
}

// Controller is safe for concurrent use. At most one room is open at a time.
type Controller struct {
	opts Options

	mu      sync.Mutex
	state   State
	gen     uint64
	room    *room
	conn    ws.Status
	scroll  scroll
	saved   scroll
	notices []Notice
}

func New(opts Options) *Controller {
	if opts.PageSize <= 0 {
		opts.PageSize = 10
	}
	if opts.UploadLimit <= 0 {
		opts.UploadLimit = attachment.DefaultLimit
	}
	if opts.ProvisionalTTL <= 0 {
		opts.ProvisionalTTL = 30 * time.Second
	}
	if opts.NearBottom <= 0 {
		opts.NearBottom = 100
	}
	return &Controller{opts: opts, scroll: atBottom}
}

func (c *Controller) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}

// current reports whether r is still the open room. Every asynchronous
// continuation checks it before touching controller state.
func (c *Controller) current(r *room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room == r && c.gen == r.gen
}

func (c *Controller) openRoom() *room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// EnterRoom opens roomID, leaving any room that is still open first. The
// room becomes Live once the channel reports ready.
func (c *Controller) EnterRoom(ctx context.Context, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		c.report("", apperr.ErrNoRoom)
		return apperr.ErrNoRoom
	}
	c.LeaveRoom()

	c.mu.Lock()
	c.gen++
	r := c.newRoom(ctx, roomID, c.gen)
	c.room = r
	c.state = Connecting
	c.scroll, c.saved = atBottom, atBottom
	c.mu.Unlock()

	if err := r.open(); err != nil {
		c.LeaveRoom()
		c.report("failed to connect", err)
		return err
	}
	log.WithField("room", roomID).Info("entered room")
	c.changed()
	return nil
}

// LeaveRoom announces the member offline, closes the channel and clears all
// room state. It returns once the channel is torn down.
func (c *Controller) LeaveRoom() {
	c.mu.Lock()
	r := c.room
	if r == nil {
		c.mu.Unlock()
		return
	}
	c.room = nil
	c.gen++
	c.state = Disconnected
	c.conn = ws.StatusDisconnected
	c.scroll, c.saved = atBottom, atBottom
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), offlineTimeout)
	if err := c.opts.Backend.AnnounceOffline(ctx, r.id); err != nil {
		log.WithError(err).WithField("room", r.id).Warn("announce offline failed")
	}
	cancel()

	r.close()
	log.WithField("room", r.id).Info("left room")
	c.changed()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connection is the push channel's status, for a reconnecting indicator.
func (c *Controller) Connection() ws.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Room returns the open room id, or "".
func (c *Controller) Room() string {
	if r := c.openRoom(); r != nil {
		return r.id
	}
	return ""
}

func (c *Controller) Nickname() string { return c.opts.Nickname }

// RenderedView returns the messages to display, nil when no room is open.
func (c *Controller) RenderedView(order messagelog.Order) []models.Message {
	r := c.openRoom()
	if r == nil {
		return nil
	}
	return r.log.RenderedView(order)
}

func (c *Controller) HasMore() bool {
	r := c.openRoom()
	return r != nil && r.log.HasMore()
}

func (c *Controller) IsSearchMode() bool {
	return c.State() == SearchMode
}

// SearchFilter returns the active filter; the zero value outside search mode.
func (c *Controller) SearchFilter() models.SearchFilter {
	r := c.openRoom()
	if r == nil {
		return models.SearchFilter{}
	}
	return r.log.Filter()
}

func (c *Controller) PresenceList() []models.PresenceEntry {
	r := c.openRoom()
	if r == nil {
		return nil
	}
	return r.dir.List()
}

// ReadCount returns how many members have read up to messageID.
func (c *Controller) ReadCount(messageID int64) (int, bool) {
	r := c.openRoom()
	if r == nil {
		return 0, false
	}
	return r.counts.Count(messageID)
}

// IsProvisional reports whether the message with clientID awaits its echo.
func (c *Controller) IsProvisional(clientID string) bool {
	r := c.openRoom()
	return r != nil && r.log.IsProvisional(clientID)
}

// Notices returns recent notices, oldest first.
func (c *Controller) Notices() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notice(nil), c.notices...)
}

func (c *Controller) notify(level NoticeLevel, kind apperr.Kind, text string) {
	n := Notice{Level: level, Kind: kind, Text: i18n.Translate(c.opts.Locale, text), At: time.Now()}
	c.mu.Lock()
	c.notices = append(c.notices, n)
	if len(c.notices) > maxNotices {
		c.notices = c.notices[len(c.notices)-maxNotices:]
	}
	c.mu.Unlock()
	c.changed()
}

// report logs err and emits an error notice. Validation errors are shown as
// they are; anything else shows fallback.
func (c *Controller) report(fallback string, err error) {
	kind := apperr.KindOf(err)
	text := fallback
	if kind == apperr.Validation || text == "" {
		text = err.Error()
	}
	entry := log.WithError(err).WithField("kind", kind.String())
	if kind == apperr.Validation {
		entry.Info(text)
	} else {
		entry.Warn(text)
	}
	c.notify(NoticeError, kind, text)
}

// SendMessage publishes text as a provisional message. It is confirmed by
// the broadcast echo or rolled back.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	r := c.openRoom()
	if r == nil {
		c.report("", apperr.ErrNoRoom)
		return apperr.ErrNoRoom
	}
	if strings.TrimSpace(text) == "" {
		c.report("", apperr.ErrEmptyMessage)
		return apperr.ErrEmptyMessage
	}
	return r.Send(ctx, text, "")
}

// UploadFile uploads f and posts its storage URL to the room.
func (c *Controller) UploadFile(ctx context.Context, f attachment.File) error {
	r := c.openRoom()
	if r == nil {
		c.report("", apperr.ErrNoRoom)
		return apperr.ErrNoRoom
	}
	if _, err := r.files.Upload(ctx, f); err != nil {
		if c.current(r) {
			c.report("failed to upload file", err)
		}
		return err
	}
	return nil
}

// DeleteAttachment deletes one of the member's own attachments.
func (c *Controller) DeleteAttachment(ctx context.Context, storageURL string) error {
	r := c.openRoom()
	if r == nil {
		c.report("", apperr.ErrNoRoom)
		return apperr.ErrNoRoom
	}
	if err := r.files.Delete(ctx, storageURL); err != nil {
		if c.current(r) {
			c.report("failed to delete file", err)
		}
		return err
	}
	c.changed()
	return nil
}

// EnterSearch replaces the rendered view with results for keyword and
// nickname. Entering from Live saves the scroll state; changing the terms
// while searching keeps the saved state. Empty terms exit search.
func (c *Controller) EnterSearch(ctx context.Context, keyword, nickname string) error {
	filter := models.SearchFilter{Keyword: strings.TrimSpace(keyword), Nickname: strings.TrimSpace(nickname)}
	if !filter.Active() {
		c.ExitSearch()
		return nil
	}

	c.mu.Lock()
	r := c.room
	if r == nil || (c.state != Live && c.state != SearchMode) {
		c.mu.Unlock()
		c.report("", apperr.ErrNotConnected)
		return apperr.ErrNotConnected
	}
	if c.state == Live {
		c.saved = c.scroll
	}
	c.state = SearchMode
	c.scroll = atBottom
	r.log.EnterSearch(filter)
	c.mu.Unlock()
	c.changed()

	c.loadPage(ctx, r, 0)
	return nil
}

// ExitSearch restores the live view, its pagination cursor and the scroll
// state saved on entry, without reloading.
func (c *Controller) ExitSearch() {
	c.mu.Lock()
	r := c.room
	if r == nil || c.state != SearchMode {
		c.mu.Unlock()
		return
	}
	r.log.ExitSearch()
	c.state = Live
	c.scroll = c.saved
	c.mu.Unlock()
	c.changed()
}

// LoadOlder fetches the next older page of the rendered view and returns
// whether more remain. Fetch failures are logged and leave the view as is.
func (c *Controller) LoadOlder(ctx context.Context) bool {
	r := c.openRoom()
	if r == nil {
		return false
	}
	more, err := r.log.LoadOlder(ctx)
	c.pageResult(r, err)
	return more
}

func (c *Controller) loadPage(ctx context.Context, r *room, n int) {
	_, err := r.log.LoadPage(ctx, n)
	c.pageResult(r, err)
}

func (c *Controller) pageResult(r *room, err error) {
	switch {
	case err == nil:
		c.changed()
	case errors.Is(err, messagelog.ErrStale), !c.current(r):
	default:
		log.WithError(err).WithField("room", r.id).Warn("page load failed")
	}
}

// UpdateScroll records how far, in pixels or rows, the viewport is from the
// newest message. Getting near the bottom clears the badge.
func (c *Controller) UpdateScroll(fromBottom int) {
	c.mu.Lock()
	near := fromBottom <= c.opts.NearBottom
	prev := c.scroll
	c.scroll.nearBottom = near
	if near {
		c.scroll.badge = false
	}
	same := prev == c.scroll
	c.mu.Unlock()
	if !same {
		c.changed()
	}
}

// NearBottom reports whether a new message should scroll the view.
func (c *Controller) NearBottom() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scroll.nearBottom
}

// NewMessageBadge reports whether unseen messages arrived while scrolled up.
func (c *Controller) NewMessageBadge() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scroll.badge
}

func (c *Controller) setConn(r *room, s ws.Status) {
	c.mu.Lock()
	if c.room != r {
		c.mu.Unlock()
		return
	}
	prev := c.conn
	c.conn = s
	c.mu.Unlock()
	if prev == s {
		return
	}
	if s == ws.StatusReconnecting {
		log.WithField("room", r.id).Info("push channel dropped, reconnecting")
	}
	c.changed()
}

// ready moves Connecting to Live. Search mode survives a reconnect.
func (c *Controller) ready(r *room) bool {
	c.mu.Lock()
	if c.room != r || c.gen != r.gen {
		c.mu.Unlock()
		return false
	}
	if c.state == Connecting {
		c.state = Live
	}
	c.mu.Unlock()
	c.changed()
	return true
}

// arrived updates the badge for a visible live message.
func (c *Controller) arrived(r *room, m *models.Message) {
	c.mu.Lock()
	if c.room != r {
		c.mu.Unlock()
		return
	}
	if !c.scroll.nearBottom && m.AuthorNickname != c.opts.Nickname {
		c.scroll.badge = true
	}
	c.mu.Unlock()
}
