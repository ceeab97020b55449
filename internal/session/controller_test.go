package session

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/4xmen/jashn/internal/apperr"
	"github.com/4xmen/jashn/internal/attachment"
	"github.com/4xmen/jashn/internal/messagelog"
	"github.com/4xmen/jashn/internal/models"
	"github.com/4xmen/jashn/internal/ws"
)

type harness struct {
	t       *testing.T
	ev      *events
	backend *fakeBackend
	c       *Controller

	mu       sync.Mutex
	channels []*fakeChannel
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	ev := &events{}
	h := &harness{
		t:  t,
		ev: ev,
		backend: &fakeBackend{
			ev:      ev,
			members: []models.PresenceEntry{{Nickname: "sadegh", Status: models.StatusOnline}},
			counts:  []models.ReadCount{{MessageID: 999, Count: 1}},
		},
	}
	opts := Options{
		Nickname: "sadegh",
		Backend:  h.backend,
		NewChannel: func(onStatus func(ws.Status)) Channel {
			ch := &fakeChannel{ev: ev, onStatus: onStatus, handlers: make(map[string]ws.Handler)}
			h.mu.Lock()
			h.channels = append(h.channels, ch)
			h.mu.Unlock()
			return ch
		},
		PageSize:         10,
		PresenceDebounce: 20 * time.Millisecond,
		ProvisionalTTL:   time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.c = New(opts)
	t.Cleanup(h.c.LeaveRoom)
	return h
}

func (h *harness) channel() *fakeChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channels[len(h.channels)-1]
}

// enterLive opens room and waits until the ready-time fetches have landed.
func (h *harness) enterLive(room string) *fakeChannel {
	h.t.Helper()
	require.NoError(h.t, h.c.EnterRoom(context.Background(), room))
	ch := h.channel()
	ch.ready()
	require.Eventually(h.t, func() bool {
		r := h.c.openRoom()
		_, counted := h.c.ReadCount(999)
		return h.c.State() == Live && r != nil && r.log.Loaded() && len(h.c.PresenceList()) == 1 && counted
	}, 2*time.Second, 5*time.Millisecond)
	return ch
}

func (h *harness) view() []models.Message {
	return h.c.RenderedView(messagelog.Chronological)
}

func (h *harness) lastNotice() string {
	n := h.c.Notices()
	if len(n) == 0 {
		return ""
	}
	return n[len(n)-1].Text
}

func ids(view []models.Message) []int64 {
	out := make([]int64, 0, len(view))
	for _, m := range view {
		out = append(out, m.ID)
	}
	return out
}

func seq(from, to int64) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func live(m *models.Message) models.Envelope {
	return models.Envelope{Type: models.EnvelopeMessage, Message: m}
}

func TestEnterRoomPrimesOnReady(t *testing.T) {
	h := newHarness(t, nil)
	for i := 1; i <= 15; i++ {
		h.backend.add(msg(int64(i), "ali", "message"))
	}
	h.backend.counts = append(h.backend.counts, models.ReadCount{MessageID: 15, Count: 2})

	require.NoError(t, h.c.EnterRoom(context.Background(), "r1"))
	require.Equal(t, Connecting, h.c.State())
	require.Equal(t, "r1", h.c.Room())

	h.channel().ready()
	require.Eventually(t, func() bool {
		n, _ := h.c.ReadCount(15)
		marked := h.backend.markedIDs()
		return len(h.view()) == 10 && n == 2 && len(marked) == 1 && marked[0] == 15
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, Live, h.c.State())
	require.Equal(t, ws.StatusConnected, h.c.Connection())
	require.True(t, h.c.HasMore())
	require.Contains(t, h.ev.list(), "online r1")

	require.False(t, h.c.LoadOlder(context.Background()))
	require.Equal(t, seq(1, 15), ids(h.view()))
}

func TestSendMessageConfirmedByEcho(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.add(msg(1, "ali", "a"), msg(2, "ali", "b"))
	ch := h.enterLive("r1")

	require.NoError(t, h.c.SendMessage(context.Background(), "salam"))
	view := h.view()
	require.Len(t, view, 3)
	require.True(t, view[2].Provisional())

	sent := ch.sent()
	require.Len(t, sent, 1)
	require.Equal(t, "salam", sent[0].Content)
	require.True(t, h.c.IsProvisional(sent[0].ClientID))

	echo := msg(42, "sadegh", "salam")
	echo.ClientID = sent[0].ClientID
	ch.deliver(ws.RoomTopic("r1"), live(echo))

	require.Equal(t, []int64{1, 2, 42}, ids(h.view()))
	require.False(t, h.c.IsProvisional(sent[0].ClientID))
	require.Eventually(t, func() bool {
		for _, id := range h.backend.markedIDs() {
			if id == 42 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(t, nil)
	require.ErrorIs(t, h.c.SendMessage(context.Background(), "hi"), apperr.ErrNoRoom)

	ch := h.enterLive("r1")
	require.ErrorIs(t, h.c.SendMessage(context.Background(), "   "), apperr.ErrEmptyMessage)
	require.Empty(t, ch.sent())
	require.Empty(t, h.view())
	require.Equal(t, "message is empty", h.lastNotice())
}

func TestNoticesAreTranslated(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Locale = "fa_IR" })
	h.enterLive("r1")

	require.Error(t, h.c.SendMessage(context.Background(), ""))
	require.Equal(t, "پیام خالی است", h.lastNotice())
}

func TestPublishFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.add(msg(1, "ali", "a"))
	ch := h.enterLive("r1")
	ch.publishErr = apperr.ErrNotConnected

	err := h.c.SendMessage(context.Background(), "salam")
	require.ErrorIs(t, err, apperr.ErrNotConnected)
	require.Equal(t, []int64{1}, ids(h.view()))
	require.Equal(t, "failed to send message", h.lastNotice())
}

func TestProvisionalExpiresWithoutEcho(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ProvisionalTTL = 40 * time.Millisecond })
	h.enterLive("r1")

	require.NoError(t, h.c.SendMessage(context.Background(), "lost in transit"))
	require.Len(t, h.view(), 1)

	require.Eventually(t, func() bool {
		return len(h.view()) == 0 && h.lastNotice() == "failed to send message"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewMessageBadge(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.enterLive("r1")
	topic := ws.RoomTopic("r1")

	ch.deliver(topic, live(msg(1, "ali", "at the bottom")))
	require.False(t, h.c.NewMessageBadge())

	h.c.UpdateScroll(500)
	require.False(t, h.c.NearBottom())
	ch.deliver(topic, live(msg(2, "sadegh", "my own echo")))
	require.False(t, h.c.NewMessageBadge())
	ch.deliver(topic, live(msg(3, "ali", "while scrolled up")))
	require.True(t, h.c.NewMessageBadge())

	h.c.UpdateScroll(100)
	require.True(t, h.c.NearBottom())
	require.False(t, h.c.NewMessageBadge())
}

func TestSearchRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	for i := 1; i <= 12; i++ {
		h.backend.add(msg(int64(i), "mina", "message"))
	}
	h.backend.add(msg(13, "ali", "festival tickets"))
	ch := h.enterLive("r1")
	before := ids(h.view())
	require.Equal(t, seq(4, 13), before)
	h.c.UpdateScroll(500)

	require.NoError(t, h.c.EnterSearch(context.Background(), "festival", ""))
	require.Equal(t, SearchMode, h.c.State())
	require.True(t, h.c.IsSearchMode())
	require.Equal(t, "festival", h.c.SearchFilter().Keyword)
	require.Equal(t, []int64{13}, ids(h.view()))
	require.True(t, h.c.NearBottom())

	h.c.UpdateScroll(500)
	ch.deliver(ws.RoomTopic("r1"), live(msg(14, "ali", "unrelated")))
	require.False(t, h.c.NewMessageBadge())
	ch.deliver(ws.RoomTopic("r1"), live(msg(15, "ali", "festival bus")))
	require.True(t, h.c.NewMessageBadge())
	require.Equal(t, []int64{13, 15}, ids(h.view()))

	h.c.ExitSearch()
	require.Equal(t, Live, h.c.State())
	require.Equal(t, append(before, 14, 15), ids(h.view()))
	require.True(t, h.c.HasMore())
	require.False(t, h.c.NearBottom())
	require.False(t, h.c.NewMessageBadge())

	require.NoError(t, h.c.EnterSearch(context.Background(), " ", ""))
	require.Equal(t, Live, h.c.State())
}

func TestEnterSearchNeedsLiveRoom(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.EnterRoom(context.Background(), "r1"))

	err := h.c.EnterSearch(context.Background(), "x", "")
	require.ErrorIs(t, err, apperr.ErrNotConnected)
	require.Equal(t, Connecting, h.c.State())
}

func TestPresenceBroadcasts(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.enterLive("r1")
	topic := ws.PresenceTopic("r1")

	ch.deliver(topic, models.Envelope{Type: models.EnvelopePresence, Members: []models.PresenceEntry{
		{Nickname: "A", Status: models.StatusOnline},
		{Nickname: "B", Status: models.StatusOffline},
	}})
	ch.deliver(topic, models.Envelope{Type: models.EnvelopePresence, Members: []models.PresenceEntry{
		{Nickname: "A", Status: models.StatusOffline},
		{Nickname: "B", Status: models.StatusOnline},
	}})
	require.Equal(t, []models.PresenceEntry{
		{Nickname: "B", Status: models.StatusOnline},
		{Nickname: "A", Status: models.StatusOffline},
	}, h.c.PresenceList())

	h.backend.mu.Lock()
	h.backend.members = []models.PresenceEntry{{Nickname: "C", Status: models.StatusOnline}}
	h.backend.mu.Unlock()
	listed := h.backend.listingCount()
	for i := 0; i < 5; i++ {
		ch.deliver(topic, models.Envelope{Type: models.EnvelopePresence})
	}
	require.Eventually(t, func() bool {
		list := h.c.PresenceList()
		return len(list) == 1 && list[0].Nickname == "C"
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, listed+1, h.backend.listingCount())
}

func TestCountBroadcastReplacesSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.enterLive("r1")
	topic := ws.RoomTopic("r1")

	ch.deliver(topic, models.Envelope{Type: models.EnvelopeCount, Counts: []models.ReadCount{{MessageID: 5, Count: 3}}})
	n, ok := h.c.ReadCount(5)
	require.True(t, ok)
	require.Equal(t, 3, n)

	ch.deliver(topic, models.Envelope{Type: models.EnvelopeCount, Counts: []models.ReadCount{{MessageID: 6, Count: 1}}})
	_, ok = h.c.ReadCount(5)
	require.False(t, ok)
}

func TestLeaveRoomTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.add(msg(1, "ali", "a"))
	ch := h.enterLive("r1")

	h.c.LeaveRoom()
	require.Equal(t, Disconnected, h.c.State())
	require.Nil(t, h.c.RenderedView(messagelog.Chronological))
	require.Nil(t, h.c.PresenceList())
	require.Equal(t, "", h.c.Room())
	require.True(t, ch.isClosed())

	evs := h.ev.list()
	require.Equal(t, []string{"offline r1", "disconnect"}, evs[len(evs)-2:])

	// Deliveries on the torn-down channel are ignored.
	ch.deliver(ws.RoomTopic("r1"), live(msg(2, "ali", "late")))
	require.Nil(t, h.c.RenderedView(messagelog.Chronological))

	h.c.LeaveRoom()
	require.Equal(t, evs, h.ev.list())
}

func TestEnterRoomLeavesPreviousRoom(t *testing.T) {
	h := newHarness(t, nil)
	first := h.enterLive("r1")

	require.NoError(t, h.c.EnterRoom(context.Background(), "r2"))
	require.True(t, first.isClosed())
	require.Contains(t, h.ev.list(), "offline r1")
	require.Equal(t, "r2", h.c.Room())
	require.Equal(t, Connecting, h.c.State())

	require.ErrorIs(t, h.c.EnterRoom(context.Background(), " "), apperr.ErrNoRoom)
}

func TestInflightPageIgnoredAfterLeave(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.add(msg(1, "ali", "a"))
	h.backend.gate = make(chan struct{})

	require.NoError(t, h.c.EnterRoom(context.Background(), "r1"))
	h.channel().ready()
	h.c.LeaveRoom()
	close(h.backend.gate)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, Disconnected, h.c.State())
	require.Nil(t, h.c.RenderedView(messagelog.Chronological))
	require.Empty(t, h.backend.markedIDs())
}

func TestReconnectFetchesMissedMessages(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.add(msg(1, "ali", "a"), msg(2, "ali", "b"), msg(3, "ali", "c"))
	ch := h.enterLive("r1")

	ch.onStatus(ws.StatusReconnecting)
	require.Equal(t, ws.StatusReconnecting, h.c.Connection())
	require.Equal(t, Live, h.c.State())

	h.backend.add(msg(4, "ali", "sent while we were away"))
	ch.ready()
	require.Eventually(t, func() bool {
		return len(h.view()) == 4
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, seq(1, 4), ids(h.view()))
	require.Equal(t, ws.StatusConnected, h.c.Connection())
}

func TestUploadAndDeleteAttachment(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.enterLive("r1")
	ctx := context.Background()

	err := h.c.UploadFile(ctx, attachment.File{Name: "notes.txt", Size: 5, Reader: strings.NewReader("hello")})
	require.NoError(t, err)
	sent := ch.sent()
	require.Len(t, sent, 1)
	require.Equal(t, "/api/files/stored-notes.txt", sent[0].Content)
	require.Equal(t, "notes.txt", sent[0].FileName)

	echo := msg(20, "sadegh", sent[0].Content)
	echo.ClientID = sent[0].ClientID
	echo.FileName = "notes.txt"
	ch.deliver(ws.RoomTopic("r1"), live(echo))
	require.Equal(t, []int64{20}, ids(h.view()))

	require.NoError(t, h.c.DeleteAttachment(ctx, sent[0].Content))
	require.Equal(t, []string{"stored-notes.txt"}, h.backend.deleted)
	require.Empty(t, h.view())

	big := attachment.File{Name: "big.bin", Size: 6 << 20, Reader: bytes.NewReader(nil)}
	require.ErrorIs(t, h.c.UploadFile(ctx, big), apperr.ErrFileTooLarge)
	require.True(t, strings.HasPrefix(h.lastNotice(), "file too large"))
	require.Equal(t, 1, h.backend.uploads)
}

func TestDeleteOthersAttachmentIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.add(msg(1, "ali", "/api/files/theirs.png"))
	h.enterLive("r1")

	err := h.c.DeleteAttachment(context.Background(), "/api/files/theirs.png")
	require.ErrorIs(t, err, apperr.ErrNotAuthor)
	require.Empty(t, h.backend.deleted)
	require.Len(t, h.view(), 1)
	require.Equal(t, "only the author can delete this file", h.lastNotice())
}

func TestAlertsReachHook(t *testing.T) {
	got := make(chan string, 1)
	h := newHarness(t, func(o *Options) {
		o.OnAlert = func(body []byte) { got <- string(body) }
	})
	ch := h.enterLive("r1")

	ch.deliver(ws.AlertQueue, models.Envelope{Type: "MENTION"})
	require.Contains(t, <-got, "MENTION")
}
