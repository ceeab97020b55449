package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/4xmen/jashn/internal/apperr"
	"github.com/4xmen/jashn/internal/attachment"
	"github.com/4xmen/jashn/internal/messagelog"
	"github.com/4xmen/jashn/internal/models"
	"github.com/4xmen/jashn/internal/presence"
	"github.com/4xmen/jashn/internal/receipts"
	"github.com/4xmen/jashn/internal/ws"
)

// room is everything owned by one open room. It is discarded on leave.
type room struct {
	c   *Controller
	id  string
	gen uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	channel   Channel
	log       *messagelog.Log
	counts    *receipts.Aggregator
	marker    *receipts.Marker
	dir       *presence.Directory
	refresher *presence.Refresher
	files     *attachment.Manager
}

// newRoom builds the room's components. Callers hold c.mu.
func (c *Controller) newRoom(parent context.Context, id string, gen uint64) *room {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	r := &room{
		c:      c,
		id:     id,
		gen:    gen,
		ctx:    ctx,
		cancel: cancel,
		log:    messagelog.New(id, c.opts.Backend, c.opts.PageSize, c.opts.Metrics),
		counts: receipts.NewAggregator(),
		marker: receipts.NewMarker(id, c.opts.Backend),
		dir:    presence.NewDirectory(),
	}
	r.refresher = presence.NewRefresher(id, c.opts.Backend, r.dir, c.opts.PresenceDebounce, func() {
		if c.current(r) {
			c.changed()
		}
	})
	r.files = attachment.NewManager(id, c.opts.Nickname, c.opts.UploadLimit, c.opts.Backend, r, r.log)
	r.channel = c.opts.NewChannel(func(s ws.Status) { c.setConn(r, s) })
	return r
}

// open subscribes the room topics and starts the channel.
func (r *room) open() error {
	subs := []struct {
		topic   string
		handler ws.Handler
	}{
		{ws.RoomTopic(r.id), r.onRoomEvent},
		{ws.PresenceTopic(r.id), r.onPresence},
		{ws.AlertQueue, r.onAlert},
	}
	for _, s := range subs {
		if _, err := r.channel.Subscribe(s.topic, s.handler); err != nil {
			return err
		}
	}
	if err := r.channel.Connect(r.ctx, r.onReady); err != nil {
		return err
	}

	r.wg.Add(1)
	go r.expireProvisional()
	return nil
}

func (r *room) close() {
	r.refresher.Stop()
	r.cancel()
	r.channel.Disconnect()
	r.wg.Wait()
	r.log.Close()
	r.counts.Reset()
	r.dir.Reset()
}

// onReady runs on the channel's read loop for every (re)connection, so the
// priming fetches run on their own goroutine.
func (r *room) onReady() {
	if !r.c.ready(r) {
		return
	}
	go r.prime()
}

// prime loads the newest page, read counts and presence. After a reconnect
// the newest page is merged instead of replacing the log, so nothing missed
// while the channel was down is lost.
func (r *room) prime() {
	var g errgroup.Group
	g.Go(func() error {
		var err error
		if !r.log.Loaded() {
			_, err = r.log.LoadPage(r.ctx, 0)
		} else {
			err = r.log.Refresh(r.ctx)
			if err == nil && r.log.IsSearchMode() {
				_, err = r.log.LoadPage(r.ctx, 0)
			}
		}
		if err != nil {
			return err
		}
		r.markNewest()
		return nil
	})
	g.Go(func() error {
		counts, err := r.c.opts.Backend.ReadCounts(r.ctx, r.id)
		if err != nil {
			return apperr.Wrap(apperr.TransientNetwork, "read counts", err)
		}
		if r.c.current(r) {
			r.counts.ApplySnapshot(counts)
		}
		return nil
	})
	g.Go(func() error {
		if err := r.c.opts.Backend.AnnounceOnline(r.ctx, r.id); err != nil {
			log.WithError(err).WithField("room", r.id).Warn("announce online failed")
		}
		return r.refresher.Refresh(r.ctx)
	})

	err := g.Wait()
	if !r.c.current(r) {
		return
	}
	if err != nil && !errors.Is(err, messagelog.ErrStale) {
		log.WithError(err).WithField("room", r.id).Warn("room priming incomplete")
	}
	r.c.changed()
}

// markNewest writes the read position through to the server.
func (r *room) markNewest() {
	m, ok := r.log.Newest()
	if !ok || !r.c.current(r) {
		return
	}
	if err := r.marker.Observe(r.ctx, m.ID); err != nil && r.ctx.Err() == nil {
		log.WithError(err).WithField("room", r.id).Warn("mark read failed")
	}
}

func (r *room) onRoomEvent(body []byte) {
	if !r.c.current(r) {
		return
	}
	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.WithError(err).WithField("room", r.id).Warn("malformed room event")
		return
	}
	switch env.Type {
	case models.EnvelopeMessage:
		if env.Message == nil {
			return
		}
		got := r.log.ReceiveLive(env.Message)
		if got.Added && got.Visible {
			r.c.arrived(r, env.Message)
		}
		if !env.Message.Provisional() {
			go r.markNewest()
		}
	case models.EnvelopeCount:
		r.counts.ApplySnapshot(env.Counts)
	default:
		log.WithField("type", env.Type).Debug("ignoring room event")
		return
	}
	r.c.changed()
}

// onPresence applies a broadcast member list directly. A bare signal asks
// for a debounced refresh.
func (r *room) onPresence(body []byte) {
	if !r.c.current(r) {
		return
	}
	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.WithError(err).WithField("room", r.id).Warn("malformed presence event")
		return
	}
	if env.Members == nil {
		r.refresher.RequestRefresh()
		return
	}
	r.dir.ApplySnapshot(env.Members)
	r.c.changed()
}

func (r *room) onAlert(body []byte) {
	if r.c.opts.OnAlert != nil && r.c.current(r) {
		r.c.opts.OnAlert(body)
	}
}

// Send adds a provisional message and publishes it. A failed publish rolls
// the provisional entry back at once.
func (r *room) Send(ctx context.Context, content, fileName string) error {
	p := r.log.AddProvisional(r.c.opts.Nickname, content, fileName)
	r.c.changed()

	out := models.OutgoingMessage{ClientID: p.ClientID, Content: content, FileName: fileName}
	if err := r.channel.Publish(ws.SendDestination(r.id), out); err != nil {
		r.log.DropProvisional(p.ClientID)
		if r.c.current(r) {
			r.c.report("failed to send message", err)
		}
		return err
	}
	return nil
}

// expireProvisional removes messages whose echo never came.
func (r *room) expireProvisional() {
	defer r.wg.Done()
	ttl := r.c.opts.ProvisionalTTL
	interval := ttl / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-t.C:
			expired := r.log.ExpireProvisional(now.Add(-ttl))
			if len(expired) == 0 || !r.c.current(r) {
				continue
			}
			log.WithField("room", r.id).WithField("count", len(expired)).Warn("provisional messages expired without echo")
			r.c.notify(NoticeError, apperr.ServerRejection, "failed to send message")
		}
	}
}
