package presence

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/4xmen/jashn/internal/apperr"
	"github.com/4xmen/jashn/internal/models"
)

// MemberLister is the REST call that returns the room's presence list.
type MemberLister interface {
	Members(ctx context.Context, room string) ([]models.PresenceEntry, error)
}

// Refresher fetches the member list into a Directory. Bursts of
// RequestRefresh calls within the debounce window cost one fetch.
type Refresher struct {
	room     string
	lister   MemberLister
	dir      *Directory
	debounce time.Duration
	onChange func()

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu        sync.Mutex
	timer     *time.Timer
	requested uint64
	stopped   bool
}

// NewRefresher returns a Refresher that applies fetched lists to dir and then
// calls onChange, which may be nil.
func NewRefresher(room string, lister MemberLister, dir *Directory, debounce time.Duration, onChange func()) *Refresher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		room:     room,
		lister:   lister,
		dir:      dir,
		debounce: debounce,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RequestRefresh schedules a fetch after the debounce window unless one is
// already scheduled.
func (r *Refresher) RequestRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.requested++
	if r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(r.debounce, r.fire)
}

func (r *Refresher) fire() {
	r.mu.Lock()
	r.timer = nil
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}
	if err := r.Refresh(r.ctx); err != nil && r.ctx.Err() == nil {
		log.WithError(err).WithField("room", r.room).Warn("presence refresh failed")
	}
}

// Refresh fetches now. Concurrent calls share one request.
func (r *Refresher) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do(r.room, func() (any, error) {
		return nil, r.fetch(ctx)
	})
	return err
}

func (r *Refresher) fetch(ctx context.Context) error {
	r.mu.Lock()
	seen := r.requested
	r.mu.Unlock()

	entries, err := r.lister.Members(ctx, r.room)
	if err != nil {
		return apperr.Wrap(apperr.TransientNetwork, "presence refresh", err)
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.dir.ApplySnapshot(entries)
	// A signal that raced this fetch may not be reflected in its result.
	again := r.requested > seen && r.timer == nil
	if again {
		r.timer = time.AfterFunc(r.debounce, r.fire)
	}
	r.mu.Unlock()

	if r.onChange != nil {
		r.onChange()
	}
	return nil
}

// Stop cancels any scheduled or in-flight refresh. Results arriving after
// Stop are dropped.
func (r *Refresher) Stop() {
	r.mu.Lock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	r.cancel()
}
