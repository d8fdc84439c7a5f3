// Package engine wires the live rooms to durable storage: it owns the
// metadata index, the write-behind scheduler and the history snapshotter,
// and exposes the operations the HTTP and websocket layers call.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/livelist/internal/access"
	"github.com/manpreetbhatti/livelist/internal/history"
	"github.com/manpreetbhatti/livelist/internal/index"
	"github.com/manpreetbhatti/livelist/internal/merge"
	"github.com/manpreetbhatti/livelist/internal/metrics"
	"github.com/manpreetbhatti/livelist/internal/room"
	"github.com/manpreetbhatti/livelist/internal/storage"
	"github.com/manpreetbhatti/livelist/internal/writebehind"
)

const (
	DefaultTitle = "New List"
	idLength     = 10
)

// ErrInvalidTitle is returned when a room title is empty.
var ErrInvalidTitle = errors.New("title must not be empty")

type Config struct {
	WriteDelay  time.Duration
	History     history.Config
	NewDocument merge.Factory
	Clock       clock.Clock
}

// Stats describes the live state of the engine.
type Stats struct {
	Rooms         int `json:"rooms"`
	LiveRooms     int `json:"liveRooms"`
	Peers         int `json:"peers"`
	PendingWrites int `json:"pendingWrites"`
}

type Engine struct {
	repo    *storage.Repository
	index   *index.Index
	rooms   *room.Registry
	writes  *writebehind.Scheduler
	history *history.Snapshotter
	clock   clock.Clock
	newDoc  merge.Factory

	recordMu sync.Mutex
	records  map[string]*recordLock
}

type recordLock struct {
	sync.Mutex
	refs int
}

func New(repo *storage.Repository, cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.NewDocument == nil {
		cfg.NewDocument = merge.NewAutomerge
	}
	e := &Engine{
		repo:    repo,
		index:   index.New(repo),
		writes:  writebehind.New(cfg.Clock, cfg.WriteDelay),
		history: history.New(repo, cfg.History),
		clock:   cfg.Clock,
		newDoc:  cfg.NewDocument,
		records: make(map[string]*recordLock),
	}
	e.rooms = room.NewRegistry(cfg.NewDocument, room.Hooks{
		Load:  e.loadSnapshot,
		Dirty: e.scheduleFlush,
		Title: e.peerRenamed,
	}, cfg.Clock)
	return e
}

// Reconcile rebuilds the metadata index against storage.
func (e *Engine) Reconcile(ctx context.Context) (index.Report, error) {
	return e.index.Reconcile(ctx)
}

// CreateRoom persists a new private room with the default title.
func (e *Engine) CreateRoom(ctx context.Context) (index.Entry, error) {
	id, err := gonanoid.New(idLength)
	if err != nil {
		return index.Entry{}, errors.WithMessage(err, "generating room id")
	}
	now := e.clock.Now().UTC()
	rec := &storage.Record{
		ID:           id,
		Title:        DefaultTitle,
		Public:       false,
		Created:      now,
		LastModified: now,
		Content:      e.newDoc().Save(),
	}
	if _, err := e.repo.SaveRecord(ctx, rec); err != nil {
		return index.Entry{}, errors.WithMessagef(err, "saving room %s", id)
	}
	entry := e.index.Update(id, index.FromRecord(rec))

	log.WithField("room", id).Info("room created")
	return entry, nil
}

// ListRooms returns every known room, most recently modified first.
func (e *Engine) ListRooms() []index.Entry { return e.index.List() }

// GetRoom returns the metadata of room id if the caller may see it.
func (e *Engine) GetRoom(id string, admin bool) (index.Entry, error) {
	entry, ok := e.index.Get(id)
	if !ok {
		return index.Entry{}, access.ErrNotFound
	}
	if err := access.Check(entry.Public, admin); err != nil {
		return index.Entry{}, err
	}
	if !admin {
		entry.AdminTitle = ""
	}
	return entry, nil
}

func (e *Engine) ToggleVisibility(ctx context.Context, id string, public bool) (index.Entry, error) {
	return e.updateRecord(ctx, id, true, func(rec *storage.Record) { rec.Public = public })
}

func (e *Engine) RenameTitle(ctx context.Context, id, title string) (index.Entry, error) {
	title, err := cleanTitle(title)
	if err != nil {
		return index.Entry{}, err
	}
	return e.updateRecord(ctx, id, true, func(rec *storage.Record) { rec.Title = title })
}

// RenameAdminTitle sets the title only admins see. An empty title clears it.
func (e *Engine) RenameAdminTitle(ctx context.Context, id, title string) (index.Entry, error) {
	title = room.TruncateTitle(strings.TrimSpace(title))
	return e.updateRecord(ctx, id, true, func(rec *storage.Record) { rec.AdminTitle = title })
}

// GetHistory returns the snapshots of room id, newest first.
func (e *Engine) GetHistory(ctx context.Context, id string) ([]storage.HistoryEntry, error) {
	if _, ok := e.index.Get(id); !ok {
		return nil, access.ErrNotFound
	}
	entries, err := e.repo.LoadHistory(ctx, id)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading history of %s", id)
	}
	return history.Newest(entries), nil
}

// DeleteRoom removes every trace of room id. Deleting a room whose record
// is already gone still clears it from the index.
func (e *Engine) DeleteRoom(ctx context.Context, id string) error {
	if !storage.ValidID(id) {
		return access.ErrNotFound
	}
	e.writes.Cancel(id)

	unlock := e.lockRecord(id)
	defer unlock()

	err := e.repo.DeleteRecord(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		log.WithField("room", id).Warn("deleting room without a record")
	} else if err != nil {
		return errors.WithMessagef(err, "deleting room %s", id)
	}
	if err := e.repo.DeleteHistory(ctx, id); err != nil {
		log.WithFields(log.Fields{"room": id, "err": err}).Warn("deleting room history")
	}
	e.index.Remove(id)
	e.rooms.Evict(id, access.CloseNotFound, "Room deleted")
	e.writes.Forget(id)

	log.WithField("room", id).Info("room deleted")
	return nil
}

// Join admits peer to room id. It fails with access.ErrNotFound for unknown
// rooms and access.ErrDenied for private rooms when peer is not an admin.
func (e *Engine) Join(id string, peer room.Peer) (*room.Room, error) {
	entry, ok := e.index.Get(id)
	if !ok {
		metrics.JoinsDeniedTotal.WithLabelValues("not_found").Inc()
		return nil, access.ErrNotFound
	}
	if err := access.Check(entry.Public, peer.Admin()); err != nil {
		metrics.JoinsDeniedTotal.WithLabelValues("denied").Inc()
		return nil, err
	}
	meta := room.Meta{Title: entry.Title, AdminTitle: entry.AdminTitle, Public: entry.Public}

	// A room may be evicted between lookup and join; the next lookup opens
	// a fresh one.
	for attempt := 0; ; attempt++ {
		r := e.rooms.GetOrCreate(id, meta)
		err := r.Join(peer)
		if err == nil {
			return r, nil
		} else if !errors.Is(err, room.ErrClosed) || attempt == 2 {
			return nil, err
		}
	}
}

// EvictIdle flushes and unloads rooms without peers idle for at least ttl.
func (e *Engine) EvictIdle(ttl time.Duration) []string {
	for _, id := range e.rooms.Idle(ttl) {
		e.writes.Flush(id)
	}
	return e.rooms.EvictIdle(ttl, e.writes.Pending)
}

// Shutdown disconnects every peer, then writes all pending changes and
// waits for the index to be saved.
func (e *Engine) Shutdown() {
	e.rooms.CloseAll(room.CloseGoingAway, "Server shutting down")
	e.writes.FlushAll()
	e.index.Wait()
}

func (e *Engine) Stats() Stats {
	live, peers := e.rooms.Stats()
	return Stats{
		Rooms:         e.index.Len(),
		LiveRooms:     live,
		Peers:         peers,
		PendingWrites: e.writes.Len(),
	}
}

func (e *Engine) loadSnapshot(ctx context.Context, id string) ([]byte, error) {
	rec, err := e.repo.LoadRecord(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return rec.Content, nil
}

func (e *Engine) scheduleFlush(id string) {
	e.writes.Schedule(id, func() { e.flush(id) })
}

// peerRenamed persists a title change a peer already broadcast.
func (e *Engine) peerRenamed(id, title string) {
	if _, err := e.updateRecord(context.Background(), id, false, func(rec *storage.Record) {
		rec.Title = title
	}); err != nil {
		log.WithFields(log.Fields{"room": id, "err": err}).Error("saving room title")
	}
}

// flush writes the live document of room id to its record, then updates
// the index and takes a history snapshot if due.
func (e *Engine) flush(id string) {
	start := e.clock.Now()
	ctx := context.Background()
	logger := log.WithField("room", id)

	r, ok := e.rooms.Get(id)
	if !ok {
		metrics.FlushesTotal.WithLabelValues(metrics.Skipped).Inc()
		return
	}
	snap := r.Snapshot()

	unlock := e.lockRecord(id)
	defer unlock()

	rec, err := e.repo.LoadRecord(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted while the write was pending.
		metrics.FlushesTotal.WithLabelValues(metrics.Skipped).Inc()
		logger.Info("skipping write of deleted room")
		return
	} else if err != nil {
		metrics.FlushesTotal.WithLabelValues(metrics.Fail).Inc()
		logger.WithField("err", err).Error("loading room record for write")
		return
	}

	now := e.clock.Now().UTC()
	rec.Content = snap.Content
	rec.LastModified = now
	size, err := e.repo.SaveRecord(ctx, rec)
	if err != nil {
		metrics.FlushesTotal.WithLabelValues(metrics.Fail).Inc()
		logger.WithField("err", err).Error("saving room")
		return
	}
	e.index.Update(id, index.Patch{LastModified: &now, Size: &size})

	if _, err := e.history.Record(ctx, id, snap.Text, now); err != nil {
		logger.WithField("err", err).Warn("recording history")
	}

	metrics.FlushesTotal.WithLabelValues(metrics.Ok).Inc()
	metrics.FlushSeconds.Observe(e.clock.Since(start).Seconds())
	logger.WithField("size", size).Debug("room saved")
}

// updateRecord applies fn to the record of room id, persists it and updates
// the index. With notify set, live peers get the new metadata.
func (e *Engine) updateRecord(ctx context.Context, id string, notify bool, fn func(*storage.Record)) (index.Entry, error) {
	if !storage.ValidID(id) {
		return index.Entry{}, access.ErrNotFound
	}
	unlock := e.lockRecord(id)
	defer unlock()

	rec, err := e.repo.LoadRecord(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return index.Entry{}, access.ErrNotFound
	} else if err != nil {
		return index.Entry{}, errors.WithMessagef(err, "loading room %s", id)
	}
	fn(rec)
	rec.LastModified = e.clock.Now().UTC()

	if _, err := e.repo.SaveRecord(ctx, rec); err != nil {
		return index.Entry{}, errors.WithMessagef(err, "saving room %s", id)
	}
	entry := e.index.Update(id, index.FromRecord(rec))

	if r, ok := e.rooms.Get(id); ok && notify {
		r.SetMeta(room.Meta{Title: rec.Title, AdminTitle: rec.AdminTitle, Public: rec.Public})
	}
	return entry, nil
}

func (e *Engine) lockRecord(id string) (unlock func()) {
	e.recordMu.Lock()
	l, ok := e.records[id]
	if !ok {
		l = new(recordLock)
		e.records[id] = l
	}
	l.refs++
	e.recordMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		e.recordMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(e.records, id)
		}
		e.recordMu.Unlock()
	}
}

func cleanTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", ErrInvalidTitle
	}
	return room.TruncateTitle(title), nil
}
