package room

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/livelist/internal/merge"
	"github.com/manpreetbhatti/livelist/internal/metrics"
)

// Hooks connect rooms to persistence. Dirty and Load may be called with a
// room's lock held and must not call back into the room; Title is called
// without it.
type Hooks struct {
	// Load returns the persisted snapshot of a room, or nil for none.
	Load func(ctx context.Context, id string) ([]byte, error)
	// Dirty is called when a loaded room's document changes.
	Dirty func(id string)
	// Title is called after a peer renamed the room.
	Title func(id, title string)
}

// Registry owns the live rooms of the process.
type Registry struct {
	newDoc merge.Factory
	hooks  *Hooks
	clock  clock.Clock

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(newDoc merge.Factory, hooks Hooks, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		newDoc: newDoc,
		hooks:  &hooks,
		clock:  clk,
		rooms:  make(map[string]*Room),
	}
}

// GetOrCreate returns the live room id, creating it with meta and starting
// to load its snapshot in the background if it is not open yet.
func (g *Registry) GetOrCreate(id string, meta Meta) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.rooms[id]; ok {
		return r
	}
	r := newRoom(id, g.newDoc(), meta, g.hooks, g.clock.Now)
	g.rooms[id] = r
	metrics.RoomsLive.Set(float64(len(g.rooms)))
	log.WithField("room", id).Info("room opened")

	go r.load(context.Background())
	return r
}

func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	return r, ok
}

// Evict removes room id and disconnects its peers with code.
func (g *Registry) Evict(id string, code int, reason string) bool {
	g.mu.Lock()
	r, ok := g.rooms[id]
	delete(g.rooms, id)
	metrics.RoomsLive.Set(float64(len(g.rooms)))
	g.mu.Unlock()

	if !ok {
		return false
	}
	r.close(code, reason)
	log.WithField("room", id).Info("room evicted")
	return true
}

// Idle lists the rooms with no peers and no activity for at least ttl.
func (g *Registry) Idle(ttl time.Duration) []string {
	cutoff := g.clock.Now().Add(-ttl)

	var out []string
	for _, r := range g.snapshot() {
		if r.idleSince(cutoff) {
			out = append(out, r.id)
		}
	}
	sort.Strings(out)
	return out
}

// EvictIdle evicts the rooms which are still idle for ttl, skipping those
// for which keep returns true. It returns the evicted ids.
func (g *Registry) EvictIdle(ttl time.Duration, keep func(id string) bool) []string {
	cutoff := g.clock.Now().Add(-ttl)

	g.mu.Lock()
	var evicted []string
	for id, r := range g.rooms {
		if keep != nil && keep(id) {
			continue
		}
		// Holding g.mu keeps new peers from finding the room while we
		// check and close it.
		if !r.idleSince(cutoff) {
			continue
		}
		delete(g.rooms, id)
		r.close(0, "")
		evicted = append(evicted, id)
	}
	metrics.RoomsLive.Set(float64(len(g.rooms)))
	g.mu.Unlock()

	sort.Strings(evicted)
	for _, id := range evicted {
		log.WithField("room", id).Info("idle room evicted")
	}
	return evicted
}

// CloseAll disconnects the peers of every room and refuses new joins. The
// rooms stay registered so their pending writes can still be flushed.
func (g *Registry) CloseAll(code int, reason string) {
	for _, r := range g.snapshot() {
		r.close(code, reason)
	}
}

// Stats returns the number of live rooms and joined peers.
func (g *Registry) Stats() (rooms, peers int) {
	all := g.snapshot()
	for _, r := range all {
		peers += r.Len()
	}
	return len(all), peers
}

func (g *Registry) snapshot() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	return out
}
