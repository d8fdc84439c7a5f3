// Package index keeps the in-memory metadata of every room and reconciles it
// against the room records in storage.
package index

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/livelist/internal/metrics"
	"github.com/manpreetbhatti/livelist/internal/storage"
)

// Entry is the dashboard view of one room.
type Entry struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	AdminTitle   string    `json:"adminTitle,omitempty"`
	LastModified time.Time `json:"lastModified"`
	Public       bool      `json:"public"`
	Size         int64     `json:"size"`
}

// Patch carries the fields of an Update. Nil fields are left alone.
type Patch struct {
	Title        *string
	AdminTitle   *string
	LastModified *time.Time
	Public       *bool
	Size         *int64
}

// FromRecord builds a full patch out of a room record.
func FromRecord(rec *storage.Record) Patch {
	return Patch{
		Title:        &rec.Title,
		AdminTitle:   &rec.AdminTitle,
		LastModified: &rec.LastModified,
		Public:       &rec.Public,
		Size:         &rec.Size,
	}
}

func (p Patch) apply(e *Entry) {
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.AdminTitle != nil {
		e.AdminTitle = *p.AdminTitle
	}
	if p.LastModified != nil {
		e.LastModified = *p.LastModified
	}
	if p.Public != nil {
		e.Public = *p.Public
	}
	if p.Size != nil {
		e.Size = *p.Size
	}
}

// Store is the part of storage.Repository the index needs.
type Store interface {
	ReadIndex(ctx context.Context) ([]byte, error)
	WriteIndex(ctx context.Context, data []byte) error
	ListRecords(ctx context.Context) ([]string, error)
	LoadRecord(ctx context.Context, id string) (*storage.Record, error)
}

// Report summarizes a reconciliation.
type Report struct {
	Loaded     int
	Discovered []string
	Removed    []string
	Skipped    []string
}

// Changed reports whether reconciliation modified the index.
func (r Report) Changed() bool {
	return len(r.Discovered) > 0 || len(r.Removed) > 0
}

// Index is safe for concurrent use. Saves are asynchronous and each one
// writes the latest state, so readers of the durable copy may lag.
type Index struct {
	store Store

	mu      sync.RWMutex
	entries map[string]*Entry

	saveMu sync.Mutex
	saves  sync.WaitGroup
}

func New(store Store) *Index {
	return &Index{
		store:   store,
		entries: make(map[string]*Entry),
	}
}

// Reconcile loads the saved index and makes its key set equal to the set
// of room records in storage.
func (x *Index) Reconcile(ctx context.Context) (Report, error) {
	var report Report

	saved, err := x.load(ctx)
	if err != nil {
		return report, err
	}
	report.Loaded = len(saved)

	// Mutations wait until the swap so a room created or deleted while
	// storage is being listed is applied on top of the reconciled set.
	x.mu.Lock()
	ids, err := x.store.ListRecords(ctx)
	if err != nil {
		x.mu.Unlock()
		return report, errors.WithMessage(err, "listing rooms")
	}
	onDisk := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		onDisk[id] = struct{}{}
	}

	// In-memory entries win over the saved copy.
	for id, e := range x.entries {
		saved[id] = e
	}

	for _, id := range ids {
		if _, ok := saved[id]; ok {
			continue
		}
		rec, err := x.store.LoadRecord(ctx, id)
		if err != nil {
			log.WithFields(log.Fields{"room": id, "err": err}).Warn("skipping unreadable room record")
			report.Skipped = append(report.Skipped, id)
			continue
		}
		e := &Entry{ID: id}
		FromRecord(rec).apply(e)
		saved[id] = e
		report.Discovered = append(report.Discovered, id)
		metrics.IndexReconcileTotal.WithLabelValues("discovered").Inc()
		log.WithField("room", id).Info("discovered room missing from index")
	}

	for id := range saved {
		if _, ok := onDisk[id]; ok {
			continue
		}
		delete(saved, id)
		report.Removed = append(report.Removed, id)
		metrics.IndexReconcileTotal.WithLabelValues("removed").Inc()
		log.WithField("room", id).Info("ghost removed from index")
	}
	x.entries = saved
	x.mu.Unlock()

	sort.Strings(report.Discovered)
	sort.Strings(report.Removed)

	if report.Changed() {
		x.persist()
	} else {
		log.WithField("rooms", len(saved)).Info("index loaded")
	}
	return report, nil
}

func (x *Index) load(ctx context.Context) (map[string]*Entry, error) {
	out := make(map[string]*Entry)

	data, err := x.store.ReadIndex(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return out, nil
	} else if err != nil {
		return nil, errors.WithMessage(err, "reading index")
	}

	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		log.WithField("err", err).Warn("saved index is corrupt, rebuilding")
		return out, nil
	}
	for i := range list {
		e := list[i]
		if e.ID == "" {
			continue
		}
		out[e.ID] = &e
	}
	return out, nil
}

// Update merges p into the entry for id, inserting it if absent.
func (x *Index) Update(id string, p Patch) Entry {
	x.mu.Lock()
	e, ok := x.entries[id]
	if !ok {
		e = &Entry{ID: id}
		x.entries[id] = e
	}
	p.apply(e)
	out := *e
	x.mu.Unlock()

	x.persist()
	return out
}

// Remove drops id, reporting whether it was present. The index is saved
// either way.
func (x *Index) Remove(id string) bool {
	x.mu.Lock()
	_, ok := x.entries[id]
	delete(x.entries, id)
	x.mu.Unlock()

	x.persist()
	return ok
}

func (x *Index) Get(id string) (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	e, ok := x.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns a copy of all entries, most recently modified first.
func (x *Index) List() []Entry {
	x.mu.RLock()
	out := make([]Entry, 0, len(x.entries))
	for _, e := range x.entries {
		out = append(out, *e)
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].LastModified.After(out[j].LastModified)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Wait blocks until in-flight saves complete.
func (x *Index) Wait() { x.saves.Wait() }

func (x *Index) persist() {
	x.saves.Add(1)
	go func() {
		defer x.saves.Done()

		x.saveMu.Lock()
		defer x.saveMu.Unlock()

		data, err := json.Marshal(x.List())
		if err != nil {
			log.WithField("err", err).Error("encoding index")
			return
		}
		if err := x.store.WriteIndex(context.Background(), data); err != nil {
			log.WithField("err", err).Error("saving index")
		}
	}()
}
