package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Record is the durable representation of a room, the source of truth for
// everything the live room state caches.
type Record struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	AdminTitle   string    `json:"adminTitle,omitempty"`
	Public       bool      `json:"public"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"lastModified"`
	// Content is the merge collaborator's snapshot, opaque here.
	Content []byte `json:"content,omitempty"`

	// Size of the encoded record, set on load and save.
	Size int64 `json:"-"`
}

// HistoryEntry is one snapshot of a room's rendered content.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// Repository encodes records and history logs onto a Blobs backend.
type Repository struct {
	blobs Blobs
}

func NewRepository(blobs Blobs) *Repository {
	return &Repository{blobs: blobs}
}

func (r *Repository) LoadRecord(ctx context.Context, id string) (*Record, error) {
	data, err := r.blobs.Read(ctx, KindRoom, id)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "room %s: %v", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	} else if rec.ID != id {
		return nil, errors.Wrapf(ErrCorrupt, "room %s: record claims id %q", id, rec.ID)
	}
	rec.Size = int64(len(data))
	return &rec, nil
}

// SaveRecord writes rec and returns its encoded size.
func (r *Repository) SaveRecord(ctx context.Context, rec *Record) (int64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, errors.WithMessage(err, "encoding record")
	}
	if err := r.blobs.Write(ctx, KindRoom, rec.ID, data); err != nil {
		return 0, err
	}
	rec.Size = int64(len(data))
	return rec.Size, nil
}

// DeleteRecord returns ErrNotFound if the record was already gone.
func (r *Repository) DeleteRecord(ctx context.Context, id string) error {
	return r.blobs.Remove(ctx, KindRoom, id)
}

func (r *Repository) ListRecords(ctx context.Context) ([]string, error) {
	return r.blobs.List(ctx, KindRoom)
}

// LoadHistory returns the room's history oldest first; a room without a
// history log has an empty one.
func (r *Repository) LoadHistory(ctx context.Context, id string) ([]HistoryEntry, error) {
	data, err := r.blobs.Read(ctx, KindHistory, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "history %s: %v", id, err)
	}
	return entries, nil
}

func (r *Repository) SaveHistory(ctx context.Context, id string, entries []HistoryEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return errors.WithMessage(err, "encoding history")
	}
	return r.blobs.Write(ctx, KindHistory, id, data)
}

// DeleteHistory is a no-op for rooms which never had history.
func (r *Repository) DeleteHistory(ctx context.Context, id string) error {
	if err := r.blobs.Remove(ctx, KindHistory, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// ReadIndex returns the saved index blob, or ErrNotFound.
func (r *Repository) ReadIndex(ctx context.Context) ([]byte, error) {
	return r.blobs.Read(ctx, KindIndex, IndexID)
}

func (r *Repository) WriteIndex(ctx context.Context, data []byte) error {
	return r.blobs.Write(ctx, KindIndex, IndexID, data)
}

func (r *Repository) Close() error { return r.blobs.Close() }
