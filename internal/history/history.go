// Package history keeps a bounded log of content snapshots per room.
package history

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/livelist/internal/metrics"
	"github.com/manpreetbhatti/livelist/internal/storage"
)

const (
	DefaultCapacity    = 50
	DefaultMinInterval = 10 * time.Minute
)

// Store is the part of storage.Repository the snapshotter needs.
type Store interface {
	LoadHistory(ctx context.Context, id string) ([]storage.HistoryEntry, error)
	SaveHistory(ctx context.Context, id string, entries []storage.HistoryEntry) error
}

type Config struct {
	Capacity    int
	MinInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Capacity:    DefaultCapacity,
		MinInterval: DefaultMinInterval,
	}
}

type Snapshotter struct {
	store  Store
	config Config
}

func New(store Store, config Config) *Snapshotter {
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	return &Snapshotter{store: store, config: config}
}

// ShouldSnapshot applies the snapshot policy: the first entry is taken as
// soon as there is content; later ones need both MinInterval since the last
// entry and different content.
func (s *Snapshotter) ShouldSnapshot(entries []storage.HistoryEntry, content string, now time.Time) bool {
	if len(entries) == 0 {
		return strings.TrimSpace(content) != ""
	}
	last := entries[len(entries)-1]
	if now.Sub(last.Timestamp) < s.config.MinInterval {
		return false
	}
	return last.Content != content
}

// Append adds an entry, evicting the oldest beyond capacity.
func (s *Snapshotter) Append(entries []storage.HistoryEntry, e storage.HistoryEntry) []storage.HistoryEntry {
	entries = append(entries, e)
	if over := len(entries) - s.config.Capacity; over > 0 {
		entries = append(entries[:0:0], entries[over:]...)
	}
	return entries
}

// Record is called after a successful durable write of room id. It reports
// whether a snapshot was taken.
func (s *Snapshotter) Record(ctx context.Context, id, content string, now time.Time) (bool, error) {
	entries, err := s.store.LoadHistory(ctx, id)
	if err != nil {
		return false, err
	}
	if !s.ShouldSnapshot(entries, content, now) {
		return false, nil
	}

	entries = s.Append(entries, storage.HistoryEntry{Timestamp: now, Content: content})
	if err := s.store.SaveHistory(ctx, id, entries); err != nil {
		return false, err
	}

	metrics.HistorySnapshotsTotal.Inc()
	log.WithFields(log.Fields{"room": id, "entries": len(entries)}).Info("history snapshot saved")
	return true, nil
}

// Newest returns a copy of entries in reverse chronological order.
func Newest(entries []storage.HistoryEntry) []storage.HistoryEntry {
	out := make([]storage.HistoryEntry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
}
