package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/livelist/internal/storage"
)

func newRepo(t *testing.T) *storage.Repository {
	t.Helper()
	fs, err := storage.NewFS(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)
	return storage.NewRepository(fs)
}

func TestFirstSnapshotNeedsContent(t *testing.T) {
	s := New(newRepo(t), DefaultConfig())
	now := time.Now()

	assert.False(t, s.ShouldSnapshot(nil, "", now))
	assert.False(t, s.ShouldSnapshot(nil, "  \n", now))
	assert.True(t, s.ShouldSnapshot(nil, "milk", now))
}

func TestLaterSnapshotsNeedIntervalAndChange(t *testing.T) {
	s := New(newRepo(t), DefaultConfig())
	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	entries := []storage.HistoryEntry{{Timestamp: t0, Content: "milk"}}

	assert.False(t, s.ShouldSnapshot(entries, "milk, eggs", t0.Add(time.Minute)))
	assert.False(t, s.ShouldSnapshot(entries, "milk", t0.Add(time.Hour)))
	assert.True(t, s.ShouldSnapshot(entries, "milk, eggs", t0.Add(10*time.Minute)))
}

func TestRecordPersists(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	s := New(repo, DefaultConfig())
	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	took, err := s.Record(ctx, "r1", "milk", t0)
	require.NoError(t, err)
	assert.True(t, took)

	took, err = s.Record(ctx, "r1", "milk, eggs", t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, took)

	took, err = s.Record(ctx, "r1", "milk, eggs", t0.Add(11*time.Minute))
	require.NoError(t, err)
	assert.True(t, took)

	entries, err := repo.LoadHistory(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "milk", entries[0].Content)

	newest := Newest(entries)
	assert.Equal(t, "milk, eggs", newest[0].Content)
	assert.Equal(t, "milk", newest[1].Content)
}

func TestCapacityEvictsOldest(t *testing.T) {
	s := New(newRepo(t), DefaultConfig())
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var entries []storage.HistoryEntry
	for i := 0; i < 51; i++ {
		entries = s.Append(entries, storage.HistoryEntry{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Content:   fmt.Sprintf("v%d", i),
		})
	}

	require.Len(t, entries, 50)
	assert.Equal(t, "v1", entries[0].Content)
	assert.Equal(t, "v50", entries[49].Content)

	newest := Newest(entries)
	assert.Equal(t, "v50", newest[0].Content)
	assert.Equal(t, "v1", newest[49].Content)
}
