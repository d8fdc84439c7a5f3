package eviction

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvictor struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (f *fakeEvictor) EvictIdle(ttl time.Duration) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ttl)
	return []string{"room"}
}

func (f *fakeEvictor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestDisabledByDefault(t *testing.T) {
	ev := &fakeEvictor{}
	s := New(ev, DefaultConfig(), clock.NewMock())
	s.Start()
	defer s.Stop()

	assert.False(t, s.Enabled())
	assert.Nil(t, s.Sweep())
	assert.Zero(t, ev.count())
}

func TestSweepsOnInterval(t *testing.T) {
	mock := clock.NewMock()
	ev := &fakeEvictor{}
	s := New(ev, Config{Interval: time.Minute, IdleTimeout: 30 * time.Minute}, mock)
	s.Start()
	defer s.Stop()

	// Let the sweeper goroutine create its ticker before moving time.
	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return ev.count() >= 1
	}, time.Second, 10*time.Millisecond)

	ev.mu.Lock()
	assert.Equal(t, 30*time.Minute, ev.calls[0])
	ev.mu.Unlock()
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(&fakeEvictor{}, Config{IdleTimeout: time.Minute}, clock.NewMock())
	s.Start()
	s.Stop()
	s.Stop()
}
