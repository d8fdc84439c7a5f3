// Package eviction periodically unloads rooms nobody has used for a while.
package eviction

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// Evictor unloads idle rooms; implemented by *engine.Engine.
type Evictor interface {
	EvictIdle(ttl time.Duration) []string
}

type Config struct {
	Interval time.Duration
	// IdleTimeout is how long a room without peers stays loaded. Zero
	// disables eviction.
	IdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		IdleTimeout: 0,
	}
}

type Service struct {
	rooms  Evictor
	config Config
	clock  clock.Clock
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(rooms Evictor, config Config, clk clock.Clock) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		rooms:  rooms,
		config: config,
		clock:  clk,
		stop:   make(chan struct{}),
	}
}

// Enabled reports whether an idle timeout is configured.
func (s *Service) Enabled() bool { return s.config.IdleTimeout > 0 }

// Start runs the sweeper in the background. It does nothing when eviction
// is disabled.
func (s *Service) Start() {
	if !s.Enabled() {
		return
	}
	s.wg.Add(1)
	go s.run()
	log.WithFields(log.Fields{
		"interval": s.config.Interval,
		"idle":     s.config.IdleTimeout,
	}).Info("idle room eviction started")
}

// Stop waits for a running sweep to finish.
func (s *Service) Stop() {
	select {
	case <-s.stop:
		return
	default:
	}
	close(s.stop)
	s.wg.Wait()
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep evicts idle rooms once and returns their ids.
func (s *Service) Sweep() []string {
	if !s.Enabled() {
		return nil
	}
	evicted := s.rooms.EvictIdle(s.config.IdleTimeout)
	if len(evicted) > 0 {
		log.WithField("rooms", len(evicted)).Info("evicted idle rooms")
	}
	return evicted
}
