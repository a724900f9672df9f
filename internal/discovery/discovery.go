package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Broker is the slice of the broker queue discovery needs.
type Broker interface {
	Queues(ctx context.Context) ([]string, error)
	EnsureGroup(ctx context.Context, queue string) error
}

// Spawn runs one stream reader until its context is cancelled.
type Spawn func(ctx context.Context, queue string)

// Service periodically enumerates streams, creates their consumer groups and
// keeps exactly one reader task alive per discovered stream. Readers for
// streams that disappear are cancelled and removed.
type Service struct {
	broker   Broker
	spawn    Spawn
	interval time.Duration

	readers map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(b Broker, spawn Spawn, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{
		broker:   b,
		spawn:    spawn,
		interval: interval,
		readers:  make(map[string]context.CancelFunc),
	}
}

func (s *Service) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("queue discovery started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.discover(ctx)
	for {
		select {
		case <-ctx.Done():
			s.retireAll()
			s.wg.Wait()
			return
		case <-ticker.C:
			s.discover(ctx)
		}
	}
}

func (s *Service) discover(ctx context.Context) {
	names, err := s.broker.Queues(ctx)
	if err != nil {
		log.Error().Err(err).Msg("enumerate queues")
		return
	}

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
		if _, ok := s.readers[name]; ok {
			continue
		}
		if err := s.broker.EnsureGroup(ctx, name); err != nil {
			log.Error().Str("queue", name).Err(err).Msg("create consumer group")
			continue
		}
		readerCtx, cancel := context.WithCancel(ctx)
		s.readers[name] = cancel
		s.wg.Add(1)
		go func(queue string) {
			defer s.wg.Done()
			s.spawn(readerCtx, queue)
		}(name)
		log.Info().Str("queue", name).Msg("queue discovered")
	}

	for name, cancel := range s.readers {
		if !seen[name] {
			cancel()
			delete(s.readers, name)
			log.Info().Str("queue", name).Msg("queue retired")
		}
	}
}

func (s *Service) retireAll() {
	for name, cancel := range s.readers {
		cancel()
		delete(s.readers, name)
	}
}
