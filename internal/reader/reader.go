package reader

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"streamsync/internal/broker"
	"streamsync/internal/codec"
	"streamsync/internal/domain"
	"streamsync/internal/repo"
)

// Streams is the slice of the broker a single reader needs.
type Streams interface {
	EnsureGroup(ctx context.Context, queue string) error
	ReadGroup(ctx context.Context, queue, consumer, cursor string, count int64, block time.Duration) ([]broker.Entry, error)
	Ack(ctx context.Context, queue string, ids ...string) error
}

type mode int

const (
	modeBacklog mode = iota
	modeLive
)

type Config struct {
	Consumer       string
	ReadCount      int64
	BlockTimeout   time.Duration
	ErrorThreshold int
	Quarantine     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadCount <= 0 {
		c.ReadCount = 100
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = time.Second
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 10
	}
	if c.Quarantine <= 0 {
		c.Quarantine = 30 * time.Second
	}
	return c
}

// Reader drains one stream through its consumer group: backlog first without
// blocking, then a live tail with a bounded block per read. Entries are
// acknowledged only after they have been decoded and persisted.
type Reader struct {
	queue   string
	streams Streams
	decoder *codec.Decoder
	repo    repo.Repository
	cfg     Config

	mode      mode
	errStreak int
}

func New(queue string, streams Streams, decoder *codec.Decoder, r repo.Repository, cfg Config) *Reader {
	return &Reader{
		queue:   queue,
		streams: streams,
		decoder: decoder,
		repo:    r,
		cfg:     cfg.withDefaults(),
		mode:    modeBacklog,
	}
}

func (r *Reader) Run(ctx context.Context) {
	log.Info().Str("queue", r.queue).Msg("stream reader started")
	for ctx.Err() == nil {
		r.runOnce(ctx)
	}
	log.Info().Str("queue", r.queue).Msg("stream reader stopped")
}

func (r *Reader) runOnce(ctx context.Context) {
	cursor, block := broker.CursorBacklog, time.Duration(-1)
	if r.mode == modeLive {
		cursor, block = broker.CursorLive, r.cfg.BlockTimeout
	}

	entries, err := r.streams.ReadGroup(ctx, r.queue, r.cfg.Consumer, cursor, r.cfg.ReadCount, block)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if broker.IsNoGroup(err) {
			// Stream was deleted and recreated underneath us: start over
			// from the origin.
			log.Warn().Str("queue", r.queue).Err(err).Msg("consumer group missing, recreating")
			if cerr := r.streams.EnsureGroup(ctx, r.queue); cerr != nil {
				log.Error().Str("queue", r.queue).Err(cerr).Msg("recreate consumer group")
			}
			r.mode = modeBacklog
			return
		}
		r.failure(ctx, err)
		return
	}

	if len(entries) == 0 {
		r.mode = modeLive
		return
	}
	if err := r.process(ctx, entries); err != nil {
		r.failure(ctx, err)
		return
	}
	r.errStreak = 0

	// A full batch suggests more history remains; anything short means we
	// have caught up and can tail.
	if r.mode == modeBacklog && int64(len(entries)) != r.cfg.ReadCount {
		r.mode = modeLive
	}
}

// process decodes and persists one batch, then acknowledges every entry,
// including the ones whose decode was skipped.
func (r *Reader) process(ctx context.Context, entries []broker.Entry) error {
	tasks := make([]domain.Task, 0, len(entries))
	for _, e := range entries {
		task, err := r.decoder.Entry(r.queue, e)
		if err != nil {
			log.Warn().Str("queue", r.queue).Str("entry_id", e.ID).Err(err).Msg("skipping undecodable entry")
			continue
		}
		tasks = append(tasks, task)
	}

	if err := r.repo.InsertBatch(ctx, tasks); err != nil {
		return err
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := r.streams.Ack(ctx, r.queue, ids...); err != nil {
		return err
	}
	log.Debug().Str("queue", r.queue).Int("entries", len(entries)).Int("persisted", len(tasks)).Msg("batch persisted")
	return nil
}

// failure tracks consecutive errors and quarantines the stream for a
// cool-down once the threshold is hit.
func (r *Reader) failure(ctx context.Context, err error) {
	r.errStreak++
	log.Error().Str("queue", r.queue).Int("consecutive", r.errStreak).Err(err).Msg("stream read failed")
	if r.errStreak < r.cfg.ErrorThreshold {
		return
	}
	log.Warn().Str("queue", r.queue).Dur("cooldown", r.cfg.Quarantine).Msg("stream quarantined")
	r.errStreak = 0
	select {
	case <-ctx.Done():
	case <-time.After(r.cfg.Quarantine):
	}
}
