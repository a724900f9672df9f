package reconcile

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"streamsync/internal/domain"
	"streamsync/internal/repo"
)

// States is the slice of the broker the loop needs: the live hash state of a
// set of tasks, fetched in one pipelined round trip.
type States interface {
	TaskStates(ctx context.Context, ids []string) (map[string]map[string]string, error)
}

// Partition is the coordinator view the loop consults before touching any
// partition-owned work.
type Partition interface {
	Assignment() domain.PartitionAssignment
	InGrace() bool
}

type Config struct {
	BatchInit     int
	BatchMin      int
	BatchMax      int
	SlowThreshold time.Duration
	FastThreshold time.Duration
	BusySleep     time.Duration
	IdleSleep     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchInit <= 0 {
		c.BatchInit = 1000
	}
	if c.BatchMin <= 0 {
		c.BatchMin = 100
	}
	if c.BatchMax <= 0 {
		c.BatchMax = 5000
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 5 * time.Second
	}
	if c.FastThreshold <= 0 {
		c.FastThreshold = time.Second
	}
	if c.BusySleep <= 0 {
		c.BusySleep = 50 * time.Millisecond
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 2 * time.Second
	}
	return c
}

// Loop polls the tasks this node owns, diffs their live broker state against
// the durable record and writes the result back. Batch size adapts to how
// long each round takes.
type Loop struct {
	repo      repo.Repository
	states    States
	partition Partition
	cfg       Config
	batchSize int
}

func NewLoop(r repo.Repository, states States, partition Partition, cfg Config) *Loop {
	cfg = cfg.withDefaults()
	return &Loop{
		repo:      r,
		states:    states,
		partition: partition,
		cfg:       cfg,
		batchSize: cfg.BatchInit,
	}
}

func (l *Loop) Run(ctx context.Context) {
	log.Info().Int("batch_size", l.batchSize).Msg("reconciliation loop started")
	for ctx.Err() == nil {
		sleep(ctx, l.runOnce(ctx))
	}
}

// runOnce performs one poll-fetch-diff-update cycle and returns how long to
// sleep before the next one.
func (l *Loop) runOnce(ctx context.Context) time.Duration {
	if l.partition.InGrace() {
		return l.cfg.IdleSleep
	}
	assignment := l.partition.Assignment()
	if assignment.ActiveNodes == 0 {
		return l.cfg.IdleSleep
	}

	tasks, err := l.repo.FetchPendingForPartition(ctx, assignment, l.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("fetch pending tasks")
		return l.cfg.IdleSleep
	}
	if len(tasks) == 0 {
		return l.cfg.IdleSleep
	}

	start := time.Now()
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	states, err := l.states.TaskStates(ctx, ids)
	if err != nil {
		log.Error().Err(err).Int("tasks", len(tasks)).Msg("fetch live task states")
		return l.cfg.IdleSleep
	}

	now := time.Now()
	updates := make([]domain.StatusUpdate, 0, len(tasks))
	changed := 0
	for _, t := range tasks {
		u := diff(t, states[t.ID])
		if u.Changed {
			changed++
		}
		updates = append(updates, u)
	}

	// A failed batch write is dropped: next_sync_time was not advanced, so
	// the next poll re-attempts the same tasks.
	if err := l.repo.ApplyStatusUpdates(ctx, now, updates); err != nil {
		log.Error().Err(err).Int("updates", len(updates)).Msg("apply status updates, batch dropped")
	} else {
		log.Debug().Int("tasks", len(tasks)).Int("changed", changed).Msg("reconciliation cycle done")
	}

	elapsed := time.Since(start)
	l.batchSize = nextBatchSize(l.cfg, l.batchSize, elapsed, len(tasks) == l.batchSize)
	if elapsed > l.cfg.SlowThreshold {
		log.Warn().Dur("elapsed", elapsed).Int("batch_size", l.batchSize).Msg("slow reconciliation cycle, shrinking batch")
	}
	return l.cfg.BusySleep
}

// diff compares one task's live hash state against its durable record. An
// empty hash means no information, and a status identical to the stored one
// means no progress; either way only the backoff bookkeeping advances.
func diff(t domain.Task, state map[string]string) domain.StatusUpdate {
	status := state["status"]
	if status == "" || status == t.Status {
		return domain.StatusUpdate{ID: t.ID, SyncCheckCount: t.SyncCheckCount + 1}
	}
	return domain.StatusUpdate{
		ID:           t.ID,
		Changed:      true,
		Status:       status,
		Result:       state["result"],
		ErrorMessage: state["error_message"],
		WorkerID:     state["worker_id"],
		StartedAt:    unixField(state, "started_at"),
		FinishedAt:   unixField(state, "finished_at"),
	}
}

// nextBatchSize shrinks after a slow round and grows after a fast, saturated
// one, bounded by the configured min/max.
func nextBatchSize(cfg Config, size int, elapsed time.Duration, saturated bool) int {
	switch {
	case elapsed > cfg.SlowThreshold:
		size = size * 8 / 10
		if size < cfg.BatchMin {
			size = cfg.BatchMin
		}
	case elapsed < cfg.FastThreshold && saturated:
		size = size * 12 / 10
		if size > cfg.BatchMax {
			size = cfg.BatchMax
		}
	}
	return size
}

func unixField(state map[string]string, field string) *time.Time {
	raw, ok := state[field]
	if !ok || raw == "" {
		return nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return nil
	}
	t := time.Unix(int64(secs), 0).UTC()
	return &t
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
