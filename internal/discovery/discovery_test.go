package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	queues  []string
	ensured map[string]int
}

func (f *fakeBroker) Queues(ctx context.Context) ([]string, error) {
	return append([]string(nil), f.queues...), nil
}

func (f *fakeBroker) EnsureGroup(ctx context.Context, queue string) error {
	if f.ensured == nil {
		f.ensured = make(map[string]int)
	}
	f.ensured[queue]++
	return nil
}

type spawnRecorder struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (s *spawnRecorder) spawn(ctx context.Context, queue string) {
	s.mu.Lock()
	s.started = append(s.started, queue)
	s.mu.Unlock()
	<-ctx.Done()
	s.mu.Lock()
	s.stopped = append(s.stopped, queue)
	s.mu.Unlock()
}

func (s *spawnRecorder) snapshot() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...), append([]string(nil), s.stopped...)
}

func TestDiscoverSpawnsOneReaderPerQueue(t *testing.T) {
	b := &fakeBroker{queues: []string{"alpha", "beta"}}
	rec := &spawnRecorder{}
	s := NewService(b, rec.spawn, time.Minute)
	ctx := context.Background()

	s.discover(ctx)
	require.Eventually(t, func() bool {
		started, _ := rec.snapshot()
		return len(started) == 2
	}, time.Second, 5*time.Millisecond)

	// A second pass must not double-spawn or re-create groups.
	s.discover(ctx)
	time.Sleep(20 * time.Millisecond)
	started, _ := rec.snapshot()
	assert.Len(t, started, 2)
	assert.Equal(t, 1, b.ensured["alpha"])
	assert.Equal(t, 1, b.ensured["beta"])
}

func TestDiscoverRetiresRemovedQueues(t *testing.T) {
	b := &fakeBroker{queues: []string{"alpha", "beta"}}
	rec := &spawnRecorder{}
	s := NewService(b, rec.spawn, time.Minute)
	ctx := context.Background()

	s.discover(ctx)
	require.Eventually(t, func() bool {
		started, _ := rec.snapshot()
		return len(started) == 2
	}, time.Second, 5*time.Millisecond)

	b.queues = []string{"alpha"}
	s.discover(ctx)

	require.Eventually(t, func() bool {
		_, stopped := rec.snapshot()
		return len(stopped) == 1 && stopped[0] == "beta"
	}, time.Second, 5*time.Millisecond)

	_, ok := s.readers["beta"]
	assert.False(t, ok)
	_, ok = s.readers["alpha"]
	assert.True(t, ok)
}
