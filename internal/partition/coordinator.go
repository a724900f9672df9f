package partition

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"streamsync/internal/broker"
	"streamsync/internal/domain"
)

// Broker is the slice of the broker the coordinator needs: TTL heartbeats,
// liveness enumeration and the membership pub/sub channel.
type Broker interface {
	Heartbeat(ctx context.Context, nodeID string, ttl time.Duration) error
	NodeAlive(ctx context.Context, nodeID string) (bool, error)
	RemoveHeartbeat(ctx context.Context, nodeID string) error
	Nodes(ctx context.Context) ([]string, error)
	PublishEvent(ctx context.Context, event broker.NodeEvent) error
	SubscribeEvents(ctx context.Context) (<-chan broker.NodeEvent, func() error)
}

// Bounds supplies the unsynced ID range used by the tail-node predicate.
type Bounds interface {
	UnsyncedIDBounds(ctx context.Context) (minID, maxID string, err error)
}

type Config struct {
	NodeID       string
	HeartbeatTTL time.Duration
	RefreshEvery time.Duration
	BoundsEvery  time.Duration
	GraceWindow  time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 30 * time.Second
	}
	if c.RefreshEvery <= 0 {
		c.RefreshEvery = 5 * time.Second
	}
	if c.BoundsEvery <= 0 {
		c.BoundsEvery = 30 * time.Second
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 10 * time.Second
	}
	return c
}

// Coordinator maintains this node's slice of the task-ID space without any
// central negotiation: every node sorts the same set of live heartbeat keys
// and lands on the same ranking.
type Coordinator struct {
	broker Broker
	bounds Bounds
	cfg    Config

	assignment atomic.Pointer[domain.PartitionAssignment]
	graceUntil atomic.Pointer[time.Time]
	notify     chan struct{}

	lastBounds time.Time
	lastActive int
	minID      string
	maxID      string
}

func NewCoordinator(b Broker, bounds Bounds, cfg Config) *Coordinator {
	return &Coordinator{
		broker: b,
		bounds: bounds,
		cfg:    cfg.withDefaults(),
		notify: make(chan struct{}, 1),
	}
}

// Join registers this node with the fleet. A node whose previous heartbeat
// key is still alive is returning after an outage and must sit out a grace
// window before doing any partition work, so the rest of the fleet can
// re-settle its view first.
func (c *Coordinator) Join(ctx context.Context) error {
	alive, err := c.broker.NodeAlive(ctx, c.cfg.NodeID)
	if err != nil {
		return fmt.Errorf("check own heartbeat: %w", err)
	}
	if err := c.broker.Heartbeat(ctx, c.cfg.NodeID, c.cfg.HeartbeatTTL); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}
	if alive {
		until := time.Now().Add(c.cfg.GraceWindow)
		c.graceUntil.Store(&until)
		log.Warn().Str("node_id", c.cfg.NodeID).Dur("grace", c.cfg.GraceWindow).Msg("rejoining fleet, entering grace period")
	} else {
		if err := c.broker.PublishEvent(ctx, broker.NodeEvent{Event: broker.EventNodeJoin, NodeID: c.cfg.NodeID}); err != nil {
			log.Error().Err(err).Msg("publish node_join")
		}
		log.Info().Str("node_id", c.cfg.NodeID).Msg("joined fleet")
	}
	return nil
}

// Run refreshes the heartbeat and recomputes the assignment on a fixed cadence,
// or immediately when a membership event arrives.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RefreshEvery)
	defer ticker.Stop()

	c.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh(ctx)
		case <-c.notify:
			c.refresh(ctx)
		}
	}
}

// Leave publishes the departure event and drops the heartbeat key so the
// rest of the fleet rebalances promptly instead of waiting out the TTL.
func (c *Coordinator) Leave(ctx context.Context) {
	if err := c.broker.PublishEvent(ctx, broker.NodeEvent{Event: broker.EventNodeLeave, NodeID: c.cfg.NodeID}); err != nil {
		log.Error().Err(err).Msg("publish node_leave")
	}
	if err := c.broker.RemoveHeartbeat(ctx, c.cfg.NodeID); err != nil {
		log.Error().Err(err).Msg("remove heartbeat")
	}
	log.Info().Str("node_id", c.cfg.NodeID).Msg("left fleet")
}

// ListenEvents consumes membership events and pokes the refresh loop, so a
// join or leave anywhere in the fleet rebalances every node at once.
func (c *Coordinator) ListenEvents(ctx context.Context) {
	events, closeSub := c.broker.SubscribeEvents(ctx)
	defer func() { _ = closeSub() }()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.NodeID == c.cfg.NodeID {
				continue
			}
			log.Info().Str("event", event.Event).Str("node_id", event.NodeID).Msg("fleet membership changed")
			c.Notify()
		}
	}
}

// Notify requests an immediate assignment refresh. Non-blocking; a pending
// poke is enough.
func (c *Coordinator) Notify() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Assignment returns the current partition view. ActiveNodes is zero until
// the first successful refresh.
func (c *Coordinator) Assignment() domain.PartitionAssignment {
	if a := c.assignment.Load(); a != nil {
		return *a
	}
	return domain.PartitionAssignment{NodeID: c.cfg.NodeID}
}

// InGrace reports whether the post-rejoin grace window is still open.
func (c *Coordinator) InGrace() bool {
	until := c.graceUntil.Load()
	return until != nil && time.Now().Before(*until)
}

func (c *Coordinator) refresh(ctx context.Context) {
	if err := c.broker.Heartbeat(ctx, c.cfg.NodeID, c.cfg.HeartbeatTTL); err != nil {
		log.Error().Err(err).Msg("refresh heartbeat")
		return
	}

	nodes, err := c.broker.Nodes(ctx)
	if err != nil {
		log.Error().Err(err).Msg("enumerate nodes")
		return
	}
	sort.Strings(nodes)

	index := -1
	for i, id := range nodes {
		if id == c.cfg.NodeID {
			index = i
			break
		}
	}
	if index < 0 {
		// Our own key is missing from the scan: pause partition work until
		// the next refresh re-establishes it.
		log.Error().Str("node_id", c.cfg.NodeID).Int("nodes", len(nodes)).Msg("node absent from alive set")
		c.assignment.Store(&domain.PartitionAssignment{NodeID: c.cfg.NodeID})
		return
	}

	active := len(nodes)
	if active != c.lastActive || time.Since(c.lastBounds) >= c.cfg.BoundsEvery {
		minID, maxID, err := c.bounds.UnsyncedIDBounds(ctx)
		if err != nil {
			log.Error().Err(err).Msg("refresh id bounds")
		} else {
			c.minID, c.maxID = minID, maxID
			c.lastBounds = time.Now()
		}
	}
	if active != c.lastActive {
		log.Info().Int("active_nodes", active).Int("node_index", index).Msg("partition view changed")
		c.lastActive = active
	}

	c.assignment.Store(&domain.PartitionAssignment{
		NodeID:      c.cfg.NodeID,
		NodeIndex:   index,
		ActiveNodes: active,
		IsTailNode:  index == active-1,
		MinID:       c.minID,
		MaxID:       c.maxID,
	})
}
