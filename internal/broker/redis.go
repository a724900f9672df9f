package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Read cursors for consumer-group reads. CursorBacklog replays entries that
// were delivered to this consumer but never acknowledged; CursorLive waits
// for entries nobody in the group has seen yet.
const (
	CursorBacklog = "0"
	CursorLive    = ">"
)

// Membership event names published on the node-events channel.
const (
	EventNodeJoin  = "node_join"
	EventNodeLeave = "node_leave"
)

// Entry is one raw stream entry: an opaque broker-assigned ID plus a flat
// field map.
type Entry struct {
	ID     string
	Values map[string]interface{}
}

// NodeEvent is the payload carried on the rebalance pub/sub channel.
type NodeEvent struct {
	Event  string `json:"event"`
	NodeID string `json:"node_id"`
}

// Keys derives every broker key from one configured prefix.
type Keys struct {
	Prefix string
}

func (k Keys) Queue(name string) string  { return k.Prefix + ":QUEUE:" + name }
func (k Keys) QueuePattern() string      { return k.Prefix + ":QUEUE:*" }
func (k Keys) Task(id string) string     { return k.Prefix + ":TASK:" + id }
func (k Keys) Node(nodeID string) string { return k.Prefix + ":NODE:" + nodeID }
func (k Keys) NodePattern() string       { return k.Prefix + ":NODE:*" }
func (k Keys) EventsChannel() string     { return k.Prefix + ":NODE_EVENTS" }
func (k Keys) QueueName(key string) string {
	return strings.TrimPrefix(key, k.Prefix+":QUEUE:")
}
func (k Keys) NodeID(key string) string {
	return strings.TrimPrefix(key, k.Prefix+":NODE:")
}

// Broker wraps the shared Redis connection with the stream, hash, heartbeat
// and pub/sub operations the sync engine needs.
type Broker struct {
	rdb   *redis.Client
	keys  Keys
	group string
}

func New(rdb *redis.Client, keys Keys, group string) *Broker {
	return &Broker{rdb: rdb, keys: keys, group: group}
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *Broker) Close() error { return b.rdb.Close() }

// EnsureGroup creates the consumer group at the stream origin. Duplicate
// creation attempts are no-ops.
func (b *Broker) EnsureGroup(ctx context.Context, queue string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.keys.Queue(queue), b.group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("create group %s on %s: %w", b.group, queue, err)
}

// IsNoGroup reports the broker error raised when the consumer group (or the
// whole stream) has disappeared since the reader was started.
func IsNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

// ReadGroup reads up to count entries for the given consumer. A negative
// block disables blocking entirely; redis.Nil (nothing available) is
// normalized to an empty batch.
func (b *Broker) ReadGroup(ctx context.Context, queue, consumer, cursor string, count int64, block time.Duration) ([]Entry, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: consumer,
		Streams:  []string{b.keys.Queue(queue), cursor},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entries = append(entries, Entry{ID: msg.ID, Values: msg.Values})
		}
	}
	return entries, nil
}

func (b *Broker) Ack(ctx context.Context, queue string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return b.rdb.XAck(ctx, b.keys.Queue(queue), b.group, ids...).Err()
}

// Queues enumerates the stream names currently present under the queue
// pattern.
func (b *Broker) Queues(ctx context.Context) ([]string, error) {
	keys, err := b.scan(ctx, b.keys.QueuePattern())
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, b.keys.QueueName(key))
	}
	return names, nil
}

// TaskStates fetches the live hash state of every given task in one
// pipelined round trip. Tasks with no hash map to an empty map.
func (b *Broker) TaskStates(ctx context.Context, ids []string) (map[string]map[string]string, error) {
	if len(ids) == 0 {
		return map[string]map[string]string{}, nil
	}
	pipe := b.rdb.Pipeline()
	cmds := make(map[string]*redis.StringStringMapCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.HGetAll(ctx, b.keys.Task(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	states := make(map[string]map[string]string, len(ids))
	for id, cmd := range cmds {
		state, err := cmd.Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		states[id] = state
	}
	return states, nil
}

// Heartbeat refreshes this node's TTL-backed liveness key.
func (b *Broker) Heartbeat(ctx context.Context, nodeID string, ttl time.Duration) error {
	return b.rdb.Set(ctx, b.keys.Node(nodeID), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

func (b *Broker) NodeAlive(ctx context.Context, nodeID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, b.keys.Node(nodeID)).Result()
	return n > 0, err
}

func (b *Broker) RemoveHeartbeat(ctx context.Context, nodeID string) error {
	return b.rdb.Del(ctx, b.keys.Node(nodeID)).Err()
}

// Nodes returns the IDs of every node with a live heartbeat key.
func (b *Broker) Nodes(ctx context.Context) ([]string, error) {
	keys, err := b.scan(ctx, b.keys.NodePattern())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, b.keys.NodeID(key))
	}
	return ids, nil
}

func (b *Broker) PublishEvent(ctx context.Context, event NodeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.keys.EventsChannel(), payload).Err()
}

// SubscribeEvents subscribes to the membership channel and delivers decoded
// events until the subscription is closed. Undecodable messages are dropped.
func (b *Broker) SubscribeEvents(ctx context.Context) (<-chan NodeEvent, func() error) {
	sub := b.rdb.Subscribe(ctx, b.keys.EventsChannel())
	out := make(chan NodeEvent)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var event NodeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close
}

func (b *Broker) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := b.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
