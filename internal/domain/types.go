package domain

import (
	"hash/crc32"
	"time"
)

// Task statuses. A task moves forward only: once it reaches a terminal
// status it is never polled again.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// NeverSync is the next_sync_time sentinel for terminal tasks (2100-01-01 UTC).
const NeverSync int64 = 4102444800

// MaxSyncDelay caps the reconciliation backoff.
const MaxSyncDelay = 64 * time.Second

func IsTerminal(status string) bool {
	switch status {
	case StatusSuccess, StatusError, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// NextSyncDelay returns min(2^count, 64) seconds, so tasks that keep not
// changing are polled progressively less often.
func NextSyncDelay(count int) time.Duration {
	if count < 0 {
		count = 0
	}
	if count >= 6 {
		return MaxSyncDelay
	}
	return time.Duration(1<<count) * time.Second
}

// PartitionKey maps a task ID onto a stable integer. The same value is stored
// in the tasks table at insert time, so the SQL modulo predicate and any
// in-process ownership check agree by construction.
func PartitionKey(id string) uint32 {
	return crc32.ChecksumIEEE([]byte(id))
}

type Task struct {
	ID             string
	QueueName      string
	TaskName       string
	Payload        map[string]interface{}
	Priority       int
	RetryCount     int
	MaxRetry       int
	Status         string
	Metadata       map[string]interface{}
	CreatedAt      *time.Time
	SyncCheckCount int
	NextSyncTime   int64
}

// StatusUpdate is the outcome of one reconciliation diff for one task.
// Changed=false means no live state was observed and only the backoff
// bookkeeping advances.
type StatusUpdate struct {
	ID             string
	Changed        bool
	Status         string
	Result         string
	ErrorMessage   string
	WorkerID       string
	StartedAt      *time.Time
	FinishedAt     *time.Time
	SyncCheckCount int
}

// PartitionAssignment is this node's view of the fleet, recomputed from
// heartbeat keys. It is never persisted beyond the node's own TTL key.
type PartitionAssignment struct {
	NodeID      string
	NodeIndex   int
	ActiveNodes int
	IsTailNode  bool
	MinID       string
	MaxID       string
}

// Owns reports whether the given task ID hashes to this node's slice. The
// tail node additionally owns every ID beyond the last known MaxID, so brand
// new tasks are never orphaned between bound refreshes.
func (a PartitionAssignment) Owns(taskID string) bool {
	if a.ActiveNodes <= 0 {
		return false
	}
	if a.IsTailNode && a.MaxID != "" && taskID > a.MaxID {
		return true
	}
	return int(PartitionKey(taskID)%uint32(a.ActiveNodes)) == a.NodeIndex
}
