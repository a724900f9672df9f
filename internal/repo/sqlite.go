package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"streamsync/internal/domain"
)

var ErrNoPartition = errors.New("partition membership not yet known")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  queue_name TEXT NOT NULL,
  task_name TEXT NOT NULL DEFAULT 'unknown',
  payload TEXT NOT NULL DEFAULT '{}',
  priority INTEGER NOT NULL DEFAULT 0,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retry INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('pending','running','success','error','failed','timeout','cancelled')) DEFAULT 'pending',
  result TEXT,
  error_message TEXT,
  worker_id TEXT,
  started_at DATETIME,
  finished_at DATETIME,
  metadata TEXT NOT NULL DEFAULT '{}',
  partition_key INTEGER NOT NULL,
  created_at DATETIME,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  sync_check_count INTEGER NOT NULL DEFAULT 0,
  next_sync_time INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_sync ON tasks(status, next_sync_time);
CREATE INDEX IF NOT EXISTS idx_tasks_partition ON tasks(partition_key);
CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue_name, created_at);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	InsertBatch(ctx context.Context, tasks []domain.Task) error
	FetchPendingForPartition(ctx context.Context, p domain.PartitionAssignment, batchSize int) ([]domain.Task, error)
	ApplyStatusUpdates(ctx context.Context, now time.Time, updates []domain.StatusUpdate) error
	UnsyncedIDBounds(ctx context.Context) (minID, maxID string, err error)
	RefreshStatistics(ctx context.Context) error
	Get(ctx context.Context, id string) (domain.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

// InsertBatch upserts tasks keyed by id in one transaction. Re-delivery of a
// known id refreshes task_name, retry_count and metadata only; insertion-time
// fields stay from the first delivery.
func (r *sqliteRepo) InsertBatch(ctx context.Context, tasks []domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO tasks (id,queue_name,task_name,payload,priority,retry_count,max_retry,status,metadata,partition_key,created_at,sync_check_count,next_sync_time,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,0,0,CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  task_name = excluded.task_name,
  retry_count = excluded.retry_count,
  metadata = excluded.metadata,
  updated_at = CURRENT_TIMESTAMP
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range tasks {
		payload, err := marshalDoc(t.Payload)
		if err != nil {
			return fmt.Errorf("task %s payload: %w", t.ID, err)
		}
		metadata, err := marshalDoc(t.Metadata)
		if err != nil {
			return fmt.Errorf("task %s metadata: %w", t.ID, err)
		}
		status := t.Status
		if status == "" {
			status = domain.StatusPending
		}
		var createdAt interface{}
		if t.CreatedAt != nil {
			createdAt = t.CreatedAt.UTC()
		}
		if _, err := stmt.ExecContext(ctx, t.ID, t.QueueName, t.TaskName, payload,
			t.Priority, t.RetryCount, t.MaxRetry, status, metadata,
			int64(domain.PartitionKey(t.ID)), createdAt); err != nil {
			return fmt.Errorf("upsert task %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// FetchPendingForPartition selects live tasks owned by this node, ordered by
// sync eligibility. The tail node's predicate is widened to catch IDs past
// the last known maximum.
func (r *sqliteRepo) FetchPendingForPartition(ctx context.Context, p domain.PartitionAssignment, batchSize int) ([]domain.Task, error) {
	if p.ActiveNodes <= 0 {
		return nil, ErrNoPartition
	}
	ownership := "partition_key % ? = ?"
	args := []interface{}{time.Now().Unix(), p.ActiveNodes, p.NodeIndex}
	if p.IsTailNode && p.MaxID != "" {
		ownership = "(partition_key % ? = ? OR id > ?)"
		args = append(args, p.MaxID)
	}
	args = append(args, batchSize)

	rows, err := r.db.QueryContext(ctx, `
SELECT id,queue_name,task_name,payload,priority,retry_count,max_retry,status,metadata,created_at,sync_check_count,next_sync_time
FROM tasks
WHERE status IN ('pending','running') AND next_sync_time <= ? AND `+ownership+`
ORDER BY next_sync_time ASC
LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ApplyStatusUpdates writes one reconciliation round in a single transaction.
// Terminal transitions stop all further polling; everything else advances the
// backoff bookkeeping, recording the new status when one was observed.
func (r *sqliteRepo) ApplyStatusUpdates(ctx context.Context, now time.Time, updates []domain.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range updates {
		switch {
		case u.Changed && domain.IsTerminal(u.Status):
			_, err = tx.ExecContext(ctx, `
UPDATE tasks SET status=?, result=?, error_message=?, worker_id=?, started_at=?, finished_at=?,
       sync_check_count=0, next_sync_time=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?`,
				u.Status, nullableStr(u.Result), nullableStr(u.ErrorMessage), nullableStr(u.WorkerID),
				nullableTime(u.StartedAt), nullableTime(u.FinishedAt), domain.NeverSync, u.ID)
		case u.Changed:
			_, err = tx.ExecContext(ctx, `
UPDATE tasks SET status=?, worker_id=?, started_at=?,
       sync_check_count=0, next_sync_time=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?`,
				u.Status, nullableStr(u.WorkerID), nullableTime(u.StartedAt),
				now.Add(domain.NextSyncDelay(0)).Unix(), u.ID)
		default:
			_, err = tx.ExecContext(ctx, `
UPDATE tasks SET sync_check_count=?, next_sync_time=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?`,
				u.SyncCheckCount, now.Add(domain.NextSyncDelay(u.SyncCheckCount)).Unix(), u.ID)
		}
		if err != nil {
			return fmt.Errorf("update task %s: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

// UnsyncedIDBounds returns the MIN/MAX id over tasks still being polled.
func (r *sqliteRepo) UnsyncedIDBounds(ctx context.Context) (string, string, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT MIN(id), MAX(id) FROM tasks WHERE status IN ('pending','running')`)
	var minID, maxID sql.NullString
	if err := row.Scan(&minID, &maxID); err != nil {
		return "", "", err
	}
	return minID.String, maxID.String, nil
}

// RefreshStatistics re-runs the planner statistics so the modulo-filtered
// partition queries keep choosing sane plans as the table grows.
func (r *sqliteRepo) RefreshStatistics(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `ANALYZE; PRAGMA optimize;`)
	return err
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,queue_name,task_name,payload,priority,retry_count,max_retry,status,metadata,created_at,sync_check_count,next_sync_time
FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

func (r *sqliteRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,queue_name,task_name,payload,priority,retry_count,max_retry,status,metadata,created_at,sync_check_count,next_sync_time
FROM tasks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t         domain.Task
		payload   string
		metadata  string
		createdAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.QueueName, &t.TaskName, &payload, &t.Priority,
		&t.RetryCount, &t.MaxRetry, &t.Status, &metadata, &createdAt,
		&t.SyncCheckCount, &t.NextSyncTime); err != nil {
		return domain.Task{}, err
	}
	if createdAt.Valid {
		ts := createdAt.Time.UTC()
		t.CreatedAt = &ts
	}
	_ = json.Unmarshal([]byte(payload), &t.Payload)
	_ = json.Unmarshal([]byte(metadata), &t.Metadata)
	return t, nil
}

func marshalDoc(doc map[string]interface{}) (string, error) {
	if doc == nil {
		return "{}", nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
