package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"streamsync/internal/domain"
	"streamsync/internal/repo"
)

// PartitionView exposes the coordinator state the status endpoint reports.
type PartitionView interface {
	Assignment() domain.PartitionAssignment
	InGrace() bool
}

type Server struct {
	r         *chi.Mux
	repo      repo.Repository
	partition PartitionView
	started   time.Time
}

func NewServer(r repo.Repository, partition PartitionView) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	s := &Server{r: mux, repo: r, partition: partition, started: time.Now()}

	mux.Get("/health", s.health)
	mux.Get("/status", s.status)
	mux.Get("/api/tasks", s.listTasks)
	mux.Get("/api/tasks/{id}", s.getTask)

	return mux
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statusResp struct {
	NodeID      string `json:"node_id"`
	NodeIndex   int    `json:"node_index"`
	ActiveNodes int    `json:"active_nodes"`
	IsTailNode  bool   `json:"is_tail_node"`
	MinID       string `json:"min_id,omitempty"`
	MaxID       string `json:"max_id,omitempty"`
	InGrace     bool   `json:"in_grace"`
	UptimeSecs  int64  `json:"uptime_secs"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	a := s.partition.Assignment()
	writeJSON(w, http.StatusOK, statusResp{
		NodeID:      a.NodeID,
		NodeIndex:   a.NodeIndex,
		ActiveNodes: a.ActiveNodes,
		IsTailNode:  a.IsTailNode,
		MinID:       a.MinID,
		MaxID:       a.MaxID,
		InGrace:     s.partition.InGrace(),
		UptimeSecs:  int64(time.Since(s.started).Seconds()),
	})
}

type taskResp struct {
	ID             string                 `json:"id"`
	QueueName      string                 `json:"queue_name"`
	TaskName       string                 `json:"task_name"`
	Status         string                 `json:"status"`
	Priority       int                    `json:"priority"`
	RetryCount     int                    `json:"retry_count"`
	MaxRetry       int                    `json:"max_retry"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      *time.Time             `json:"created_at,omitempty"`
	SyncCheckCount int                    `json:"sync_check_count"`
	NextSyncTime   int64                  `json:"next_sync_time"`
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.repo.Get(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResp(task))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	tasks, err := s.repo.ListRecentTasks(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]taskResp, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResp(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func toTaskResp(t domain.Task) taskResp {
	return taskResp{
		ID:             t.ID,
		QueueName:      t.QueueName,
		TaskName:       t.TaskName,
		Status:         t.Status,
		Priority:       t.Priority,
		RetryCount:     t.RetryCount,
		MaxRetry:       t.MaxRetry,
		Payload:        t.Payload,
		Metadata:       t.Metadata,
		CreatedAt:      t.CreatedAt,
		SyncCheckCount: t.SyncCheckCount,
		NextSyncTime:   t.NextSyncTime,
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
