package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"streamsync/internal/domain"
	"streamsync/internal/repo"
)

type staticPartition struct {
	assignment domain.PartitionAssignment
	grace      bool
}

func (s staticPartition) Assignment() domain.PartitionAssignment { return s.assignment }
func (s staticPartition) InGrace() bool                          { return s.grace }

func newTestServer(t *testing.T) (http.Handler, repo.Repository) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repo.EnsureSchema(db))

	r := repo.NewSQLiteRepo(db)
	view := staticPartition{assignment: domain.PartitionAssignment{
		NodeID:      "node-a",
		NodeIndex:   1,
		ActiveNodes: 3,
	}}
	return NewServer(r, view), r
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "node-a", got.NodeID)
	assert.Equal(t, 1, got.NodeIndex)
	assert.Equal(t, 3, got.ActiveNodes)
	assert.False(t, got.IsTailNode)
}

func TestGetTask(t *testing.T) {
	srv, r := newTestServer(t)
	require.NoError(t, r.InsertBatch(context.Background(), []domain.Task{{
		ID:        "1715-0",
		QueueName: "jobs",
		TaskName:  "resize",
		Status:    domain.StatusPending,
	}}))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/1715-0", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got taskResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "resize", got.TaskName)
	assert.Equal(t, "jobs", got.QueueName)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasks(t *testing.T) {
	srv, r := newTestServer(t)
	require.NoError(t, r.InsertBatch(context.Background(), []domain.Task{
		{ID: "1-0", QueueName: "jobs", TaskName: "a", Status: domain.StatusPending},
		{ID: "2-0", QueueName: "jobs", TaskName: "b", Status: domain.StatusPending},
	}))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []taskResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "2-0", got[0].ID)
}
