package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	relayq "github.com/relayq/relayq-go"
	"github.com/relayq/relayq-go/internal/redisbroker"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (http.Handler, *relayq.Manager, *relayq.MemStore) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := relayq.NewRegistry()
	require.NoError(t, reg.Register("add_numbers", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	}))
	store := relayq.NewMemStore()
	mgr := relayq.NewManager(store, redisbroker.New(rdb), reg)
	return New(mgr, nil).Router(), mgr, store
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr, out
}

func TestAPI_CreateTask(t *testing.T) {
	h, _, store := newTestAPI(t)

	rr, out := doJSON(t, h, http.MethodPost, "/api/tasks/", `{
		"task_name": "add_numbers",
		"args": [2, 3],
		"priority": "high",
		"max_retries": 1,
		"retry_delay": 30,
		"timeout": 60,
		"queue_name": "math"
	}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, true, out["success"])

	data := out["data"].(map[string]any)
	require.Equal(t, "add_numbers", data["task_name"])
	// Priority comes back as its numeric enum even though it was sent as a string.
	require.Equal(t, float64(0), data["priority"])
	require.Equal(t, "pending", data["status"])
	require.Equal(t, []any{float64(2), float64(3)}, data["args"])
	require.Equal(t, float64(1), data["max_retries"])
	require.Equal(t, "math", data["queue_name"])

	rec, err := store.Get(context.Background(), data["id"].(string))
	require.NoError(t, err)
	require.Equal(t, relayq.StatusPending, rec.Status)
}

func TestAPI_CreateTask_Defaults(t *testing.T) {
	h, _, _ := newTestAPI(t)
	rr, out := doJSON(t, h, http.MethodPost, "/api/tasks/", `{"task_name": "add_numbers"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	data := out["data"].(map[string]any)
	require.Equal(t, float64(1), data["priority"])
	require.Equal(t, float64(3), data["max_retries"])
	require.Equal(t, float64(60), data["retry_delay"])
	require.Equal(t, float64(300), data["timeout"])
	require.Equal(t, "default", data["queue_name"])
	require.Equal(t, []any{}, data["args"])
}

func TestAPI_CreateTask_Validation(t *testing.T) {
	h, _, _ := newTestAPI(t)

	rr, out := doJSON(t, h, http.MethodPost, "/api/tasks/", `{"args": [1]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, false, out["success"])

	rr, _ = doJSON(t, h, http.MethodPost, "/api/tasks/", `{"task_name": "t", "max_retries": -1}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = doJSON(t, h, http.MethodPost, "/api/tasks/", `{"task_name": "t", "timeout": 0}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = doJSON(t, h, http.MethodPost, "/api/tasks/", `{"task_name": "t", "priority": "urgent"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = doJSON(t, h, http.MethodPost, "/api/tasks/", `not json`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_ListTasks_StatusFilter(t *testing.T) {
	h, mgr, _ := newTestAPI(t)
	ctx := context.Background()

	first, err := mgr.Enqueue(ctx, "add_numbers", []any{1, 1}, nil)
	require.NoError(t, err)
	_, err = mgr.Enqueue(ctx, "add_numbers", []any{2, 2}, nil)
	require.NoError(t, err)

	rec, err := mgr.ClaimNext(ctx, relayq.DefaultQueue, "w1")
	require.NoError(t, err)
	require.Equal(t, first.ID, rec.ID)
	require.NoError(t, mgr.Complete(ctx, rec.ID, 2))

	rr, out := doJSON(t, h, http.MethodGet, "/api/tasks/?status=success", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, float64(1), out["count"])
	data := out["data"].([]any)
	require.Len(t, data, 1)
	require.Equal(t, first.ID, data[0].(map[string]any)["id"])

	rr, out = doJSON(t, h, http.MethodGet, "/api/tasks/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, float64(2), out["count"])

	rr, _ = doJSON(t, h, http.MethodGet, "/api/tasks/?status=bogus", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_GetTask(t *testing.T) {
	h, mgr, _ := newTestAPI(t)
	rec, err := mgr.Enqueue(context.Background(), "add_numbers", nil, nil)
	require.NoError(t, err)

	rr, out := doJSON(t, h, http.MethodGet, "/api/tasks/"+rec.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, rec.ID, out["data"].(map[string]any)["id"])

	rr, _ = doJSON(t, h, http.MethodGet, "/api/tasks/not-there", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_QueueStats(t *testing.T) {
	h, mgr, _ := newTestAPI(t)
	_, err := mgr.Enqueue(context.Background(), "add_numbers", nil, nil, relayq.Queue("math"))
	require.NoError(t, err)

	rr, out := doJSON(t, h, http.MethodGet, "/api/queues/math/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	data := out["data"].(map[string]any)
	require.Equal(t, float64(1), data["pending"])
	require.Equal(t, float64(0), data["inflight"])
}
