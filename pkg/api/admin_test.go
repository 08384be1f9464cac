package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/ngoyal88/promptrelay/pkg/cache"
	"github.com/ngoyal88/promptrelay/pkg/capture"
	"github.com/ngoyal88/promptrelay/pkg/config"
	"github.com/ngoyal88/promptrelay/pkg/middleware"
	"github.com/ngoyal88/promptrelay/pkg/storage"
)

const adminKey = "test-admin-key"

type memorySink struct {
	mu   sync.Mutex
	err  error
	recs []storage.UsageRecord
}

func (m *memorySink) SaveUsage(_ context.Context, rec *storage.UsageRecord) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, *rec)
	return nil
}

func (m *memorySink) State() string { return "closed" }

func setupTestAdminAPI(t *testing.T, primary *memorySink) (http.Handler, *storage.RedisStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb, err := cache.NewRedis(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("connect miniredis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	fallback := storage.NewRedisStore(rdb, time.Hour)

	cfg := config.Default()
	cfg.Auth.AdminKey = adminKey

	api := NewAdminAPI(fallback, capture.NewReplayer(fallback, primary, time.Second, nil), primary, config.NewStore(cfg), nil)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r, fallback
}

func stash(t *testing.T, fallback *storage.RedisStore, model string) string {
	t.Helper()
	rec := storage.UsageRecord{
		ConversationID:    "conv_0123456789abcdef",
		Provider:          "OPENAI",
		Model:             model,
		RequestTimestamp:  storage.NewTimestamp(time.Now()),
		ResponseTimestamp: storage.NewTimestamp(time.Now()),
		Status:            "success",
		APIKeyHash:        "deadbeef",
	}
	key, err := fallback.Stash(context.Background(), &rec)
	if err != nil {
		t.Fatalf("stash: %v", err)
	}
	return key
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(middleware.AdminKeyHeader, adminKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAdmin_RequiresKey(t *testing.T) {
	h, _ := setupTestAdminAPI(t, &memorySink{})

	req := httptest.NewRequest("GET", "/admin/captures", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}
}

func TestAdmin_ListGetDelete(t *testing.T) {
	h, fallback := setupTestAdminAPI(t, &memorySink{})
	key := stash(t, fallback, "gpt-4")
	stash(t, fallback, "gpt-4o")

	w := do(t, h, "GET", "/admin/captures?limit=10")
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var list struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}
	_ = json.NewDecoder(w.Body).Decode(&list)
	if list.Count != 2 {
		t.Errorf("expected 2 captures, got %d", list.Count)
	}

	id := strings.TrimPrefix(key, "prompt-usage:")
	w = do(t, h, "GET", "/admin/captures/"+id)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	var got struct {
		Key    string              `json:"key"`
		Record storage.UsageRecord `json:"record"`
	}
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got.Key != key || got.Record.Model != "gpt-4" {
		t.Errorf("unexpected capture %+v", got)
	}

	if w = do(t, h, "DELETE", "/admin/captures/"+key); w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	if w = do(t, h, "GET", "/admin/captures/"+key); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestAdmin_BadLimit(t *testing.T) {
	h, _ := setupTestAdminAPI(t, &memorySink{})
	if w := do(t, h, "GET", "/admin/captures?limit=abc"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAdmin_Replay(t *testing.T) {
	primary := &memorySink{}
	h, fallback := setupTestAdminAPI(t, primary)
	stash(t, fallback, "gpt-4")
	stash(t, fallback, "claude-3-5-sonnet-20241022")

	w := do(t, h, "POST", "/admin/captures/replay")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Result capture.ReplayResult `json:"result"`
	}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Result.Delivered != 2 {
		t.Errorf("expected 2 delivered, got %+v", resp.Result)
	}
	if len(primary.recs) != 2 {
		t.Errorf("expected primary to receive 2 records, got %d", len(primary.recs))
	}
}

func TestAdmin_ReplayPrimaryDown(t *testing.T) {
	primary := &memorySink{err: storage.ErrPrimaryUnavailable}
	h, fallback := setupTestAdminAPI(t, primary)
	stash(t, fallback, "gpt-4")

	w := do(t, h, "POST", "/admin/captures/replay")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	keys, _ := fallback.List(context.Background(), 10)
	if len(keys) != 1 {
		t.Errorf("record should remain in fallback, got %v", keys)
	}
}

func TestAdmin_Health(t *testing.T) {
	h, _ := setupTestAdminAPI(t, &memorySink{})

	w := do(t, h, "GET", "/admin/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var health map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&health)
	if health["status"] != "healthy" || health["fallback"] != "healthy" {
		t.Errorf("unexpected health %v", health)
	}
}
