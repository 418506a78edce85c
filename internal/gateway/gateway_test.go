package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/visionforge/internal/budget"
	"github.com/basket/visionforge/internal/bus"
	"github.com/basket/visionforge/internal/config"
	"github.com/basket/visionforge/internal/engine"
	"github.com/basket/visionforge/internal/gateway"
	"github.com/basket/visionforge/internal/llm"
	"github.com/basket/visionforge/internal/persistence"

	_ "github.com/mattn/go-sqlite3"
)

const gatewayTestAuthToken = "test-token-123"

type stubClient struct{}

func (stubClient) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{Text: "done: " + req.Prompt, TokensIn: 10, TokensOut: 5}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// apiTestServer sets up a gateway test server with a running engine.
// Caller gets the httptest.Server plus the store for direct checks.
func apiTestServer(t *testing.T, opts ...func(*gateway.Config)) (*httptest.Server, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "forge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	eventBus := bus.New()
	guard := budget.NewGuard(store, config.BudgetConfig{PreferredModel: "gemini-2.5-flash"}, eventBus, nil, testLogger())
	eng, err := engine.New(store, guard, stubClient{}, engine.Config{
		WorkerCount:   1,
		PollInterval:  5 * time.Millisecond,
		MaxQueueDepth: 100,
		Bus:           eventBus,
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	eng.Start(ctx)

	cfg := gateway.Config{
		Engine:            eng,
		Store:             store,
		Bus:               eventBus,
		ConfigFingerprint: "test-fingerprint-abc123",
		Logger:            testLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv := gateway.New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return ts, store
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any, token string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func apiGet(t *testing.T, ts *httptest.Server, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("new request %s: %v", path, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode JSON response: %v\nbody: %s", err, string(body))
	}
	return result
}

func submitBody(prompt string) map[string]any {
	return map[string]any{
		"kind": "world.render",
		"payload": map[string]any{
			"prompt":     prompt,
			"parent_ref": "scene-1",
			"email":      "artist@example.com",
		},
	}
}

func waitTaskDone(t *testing.T, ts *httptest.Server, taskID, token string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp := apiGet(t, ts, "/api/tasks/"+taskID, token)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET task: %d", resp.StatusCode)
		}
		body := decodeJSON(t, resp)
		switch body["status"] {
		case "DONE", "ERROR":
			return body
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
	return nil
}

func TestHealthz(t *testing.T) {
	ts, _ := apiTestServer(t)

	resp := apiGet(t, ts, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if body["healthy"] != true {
		t.Fatalf("healthy = %v", body["healthy"])
	}
	if body["config_fingerprint"] != "test-fingerprint-abc123" {
		t.Fatalf("config_fingerprint = %v", body["config_fingerprint"])
	}
}

func TestAuth_TokenRequiredWhenConfigured(t *testing.T) {
	ts, _ := apiTestServer(t, func(cfg *gateway.Config) {
		cfg.AuthToken = gatewayTestAuthToken
	})

	resp := apiGet(t, ts, "/api/kinds", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = apiGet(t, ts, "/api/kinds", "wrong-token")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = apiGet(t, ts, "/api/kinds", gatewayTestAuthToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good token: expected 200, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if _, ok := body["kinds"]; !ok {
		t.Fatalf("response missing kinds: %v", body)
	}
}

func TestSubmitTask_Accepted(t *testing.T) {
	ts, store := apiTestServer(t)

	resp := postJSON(t, ts, "/api/tasks", submitBody("a red boat"), "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	taskID, _ := body["id"].(string)
	if taskID == "" {
		t.Fatalf("response missing task id: %v", body)
	}
	if body["status"] != "QUEUED" {
		t.Fatalf("status = %v, want QUEUED", body["status"])
	}

	done := waitTaskDone(t, ts, taskID, "")
	if done["status"] != "DONE" {
		t.Fatalf("task = %v", done)
	}
	if done["result"] != "done: a red boat" {
		t.Fatalf("result = %v", done["result"])
	}

	// Completion is persisted and visible through the usage endpoint.
	usage := decodeJSON(t, apiGet(t, ts, "/api/usage", ""))
	allTime, ok := usage["all_time"].(map[string]interface{})
	if !ok || allTime["calls"].(float64) < 1 {
		t.Fatalf("usage = %v", usage)
	}
	art, err := store.FindArtifactBySignature(context.Background(), "scene-1", "artist@example.com", "world.render")
	if err != nil || art == nil {
		t.Fatalf("artifact missing: %v %v", art, err)
	}
}

func TestSubmitTask_UnknownKind(t *testing.T) {
	ts, _ := apiTestServer(t)

	resp := postJSON(t, ts, "/api/tasks", map[string]any{
		"kind":    "sound.compose",
		"payload": map[string]any{"prompt": "p", "parent_ref": "r", "email": "a@b.c"},
	}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSubmitTask_InvalidPayload(t *testing.T) {
	ts, _ := apiTestServer(t)

	resp := postJSON(t, ts, "/api/tasks", map[string]any{
		"kind":    "picture.explain",
		"payload": map[string]any{"prompt": "p", "parent_ref": "r", "email": "a@b.c"},
	}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for picture task without image_ref, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetTask_NotFound(t *testing.T) {
	ts, _ := apiTestServer(t)

	resp := apiGet(t, ts, "/api/tasks/no-such-id", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestQueueStats(t *testing.T) {
	ts, _ := apiTestServer(t)

	resp := apiGet(t, ts, "/api/queue/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if body["worker_count"].(float64) != 1 {
		t.Fatalf("worker_count = %v", body["worker_count"])
	}
	if _, ok := body["queue"]; !ok {
		t.Fatalf("response missing queue: %v", body)
	}
}

func TestSubmitBatch(t *testing.T) {
	ts, _ := apiTestServer(t)

	resp := postJSON(t, ts, "/api/tasks/batch", map[string]any{
		"items": []map[string]any{
			submitBody("one"),
			submitBody("two"),
		},
	}, "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if body["run_id"] == "" {
		t.Fatalf("missing run_id: %v", body)
	}
	tasks, ok := body["tasks"].([]interface{})
	if !ok || len(tasks) != 2 {
		t.Fatalf("tasks = %v", body["tasks"])
	}
}

func TestMetrics(t *testing.T) {
	ts, _ := apiTestServer(t)

	resp := apiGet(t, ts, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if _, ok := body["alloc_bytes"]; !ok {
		t.Fatalf("response missing alloc_bytes: %v", body)
	}
	if _, ok := body["worker_count"]; !ok {
		t.Fatalf("response missing worker_count: %v", body)
	}
}
