package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/internal/chains/chaintest"
	"github.com/starbridge-labs/starbridge/internal/health"
	"github.com/starbridge-labs/starbridge/internal/monitor"
	"github.com/starbridge-labs/starbridge/internal/orchestrator"
	"github.com/starbridge-labs/starbridge/internal/relayer"
	"github.com/starbridge-labs/starbridge/internal/resilience"
	"github.com/starbridge-labs/starbridge/internal/storage"
)

type fixture struct {
	srv  *httptest.Server
	api  *Server
	rel  *relayer.Relayer
	orch *orchestrator.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queue := resilience.NewOpQueue(4)
	events := make(chan chains.Event, 16)

	adapters := make(map[chains.Tag]chains.Adapter)
	execs := make(map[chains.Tag]*resilience.Executor)
	monitors := make(map[chains.Tag]*monitor.Monitor)
	for _, tag := range []chains.Tag{chains.TagEVM, chains.TagSoroban} {
		fake := chaintest.New(tag)
		breaker := resilience.NewCircuitBreaker(tag, resilience.DefaultBreakerConfig())
		retrier := resilience.NewRetrier(resilience.RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond})
		exec := resilience.NewExecutor(tag, queue, breaker, retrier, time.Second)
		adapters[tag] = fake
		execs[tag] = exec
		monitors[tag] = monitor.New(fake, exec, store, time.Minute, events)
	}

	rel := relayer.New(relayer.Config{MaxAttempts: 3, RetryDelay: time.Millisecond}, store, adapters, execs)
	orch := orchestrator.New(orchestrator.Config{
		DefaultTimelockSec: 3600,
		MinTimelockSec:     300,
		MaxTimelockSec:     86400,
		RetentionTTL:       time.Hour,
	}, store, rel, events)
	checker := health.New(monitors, execs, adapters, store, rel, queue)

	api := NewServer(orch, rel, checker)
	go api.wsHub.Run()

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, api: api, rel: rel, orch: orch}
}

func initiateRequest() map[string]interface{} {
	return map[string]interface{}{
		"from_chain":           "evm",
		"to_chain":             "soroban",
		"from_token":           "native",
		"to_token":             "native",
		"from_amount":          "100",
		"to_amount":            "98",
		"user_address":         "0x1111111111111111111111111111111111111111",
		"counterparty_address": "GRESOLVER",
	}
}

func (f *fixture) post(t *testing.T, path string, body interface{}) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]json.RawMessage {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func swapID(t *testing.T, body map[string]json.RawMessage) string {
	t.Helper()
	var id string
	if err := json.Unmarshal(body["swap_id"], &id); err != nil {
		t.Fatalf("swap_id missing: %v", err)
	}
	return id
}

func errorCode(t *testing.T, body map[string]json.RawMessage) chains.ErrorKind {
	t.Helper()
	var code chains.ErrorKind
	if err := json.Unmarshal(body["code"], &code); err != nil {
		t.Fatalf("code missing: %v", err)
	}
	return code
}

func TestInitiateReturnsSwapWithoutSecret(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/swap/initiate", initiateRequest())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	id := swapID(t, body)
	if !strings.HasPrefix(id, "swap-") {
		t.Fatalf("unexpected swap id %q", id)
	}
	if _, ok := body["secret"]; ok {
		t.Fatal("secret must never appear in API responses")
	}
	var hash string
	if err := json.Unmarshal(body["secret_hash"], &hash); err != nil ||
		!strings.HasPrefix(hash, "0x") || len(hash) != 66 {
		t.Fatalf("secret_hash = %q, want 0x-prefixed 32-byte hex", hash)
	}
}

func TestInitiateRejectsBadRequest(t *testing.T) {
	f := newFixture(t)

	req := initiateRequest()
	req["from_amount"] = "-5"
	resp, body := f.post(t, "/swap/initiate", req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if _, ok := body["error"]; !ok {
		t.Fatal("error body missing 'error' field")
	}
	if code := errorCode(t, body); code != chains.KindValidation {
		t.Fatalf("code = %q, want %q", code, chains.KindValidation)
	}
}

func TestStatusReturnsSwapAndTasks(t *testing.T) {
	f := newFixture(t)

	_, body := f.post(t, "/swap/initiate", initiateRequest())
	id := swapID(t, body)

	resp, got := f.get(t, "/swap/status/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var swap storage.Swap
	if err := json.Unmarshal(got["swap"], &swap); err != nil {
		t.Fatalf("swap field: %v", err)
	}
	if swap.SwapID != id {
		t.Fatal("status returned wrong swap")
	}
	var tasks []storage.RelayTask
	if err := json.Unmarshal(got["relayer_tasks"], &tasks); err != nil {
		t.Fatalf("relayer_tasks field: %v", err)
	}
	// Initiate enqueues one create task per leg.
	if len(tasks) != 2 {
		t.Fatalf("relayer_tasks count = %d, want 2", len(tasks))
	}
	for _, task := range tasks {
		if task.SwapID != id || task.Type != storage.TaskCreateEscrow {
			t.Errorf("unexpected task %s/%s for swap %s", task.Type, task.Chain, task.SwapID)
		}
	}

	resp, got = f.get(t, "/swap/status/swap-nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, got); code != chains.KindValidation {
		t.Fatalf("code = %q, want %q", code, chains.KindValidation)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t)

	f.post(t, "/swap/initiate", initiateRequest())
	f.post(t, "/swap/initiate", initiateRequest())

	resp, body := f.get(t, "/swap/all?status=initiated")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var count int
	if err := json.Unmarshal(body["count"], &count); err != nil || count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	_, body = f.get(t, "/swap/all?status=completed")
	if err := json.Unmarshal(body["count"], &count); err != nil || count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}

func TestCompleteRejectsWrongState(t *testing.T) {
	f := newFixture(t)

	_, body := f.post(t, "/swap/initiate", initiateRequest())
	id := swapID(t, body)

	resp, body := f.post(t, "/swap/complete/"+id, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := errorCode(t, body); code != chains.KindInvariantViolation {
		t.Fatalf("code = %q, want %q", code, chains.KindInvariantViolation)
	}
}

func TestRefundThenRefundAgainConflicts(t *testing.T) {
	f := newFixture(t)

	_, body := f.post(t, "/swap/initiate", initiateRequest())
	id := swapID(t, body)

	resp, got := f.post(t, "/swap/refund/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var status string
	if err := json.Unmarshal(got["status"], &status); err != nil {
		t.Fatalf("status field: %v", err)
	}
	if status != string(storage.SwapTimedOut) && status != string(storage.SwapRefunded) {
		t.Fatalf("swap status = %s after refund", status)
	}

	resp, _ = f.post(t, "/swap/refund/"+id, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second refund status = %d, want 409", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var status string
	if err := json.Unmarshal(body["status"], &status); err != nil || status != "healthy" {
		t.Fatalf("health status = %q, want healthy", status)
	}
}

func TestRelayerMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/relayer/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if _, ok := body["total_executed"]; !ok {
		t.Fatal("metrics body missing total_executed")
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	f := newFixture(t)

	// Populate the gauges once.
	f.get(t, "/health")

	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(buf.String(), "starbridge_chain_healthy") {
		t.Fatal("exposition missing starbridge metrics")
	}
}

func TestWebSocketReceivesSwapUpdates(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the hub a moment to register the client.
	deadline := time.Now().Add(2 * time.Second)
	for f.api.wsHub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.post(t, "/swap/initiate", initiateRequest())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev WSEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != EventSwapUpdated {
		t.Fatalf("event type = %s, want %s", ev.Type, EventSwapUpdated)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/swap/all", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow-origin = %q", got)
	}
}
