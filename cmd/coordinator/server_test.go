package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/ringshard/internal/api"
	"github.com/dreamware/ringshard/internal/config"
	"github.com/dreamware/ringshard/internal/coordinator"
	"github.com/dreamware/ringshard/internal/metrics"
	"github.com/dreamware/ringshard/internal/shard"
	"github.com/dreamware/ringshard/internal/storage"
)

func newTestServer(t *testing.T, shards ...string) (*server, *shard.Pool) {
	t.Helper()
	cfg := config.Default()
	cfg.Shards = shards
	cfg.SampleSize = 1000
	cfg.VirtualNodesPerWeight = 40
	cfg.MigrationSelection = config.SelectionOwnership

	ring, err := coordinator.NewRing(cfg)
	if err != nil {
		t.Fatalf("NewRing failed: %v", err)
	}
	pool := shard.NewPool(nil, ring)
	t.Cleanup(func() { _ = pool.Close() })

	reg := prometheus.NewRegistry()
	c, err := coordinator.New(context.Background(), cfg, ring, pool, metrics.New(reg))
	if err != nil {
		t.Fatalf("coordinator.New failed: %v", err)
	}
	return newServer(c, nil, reg), pool
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

// TestHealthEndpoint tests the liveness endpoint
func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "memory://a")
	w := do(t, srv.routes(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	w = do(t, srv.routes(), http.MethodGet, "/health/shards", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 without a monitor, got %d", w.Code)
	}
}

// TestHandleData tests writes, reads and deletes through the owner
func TestHandleData(t *testing.T) {
	srv, pool := newTestServer(t, "memory://a", "memory://b")
	h := srv.routes()

	w := do(t, h, http.MethodPut, "/data/user:1", []byte("alice"))
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var route api.RouteResponse
	decode(t, w, &route)

	owner, _ := srv.coord.Router().ShardFor("user:1")
	if route.ShardID != owner {
		t.Errorf("Expected write on owner %s, got %s", owner, route.ShardID)
	}
	sh, _ := pool.Get(owner)
	if n, _ := sh.Count(context.Background(), "user:1"); n != 1 {
		t.Errorf("Expected record on owner shard")
	}

	w = do(t, h, http.MethodGet, "/data/user:1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET expected 200, got %d", w.Code)
	}
	var rec api.RecordResponse
	decode(t, w, &rec)
	if string(rec.Value) != "alice" || rec.ShardID != owner {
		t.Errorf("Unexpected record %+v", rec)
	}

	w = do(t, h, http.MethodDelete, "/data/user:1", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("DELETE expected 204, got %d", w.Code)
	}
	w = do(t, h, http.MethodGet, "/data/user:1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET after delete expected 404, got %d", w.Code)
	}
	w = do(t, h, http.MethodDelete, "/data/user:1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second DELETE expected 404, got %d", w.Code)
	}
}

// TestHandleDataFallback tests reads of records stored off their owner
func TestHandleDataFallback(t *testing.T) {
	srv, pool := newTestServer(t, "memory://a", "memory://b")
	ctx := context.Background()

	owner, _ := srv.coord.Router().ShardFor("stray")
	other := "shard_0"
	if owner == other {
		other = "shard_1"
	}
	sh, _ := pool.Get(other)
	_ = sh.Insert(ctx, storage.Record{Key: "stray", Value: []byte("left behind")})

	w := do(t, srv.routes(), http.MethodGet, "/data/stray", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 from fan-out, got %d", w.Code)
	}
	var rec api.RecordResponse
	decode(t, w, &rec)
	if rec.ShardID != other {
		t.Errorf("Expected record from %s, got %s", other, rec.ShardID)
	}
}

// TestHandleDataErrors tests bad requests and an empty cluster
func TestHandleDataErrors(t *testing.T) {
	tests := []struct {
		name   string
		shards []string
		method string
		path   string
		want   int
	}{
		{"missing key", []string{"memory://a"}, http.MethodGet, "/data/", http.StatusBadRequest},
		{"bad method", []string{"memory://a"}, http.MethodPost, "/data/k", http.StatusMethodNotAllowed},
		{"no shards", nil, http.MethodPut, "/data/k", http.StatusServiceUnavailable},
		{"unknown key", []string{"memory://a"}, http.MethodGet, "/data/nothing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.shards...)
			w := do(t, srv.routes(), tt.method, tt.path, []byte("v"))
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

// TestHandleRoute tests key resolution
func TestHandleRoute(t *testing.T) {
	srv, _ := newTestServer(t, "memory://a", "memory://b")

	w := do(t, srv.routes(), http.MethodGet, "/route/order:42", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var route api.RouteResponse
	decode(t, w, &route)

	ring := srv.coord.Registry().Ring()
	want, _ := ring.Resolve("order:42")
	if route.ShardID != want || route.Hash != ring.Hash("order:42") {
		t.Errorf("Unexpected route %+v", route)
	}

	w = do(t, srv.routes(), http.MethodDelete, "/route/order:42", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}

// TestHandleShards tests listing and adding shards
func TestHandleShards(t *testing.T) {
	srv, _ := newTestServer(t, "memory://a", "memory://b")
	h := srv.routes()

	for i := 0; i < 50; i++ {
		w := do(t, h, http.MethodPut, "/data/k"+strings.Repeat("x", i), []byte("v"))
		if w.Code != http.StatusCreated {
			t.Fatalf("seed PUT failed: %d", w.Code)
		}
	}

	body, _ := json.Marshal(api.AddShardRequest{ConnString: "memory://c", Weight: 100})
	w := do(t, h, http.MethodPost, "/shards", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /shards expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var report coordinator.RebalanceReport
	decode(t, w, &report)
	if !strings.HasPrefix(report.ShardID, "shard_") {
		t.Errorf("Unexpected shard id %s", report.ShardID)
	}

	w = do(t, h, http.MethodGet, "/shards", nil)
	var list api.ShardsResponse
	decode(t, w, &list)
	if len(list.Shards) != 3 {
		t.Fatalf("Expected 3 shards, got %d", len(list.Shards))
	}
	if list.Shards[2].ID != report.ShardID {
		t.Errorf("Expected new shard last, got %s", list.Shards[2].ID)
	}

	// Every record is still readable after the rebalance.
	for i := 0; i < 50; i++ {
		w := do(t, h, http.MethodGet, "/data/k"+strings.Repeat("x", i), nil)
		if w.Code != http.StatusOK {
			t.Errorf("record %d lost after rebalance: %d", i, w.Code)
		}
	}

	w = do(t, h, http.MethodGet, "/shards/"+report.ShardID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET /shards/{id} expected 200, got %d", w.Code)
	}
	w = do(t, h, http.MethodPost, "/shards/"+report.ShardID+"/reconcile", nil)
	if w.Code != http.StatusOK {
		t.Errorf("reconcile expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// TestHandleShardsErrors tests invalid shard requests
func TestHandleShardsErrors(t *testing.T) {
	srv, _ := newTestServer(t, "memory://a")
	h := srv.routes()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad json", http.MethodPost, "/shards", "{", http.StatusBadRequest},
		{"missing conn string", http.MethodPost, "/shards", `{"weight":10}`, http.StatusBadRequest},
		{"negative weight", http.MethodPost, "/shards", `{"conn_string":"memory://x","weight":-1}`, http.StatusBadRequest},
		{"unsupported store", http.MethodPost, "/shards", `{"conn_string":"redis://x"}`, http.StatusBadGateway},
		{"bad method", http.MethodDelete, "/shards", "", http.StatusMethodNotAllowed},
		{"unknown shard", http.MethodGet, "/shards/nope", "", http.StatusNotFound},
		{"unknown action", http.MethodPost, "/shards/shard_0/split", "", http.StatusNotFound},
		{"reconcile method", http.MethodGet, "/shards/shard_0/reconcile", "", http.StatusMethodNotAllowed},
		{"reconcile unknown", http.MethodPost, "/shards/nope/reconcile", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, []byte(tt.body))
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	if n := srv.coord.Registry().Len(); n != 1 {
		t.Errorf("Failed requests changed membership: %d shards", n)
	}
}

// TestHandleStatus tests the status summary
func TestHandleStatus(t *testing.T) {
	srv, _ := newTestServer(t, "memory://a", "memory://b")
	h := srv.routes()
	_ = do(t, h, http.MethodPut, "/data/k", []byte("v"))

	w := do(t, h, http.MethodGet, "/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var status api.StatusResponse
	decode(t, w, &status)
	if status.Status != coordinator.StatusOK {
		t.Errorf("Expected ok, got %s", status.Status)
	}
	if len(status.Shards) != 2 || len(status.Stats) != 2 {
		t.Errorf("Expected 2 shards, got %+v", status)
	}
	records := 0
	for _, s := range status.Stats {
		records += s.Records
	}
	if records != 1 {
		t.Errorf("Expected 1 record, got %d", records)
	}
	if status.VNodes != srv.coord.Registry().Ring().Len() {
		t.Errorf("Unexpected virtual node count %d", status.VNodes)
	}
}

// TestMetricsEndpoint tests that the collectors are exported
func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "memory://a")
	h := srv.routes()
	_ = do(t, h, http.MethodGet, "/status", nil)

	w := do(t, h, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	for _, name := range []string{"ringshard_ring_virtual_nodes", "ringshard_shard_healthy"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("Expected %s in metrics output", name)
		}
	}
}
