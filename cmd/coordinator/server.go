package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/ringshard/internal/api"
	"github.com/dreamware/ringshard/internal/coordinator"
	"github.com/dreamware/ringshard/internal/hashring"
	"github.com/dreamware/ringshard/internal/ringlog"
	"github.com/dreamware/ringshard/internal/storage"
)

// maxValueSize bounds the body of PUT /data/{key}.
const maxValueSize = 1 << 20

// dataTimeout bounds a single data request against the shards.
const dataTimeout = 5 * time.Second

type server struct {
	coord    *coordinator.Coordinator
	monitor  *coordinator.HealthMonitor
	gatherer prometheus.Gatherer
}

// newServer wires the admin handlers. monitor and gatherer may be nil.
func newServer(c *coordinator.Coordinator, monitor *coordinator.HealthMonitor, gatherer prometheus.Gatherer) *server {
	return &server{coord: c, monitor: monitor, gatherer: gatherer}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/shards", s.handleShardHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/shards", s.handleShards)
	mux.HandleFunc("/shards/", s.handleShard)
	mux.HandleFunc("/route/", s.handleRoute)
	mux.HandleFunc("/data/", s.handleData)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *server) handleShardHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.monitor == nil {
		api.WriteJSON(w, http.StatusOK, map[string]*coordinator.ShardHealth{})
		return
	}
	api.WriteJSON(w, http.StatusOK, s.monitor.GetAllShardHealth())
}

// handleStatus reports live shard health and record counts
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	router := s.coord.Router()
	status, shards := router.Status(r.Context())
	api.WriteJSON(w, http.StatusOK, api.StatusResponse{
		Status: status,
		Shards: shards,
		Stats:  router.Stats(r.Context()),
		VNodes: s.coord.Registry().Ring().Len(),
	})
}

// handleShards lists shards (GET) or adds one and rebalances onto it (POST)
func (s *server) handleShards(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.WriteJSON(w, http.StatusOK, api.ShardsResponse{Shards: s.coord.Registry().All()})
	case http.MethodPost:
		s.addShard(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) addShard(w http.ResponseWriter, r *http.Request) {
	var req api.AddShardRequest
	if err := decodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if req.ConnString == "" {
		api.WriteError(w, http.StatusBadRequest, errors.New("conn_string required"))
		return
	}

	report, err := s.coord.AddShard(r.Context(), req.ConnString, req.Weight)
	switch {
	case err == nil:
		api.WriteJSON(w, http.StatusCreated, report)
	case report != nil:
		// The shard joined but some migrations rolled back.
		writeReportError(w, report, err)
	default:
		api.WriteError(w, errorStatus(err), err)
	}
}

// handleShard serves /shards/{id} and POST /shards/{id}/reconcile
func (s *server) handleShard(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/shards/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "shard id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		desc, err := s.coord.Registry().Get(id)
		if err != nil {
			api.WriteError(w, errorStatus(err), err)
			return
		}
		api.WriteJSON(w, http.StatusOK, desc)
	case action == "reconcile" && r.Method == http.MethodPost:
		report, err := s.coord.Reconcile(r.Context(), id)
		switch {
		case err == nil:
			api.WriteJSON(w, http.StatusOK, report)
		case report != nil:
			writeReportError(w, report, err)
		default:
			api.WriteError(w, errorStatus(err), err)
		}
	case action == "" || action == "reconcile":
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

// handleRoute reports the owner of a key without touching any shard
func (s *server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := r.URL.Path[len("/route/"):]
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	id, err := s.coord.Router().ShardFor(key)
	if err != nil {
		api.WriteError(w, errorStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.RouteResponse{
		Key:     key,
		ShardID: id,
		Hash:    s.coord.Registry().Ring().Hash(key),
	})
}

// handleData routes data operations to the shard owning the key
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	// Extract key from path: /data/{key}
	key := r.URL.Path[len("/data/"):]
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dataTimeout)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		s.getRecord(ctx, w, key)
	case http.MethodPut:
		s.putRecord(ctx, w, r, key)
	case http.MethodDelete:
		s.deleteRecord(ctx, w, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// putRecord writes to the owner only, and only while it answers probes.
func (s *server) putRecord(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) {
	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(value) > maxValueSize {
		http.Error(w, "value too large", http.StatusRequestEntityTooLarge)
		return
	}

	router := s.coord.Router()
	id, store, err := router.StoreFor(key)
	if err != nil {
		api.WriteError(w, errorStatus(err), err)
		return
	}
	if err := router.Probe(ctx, id); err != nil {
		api.WriteError(w, http.StatusServiceUnavailable, err)
		return
	}
	if err := store.Insert(ctx, storage.Record{Key: key, Value: value}); err != nil {
		api.WriteError(w, errorStatus(err), err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, api.RouteResponse{Key: key, ShardID: id, Hash: s.coord.Registry().Ring().Hash(key)})
}

// getRecord reads from the owner, then from every reachable shard. Records
// left behind by a rolled back migration stay readable that way.
func (s *server) getRecord(ctx context.Context, w http.ResponseWriter, key string) {
	if id, store, err := s.coord.Router().StoreFor(key); err == nil {
		rec, err := store.Get(ctx, key)
		if err == nil {
			api.WriteJSON(w, http.StatusOK, api.RecordResponse{Record: rec, ShardID: id})
			return
		}
		if !errors.Is(err, storage.ErrKeyNotFound) {
			ringlog.Zero.Warn().Err(err).Str("shard", id).Str("key", key).Msg("owner read failed, falling back to fan-out")
		}
	}

	for _, sh := range s.coord.Provider().ListAll(ctx) {
		rec, err := sh.Get(ctx, key)
		if err == nil {
			api.WriteJSON(w, http.StatusOK, api.RecordResponse{Record: rec, ShardID: sh.ID})
			return
		}
	}
	api.WriteError(w, http.StatusNotFound, fmt.Errorf("%w: %s", storage.ErrKeyNotFound, key))
}

// deleteRecord removes the key from every reachable shard.
func (s *server) deleteRecord(ctx context.Context, w http.ResponseWriter, key string) {
	deleted := 0
	for _, sh := range s.coord.Provider().ListAll(ctx) {
		n, err := sh.Delete(ctx, key)
		if err != nil {
			ringlog.Zero.Warn().Err(err).Str("shard", sh.ID).Str("key", key).Msg("delete failed")
			continue
		}
		deleted += n
	}
	if deleted == 0 {
		api.WriteError(w, http.StatusNotFound, fmt.Errorf("%w: %s", storage.ErrKeyNotFound, key))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reportError struct {
	*coordinator.RebalanceReport
	Error string `json:"error"`
}

func writeReportError(w http.ResponseWriter, report *coordinator.RebalanceReport, err error) {
	api.WriteJSON(w, http.StatusInternalServerError, reportError{RebalanceReport: report, Error: err.Error()})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	var cerr *coordinator.ConnectivityError
	switch {
	case errors.Is(err, coordinator.ErrShardNotFound), errors.Is(err, storage.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrInvalidWeight):
		return http.StatusBadRequest
	case errors.Is(err, hashring.ErrNoShardsAvailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &cerr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("bad json: %w", err)
	}
	return nil
}
