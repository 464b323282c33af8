// Package api holds the admin HTTP wire types and the small JSON client used
// by the ringshard CLI to talk to a running coordinator.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamware/ringshard/internal/coordinator"
	"github.com/dreamware/ringshard/internal/storage"
)

// AddShardRequest is the body of POST /shards.
type AddShardRequest struct {
	ConnString string `json:"conn_string"`
	Weight     int    `json:"weight,omitempty"`
}

// RouteResponse is the body of GET /route/{key}.
type RouteResponse struct {
	Key     string `json:"key"`
	ShardID string `json:"shard_id"`
	Hash    uint32 `json:"hash"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status string                    `json:"status"`
	Shards []coordinator.ShardStatus `json:"shards"`
	Stats  []coordinator.ShardStats  `json:"stats"`
	VNodes int                       `json:"virtual_nodes"`
}

// ShardsResponse is the body of GET /shards.
type ShardsResponse struct {
	Shards []coordinator.ShardDescriptor `json:"shards"`
}

// RecordResponse is the body of GET /data/{key}.
type RecordResponse struct {
	storage.Record
	ShardID string `json:"shard_id"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusError is returned by the client for non-2xx replies.
type StatusError struct {
	URL     string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.Code == http.StatusNotFound
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// SetTimeout changes the client timeout. Adding a shard waits for its
// migrations, which may take longer than the default.
func SetTimeout(d time.Duration) {
	httpClient.Timeout = d
}

// Do sends body as JSON with method and decodes the reply into out.
// A nil body sends no payload; a nil out discards the reply.
func Do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		serr := &StatusError{URL: url, Code: resp.StatusCode}
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil {
			serr.Message = e.Error
		}
		return serr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	return Do(ctx, http.MethodPost, url, body, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	return Do(ctx, http.MethodGet, url, nil, out)
}

// WriteJSON writes v as the JSON reply with status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as an ErrorResponse with status code.
func WriteError(w http.ResponseWriter, code int, err error) {
	WriteJSON(w, code, ErrorResponse{Error: err.Error()})
}
