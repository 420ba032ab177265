package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/record-batch-queue/pkg/database"
	"github.com/Sternrassler/record-batch-queue/pkg/metrics"
	"github.com/Sternrassler/record-batch-queue/pkg/queue"
	"github.com/Sternrassler/record-batch-queue/pkg/record"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// maxBodyBytes caps PUT bodies.
const maxBodyBytes = 1 << 20

type server struct {
	q       *queue.Queue
	redis   *redis.Client
	timeout time.Duration
	logger  zerolog.Logger
}

func newServer(q *queue.Queue, redisClient *redis.Client, timeout time.Duration, logger zerolog.Logger) *server {
	return &server{q: q, redis: redisClient, timeout: timeout, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(s.redis))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /progress", s.progressHandler)
	mux.HandleFunc("GET /records/{zone}/{name}", s.fetchHandler)
	mux.HandleFunc("PUT /records/{zone}/{name}", s.saveHandler)
	mux.HandleFunc("DELETE /records/{zone}/{name}", s.deleteHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

func (s *server) progressHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.q.Stats())
}

// result is one completion delivered to a waiting handler.
type result struct {
	rec *record.Record
	err error
}

func recordID(r *http.Request) record.ID {
	return record.ID{Zone: r.PathValue("zone"), Name: r.PathValue("name")}
}

func slowTier(r *http.Request) bool {
	return r.URL.Query().Get("tier") == "slow"
}

func (s *server) fetchHandler(w http.ResponseWriter, r *http.Request) {
	id := recordID(r)
	ch := make(chan result, 1)
	done := func(rec *record.Record, err error) { ch <- result{rec, err} }

	if slowTier(r) {
		s.q.SlowFetch(id, done)
	} else {
		s.q.Fetch(id, done)
	}
	s.respond(w, r, id, ch, http.StatusOK)
}

// saveRequest is the PUT body.
type saveRequest struct {
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields"`
}

func (s *server) saveHandler(w http.ResponseWriter, r *http.Request) {
	id := recordID(r)

	var body saveRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	if body.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	rec := record.New(body.Type, id)
	if body.Fields != nil {
		rec.Fields = body.Fields
	}

	ch := make(chan result, 1)
	done := func(rec *record.Record, err error) { ch <- result{rec, err} }
	if slowTier(r) {
		s.q.SlowSave(rec, done)
	} else {
		s.q.Save(rec, done)
	}
	s.respond(w, r, id, ch, http.StatusOK)
}

func (s *server) deleteHandler(w http.ResponseWriter, r *http.Request) {
	id := recordID(r)
	ch := make(chan result, 1)
	done := func(err error) { ch <- result{nil, err} }

	if slowTier(r) {
		s.q.SlowDelete(id, done)
	} else {
		s.q.Delete(id, done)
	}
	s.respond(w, r, id, ch, http.StatusNoContent)
}

// respond waits for the completion or the request timeout. A timed out
// request stays queued; its completion is discarded.
func (s *server) respond(w http.ResponseWriter, r *http.Request, id record.ID, ch <-chan result, okStatus int) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	select {
	case res := <-ch:
		if res.err != nil {
			status := statusFor(res.err)
			if status >= http.StatusInternalServerError {
				s.logger.Warn().Err(res.err).Str("record", id.String()).Int("status", status).Msg("Record request failed")
			}
			http.Error(w, res.err.Error(), status)
			return
		}
		if res.rec == nil {
			w.WriteHeader(okStatus)
			return
		}
		writeJSON(w, okStatus, res.rec)
	case <-ctx.Done():
		http.Error(w, "timed out waiting for the queue", http.StatusGatewayTimeout)
	}
}

// statusFor maps a completion error to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, queue.ErrQueueClosed) {
		return http.StatusServiceUnavailable
	}
	switch database.ClassOf(err) {
	case database.ErrorClassUnknownItem:
		return http.StatusNotFound
	case database.ErrorClassQuotaExceeded:
		return http.StatusInsufficientStorage
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
