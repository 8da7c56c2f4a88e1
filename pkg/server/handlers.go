package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medlearn/aicache/pkg/analytics"
	"github.com/medlearn/aicache/pkg/fingerprint"
	"github.com/medlearn/aicache/pkg/generate"
	"github.com/medlearn/aicache/pkg/invoke"
)

const maxBodyBytes = 1 << 20

// maxTTLSeconds is the largest TTL representable as a time.Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

// CacheHeader reports whether a generation was served from cache.
const CacheHeader = "X-AICache"

type generateRequest struct {
	Context    map[string]any `json:"context"`
	TTLSeconds *int64         `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	mode := chi.URLParam(r, "mode")

	var req generateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}

	var opts []invoke.CallOption
	if req.TTLSeconds != nil {
		secs := *req.TTLSeconds
		if secs > maxTTLSeconds {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("ttl_seconds must not exceed %d", maxTTLSeconds))
			return
		}
		// Non-positive TTLs all mean no expiry.
		secs = max(secs, 0)
		opts = append(opts, invoke.WithTTL(time.Duration(secs)*time.Second))
	}

	res, err := s.deps.Invoker.Invoke(r.Context(), mode, req.Context, s.deps.Generate, opts...)
	if err != nil {
		switch {
		case errors.Is(err, fingerprint.ErrMalformedDescriptor):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		case generate.IsRateLimited(err):
			writeJSONError(w, http.StatusTooManyRequests, "upstream rate limited")
		default:
			s.logger.Error("generation failed", zap.String("mode", mode), zap.Error(err))
			writeJSONError(w, http.StatusBadGateway, "generation failed")
		}
		return
	}

	if res.Cached {
		w.Header().Set(CacheHeader, "hit")
	} else {
		w.Header().Set(CacheHeader, "miss")
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		s.logger.Error("cache stats failed", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type clearResponse struct {
	DeletedCount int64 `json:"deleted_count"`
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		n   int64
		err error
	)
	if q.Get("expired") == "true" {
		n, err = s.deps.Store.Purge(r.Context())
	} else {
		n, err = s.deps.Store.Clear(r.Context(), q.Get("mode"))
	}
	if err != nil {
		s.logger.Error("cache clear failed", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, clearResponse{DeletedCount: n})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeJSONError(w, http.StatusNotFound, "analytics disabled")
		return
	}
	since, err := analytics.ParseSince(r.URL.Query().Get("since"), time.Now().UTC())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sums, err := s.deps.Events.Summary(r.Context(), since)
	if err != nil {
		s.logger.Error("event summary failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "event summary failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since, "modes": nonNil(sums)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
