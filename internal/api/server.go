package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"http-retry-engine/internal/config"
	"http-retry-engine/internal/dispatch"
	"http-retry-engine/internal/faultgate"
	"http-retry-engine/internal/models"
	"http-retry-engine/internal/ratelimit"
	"http-retry-engine/internal/store"
	"http-retry-engine/internal/telemetry"
)

// Engine is the dispatcher surface the API consumes.
type Engine interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (models.RetryRecord, error)
	Cancel(ctx context.Context, id int64) error
	Recover(ctx context.Context) error
	Read(ctx context.Context, id int64) (models.RetryRecord, error)
	ReadIncomplete(ctx context.Context) ([]models.RetryRecord, error)
}

// Server wires HTTP handlers for the retry submission surface.
type Server struct {
	cfg     config.Config
	engine  Engine
	gate    *faultgate.Gate
	limiter *ratelimit.TokenBucket
	log     *zap.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, engine Engine, gate *faultgate.Gate, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, engine: engine, gate: gate, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(requestID)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1/http-retry", func(r chi.Router) {
		r.Use(s.rejectWhileDown)
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleListIncomplete)
		r.Put("/", s.handleReinitialize)
		r.Get("/{id}", s.handleRead)
		r.Delete("/{id}", s.handleCancel)
	})
	return r
}

// rejectWhileDown turns every request away with a distinguishable
// "datastore unavailable" body while the fault gate is open, instead of
// letting handlers queue behind the guard's indefinite retry.
func (s *Server) rejectWhileDown(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down, since, reason := s.gate.Status(); down {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error":  "datastore unavailable",
				"since":  since.UTC().Format(time.RFC3339),
				"reason": reason,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers"`
	Timeout       int               `json:"timeout"`        // seconds, 0 = default
	RetryLimit    *int              `json:"retry_limit"`    // nil = default
	RetryInterval int               `json:"retry_interval"` // seconds, 0 = default
	Reference     json.RawMessage   `json:"reference"`
	PredIDs       []int64           `json:"pred_ids"`
}

type retryResponse struct {
	ID            int64             `json:"id"`
	Status        string            `json:"status"`
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	Timeout       int               `json:"timeout"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers"`
	Reference     json.RawMessage   `json:"reference"`
	Response      json.RawMessage   `json:"response,omitempty"`
	Attempts      int               `json:"attempts"`
	RetryLimit    int               `json:"retry_limit"`
	RetryInterval int               `json:"retry_interval"`
	PredIDs       []int64           `json:"pred_ids"`
	Abandoned     bool              `json:"abandoned"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

func toResponse(rec models.RetryRecord) retryResponse {
	return retryResponse{
		ID:            rec.ID,
		Status:        rec.Status,
		Method:        rec.Method,
		URL:           rec.URL,
		Timeout:       int(rec.Timeout / time.Second),
		Payload:       rec.Payload,
		Headers:       rec.Headers,
		Reference:     rec.Reference,
		Response:      rec.Response,
		Attempts:      rec.Attempts,
		RetryLimit:    rec.RetryLimit,
		RetryInterval: int(rec.RetryInterval / time.Second),
		PredIDs:       rec.PredIDs,
		Abandoned:     rec.Abandoned(),
		CreatedAt:     rec.CreatedAt,
		CompletedAt:   rec.CompletedAt,
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", clientKey(r)))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	timeout := s.cfg.DefaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	retryLimit := s.cfg.DefaultRetryLimit
	if req.RetryLimit != nil {
		retryLimit = *req.RetryLimit
	}
	retryInterval := s.cfg.DefaultRetryInterval
	if req.RetryInterval > 0 {
		retryInterval = time.Duration(req.RetryInterval) * time.Second
	}

	rec, err := s.engine.Submit(r.Context(), dispatch.SubmitRequest{
		Method:        req.Method,
		URL:           req.URL,
		Payload:       req.Payload,
		Headers:       req.Headers,
		Timeout:       timeout,
		RetryLimit:    retryLimit,
		RetryInterval: retryInterval,
		Reference:     req.Reference,
		PredIDs:       req.PredIDs,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrStoreUnavailable) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"retry": toResponse(rec)})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	rec, err := s.engine.Read(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rec))
}

func (s *Server) handleListIncomplete(w http.ResponseWriter, r *http.Request) {
	recs, err := s.engine.ReadIncomplete(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]retryResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleReinitialize re-runs recovery so the in-memory task table matches
// the store after out-of-band edits.
func (s *Server) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Recover(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reinitialized"})
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
