package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MSR806/writers-llm-backend/internal/queue"
)

// ProviderSet answers whether a payload names a configured provider.
type ProviderSet interface {
	Known(name string) bool
}

// Options configures the API server.
type Options struct {
	// DefaultLane serves submissions that name no lane.
	DefaultLane queue.Lane
	// DefaultMaxAttempts serves submissions that pass none.
	DefaultMaxAttempts int
	// RequireIdentity rejects submissions without an X-Auth-Subject header.
	RequireIdentity bool
}

// Server is the producer-facing HTTP API.
type Server struct {
	store     queue.Store
	providers ProviderSet
	opts      Options
	logger    *zap.Logger

	srv *http.Server
	lis net.Listener
}

func New(store queue.Store, providers ProviderSet, opts Options, logger *zap.Logger) *Server {
	if opts.DefaultLane == "" {
		opts.DefaultLane = queue.LaneDefault
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{store: store, providers: providers, opts: opts, logger: logger.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Group(func(r chi.Router) {
			r.Use(s.identity)
			r.Post("/jobs", s.handleSubmit)
			r.Get("/jobs", s.handleList)
			r.Get("/jobs/{id}", s.handleStatus)
			r.Post("/jobs/{id}/cancel", s.handleCancel)
		})
	})
	s.srv = &http.Server{Handler: r}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http api listening", zap.String("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

type ctxKey int

const subjectKey ctxKey = 0

// identity reads the caller identity from X-Auth-Subject. Authentication of
// the header is an upstream gateway concern.
func (s *Server) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := r.Header.Get("X-Auth-Subject")
		if subject == "" && s.opts.RequireIdentity {
			writeErr(w, http.StatusUnauthorized, "missing X-Auth-Subject")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, subject)))
	})
}

func subjectFrom(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey).(string)
	return subject
}

type submitReq struct {
	Lane        queue.Lane      `json:"lane"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
}

type submitResp struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Lane == "" {
		req.Lane = s.opts.DefaultLane
	}
	if !req.Lane.Valid() {
		writeErr(w, http.StatusBadRequest, "unknown lane "+strconv.Quote(string(req.Lane)))
		return
	}
	if len(req.Payload) == 0 {
		writeErr(w, http.StatusBadRequest, "payload is required")
		return
	}
	var payload struct {
		Provider string `json:"provider"`
		Prompt   string `json:"prompt"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		writeErr(w, http.StatusBadRequest, "payload is not a JSON object")
		return
	}
	if payload.Prompt == "" {
		writeErr(w, http.StatusBadRequest, "payload.prompt is required")
		return
	}
	if s.providers != nil && !s.providers.Known(payload.Provider) {
		writeErr(w, http.StatusBadRequest, "unknown provider "+strconv.Quote(payload.Provider))
		return
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = s.opts.DefaultMaxAttempts
	}

	j := &queue.Job{
		ID:          uuid.NewString(),
		Lane:        req.Lane,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
		SubmittedBy: subjectFrom(r.Context()),
	}
	if err := s.store.Enqueue(r.Context(), j); err != nil {
		s.storeErr(w, "enqueue", err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{JobID: j.ID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeErr(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.RequestCancel(r.Context(), id, 0); err != nil {
		s.storeErr(w, "cancel", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeErr(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	filterExpr := strings.TrimSpace(r.URL.Query().Get("filter"))
	filter, err := newJobFilter(filterExpr)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid filter: "+err.Error())
		return
	}

	// without a filter the store can apply the limit itself; a filter needs
	// the full set since any job might match
	scanLimit := limit
	if filterExpr != "" {
		scanLimit = 0
	}
	jobs, err := s.store.List(r.Context(), scanLimit)
	if err != nil {
		s.storeErr(w, "list", err)
		return
	}
	out := make([]*queue.Job, 0, limit)
	for _, j := range jobs {
		if len(out) >= limit {
			break
		}
		if filter.Match(j) {
			out = append(out, j)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.storeErr(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Stats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) storeErr(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeErr(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrStoreUnavailable):
		s.logger.Error("store unavailable", zap.String("op", op), zap.Error(err))
		writeErr(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
