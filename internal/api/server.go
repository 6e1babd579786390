package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/config"
	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	"github.com/JakeFAU/feedback-pipeline/internal/ledger"
	"github.com/JakeFAU/feedback-pipeline/internal/metrics"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

const enqueueTimeout = 5 * time.Second

// Enqueuer hands run requests to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, req feedback.RunRequest) error
}

// IDGenerator mints owner ids.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}

// Server wires HTTP handlers to the ledger service, stores, and run queue.
type Server struct {
	router   chi.Router
	owners   store.OwnerRepository
	ledger   *ledger.Service
	enqueuer Enqueuer
	idGen    IDGenerator
	clock    feedback.Clock
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	owners store.OwnerRepository,
	ledgerSvc *ledger.Service,
	records store.RecordRepository,
	enqueuer Enqueuer,
	idGen IDGenerator,
	clock feedback.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		owners:   owners,
		ledger:   ledgerSvc,
		enqueuer: enqueuer,
		idGen:    idGen,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	progress := NewProgressHandler(ledgerSvc, records, logger.Named("progress"))
	r.Route("/v1/owners", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/", s.createOwner)
		r.Route("/{owner_id}", func(r chi.Router) {
			r.Get("/", s.getOwner)
			r.Post("/pipeline", s.triggerPipeline)
			r.Post("/pipeline/reset", s.resetPipeline)
			r.Get("/progress", progress.GetProgress)
			r.Get("/ledgers", progress.ListLedgers)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// createOwner handles POST /v1/owners. It stores the profile, opens a
// pending ledger, and queues the first run. Responds 202 with the owner id.
func (s *Server) createOwner(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate owner id")
		return
	}
	now := s.clock.Now()
	owner := req.toOwner(id, now)
	if err := s.owners.CreateOwner(r.Context(), owner); err != nil {
		s.logger.Error("create owner failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create owner")
		return
	}
	if _, err := s.ledger.Initialize(r.Context(), id); err != nil {
		s.logger.Error("initialize ledger failed", zap.String("owner_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to initialize ledger")
		return
	}
	if err := s.enqueue(r.Context(), id, "onboard"); err != nil {
		s.writeEnqueueError(w, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"owner_id": id.String(), "status": "queued"})
}

func (s *Server) getOwner(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.loadOwner(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner})
}

// triggerPipeline handles POST /v1/owners/{owner_id}/pipeline. Runs are
// refused while one is in progress and after a terminal outcome; a reset is
// required to start over.
func (s *Server) triggerPipeline(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.loadOwner(w, r)
	if !ok {
		return
	}
	l, err := s.ledger.Get(r.Context(), owner.ID)
	if errors.Is(err, store.ErrNotFound) {
		l, err = s.ledger.Initialize(r.Context(), owner.ID)
	}
	if err != nil {
		s.logger.Error("load ledger failed", zap.String("owner_id", owner.ID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load ledger")
		return
	}
	switch l.OverallStatus {
	case feedback.OverallInProgress:
		writeError(w, http.StatusConflict, "pipeline already in progress")
		return
	case feedback.OverallCompleted, feedback.OverallFailed:
		writeError(w, http.StatusConflict, fmt.Sprintf("pipeline %s; reset to run again", l.OverallStatus))
		return
	}
	if err := s.enqueue(r.Context(), owner.ID, "trigger"); err != nil {
		s.writeEnqueueError(w, owner.ID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"owner_id":   owner.ID.String(),
		"generation": l.Generation,
		"status":     "queued",
	})
}

// resetPipeline handles POST /v1/owners/{owner_id}/pipeline/reset. The
// active ledger is retired and a fresh generation is queued.
func (s *Server) resetPipeline(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.loadOwner(w, r)
	if !ok {
		return
	}
	current, err := s.ledger.Get(r.Context(), owner.ID)
	if err == nil && current.OverallStatus == feedback.OverallInProgress {
		writeError(w, http.StatusConflict, "pipeline already in progress")
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("load ledger failed", zap.String("owner_id", owner.ID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load ledger")
		return
	}
	l, err := s.ledger.Supersede(r.Context(), owner.ID)
	if err != nil {
		s.logger.Error("supersede ledger failed", zap.String("owner_id", owner.ID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset ledger")
		return
	}
	if err := s.enqueue(r.Context(), owner.ID, "reset"); err != nil {
		s.writeEnqueueError(w, owner.ID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"owner_id":   owner.ID.String(),
		"generation": l.Generation,
		"status":     "queued",
	})
}

func (s *Server) loadOwner(w http.ResponseWriter, r *http.Request) (feedback.Owner, bool) {
	id, err := parseOwnerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return feedback.Owner{}, false
	}
	owner, err := s.owners.GetOwner(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "owner not found")
			return feedback.Owner{}, false
		}
		s.logger.Error("get owner failed", zap.String("owner_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load owner")
		return feedback.Owner{}, false
	}
	return owner, true
}

func (s *Server) enqueue(ctx context.Context, ownerID uuid.UUID, reason string) error {
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	req := feedback.RunRequest{OwnerID: ownerID, Reason: reason, Submitted: s.clock.Now()}
	if err := s.enqueuer.Enqueue(queueCtx, req); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	return nil
}

func (s *Server) writeEnqueueError(w http.ResponseWriter, ownerID uuid.UUID, err error) {
	s.logger.Error("enqueue failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
	status := http.StatusServiceUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusRequestTimeout
	}
	writeError(w, status, "failed to queue pipeline run")
}

type ownerRequest struct {
	CompanyName     string `json:"company_name"`
	WebsiteDomain   string `json:"website_domain"`
	GooglePlayAppID string `json:"google_play_app_id"`
	AppStoreID      string `json:"app_store_id"`
	AppStoreName    string `json:"app_store_name"`
	Subreddit       string `json:"subreddit"`
	TwitterQuery    string `json:"twitter_query"`
	Country         string `json:"country"`
	Language        string `json:"language"`
}

func (req ownerRequest) validate() error {
	if strings.TrimSpace(req.CompanyName) == "" {
		return errors.New("company_name required")
	}
	return nil
}

func (req ownerRequest) toOwner(id uuid.UUID, now time.Time) feedback.Owner {
	return feedback.Owner{
		ID:              id,
		CompanyName:     strings.TrimSpace(req.CompanyName),
		WebsiteDomain:   strings.TrimSpace(req.WebsiteDomain),
		GooglePlayAppID: strings.TrimSpace(req.GooglePlayAppID),
		AppStoreID:      strings.TrimSpace(req.AppStoreID),
		AppStoreName:    strings.TrimSpace(req.AppStoreName),
		Subreddit:       strings.TrimPrefix(strings.TrimSpace(req.Subreddit), "r/"),
		TwitterQuery:    strings.TrimSpace(req.TwitterQuery),
		Country:         strings.ToLower(strings.TrimSpace(req.Country)),
		Language:        feedback.NormalizeLanguage(req.Language),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func parseOwnerID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "owner_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("owner_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid owner_id")
	}
	return id, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
