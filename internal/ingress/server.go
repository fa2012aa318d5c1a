package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ratchet-hq/ratchet/internal/engine"
	"github.com/ratchet-hq/ratchet/internal/secrets"
	"github.com/ratchet-hq/ratchet/internal/store"
	"github.com/ratchet-hq/ratchet/internal/streaming"
	"github.com/ratchet-hq/ratchet/internal/validation"
	"github.com/ratchet-hq/ratchet/pkg/schema"
)

const maxBodyBytes = 1 << 20 // 1MB

// Server exposes the HTTP surface: event ingestion, signed webhooks,
// workflow management, execution queries and the live event stream.
type Server struct {
	store     store.Store
	matcher   *engine.Matcher
	validator validation.Validator
	vault     secrets.Vault
	hub       streaming.EventHub
	logger    *slog.Logger
	router    *mux.Router
	http      *http.Server
}

// Config tunes the HTTP server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewServer wires the routes.
func NewServer(cfg Config, s store.Store, matcher *engine.Matcher, validator validation.Validator, vault secrets.Vault, hub streaming.EventHub, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// The SSE stream manages its own lifetime; the write timeout only
		// bounds the JSON endpoints, so streams get an explicit zero.
		cfg.WriteTimeout = 0
	}

	srv := &Server{
		store:     s,
		matcher:   matcher,
		validator: validator,
		vault:     vault,
		hub:       hub,
		logger:    logger,
		router:    mux.NewRouter(),
	}
	srv.routes()

	srv.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/events", s.handleSubmitEvent).Methods(http.MethodPost)
	api.HandleFunc("/webhooks/{integration}", s.handleWebhook).Methods(http.MethodPost)

	api.HandleFunc("/workflows", s.handleSaveWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/status", s.handleSetWorkflowStatus).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/run", s.handleRunWorkflow).Methods(http.MethodPost)

	api.HandleFunc("/executions", s.handleListExecutions).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/history", s.handleExecutionHistory).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/cancel", s.handleCancelExecution).Methods(http.MethodPost)

	api.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// --- ingestion ---

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev schema.DomainEvent
	if !s.decode(w, r, &ev) {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	submissions, err := s.matcher.SubmitEvent(r.Context(), &ev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if submissions == nil {
		submissions = []engine.Submission{}
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"submissions": submissions})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	integration := mux.Vars(r)["integration"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "read request body").WithCause(err))
		return
	}

	secret, err := s.vault.Resolve(r.Context(), integration)
	if err != nil {
		// The integration is not configured; do not reveal whether it exists.
		s.writeError(w, schema.NewErrorf(schema.ErrCodeNotFound, "unknown integration %q", integration))
		return
	}
	if !verifySignature(secret, body, r.Header.Get(signatureHeader)) {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "invalid webhook signature"))
		return
	}

	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			s.writeError(w, schema.NewError(schema.ErrCodeValidation, "webhook body is not valid JSON").WithCause(err))
			return
		}
	}

	ev := schema.DomainEvent{
		Type:          "webhook." + integration,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
		SourceEventID: r.Header.Get("X-Delivery-ID"),
	}
	submissions, err := s.matcher.SubmitEvent(r.Context(), &ev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if submissions == nil {
		submissions = []engine.Submission{}
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"submissions": submissions})
}

// --- workflow management ---

func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "read request body").WithCause(err))
		return
	}

	if err := s.validator.ValidateDocument(raw); err != nil {
		s.writeError(w, err)
		return
	}

	var doc validation.WorkflowDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "decode workflow document").WithCause(err))
		return
	}
	if err := s.validator.ValidateWorkflow(&doc); err != nil {
		s.writeError(w, err)
		return
	}

	wf, triggers, acts, err := materialize(&doc, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.SaveWorkflow(r.Context(), wf, triggers, acts); err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.InfoContext(r.Context(), "workflow saved",
		slog.String("workflow_id", wf.ID), slog.String("name", wf.Name),
		slog.Int("triggers", len(triggers)), slog.Int("actions", len(acts)))
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": wf.ID, "status": wf.Status})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	plan, err := s.store.GetPlan(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workflow": wf, "actions": plan.Actions})
}

func (s *Server) handleSetWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Status schema.WorkflowStatus `json:"status"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	switch req.Status {
	case schema.WorkflowStatusDraft, schema.WorkflowStatusActive, schema.WorkflowStatusInactive:
	default:
		s.writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow status %q", req.Status))
		return
	}
	if err := s.store.SetWorkflowStatus(r.Context(), id, req.Status); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": req.Status})
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Actor string         `json:"actor,omitempty"`
		Vars  map[string]any `json:"vars,omitempty"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}

	sub, err := s.matcher.RunWorkflow(r.Context(), id, req.Actor, req.Vars)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, sub)
}

// --- executions ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := schema.ExecutionStatus(raw)
		filter.Status = &status
	}

	execs, err := s.store.ListExecutions(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleExecutionHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetExecution(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	results, err := s.store.ListActionResults(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if results == nil {
		results = []*store.ActionResult{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"execution_id": id, "results": results})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.RequestCancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.InfoContext(r.Context(), "cancellation requested", slog.String("execution_id", id))
	s.writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "cancel_requested": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// --- helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "decode request body").WithCause(err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]any{"error": map[string]any{
		"code":    schema.ErrCodeStore,
		"message": "internal error",
	}}

	var rErr *schema.RatchetError
	if errors.As(err, &rErr) {
		status = statusForCode(rErr.Code)
		errBody := map[string]any{"code": rErr.Code, "message": rErr.Message}
		if len(rErr.Details) > 0 {
			errBody["details"] = rErr.Details
		}
		body["error"] = errBody
	} else {
		s.logger.Error("request failed", slog.Any("error", err))
	}
	s.writeJSON(w, status, body)
}

func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeConfig:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeDuplicate, schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeMaxDepth:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
