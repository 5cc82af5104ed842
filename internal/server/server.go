// Package server exposes the host's HTTP API: chat submission, job polling,
// question answering, cancellation, conversation browsing, and schedule
// management.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/haasonsaas/steward/internal/gate"
	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/internal/queue"
	"github.com/haasonsaas/steward/internal/sched"
	"github.com/haasonsaas/steward/internal/store"
	"github.com/haasonsaas/steward/pkg/models"
)

// Server is the HTTP surface. It owns no domain logic; every handler is a
// thin translation onto the store, queue, and scheduler.
type Server struct {
	store     *store.Store
	queue     *queue.Queue
	scheduler *sched.Scheduler

	httpServer *http.Server
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the HTTP surface.
func New(st *store.Store, q *queue.Queue, scheduler *sched.Scheduler, opts ...Option) *Server {
	s := &Server{
		store:     st,
		queue:     q,
		scheduler: scheduler,
		logger:    slog.Default().With("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/respond", s.handleRespond)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)

	mux.HandleFunc("GET /conversations", s.handleListConversations)
	mux.HandleFunc("GET /conversations/{id}/messages", s.handleMessages)
	mux.HandleFunc("POST /conversations/{id}/fork", s.handleFork)

	mux.HandleFunc("GET /schedules", s.handleListSchedules)
	mux.HandleFunc("POST /schedules/{id}/run", s.handleRunSchedule)
	mux.HandleFunc("POST /schedules/{id}/enabled", s.handleScheduleEnabled)

	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", addr)
	return nil
}

// Stop shuts the server down, waiting up to the context deadline.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown error", "error", err)
	}
}

type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

type chatResponse struct {
	JobID          string `json:"job_id"`
	MessageID      int64  `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// handleChat submits a user message. Omitting conversation_id starts a new
// conversation.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		s.jsonError(w, "message is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	convID := req.ConversationID
	if convID == "" {
		conv, err := s.store.CreateConversation(ctx, &models.Conversation{})
		if err != nil {
			s.internalError(w, "create conversation", err)
			return
		}
		convID = conv.ID
	} else if _, err := s.store.GetConversation(ctx, convID); err != nil {
		s.storeError(w, "conversation", err)
		return
	}

	jobID, msgID, err := s.queue.Submit(ctx, convID, req.Message)
	if err != nil {
		s.internalError(w, "submit", err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, chatResponse{
		JobID: jobID, MessageID: msgID, ConversationID: convID,
	})
}

type jobResponse struct {
	Job              *models.Job        `json:"job"`
	Activities       []*models.Activity `json:"activities"`
	LatestActivityID int64              `json:"latest_activity_id"`
	Pending          *pendingView       `json:"pending,omitempty"`
}

// pendingView is what a suspended job is waiting on: the question with its
// options, or the authorization URL.
type pendingView struct {
	Kind        models.PendingKind `json:"kind"`
	Question    string             `json:"question,omitempty"`
	Options     []string           `json:"options,omitempty"`
	Suggestions []string           `json:"suggestions,omitempty"`
	AuthURL     string             `json:"auth_url,omitempty"`
}

// handleGetJob returns a job with its activity stream. since_activity_id lets
// clients poll incrementally. Suspended jobs carry what they are waiting on.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.store.GetJob(ctx, r.PathValue("id"))
	if err != nil {
		s.storeError(w, "job", err)
		return
	}

	var since int64
	if raw := r.URL.Query().Get("since_activity_id"); raw != "" {
		if _, err := fmt.Sscan(raw, &since); err != nil {
			s.jsonError(w, "invalid since_activity_id", http.StatusBadRequest)
			return
		}
	}
	acts, latest, err := s.store.ReadActivities(ctx, job.ID, since)
	if err != nil {
		s.internalError(w, "read activities", err)
		return
	}
	if acts == nil {
		acts = []*models.Activity{}
	}

	var pending *pendingView
	if job.Status == models.JobWaitingForInput || job.Status == models.JobOAuthPending {
		pending, err = s.pendingPrompt(ctx, job)
		if err != nil {
			s.internalError(w, "read pending prompt", err)
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, jobResponse{
		Job: job, Activities: acts, LatestActivityID: latest, Pending: pending,
	})
}

// pendingPrompt recovers the prompt a suspended job parked on from the
// latest question or oauth message in its conversation.
func (s *Server) pendingPrompt(ctx context.Context, job *models.Job) (*pendingView, error) {
	msgs, err := s.store.ReadMessages(ctx, job.ConversationID, 0, 0)
	if err != nil {
		return nil, err
	}
	view := &pendingView{Kind: job.PendingKind}
	for i := len(msgs) - 1; i >= 0; i-- {
		meta := msgs[i].Metadata
		switch {
		case job.PendingKind == models.PendingOAuth && meta.Type == "oauth":
			view.AuthURL = meta.AuthURL
			return view, nil
		case job.PendingKind != models.PendingOAuth && meta.Type == "question":
			view.Question = meta.Question
			view.Options = meta.Options
			view.Suggestions = meta.Suggestions
			return view, nil
		}
	}
	return view, nil
}

type respondRequest struct {
	Response string `json:"response"`
}

// handleRespond delivers the user's answer to a suspended job.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Response == "" {
		s.jsonError(w, "response is required", http.StatusBadRequest)
		return
	}

	err := s.queue.Respond(r.Context(), r.PathValue("id"), req.Response)
	switch {
	case err == nil:
		s.jsonResponse(w, http.StatusOK, map[string]string{"status": "resumed"})
	case errors.Is(err, gate.ErrNoPendingQuestion):
		s.jsonError(w, "job is not waiting for input", http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		s.jsonError(w, "job not found", http.StatusNotFound)
	default:
		s.internalError(w, "respond", err)
	}
}

// handleCancel requests cooperative cancellation. Idempotent.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.queue.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	case errors.Is(err, store.ErrNotFound):
		s.jsonError(w, "job not found", http.StatusNotFound)
	default:
		s.internalError(w, "cancel", err)
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	convs, err := s.store.ListConversations(r.Context(), includeArchived)
	if err != nil {
		s.internalError(w, "list conversations", err)
		return
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}
	s.jsonResponse(w, http.StatusOK, convs)
}

// handleMessages returns a conversation's visible transcript. Internal
// messages never leave the host.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID := r.PathValue("id")
	if _, err := s.store.GetConversation(ctx, convID); err != nil {
		s.storeError(w, "conversation", err)
		return
	}

	var since int64
	if raw := r.URL.Query().Get("since_id"); raw != "" {
		if _, err := fmt.Sscan(raw, &since); err != nil {
			s.jsonError(w, "invalid since_id", http.StatusBadRequest)
			return
		}
	}
	msgs, err := s.store.ReadMessages(ctx, convID, since, 0)
	if err != nil {
		s.internalError(w, "read messages", err)
		return
	}

	visible := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Internal || m.Role == models.RoleInternal {
			continue
		}
		visible = append(visible, m)
	}
	if err := s.store.MarkRead(ctx, convID); err != nil {
		s.logger.Warn("mark read failed", "conversation", convID, "error", err)
	}
	s.jsonResponse(w, http.StatusOK, visible)
}

type forkRequest struct {
	MessageID int64 `json:"message_id"`
}

// handleFork branches a conversation at a message boundary.
func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	var req forkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MessageID <= 0 {
		s.jsonError(w, "message_id is required", http.StatusBadRequest)
		return
	}

	conv, err := s.store.Fork(r.Context(), r.PathValue("id"), req.MessageID)
	if err != nil {
		s.storeError(w, "conversation", err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, conv)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.store.ListSchedules(r.Context())
	if err != nil {
		s.internalError(w, "list schedules", err)
		return
	}
	if scheds == nil {
		scheds = []*models.Schedule{}
	}
	s.jsonResponse(w, http.StatusOK, scheds)
}

// handleRunSchedule fires a schedule immediately without touching its
// cadence.
func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.scheduler.Trigger(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "schedule", err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleScheduleEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.scheduler.SetEnabled(r.Context(), r.PathValue("id"), req.Enabled); err != nil {
		s.storeError(w, "schedule", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) jsonResponse(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) storeError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.jsonError(w, what+" not found", http.StatusNotFound)
		return
	}
	s.internalError(w, what, err)
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Error("request failed", "op", what, "error", err)
	s.jsonError(w, "internal error", http.StatusInternalServerError)
}
