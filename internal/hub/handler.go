package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/audit"
	"github.com/xela07ax/agentfleet/internal/domain"
	"github.com/xela07ax/agentfleet/internal/infra"
	"github.com/xela07ax/agentfleet/internal/infra/auth"
	"github.com/xela07ax/agentfleet/internal/stream"
)

const maxMessageBytes = 1 << 20

type Handler struct {
	service   *Service
	stream    *stream.Broadcaster
	audit     AuditReader
	auth      auth.TokenValidator // nil: проверка операторов выключена
	heartbeat time.Duration
	logger    *zap.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

type HandlerOptions struct {
	Heartbeat time.Duration
	Auth      auth.TokenValidator
}

func NewHandler(s *Service, b *stream.Broadcaster, a AuditReader, logger *zap.Logger, opts HandlerOptions) *Handler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &Handler{
		service:   s,
		stream:    b,
		audit:     a,
		auth:      opts.Auth,
		heartbeat: opts.Heartbeat,
		logger:    logger.With(zap.String("mod", "hub-http")),
		closing:   make(chan struct{}),
	}
}

// CloseStreams завершает все открытые SSE потоки (вызывается из http.Server.RegisterOnShutdown).
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// Routes — роутер hub.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(infra.TracingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		if h.auth != nil {
			r.Use(auth.NewMiddleware(h.auth, h.logger))
		}

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Post("/messages", h.SendMessage)
			r.Get("/messages", h.History)
			r.Post("/interrupt", h.Interrupt)
			r.Get("/events", h.Events)
		})

		r.Route("/agents/{slug}", func(r chi.Router) {
			r.Post("/sessions", h.StartSession)
			r.Get("/sessions", h.Sessions)
			r.Get("/servers", h.Servers)
			r.Get("/container", h.ContainerInfo)
			r.Post("/container/stop", h.StopContainer)
			r.Delete("/runtime", h.TeardownRuntime)
		})

		r.Post("/notifications", h.Notify)
		r.Get("/audit", h.AuditLogs)
	})
	return r
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		h.badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		h.badRequest(w, "content is required")
		return
	}

	msg, err := h.service.SendMessage(r.Context(), sessionID, req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"message": msg})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	msgs, calls, err := h.service.History(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "toolCalls": calls})
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.StartSession(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.Sessions(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) Servers(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.Servers(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) Interrupt(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Interrupt(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ContainerInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.ContainerInfo(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *Handler) StopContainer(w http.ResponseWriter, r *http.Request) {
	if err := h.service.StopContainer(r.Context(), chi.URLParam(r, "slug")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) TeardownRuntime(w http.ResponseWriter, r *http.Request) {
	if err := h.service.TeardownRuntime(r.Context(), chi.URLParam(r, "slug")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type notificationRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		h.badRequest(w, "invalid JSON body")
		return
	}
	if req.Title == "" && req.Body == "" {
		h.badRequest(w, "title or body is required")
		return
	}
	h.service.Notify(r.Context(), req.Title, req.Body)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	q := audit.Query{
		AgentSlug:   r.URL.Query().Get("agent"),
		RemoteMcpID: r.URL.Query().Get("server"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			h.badRequest(w, "limit must be an integer")
			return
		}
		q.Limit = limit
	}

	logs, err := h.audit.FetchLogs(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, logs)
}

// fail переводит ошибку ядра в статус. 5xx логируются.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("trace_id", infra.TraceID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	message := err.Error()
	var startErr *domain.StartError
	if errors.As(err, &startErr) {
		message = "agent container failed to start"
	}
	h.writeJSON(w, status, map[string]string{
		"error":   domain.ErrorKind(err),
		"message": message,
	})
}

func (h *Handler) badRequest(w http.ResponseWriter, message string) {
	h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}
