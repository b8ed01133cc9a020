// Package api exposes the chat session state and user actions over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/chatbridge/internal/channel"
	"github.com/ashureev/chatbridge/internal/domain"
	"github.com/ashureev/chatbridge/internal/eventloop"
	"github.com/ashureev/chatbridge/internal/feedback"
	"github.com/ashureev/chatbridge/internal/handoff"
	"github.com/ashureev/chatbridge/internal/identity"
	"github.com/ashureev/chatbridge/internal/middleware"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 64 << 10

// Session is the chat session the API drives.
type Session interface {
	State(ctx context.Context) (domain.State, error)
	SendMessage(ctx context.Context, text string) error
	ConfirmEndChat(ctx context.Context) error
	StartNewChat(ctx context.Context) (string, error)
	UpdateFeedback(ctx context.Context, in handoff.FeedbackInput) error
	SubmitFeedback(ctx context.Context) error
	SkipFeedback(ctx context.Context) error
	SetOnline(ctx context.Context, online bool) error
	UpdateWidget(ctx context.Context, in handoff.WidgetInput) (domain.WidgetState, error)
	CycleWidgetPosition(ctx context.Context) (domain.WidgetState, error)
}

// Events streams session state changes.
type Events interface {
	Subscribe() (<-chan domain.State, func())
	Count() int
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Degrader reports whether the session id fell back to process-local.
type Degrader interface {
	Degraded() bool
}

// Options configure the handler.
type Options struct {
	FrontendURL   string
	IsDevelopment bool
	MessageRate   float64
	MessageBurst  int
	HealthTimeout time.Duration
	Identity      Degrader
}

// Handler serves the chat API.
type Handler struct {
	session Session
	events  Events
	repo    Pinger
	limiter *middleware.RateLimiter
	opts    Options
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(session Session, events Events, repo Pinger, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MessageRate <= 0 {
		opts.MessageRate = 2
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 5
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	return &Handler{
		session: session,
		events:  events,
		repo:    repo,
		limiter: middleware.NewRateLimiter(opts.MessageRate, opts.MessageBurst, identity.IPFromRequest),
		opts:    opts,
		logger:  logger.With("component", "api"),
	}
}

// Limiter returns the message rate limiter so its cleanup can be scheduled.
func (h *Handler) Limiter() *middleware.RateLimiter { return h.limiter }

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/ws/events", h.StreamEvents)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.With(h.limiter.Handler(h.rateLimited)).Post("/messages", h.PostMessage)
		r.Post("/chat/end", h.EndChat)
		r.Post("/chat/new", h.NewChat)
		r.Post("/feedback", h.UpdateFeedback)
		r.Post("/feedback/submit", h.SubmitFeedback)
		r.Post("/feedback/skip", h.SkipFeedback)
		r.Post("/network", h.SetNetwork)
		r.Post("/widget", h.UpdateWidget)
		r.Post("/widget/position", h.CycleWidgetPosition)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (h *Handler) rateLimited(w http.ResponseWriter, r *http.Request) {
	h.logger.Warn("message rate limit exceeded", "ip", identity.IPFromRequest(r))
	Error(w, http.StatusTooManyRequests, "rate limit exceeded")
}

// fail maps a session error to its response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "path", r.URL.Path)
	} else {
		h.logger.Debug("request refused", "error", err, "path", r.URL.Path, "status", status)
	}
	Error(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, handoff.ErrInvalidRating):
		return http.StatusBadRequest
	case errors.Is(err, handoff.ErrChatEnded),
		errors.Is(err, handoff.ErrOffline),
		errors.Is(err, handoff.ErrHandoffInFlight),
		errors.Is(err, handoff.ErrFeedbackUnavailable),
		errors.Is(err, feedback.ErrSubmitting),
		errors.Is(err, feedback.ErrAlreadySubmitted):
		return http.StatusConflict
	case errors.Is(err, channel.ErrNotConnected),
		errors.Is(err, channel.ErrInactive),
		errors.Is(err, eventloop.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	Error(w, http.StatusBadRequest, "invalid request body")
	return false
}

// writeState responds with the session state after a successful action.
func (h *Handler) writeState(w http.ResponseWriter, r *http.Request) {
	s, err := h.session.State(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, s)
}
