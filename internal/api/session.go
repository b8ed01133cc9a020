package api

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/chatbridge/internal/handoff"
)

const maxMessageRunes = 4000

type messageRequest struct {
	Text string `json:"text"`
}

type feedbackRequest struct {
	Rating    *int    `json:"rating"`
	Satisfied *bool   `json:"satisfied"`
	Comment   *string `json:"comment"`
}

type networkRequest struct {
	Online *bool `json:"online"`
}

type widgetRequest struct {
	Open *bool   `json:"open"`
	Tab  *string `json:"tab"`
}

// GetState returns the full session state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	h.writeState(w, r)
}

// PostMessage sends user text to the active channel.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		Error(w, http.StatusBadRequest, "text is too long")
		return
	}
	if err := h.session.SendMessage(r.Context(), text); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeState(w, r)
}

// EndChat is the user's confirmed end of the conversation.
func (h *Handler) EndChat(w http.ResponseWriter, r *http.Request) {
	if err := h.session.ConfirmEndChat(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeState(w, r)
}

// NewChat abandons the current session and starts a fresh one.
func (h *Handler) NewChat(w http.ResponseWriter, r *http.Request) {
	id, err := h.session.StartNewChat(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("new chat requested", "session_id", id)
	h.writeState(w, r)
}

// UpdateFeedback sets feedback form fields.
func (h *Handler) UpdateFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decode(w, r, &req) {
		return
	}
	in := handoff.FeedbackInput{Rating: req.Rating, Satisfied: req.Satisfied, Comment: req.Comment}
	if err := h.session.UpdateFeedback(r.Context(), in); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeState(w, r)
}

// SubmitFeedback posts the feedback form. The outcome arrives through state updates.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	if err := h.session.SubmitFeedback(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.session.State(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, s)
}

// SkipFeedback closes the feedback form.
func (h *Handler) SkipFeedback(w http.ResponseWriter, r *http.Request) {
	if err := h.session.SkipFeedback(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeState(w, r)
}

// SetNetwork records a host connectivity signal.
func (h *Handler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Online == nil {
		Error(w, http.StatusBadRequest, "online is required")
		return
	}
	if err := h.session.SetOnline(r.Context(), *req.Online); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeState(w, r)
}

// UpdateWidget opens or closes the widget and switches its tab.
func (h *Handler) UpdateWidget(w http.ResponseWriter, r *http.Request) {
	var req widgetRequest
	if !decode(w, r, &req) {
		return
	}
	ws, err := h.session.UpdateWidget(r.Context(), handoff.WidgetInput{Open: req.Open, Tab: req.Tab})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, ws)
}

// CycleWidgetPosition moves the widget to its next docking position.
func (h *Handler) CycleWidgetPosition(w http.ResponseWriter, r *http.Request) {
	ws, err := h.session.CycleWidgetPosition(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, ws)
}
