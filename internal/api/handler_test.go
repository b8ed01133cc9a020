//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatbridge/internal/channel"
	"github.com/ashureev/chatbridge/internal/domain"
	"github.com/ashureev/chatbridge/internal/handoff"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu       sync.Mutex
	state    domain.State
	err      error
	sent     []string
	feedback []handoff.FeedbackInput
	online   []bool
	ended    int
}

func (f *fakeSession) State(context.Context) (domain.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeSession) SendMessage(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSession) ConfirmEndChat(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ended++
	f.state.Handoff.ChatEnded = true
	return nil
}

func (f *fakeSession) StartNewChat(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.SessionID = "fresh"
	return f.state.SessionID, f.err
}

func (f *fakeSession) UpdateFeedback(_ context.Context, in handoff.FeedbackInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback = append(f.feedback, in)
	return f.err
}

func (f *fakeSession) SubmitFeedback(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSession) SkipFeedback(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSession) SetOnline(_ context.Context, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, online)
	f.state.Online = online
	return f.err
}

func (f *fakeSession) UpdateWidget(_ context.Context, in handoff.WidgetInput) (domain.WidgetState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in.Open != nil {
		f.state.Widget.Open = *in.Open
	}
	if in.Tab != nil {
		f.state.Widget.Tab = *in.Tab
	}
	return f.state.Widget, f.err
}

func (f *fakeSession) CycleWidgetPosition(context.Context) (domain.WidgetState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Widget.Position = f.state.Widget.Position.Next()
	return f.state.Widget, f.err
}

func (f *fakeSession) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeIdentity bool

func (d fakeIdentity) Degraded() bool { return bool(d) }

func newTestRouter(t *testing.T, opts Options, repo Pinger) (*fakeSession, *handoff.Hub, http.Handler) {
	t.Helper()
	session := &fakeSession{state: domain.State{
		SessionID: "session-1",
		Online:    true,
		Handoff:   domain.InitialHandoffState(),
		Widget:    domain.DefaultWidgetState(),
	}}
	hub := handoff.NewHub()
	r := chi.NewRouter()
	NewHandler(session, hub, repo, opts, nil).RegisterRoutes(r)
	return session, hub, r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestGetState(t *testing.T) {
	_, _, r := newTestRouter(t, Options{}, nil)

	w := do(t, r, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	s := decodeBody[domain.State](t, w)
	assert.Equal(t, "session-1", s.SessionID)
	assert.Equal(t, domain.ChannelAutomation, s.Handoff.ActiveChannel)
}

func TestPostMessage(t *testing.T) {
	session, _, r := newTestRouter(t, Options{MessageBurst: 100}, nil)

	w := do(t, r, http.MethodPost, "/api/messages", `{"text":"  hello  "}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"hello"}, session.sent)

	w = do(t, r, http.MethodPost, "/api/messages", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/messages", `{"text":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/messages", fmt.Sprintf(`{"text":%q}`, strings.Repeat("a", maxMessageRunes+1)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, session.sent, 1)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "chat ended", err: handoff.ErrChatEnded, want: http.StatusConflict},
		{name: "offline", err: handoff.ErrOffline, want: http.StatusConflict},
		{name: "handoff in flight", err: handoff.ErrHandoffInFlight, want: http.StatusConflict},
		{name: "channel down", err: fmt.Errorf("send to automation: %w", channel.ErrNotConnected), want: http.StatusServiceUnavailable},
		{name: "invalid rating", err: handoff.ErrInvalidRating, want: http.StatusBadRequest},
		{name: "unexpected", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, _, r := newTestRouter(t, Options{}, nil)
			session.setErr(tt.err)

			w := do(t, r, http.MethodPost, "/api/messages", `{"text":"hi"}`)
			assert.Equal(t, tt.want, w.Code)
			body := decodeBody[map[string]string](t, w)
			assert.Equal(t, tt.err.Error(), body["error"])
		})
	}
}

func TestMessageRateLimit(t *testing.T) {
	session, _, r := newTestRouter(t, Options{MessageRate: 0.001, MessageBurst: 2}, nil)

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/messages", `{"text":"one"}`).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/messages", `{"text":"two"}`).Code)
	w := do(t, r, http.MethodPost, "/api/messages", `{"text":"three"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, []string{"one", "two"}, session.sent)

	// Other actions are not limited.
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/api/state", "").Code)
}

func TestChatActions(t *testing.T) {
	session, _, r := newTestRouter(t, Options{}, nil)

	w := do(t, r, http.MethodPost, "/api/chat/end", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[domain.State](t, w).Handoff.ChatEnded)
	assert.Equal(t, 1, session.ended)

	session.setErr(handoff.ErrChatEnded)
	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/api/chat/end", "").Code)
	session.setErr(nil)

	w = do(t, r, http.MethodPost, "/api/chat/new", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fresh", decodeBody[domain.State](t, w).SessionID)
}

func TestFeedbackActions(t *testing.T) {
	session, _, r := newTestRouter(t, Options{}, nil)

	w := do(t, r, http.MethodPost, "/api/feedback", `{"rating":4,"comment":"quick"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, session.feedback, 1)
	require.NotNil(t, session.feedback[0].Rating)
	assert.Equal(t, 4, *session.feedback[0].Rating)
	assert.Nil(t, session.feedback[0].Satisfied)
	require.NotNil(t, session.feedback[0].Comment)
	assert.Equal(t, "quick", *session.feedback[0].Comment)

	assert.Equal(t, http.StatusAccepted, do(t, r, http.MethodPost, "/api/feedback/submit", "").Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/feedback/skip", "").Code)

	session.setErr(handoff.ErrFeedbackUnavailable)
	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/api/feedback/submit", "").Code)
}

func TestSetNetwork(t *testing.T) {
	session, _, r := newTestRouter(t, Options{}, nil)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/network", `{}`).Code)

	w := do(t, r, http.MethodPost, "/api/network", `{"online":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeBody[domain.State](t, w).Online)
	assert.Equal(t, []bool{false}, session.online)
}

func TestWidgetActions(t *testing.T) {
	_, _, r := newTestRouter(t, Options{}, nil)

	w := do(t, r, http.MethodPost, "/api/widget", `{"open":true,"tab":"chat"}`)
	require.Equal(t, http.StatusOK, w.Code)
	ws := decodeBody[domain.WidgetState](t, w)
	assert.True(t, ws.Open)
	assert.Equal(t, "chat", ws.Tab)

	w = do(t, r, http.MethodPost, "/api/widget/position", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.PositionBottomCenter, decodeBody[domain.WidgetState](t, w).Position)
}

func TestHealth(t *testing.T) {
	_, _, r := newTestRouter(t, Options{}, fakePinger{})
	w := do(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	_, _, r = newTestRouter(t, Options{}, fakePinger{err: errors.New("disk gone")})
	w = do(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeBody[map[string]interface{}](t, w)
	assert.Equal(t, "degraded", body["status"])
}

type healthBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func TestHealthReportsProcessLocalSessionID(t *testing.T) {
	_, _, r := newTestRouter(t, Options{Identity: fakeIdentity(true)}, fakePinger{})
	w := do(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[healthBody](t, w)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "process-local", body.Checks["session_id"])
	assert.Equal(t, "ok", body.Checks["database"])

	_, _, r = newTestRouter(t, Options{Identity: fakeIdentity(false)}, fakePinger{})
	w = do(t, r, http.MethodGet, "/health", "")
	body = decodeBody[healthBody](t, w)
	assert.Equal(t, "healthy", body.Status)
	assert.NotContains(t, body.Checks, "session_id")
}

func TestStreamEvents(t *testing.T) {
	_, hub, r := newTestRouter(t, Options{IsDevelopment: true}, nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	hub.Publish(domain.State{SessionID: "session-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events", nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	var first domain.State
	require.NoError(t, wsjson.Read(ctx, ws, &first))
	assert.Equal(t, "session-1", first.SessionID)
	assert.Equal(t, 1, hub.Count())

	hub.Publish(domain.State{SessionID: "session-1", Messages: []domain.Message{
		domain.TextMessage(time.Now(), domain.RoleAssistant, "hi"),
	}})
	var next domain.State
	require.NoError(t, wsjson.Read(ctx, ws, &next))
	require.Len(t, next.Messages, 1)
	assert.Equal(t, "hi", next.Messages[0].Content)
}

func TestOriginPatterns(t *testing.T) {
	h := NewHandler(&fakeSession{}, handoff.NewHub(), nil, Options{FrontendURL: "https://chat.example.com"}, nil)
	assert.Equal(t, []string{"chat.example.com"}, h.originPatterns())

	h = NewHandler(&fakeSession{}, handoff.NewHub(), nil, Options{}, nil)
	assert.Equal(t, []string{"*"}, h.originPatterns())
}
