// Package feedback implements the post-conversation rating submission.
package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/chatbridge/internal/domain"
	"github.com/ashureev/chatbridge/internal/eventloop"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrSubmitting is returned when a submission is already in flight.
	ErrSubmitting = errors.New("feedback: submission in progress")
	// ErrAlreadySubmitted is returned after a successful submission.
	ErrAlreadySubmitted = errors.New("feedback: already submitted")
	// ErrInvalidRating is returned for ratings outside 1-5.
	ErrInvalidRating = errors.New("feedback: rating must be between 1 and 5")
	// ErrUnexpectedStatus wraps non-2xx responses.
	ErrUnexpectedStatus = errors.New("feedback: unexpected status")
)

// User-facing notices.
const (
	NoticeThanks  = "Thank you for your feedback! Your chat session has ended."
	NoticeSkipped = "You have ended the chat session."
)

const anonymousSession = "anonymous-session"

// Breaker settings for the feedback endpoint.
const (
	breakerMaxFailures uint32        = 3
	breakerOpenFor     time.Duration = 30 * time.Second
)

// Config configures the controller.
type Config struct {
	Endpoint    string
	Timeout     time.Duration
	SuccessHold time.Duration
}

// Listener receives the controller's effects on session state.
type Listener interface {
	Append(msg domain.Message)
	// FeedbackCompleted hides the form and confirms the chat ended.
	FeedbackCompleted()
	Notify()
}

// Controller is the feedback state machine. All methods run on the event loop.
type Controller struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	sched   *eventloop.Scheduler
	host    Listener
	logger  *slog.Logger

	state domain.FeedbackState
	epoch uint64
	hold  *eventloop.Handle
}

// New creates an idle controller.
func New(cfg Config, client *http.Client, sched *eventloop.Scheduler, logger *slog.Logger) *Controller {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{cfg: cfg, client: client, sched: sched, logger: logger.With("component", "feedback")}
	c.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "feedback",
		MaxRequests: 1,
		Timeout:     breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	c.state = c.initialState()
	return c
}

// Bind attaches the session state the controller reports to.
func (c *Controller) Bind(l Listener) {
	c.host = l
}

func (c *Controller) initialState() domain.FeedbackState {
	return domain.FeedbackState{Status: domain.FeedbackIdle, Endpoint: c.cfg.Endpoint}
}

// State returns a copy of the feedback state.
func (c *Controller) State() domain.FeedbackState {
	s := c.state
	if s.Rating != nil {
		r := *s.Rating
		s.Rating = &r
	}
	if s.Satisfied != nil {
		v := *s.Satisfied
		s.Satisfied = &v
	}
	return s
}

// SetRating sets the 1-5 star rating.
func (c *Controller) SetRating(rating int) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	c.state.Rating = &rating
	return nil
}

// SetSatisfied records the thumbs up/down answer.
func (c *Controller) SetSatisfied(satisfied bool) {
	c.state.Satisfied = &satisfied
}

// SetComment records the free-text comment.
func (c *Controller) SetComment(comment string) {
	c.state.Comment = comment
}

// Submit posts the feedback for sessionID. The result arrives asynchronously.
func (c *Controller) Submit(sessionID string) error {
	switch c.state.Status {
	case domain.FeedbackSubmitting:
		return ErrSubmitting
	case domain.FeedbackSuccess:
		return ErrAlreadySubmitted
	}
	if strings.TrimSpace(sessionID) == "" {
		sessionID = anonymousSession
	}

	req := domain.FeedbackRequest{
		SessionID: sessionID,
		Rating:    c.state.Rating,
		Comment:   c.state.Comment,
		Satisfied: c.state.Satisfied,
	}
	c.state.Status = domain.FeedbackSubmitting
	c.epoch++
	epoch := c.epoch
	c.logger.Info("submitting feedback", "session_id", sessionID, "endpoint", c.cfg.Endpoint)

	go func() {
		_, err := c.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, c.post(context.Background(), req)
		})
		c.sched.Post(func() { c.submitted(epoch, err) })
	}()
	c.notify()
	return nil
}

func (c *Controller) submitted(epoch uint64, err error) {
	if epoch != c.epoch {
		c.logger.Debug("discarding stale feedback result")
		return
	}
	if err != nil {
		c.logger.Warn("feedback submission failed", "error", err)
		c.state.Status = domain.FeedbackError
		c.notify()
		return
	}

	c.state.Status = domain.FeedbackSuccess
	if c.host != nil {
		c.host.Append(domain.SystemMessage(c.sched.Now(), NoticeThanks))
	}
	c.hold = c.sched.After(c.cfg.SuccessHold, func() {
		c.hold = nil
		c.state.Status = domain.FeedbackIdle
		if c.host != nil {
			c.host.FeedbackCompleted()
		}
		c.notify()
	})
	c.notify()
}

// Skip ends the chat without submitting.
func (c *Controller) Skip() {
	c.epoch++
	c.hold.Cancel()
	c.hold = nil
	c.state.Status = domain.FeedbackIdle
	if c.host != nil {
		c.host.Append(domain.SystemMessage(c.sched.Now(), NoticeSkipped))
		c.host.FeedbackCompleted()
	}
	c.notify()
}

// Reset returns to idle with cleared fields, discarding any in-flight result.
func (c *Controller) Reset() {
	c.epoch++
	c.hold.Cancel()
	c.hold = nil
	c.state = c.initialState()
}

func (c *Controller) notify() {
	if c.host != nil {
		c.host.Notify()
	}
}

func (c *Controller) post(ctx context.Context, body domain.FeedbackRequest) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode feedback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build feedback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post feedback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	var ack json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("decode feedback response: %w", err)
	}
	return nil
}
