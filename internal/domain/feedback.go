package domain

// FeedbackStatus is the submission state of the post-conversation rating.
type FeedbackStatus string

const (
	FeedbackIdle       FeedbackStatus = "idle"
	FeedbackSubmitting FeedbackStatus = "submitting"
	FeedbackSuccess    FeedbackStatus = "success"
	FeedbackError      FeedbackStatus = "error"
)

// FeedbackState holds the rating form and its submission status.
type FeedbackState struct {
	Status    FeedbackStatus `json:"status"`
	Rating    *int           `json:"rating"`
	Satisfied *bool          `json:"satisfied"`
	Comment   string         `json:"comment"`
	Endpoint  string         `json:"endpoint"`
}

// FeedbackRequest is the JSON body posted to the feedback endpoint.
type FeedbackRequest struct {
	SessionID string `json:"sessionId"`
	Rating    *int   `json:"rating"`
	Comment   string `json:"comment"`
	Satisfied *bool  `json:"satisfied"`
}
