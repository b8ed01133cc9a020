package domain

// Snapshot is the partial session state that survives a reload.
type Snapshot struct {
	SessionID            string      `json:"sessionId"`
	Messages             []Message   `json:"messages"`
	OperatorActive       bool        `json:"isLiveChatActive"`
	OperatorName         string      `json:"agentName,omitempty"`
	LastChatState        Channel     `json:"lastChatState,omitempty"`
	ChatEnded            bool        `json:"chatEnded"`
	Widget               WidgetState `json:"widget"`
	AutomationErrorShown bool        `json:"connectionErrorShown"`
	OperatorErrorShown   bool        `json:"dashboardConnectionErrorShown"`
}

// State is the full public view of the session consumed by the chat surface.
type State struct {
	SessionID  string        `json:"sessionId"`
	Online     bool          `json:"online"`
	Messages   []Message     `json:"messages"`
	Handoff    HandoffState  `json:"handoff"`
	Feedback   FeedbackState `json:"feedback"`
	Widget     WidgetState   `json:"widget"`
	Automation ChannelView   `json:"automation"`
	Operator   ChannelView   `json:"operator"`
}
