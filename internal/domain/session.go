package domain

// Channel names one of the two realtime channels.
type Channel string

const (
	ChannelNone       Channel = ""
	ChannelAutomation Channel = "automation"
	ChannelOperator   Channel = "operator"
)

// ChannelStatus is the connection state of a channel.
type ChannelStatus string

const (
	StatusIdle         ChannelStatus = "idle"
	StatusConnecting   ChannelStatus = "connecting"
	StatusConnected    ChannelStatus = "connected"
	StatusReconnecting ChannelStatus = "reconnecting"
	StatusFailed       ChannelStatus = "failed"
	StatusClosed       ChannelStatus = "closed"
)

// ChannelView is the externally visible state of one channel connection.
type ChannelView struct {
	Status     ChannelStatus `json:"status"`
	Attempts   int           `json:"attempts"`
	ErrorShown bool          `json:"errorShown"`
}

// HandoffState tracks which channel carries outbound traffic.
type HandoffState struct {
	ActiveChannel        Channel `json:"activeChannel"`
	LastChatState        Channel `json:"lastChatState"`
	OperatorName         string  `json:"operatorName,omitempty"`
	ChatEnded            bool    `json:"chatEnded"`
	ConnectingToOperator bool    `json:"connectingToOperator"`
	ShowFeedback         bool    `json:"showFeedback"`
	Loading              bool    `json:"loading"`
	Typing               bool    `json:"typing"`
}

// InitialHandoffState is the state of a fresh conversation.
func InitialHandoffState() HandoffState {
	return HandoffState{
		ActiveChannel: ChannelAutomation,
		LastChatState: ChannelAutomation,
	}
}
