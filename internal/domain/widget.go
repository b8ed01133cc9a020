package domain

// WidgetPosition is the docking position of the chat surface.
type WidgetPosition string

const (
	PositionBottomRight  WidgetPosition = "bottom-right"
	PositionBottomCenter WidgetPosition = "bottom-center"
	PositionBottomLeft   WidgetPosition = "bottom-left"
)

// Next returns the position that follows p in the docking cycle.
func (p WidgetPosition) Next() WidgetPosition {
	switch p {
	case PositionBottomRight:
		return PositionBottomCenter
	case PositionBottomCenter:
		return PositionBottomLeft
	default:
		return PositionBottomRight
	}
}

// WidgetState is the persisted presentation state of the chat surface.
type WidgetState struct {
	Open     bool           `json:"isOpen"`
	Position WidgetPosition `json:"widgetPosition"`
	Tab      string         `json:"activeTab"`
	Unread   int            `json:"unreadCount"`
}

// DefaultWidgetState returns the widget state used before anything is persisted.
func DefaultWidgetState() WidgetState {
	return WidgetState{
		Position: PositionBottomRight,
		Tab:      "home",
	}
}
