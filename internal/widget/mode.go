package widget

// Mode is what the widget renders.
type Mode string

const (
	ModeHidden          Mode = "hidden"
	ModeMinimizedBubble Mode = "minimized_bubble"
	ModeFullBubble      Mode = "full_bubble"
	ModePanelActive     Mode = "panel_active"
	ModePanelEnded      Mode = "panel_ended"
)

// StatusEnded is shown in place of the input once the operator ends the chat.
const StatusEnded = "Chat ended"

// View carries the presentation hints derived from State.
type View struct {
	Mode         Mode   `json:"mode"`
	ShowBadge    bool   `json:"showBadge"`
	UnreadCount  int    `json:"unreadCount"`
	InputEnabled bool   `json:"inputEnabled"`
	AutoFocus    bool   `json:"autoFocus"`
	ReadOnly     bool   `json:"readOnly"`
	StatusLabel  string `json:"statusLabel,omitempty"`
}

// Mode resolves the render mode. hasHistory reports whether any message exists.
func (s State) Mode(hasHistory bool) Mode {
	switch {
	case !s.Visible:
		return ModeHidden
	case s.PanelOpen && s.ChatActive:
		return ModePanelActive
	case s.PanelOpen:
		return ModePanelEnded
	case !s.ChatActive && hasHistory:
		return ModeMinimizedBubble
	default:
		return ModeFullBubble
	}
}

// View derives the presentation hints for the current state.
func (s State) View(hasHistory bool) View {
	v := View{Mode: s.Mode(hasHistory), UnreadCount: s.UnreadCount}
	switch v.Mode {
	case ModeFullBubble:
		v.ShowBadge = s.UnreadCount > 0
	case ModeMinimizedBubble:
		// opens onto the finished conversation
		v.ReadOnly = true
	case ModePanelActive:
		v.InputEnabled = true
		v.AutoFocus = true
	case ModePanelEnded:
		v.ReadOnly = true
		v.StatusLabel = StatusEnded
	}
	return v
}
