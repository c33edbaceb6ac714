package chat

// PersistedState mirrors whether the widget has ever been shown and whether the
// conversation is currently live.
type PersistedState struct {
	HasReceivedMessages bool `json:"hasReceivedMessages"`
	ChatActive          bool `json:"chatActive"`
}
